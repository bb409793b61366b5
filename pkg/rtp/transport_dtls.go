package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
)

// DTLSSRTPExportLabel метка экспортера ключевого материала DTLS-SRTP (RFC 5764)
const DTLSSRTPExportLabel = "EXTRACTOR-dtls_srtp"

// DTLSTransport реализует Transport поверх DTLS соединения.
// Служит альтернативным источником SRTP ключей: после завершения
// рукопожатия материал экспортируется через ExportKeyingMaterial
// и устанавливается в SRTP контексты (DTLS-SRTP, RFC 5764).
type DTLSTransport struct {
	mu         sync.RWMutex
	conn       net.Conn
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	cfg        DTLSTransportConfig
	client     bool
	active     bool
}

// DTLSTransportConfig конфигурация DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ServerName   string

	// PSK (Pre-Shared Key) настройки
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites []dtls.CipherSuiteID

	InsecureSkipVerify bool

	// Таймаут DTLS рукопожатия
	HandshakeTimeout time.Duration

	// MTU для фрагментации DTLS сообщений
	MTU int

	// Окно защиты от replay атак
	ReplayProtectionWindow int
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:        DefaultTransportConfig(),
		HandshakeTimeout:       30 * time.Second,
		MTU:                    1200,
		ReplayProtectionWindow: 64,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

func (c *DTLSTransportConfig) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 1500
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
}

// NewDTLSTransportClient создает транспорт и выполняет рукопожатие как клиент
func NewDTLSTransportClient(cfg DTLSTransportConfig) (*DTLSTransport, error) {
	if cfg.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для клиента")
	}
	cfg.applyDefaults()

	conn, err := net.Dial("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	t := &DTLSTransport{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
		cfg:        cfg,
		client:     true,
		active:     true,
	}

	if err := t.handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка установки DTLS соединения: %w", err)
	}
	return t, nil
}

// NewDTLSTransportServer создает транспорт в режиме сервера.
// Рукопожатие завершается при первом вызове Receive или Handshake.
func NewDTLSTransportServer(cfg DTLSTransportConfig) (*DTLSTransport, error) {
	cfg.applyDefaults()

	localAddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	if err := tuneSocketForVoice(udpConn, cfg.DSCP); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &DTLSTransport{
		conn:      newServerConn(udpConn),
		localAddr: udpConn.LocalAddr(),
		cfg:       cfg,
		active:    true,
	}, nil
}

// serverConn адаптирует слушающий UDP сокет под net.Conn для dtls.Server:
// удаленный адрес узнается из первой прочитанной датаграммы, запись идет
// на выученный адрес. Подходит только для одного абонента на сокет.
type serverConn struct {
	udp *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr
}

func newServerConn(udp *net.UDPConn) *serverConn {
	return &serverConn{udp: udp}
}

func (c *serverConn) Read(b []byte) (int, error) {
	n, addr, err := c.udp.ReadFromUDP(b)
	if addr != nil {
		c.mu.Lock()
		c.remote = addr
		c.mu.Unlock()
	}
	return n, err
}

func (c *serverConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return 0, fmt.Errorf("удаленный адрес еще не известен")
	}
	return c.udp.WriteToUDP(b, remote)
}

func (c *serverConn) Close() error                       { return c.udp.Close() }
func (c *serverConn) LocalAddr() net.Addr                { return c.udp.LocalAddr() }
func (c *serverConn) SetDeadline(t time.Time) error      { return c.udp.SetDeadline(t) }
func (c *serverConn) SetReadDeadline(t time.Time) error  { return c.udp.SetReadDeadline(t) }
func (c *serverConn) SetWriteDeadline(t time.Time) error { return c.udp.SetWriteDeadline(t) }

func (c *serverConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote
}

// Handshake выполняет DTLS рукопожатие если оно еще не завершено.
// Для клиента рукопожатие выполняется конструктором, для сервера
// вызов блокируется до прихода ClientHello.
func (t *DTLSTransport) Handshake() error {
	t.mu.RLock()
	done := t.dtlsConn != nil
	t.mu.RUnlock()
	if done {
		return nil
	}
	return t.handshake()
}

func (t *DTLSTransport) handshake() error {
	dtlsCfg := &dtls.Config{
		Certificates:           t.cfg.Certificates,
		RootCAs:                t.cfg.RootCAs,
		ServerName:             t.cfg.ServerName,
		CipherSuites:           t.cfg.CipherSuites,
		InsecureSkipVerify:     t.cfg.InsecureSkipVerify,
		PSK:                    t.cfg.PSK,
		PSKIdentityHint:        t.cfg.PSKIdentityHint,
		MTU:                    t.cfg.MTU,
		ReplayProtectionWindow: t.cfg.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	defer cancel()

	var dtlsConn *dtls.Conn
	var err error
	if t.client {
		dtlsConn, err = dtls.ClientWithContext(ctx, t.conn, dtlsCfg)
	} else {
		dtlsConn, err = dtls.ServerWithContext(ctx, t.conn, dtlsCfg)
	}
	if err != nil {
		return fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}

	t.mu.Lock()
	t.dtlsConn = dtlsConn
	if t.remoteAddr == nil {
		t.remoteAddr = t.conn.RemoteAddr()
	}
	t.mu.Unlock()
	return nil
}

// Send сериализует и отправляет RTP пакет через DTLS
func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}
	return t.SendRaw(data)
}

// SendRaw отправляет готовые байты пакета через DTLS
func (t *DTLSTransport) SendRaw(data []byte) error {
	t.mu.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if dtlsConn == nil {
		return fmt.Errorf("DTLS соединение не установлено")
	}

	if _, err := dtlsConn.Write(data); err != nil {
		return fmt.Errorf("ошибка отправки DTLS пакета: %w", err)
	}
	return nil
}

// Receive получает пакет через DTLS. Для сервера первый вызов
// завершает рукопожатие.
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, []byte, net.Addr, error) {
	t.mu.RLock()
	active := t.active
	bufferSize := t.cfg.BufferSize
	t.mu.RUnlock()

	if !active {
		return nil, nil, nil, fmt.Errorf("транспорт не активен")
	}

	if err := t.Handshake(); err != nil {
		return nil, nil, nil, err
	}

	t.mu.RLock()
	dtlsConn := t.dtlsConn
	t.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, bufferSize)
	dtlsConn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))

	n, err := dtlsConn.Read(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		default:
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, nil, err
		}
		return nil, nil, nil, fmt.Errorf("ошибка чтения DTLS: %w", err)
	}

	raw := buffer[:n]
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return nil, nil, nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}

	return packet, raw, t.RemoteAddr(), nil
}

// LocalAddr возвращает локальный адрес
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает удаленный адрес
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.remoteAddr != nil {
		return t.remoteAddr
	}
	return t.conn.RemoteAddr()
}

// SetRemoteAddr устанавливает удаленный адрес
func (t *DTLSTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// Close закрывает DTLS транспорт
func (t *DTLSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	var errs []error
	if t.dtlsConn != nil {
		if err := t.dtlsConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия DTLS соединения: %w", err))
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия UDP соединения: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ошибки при закрытии: %v", errs)
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *DTLSTransport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active && t.dtlsConn != nil
}

// IsHandshakeComplete проверяет завершено ли DTLS рукопожатие
func (t *DTLSTransport) IsHandshakeComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dtlsConn != nil
}

// IsClient сообщает роль стороны в рукопожатии
func (t *DTLSTransport) IsClient() bool {
	return t.client
}

// ExportKeyingMaterial экспортирует ключевой материал завершенного
// рукопожатия для вывода SRTP ключей (RFC 5764)
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	t.mu.RLock()
	dtlsConn := t.dtlsConn
	t.mu.RUnlock()

	if dtlsConn == nil {
		return nil, fmt.Errorf("DTLS соединение не установлено")
	}

	state := dtlsConn.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}
