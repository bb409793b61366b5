package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	// MinRTPPacketSize минимальный размер RTP заголовка
	MinRTPPacketSize = 12
	// MaxRTPPacketSize максимальный размер пакета (MTU limit)
	MaxRTPPacketSize = 1500
	// ExpectedRTPVersion RFC 3550: версия RTP должна быть 2
	ExpectedRTPVersion = 2
)

// UDPTransport реализует Transport интерфейс для UDP.
// Оптимизирован для телефонии (низкая латентность).
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает новый UDP транспорт для RTP
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	// Настраиваем сокет для голосового трафика
	if err := tuneSocketForVoice(conn, config.DSCP); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	transport := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}

	if config.RemoteAddr != "" {
		remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
		}
		transport.remoteAddr = remoteAddr
	}

	return transport, nil
}

// Send сериализует и отправляет RTP пакет по UDP
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	return t.SendRaw(data)
}

// SendRaw отправляет готовые байты пакета по UDP.
// Используется для SRTP пакетов, которые уже сериализованы и подписаны.
func (t *UDPTransport) SendRaw(data []byte) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if remoteAddr == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	if err := validatePacketSize(len(data)); err != nil {
		return fmt.Errorf("невалидный размер исходящего пакета: %w", err)
	}

	if _, err := conn.WriteToUDP(data, remoteAddr); err != nil {
		return fmt.Errorf("UDP write: %w", err)
	}
	return nil
}

// Receive получает пакет по UDP. Возвращает разобранный пакет и его
// сырые байты: для SRTP расшифровки нужен исходный вид пакета.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, []byte, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, nil, fmt.Errorf("транспорт не активен")
	}

	select {
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, bufferSize)

	// Короткий таймаут чтения, чтобы периодически проверять контекст
	conn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		default:
		}
		return nil, nil, nil, fmt.Errorf("UDP read: %w", err)
	}

	if err := validatePacketSize(n); err != nil {
		return nil, nil, nil, fmt.Errorf("невалидный размер пакета: %w", err)
	}

	// Автоматически запоминаем удаленный адрес при первом пакете
	t.mutex.Lock()
	if t.remoteAddr == nil {
		t.remoteAddr = addr
	}
	t.mutex.Unlock()

	raw := buffer[:n]
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return nil, nil, nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, nil, nil, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}

	return packet, raw, addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.remoteAddr
}

// SetRemoteAddr устанавливает удаленный адрес
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// tuneSocketForVoice настраивает UDP сокет для голосового трафика:
// DSCP маркировка и platform-specific оптимизации
func tuneSocketForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = setSockOptVoice(int(fd), dscp)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// validatePacketSize проверяет размер пакета для защиты от DoS атак
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}
