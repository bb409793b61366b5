package media

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/pion/rtp"

	rtpPkg "github.com/arzzra/secure_media/pkg/rtp"
	"github.com/arzzra/secure_media/pkg/zrtp"
)

// Проверка на соответствие интерфейсам во время компиляции
var (
	_ Session            = (*session)(nil)
	_ zrtp.SessionBinder = (*session)(nil)
	_ zrtp.Transport     = (*session)(nil)
)

// SessionState представляет текущее состояние медиа сессии
type SessionState int

const (
	MediaStateIdle SessionState = iota
	MediaStateActive
	MediaStateClosed
)

func (s SessionState) String() string {
	switch s {
	case MediaStateIdle:
		return "idle"
	case MediaStateActive:
		return "active"
	case MediaStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig конфигурация медиа сессии
type SessionConfig struct {
	// SessionID идентификатор сессии для логов и callback'ов
	SessionID string
	// Installer установщик SRTP ключей, по умолчанию pion/srtp
	Installer KeyInstaller
	// PayloadType payload type исходящих медиа пакетов
	PayloadType uint8
	// OnEncryptionStateChanged уведомление о смене состояния шифрования
	OnEncryptionStateChanged EncryptionStateHandler
	// OnMediaReceived callback расшифрованных медиа пакетов
	OnMediaReceived MediaHandler
	// OnProtocolPacket callback протокольных пакетов согласования,
	// подключается к движку через BindProtocolHandler
	OnProtocolPacket func(payload []byte)
}

// DefaultSessionConfig возвращает конфигурацию по умолчанию
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PayloadType: 0, // PCMU
	}
}

// session медиа сессия с поддержкой SRTP шифрования.
//
// Сессия владеет RTP транспортами канала и демультиплексирует входящий
// поток: протокольные пакеты согласования уходят движку, медиа пакеты
// расшифровываются установленным SRTP контекстом. Установка ключей
// атомарна относительно обработки пакетов: ни один пакет не
// обрабатывается под наполовину установленным ключом.
//
// session реализует zrtp.SessionBinder и является целевой стороной
// одностороннего callback интерфейса движка.
type session struct {
	sessionID string

	// RTP транспорты (может быть несколько каналов)
	transports   map[string]rtpPkg.Transport
	sessionMutex sync.RWMutex

	// Состояние
	state      SessionState
	stateMutex sync.RWMutex

	// Безопасность: ключи и состояние шифрования под одним мьютексом
	// с путем обработки пакетов
	installer KeyInstaller
	secState  SecurityState
	secMutex  sync.RWMutex

	// Обработчики событий
	callbacksMutex   sync.RWMutex
	onEncState       EncryptionStateHandler
	onMediaReceived  MediaHandler
	onProtocolPacket func([]byte)

	// Исходящий поток
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32

	// Управление жизненным циклом
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession создает медиа сессию
func NewSession(config SessionConfig) (Session, error) {
	if config.SessionID == "" {
		return nil, newMediaError(ErrorCodeSessionInvalidConfig, "", "не задан идентификатор сессии")
	}
	installer := config.Installer
	if installer == nil {
		installer = NewSRTPInstaller()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		sessionID:        config.SessionID,
		transports:       make(map[string]rtpPkg.Transport),
		state:            MediaStateIdle,
		installer:        installer,
		onEncState:       config.OnEncryptionStateChanged,
		onMediaReceived:  config.OnMediaReceived,
		onProtocolPacket: config.OnProtocolPacket,
		payloadType:      config.PayloadType,
		ssrc:             rand.Uint32(),
		seq:              uint16(rand.Uint32()),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// AddRTPSession добавляет RTP транспорт под указанным идентификатором
func (s *session) AddRTPSession(rtpSessionID string, transport rtpPkg.Transport) error {
	s.sessionMutex.Lock()
	defer s.sessionMutex.Unlock()

	if s.getState() == MediaStateClosed {
		return newMediaError(ErrorCodeSessionClosed, s.sessionID, "сессия закрыта")
	}
	s.transports[rtpSessionID] = transport

	if s.getState() == MediaStateActive {
		s.startReceiveLoop(rtpSessionID, transport)
	}
	return nil
}

// RemoveRTPSession удаляет RTP транспорт
func (s *session) RemoveRTPSession(rtpSessionID string) error {
	s.sessionMutex.Lock()
	defer s.sessionMutex.Unlock()

	if _, ok := s.transports[rtpSessionID]; !ok {
		return newMediaError(ErrorCodeRTPSessionNotFound, s.sessionID,
			"RTP сессия "+rtpSessionID+" не найдена")
	}
	delete(s.transports, rtpSessionID)
	return nil
}

// Start запускает прием на всех добавленных транспортах
func (s *session) Start() error {
	s.stateMutex.Lock()
	if s.state != MediaStateIdle {
		s.stateMutex.Unlock()
		return newMediaError(ErrorCodeSessionAlreadyStarted, s.sessionID, "сессия уже запущена")
	}
	s.state = MediaStateActive
	s.stateMutex.Unlock()

	s.sessionMutex.RLock()
	defer s.sessionMutex.RUnlock()
	for id, transport := range s.transports {
		s.startReceiveLoop(id, transport)
	}
	slog.Debug("media.session запущена", "session", s.sessionID)
	return nil
}

// Stop останавливает сессию и закрывает транспорты
func (s *session) Stop() error {
	s.stateMutex.Lock()
	if s.state == MediaStateClosed {
		s.stateMutex.Unlock()
		return nil
	}
	s.state = MediaStateClosed
	s.stateMutex.Unlock()

	s.cancel()

	s.sessionMutex.Lock()
	for _, transport := range s.transports {
		_ = transport.Close()
	}
	s.sessionMutex.Unlock()

	s.wg.Wait()
	slog.Debug("media.session остановлена", "session", s.sessionID)
	return nil
}

func (s *session) GetState() SessionState {
	return s.getState()
}

func (s *session) getState() SessionState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// SecurityState возвращает снимок состояния шифрования сессии
func (s *session) SecurityState() SecurityState {
	s.secMutex.RLock()
	defer s.secMutex.RUnlock()
	return s.secState
}

// BindProtocolHandler подключает обработчик протокольных пакетов
// (вход движка согласования)
func (s *session) BindProtocolHandler(handler func(payload []byte)) {
	s.callbacksMutex.Lock()
	defer s.callbacksMutex.Unlock()
	s.onProtocolPacket = handler
}

// SetGoClearState обновляет подсостояние GoClear в снимке состояния
func (s *session) SetGoClearState(state string) {
	s.secMutex.Lock()
	defer s.secMutex.Unlock()
	s.secState.GoClearState = state
}

// startReceiveLoop запускает горутину приема для транспорта.
// Вызывается под sessionMutex.
func (s *session) startReceiveLoop(rtpSessionID string, transport rtpPkg.Transport) {
	s.wg.Add(1)
	go s.receiveLoop(rtpSessionID, transport)
}

// receiveLoop демультиплексирует входящий поток транспорта
func (s *session) receiveLoop(rtpSessionID string, transport rtpPkg.Transport) {
	defer s.wg.Done()
	slog.Debug("media.receiveLoop Started", "session", s.sessionID, "rtp", rtpSessionID)

	for {
		select {
		case <-s.ctx.Done():
			slog.Debug("media.receiveLoop Stopped", "session", s.sessionID, "rtp", rtpSessionID)
			return
		default:
		}

		pkt, raw, _, err := transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				slog.Debug("media.receiveLoop Stopped", "session", s.sessionID, "rtp", rtpSessionID)
				return
			}
			continue
		}
		s.dispatchIncoming(pkt, raw, rtpSessionID)
	}
}

// dispatchIncoming маршрутизирует принятый пакет: протокольные пакеты
// согласования уходят движку, медиа расшифровывается под secMutex
// (атомарность относительно установки ключей).
func (s *session) dispatchIncoming(pkt *rtp.Packet, raw []byte, rtpSessionID string) {
	if zrtp.IsProtocolPacket(pkt.Payload) {
		s.callbacksMutex.RLock()
		handler := s.onProtocolPacket
		s.callbacksMutex.RUnlock()
		if handler != nil {
			handler(pkt.Payload)
		}
		return
	}

	s.secMutex.RLock()
	plain, err := s.unprotectLocked(raw)
	s.secMutex.RUnlock()
	if err != nil {
		slog.Warn("media.session пакет отброшен", "session", s.sessionID, "error", err)
		return
	}

	decoded := &rtp.Packet{}
	if err := decoded.Unmarshal(plain); err != nil {
		return
	}

	s.callbacksMutex.RLock()
	handler := s.onMediaReceived
	s.callbacksMutex.RUnlock()
	if handler != nil {
		handler(decoded, rtpSessionID)
	}
}

// unprotectLocked расшифровывает пакет установленным контекстом приема.
// Вызывается под secMutex.
func (s *session) unprotectLocked(raw []byte) ([]byte, error) {
	type unprotector interface {
		UnprotectRTP(raw []byte) ([]byte, error)
	}
	if u, ok := s.installer.(unprotector); ok {
		return u.UnprotectRTP(raw)
	}
	return raw, nil
}

// SendMedia отправляет медиа пакет через указанный транспорт,
// шифруя его при активном SRTP
func (s *session) SendMedia(rtpSessionID string, payload []byte, samples uint32) error {
	if s.getState() != MediaStateActive {
		return newMediaError(ErrorCodeSessionNotStarted, s.sessionID, "сессия не запущена")
	}

	s.sessionMutex.RLock()
	transport, ok := s.transports[rtpSessionID]
	s.sessionMutex.RUnlock()
	if !ok {
		return newMediaError(ErrorCodeRTPSessionNotFound, s.sessionID,
			"RTP сессия "+rtpSessionID+" не найдена")
	}

	s.secMutex.Lock()
	s.seq++
	s.timestamp += samples
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := s.protectLocked(pkt)
	s.secMutex.Unlock()
	if err != nil {
		return err
	}

	if err := transport.SendRaw(data); err != nil {
		return wrapMediaError(ErrorCodeRTPSendFailed, s.sessionID, "отправка медиа пакета", err)
	}
	return nil
}

// protectLocked шифрует пакет установленным контекстом отправки.
// Вызывается под secMutex.
func (s *session) protectLocked(pkt *rtp.Packet) ([]byte, error) {
	type protector interface {
		ProtectRTP(pkt *rtp.Packet) ([]byte, error)
	}
	if p, ok := s.installer.(protector); ok {
		return p.ProtectRTP(pkt)
	}
	return pkt.Marshal()
}

// SendPacket отправляет протокольный пакет согласования всем
// транспортам сессии открытым текстом. Реализация zrtp.Transport
// для подключенного движка.
func (s *session) SendPacket(data []byte) error {
	s.sessionMutex.RLock()
	defer s.sessionMutex.RUnlock()

	if len(s.transports) == 0 {
		return newMediaError(ErrorCodeRTPSessionNotFound, s.sessionID, "нет активных транспортов")
	}
	for _, transport := range s.transports {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				PayloadType: s.payloadType,
				SSRC:        s.ssrc,
			},
			Payload: data,
		}
		if err := transport.Send(pkt); err != nil {
			return wrapMediaError(ErrorCodeRTPSendFailed, s.sessionID, "отправка протокольного пакета", err)
		}
	}
	return nil
}

// InstallSRTPKeys атомарно устанавливает ключи обоих направлений.
// Реализация zrtp.SessionBinder. Обработка пакетов удерживается
// на время установки: полуустановленный ключ невозможен.
func (s *session) InstallSRTPKeys(send, recv zrtp.SRTPKeys) error {
	return s.installKeys(send, recv, KeySourceZRTP)
}

// InstallDTLSKeys устанавливает ключи, выведенные из DTLS рукопожатия
// (DTLS-SRTP). Та же атомарность, что и у ключей согласования,
// отличается только источник в состоянии безопасности.
func (s *session) InstallDTLSKeys(send, recv zrtp.SRTPKeys) error {
	return s.installKeys(send, recv, KeySourceDTLS)
}

func (s *session) installKeys(send, recv zrtp.SRTPKeys, source KeySource) error {
	s.secMutex.Lock()
	defer s.secMutex.Unlock()

	if err := s.installer.InstallKey(DirectionSend, send); err != nil {
		return err
	}
	if err := s.installer.InstallKey(DirectionReceive, recv); err != nil {
		// установка направления приема не удалась: откатываем отправку,
		// чтобы не остаться под половиной ключа
		_ = s.installer.RemoveKey(DirectionSend)
		return err
	}
	s.secState.SendSuite = send.Cipher.String() + "/" + send.AuthTag.String()
	s.secState.RecvSuite = recv.Cipher.String() + "/" + recv.AuthTag.String()
	s.secState.Source = source
	slog.Info("media.session SRTP ключи установлены", "session", s.sessionID,
		"source", source, "send", s.secState.SendSuite, "recv", s.secState.RecvSuite)
	return nil
}

// RemoveSRTPKeys снимает ключи обоих направлений (переход в cleartext)
func (s *session) RemoveSRTPKeys() error {
	s.secMutex.Lock()
	defer s.secMutex.Unlock()

	if err := s.installer.RemoveKey(DirectionSend); err != nil {
		return err
	}
	if err := s.installer.RemoveKey(DirectionReceive); err != nil {
		return err
	}
	s.secState.SendSuite = ""
	s.secState.RecvSuite = ""
	s.secState.Source = KeySourceUnset
	return nil
}

// OnEncryptionStateChanged уведомление движка о смене состояния
// шифрования
func (s *session) OnEncryptionStateChanged(secured bool) {
	s.secMutex.Lock()
	s.secState.Secured = secured
	s.secMutex.Unlock()

	s.callbacksMutex.RLock()
	handler := s.onEncState
	s.callbacksMutex.RUnlock()
	if handler != nil {
		handler(s.sessionID, secured)
	}
}
