package zrtp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/secure_media/pkg/zrtp/cache"
)

// Transport определяет интерфейс доставки протокольных пакетов абоненту.
// Реализуется владельцем канала поверх его RTP транспорта.
type Transport interface {
	// SendPacket отправляет сериализованный протокольный пакет
	SendPacket(data []byte) error
}

// SRTPKeys ключевой материал SRTP для одного направления
type SRTPKeys struct {
	Cipher     Cipher
	AuthTag    AuthTag
	MasterKey  []byte
	MasterSalt []byte
}

// SessionBinder односторонний callback интерфейс к владеющей медиа
// сессии. Контекст уведомляет сессию, но не владеет ею: перед
// разрушением контекст отсоединяет binder, после чего стороны могут
// освобождаться независимо.
type SessionBinder interface {
	// InstallSRTPKeys атомарно устанавливает ключи обоих направлений
	InstallSRTPKeys(send, recv SRTPKeys) error
	// RemoveSRTPKeys снимает установленные ключи (переход в cleartext)
	RemoveSRTPKeys() error
	// OnEncryptionStateChanged сигнализирует смену состояния шифрования
	OnEncryptionStateChanged(secured bool)
}

// Role роль канала в согласовании
type Role int

const (
	RoleUndefined Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "undefined"
	}
}

// Context state machine одного защищаемого канала.
//
// Контекст управляется извне: владелец подает принятые протокольные
// пакеты через ProcessPacket и периодические тики через OnTimer из
// одного планирующего контекста. Контекст не создает горутин и не
// выполняет блокирующий I/O. Аксессоры потокобезопасны.
//
// Контекст эксклюзивно владеет выведенным ключевым материалом и
// зануляет его при разрушении.
type Context struct {
	mu sync.Mutex

	id        string
	config    Config
	machine   *fsm.FSM
	clearFSM  *fsm.FSM
	transport Transport
	binder    SessionBinder

	role    Role
	zid     [cache.ZIDLength]byte
	peerZID [cache.ZIDLength]byte

	localHello    *helloMessage
	localHelloRaw []byte
	peerHello     *helloMessage
	peerHelloRaw  []byte

	// ожидаемый hash Hello абонента, полученный out-of-band
	expectedPeerHelloHash string

	commitRaw  []byte
	dhPart1Raw []byte
	dhPart2Raw []byte
	commit     *commitMessage

	selected  AlgorithmSet
	eph       *ephemeralKey
	keys      *sessionKeys
	totalHash []byte
	sas       string

	auxSecret   []byte
	auxMismatch bool

	goClearEnabled bool
	peerAckedClear bool

	// multistream
	isMultistream bool
	primary       *Context
	msNonce       [16]byte

	// ретрансмиссия: один незавершенный протокольный шаг
	lastSentFrame  []byte
	nextResend     time.Time
	resendInterval time.Duration
	retransmits    int
	deadline       time.Time

	seq       uint16
	alive     atomic.Bool
	started   bool
	secured   bool
	startedAt time.Time
	failure   *Error
}

// NewContext создает контекст канала. ZID разрешается из конфигурации,
// кэша доверия или генерируется случайно; Hello сообщение строится
// сразу, чтобы HelloHash был доступен до запуска канала (для передачи
// через сигнализацию).
func NewContext(cfg Config, transport Transport, binder SessionBinder) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, newError(ErrorCodeConfigInvalid, "", "транспорт не задан")
	}

	c := &Context{
		id:             uuid.NewString(),
		config:         cfg,
		machine:        newChannelFSM(),
		transport:      transport,
		binder:         binder,
		goClearEnabled: cfg.AcceptGoClear,
		resendInterval: cfg.RetransmitInterval,
	}
	c.alive.Store(true)

	if err := c.resolveZID(); err != nil {
		return nil, err
	}
	c.buildLocalHello(false)

	slog.Debug("zrtp.context создан", "channel", c.id, "self", cfg.SelfURI, "peer", cfg.PeerURI)
	return c, nil
}

// resolveZID определяет собственный ZID: из конфигурации, из кэша
// доверия (стабильный между перезапусками) или случайный.
// Ошибки кэша деградируют до случайного ZID: согласование важнее кэша.
func (c *Context) resolveZID() error {
	var zero [cache.ZIDLength]byte
	if c.config.ZID != zero {
		c.zid = c.config.ZID
		return nil
	}
	if c.config.Cache != nil {
		zid, err := c.config.Cache.SelfZID(c.config.SelfURI, c.config.CacheMutex)
		if err == nil {
			c.zid = zid
			return nil
		}
		slog.Warn("zrtp.context ошибка кэша при чтении ZID, используется случайный",
			"channel", c.id, "error", err)
	}
	if _, err := rand.Read(c.zid[:]); err != nil {
		return wrapError(ErrorCodeConfigInvalid, c.id, "генерация ZID", err)
	}
	return nil
}

// buildLocalHello строит собственное Hello сообщение из списков
// предпочтений конфигурации
func (c *Context) buildLocalHello(multistream bool) {
	c.localHello = &helloMessage{
		Version:       ProtocolVersion,
		ZID:           c.zid,
		Multistream:   multistream,
		Hashes:        c.config.Hashes,
		Ciphers:       c.config.Ciphers,
		AuthTags:      c.config.AuthTags,
		KeyAgreements: c.config.KeyAgreements,
		SASTypes:      c.config.SASTypes,
	}
	c.localHelloRaw = c.localHello.marshal()
}

// StartChannel запускает согласование: движок начинает отправлять Hello
// пакеты. Повторный запуск того же канала возвращает
// ChannelAlreadyStarted. Вторичный multistream канал минует обмен Hello
// и ключами и входит сразу в фазу подтверждения.
func (c *Context) StartChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return newError(ErrorCodeContextDestroyed, c.id, "контекст разрушен")
	}
	if c.started {
		return newError(ErrorCodeChannelAlreadyStarted, c.id, "канал уже запущен")
	}
	c.started = true
	c.startedAt = time.Now()
	c.deadline = c.startedAt.Add(c.negotiationWindow())
	getMetrics().negotiationStarted(c.isMultistream)

	if c.isMultistream {
		return c.startMultistreamLocked()
	}

	// вспомогательный секрет из кэша, если не задан явно
	if c.auxSecret == nil && c.config.Cache != nil {
		if secret, ok := c.config.Cache.AuxSecret(
			c.config.SelfURI, c.config.PeerURI, c.config.KeyLifetime, c.config.CacheMutex); ok {
			c.auxSecret = secret
		}
	}

	switch c.machine.Current() {
	case StateIdle:
		if err := c.machine.Event(bg(), eventStart); err != nil {
			return wrapError(ErrorCodeChannelAlreadyStarted, c.id, "переход start", err)
		}
		c.sendMessage(MsgHello, c.localHello.marshal(), true)
		slog.Debug("zrtp.engine Hello отправлен", "channel", c.id)
		return nil
	case StateHelloReceived:
		if err := c.machine.Event(bg(), eventStart); err != nil {
			return wrapError(ErrorCodeChannelAlreadyStarted, c.id, "переход start", err)
		}
		c.sendMessage(MsgHello, c.localHello.marshal(), true)
		return c.onBothHellosLocked()
	default:
		return newError(ErrorCodeChannelAlreadyStarted, c.id, "канал уже запущен")
	}
}

// negotiationWindow общее окно согласования, продлеваемое
// ResetTransmissionTimer
func (c *Context) negotiationWindow() time.Duration {
	return c.config.RetransmitInterval * time.Duration(c.config.MaxRetransmits) * 4
}

// ResetTransmissionTimer продлевает окно согласования. Используется
// когда прогресс задержан взаимодействием с пользователем.
func (c *Context) ResetTransmissionTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retransmits = 0
	c.deadline = time.Now().Add(c.negotiationWindow())
}

// Destroy разрушает контекст: зануляет ключевой материал, отсоединяет
// callback к сессии и инвалидирует вторичные multistream контексты.
// Безопасен в любой момент: после возврата ни один callback не будет
// вызван.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return
	}
	c.alive.Store(false)

	if c.secured {
		getMetrics().channelClosed()
	}

	// сначала отсоединяется callback, затем стороны свободны независимо
	c.binder = nil
	c.transport = nil

	if c.keys != nil {
		c.keys.wipe()
		c.keys = nil
	}
	if c.eph != nil {
		c.eph.wipe()
		c.eph = nil
	}
	memzero(c.auxSecret)
	c.auxSecret = nil
	c.lastSentFrame = nil

	slog.Debug("zrtp.context разрушен", "channel", c.id)
}

// ID возвращает идентификатор канала
func (c *Context) ID() string {
	return c.id
}

// State возвращает текущее состояние канала
func (c *Context) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Role возвращает роль канала, определяемую после обмена Hello
func (c *Context) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Selected возвращает согласованный набор алгоритмов
func (c *Context) Selected() AlgorithmSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SAS возвращает Short Authentication String для сверки пользователем.
// Пустая строка до достижения состояния secured.
func (c *Context) SAS() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sas
}

// Failure возвращает ошибку, приведшую канал в состояние error
func (c *Context) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		return nil
	}
	return c.failure
}

// HelloHash возвращает hash собственного Hello в формате RFC 6189
// секция 8: "1.10 <hex sha-256>". Доступен сразу после создания
// контекста для передачи через сигнализацию.
func (c *Context) HelloHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := sha256.Sum256(c.localHelloRaw)
	return fmt.Sprintf("%s %s", ProtocolVersion, hex.EncodeToString(sum[:]))
}

// SetPeerHelloHash регистрирует ожидаемый hash Hello абонента,
// полученный out-of-band. Принятый Hello, чей hash не совпадает,
// приводит канал в error с HelloHashMismatch до установки ключей:
// защита от relay/MITM атак.
func (c *Context) SetPeerHelloHash(helloHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := strings.Fields(helloHash)
	if len(fields) != 2 || fields[0] != ProtocolVersion {
		return newError(ErrorCodeConfigInvalid, c.id, "неверный формат hello hash")
	}
	if _, err := hex.DecodeString(fields[1]); err != nil || len(fields[1]) != sha256.Size*2 {
		return newError(ErrorCodeConfigInvalid, c.id, "неверный hex в hello hash")
	}
	c.expectedPeerHelloHash = strings.ToLower(fields[1])

	// Hello мог быть принят до регистрации ожидаемого hash
	if c.peerHelloRaw != nil {
		if err := c.verifyPeerHelloHashLocked(); err != nil {
			c.failLocked(err.(*Error))
			return err
		}
	}
	return nil
}

// verifyPeerHelloHashLocked сверяет hash реально принятого Hello
// с зарегистрированным ожиданием
func (c *Context) verifyPeerHelloHashLocked() error {
	if c.expectedPeerHelloHash == "" || c.peerHelloRaw == nil {
		return nil
	}
	sum := sha256.Sum256(c.peerHelloRaw)
	if hex.EncodeToString(sum[:]) != c.expectedPeerHelloHash {
		return newError(ErrorCodeHelloHashMismatch, c.id,
			"hash принятого Hello не совпадает с ожидаемым")
	}
	return nil
}

// SetAuxiliarySharedSecret задает вспомогательный общий секрет.
// Допустим только до запуска канала: секрет участвует в выводе ключей.
func (c *Context) SetAuxiliarySharedSecret(secret []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return newError(ErrorCodeAuxSecretAfterStart, c.id,
			"вспомогательный секрет задается до запуска канала")
	}
	c.auxSecret = make([]byte, len(secret))
	copy(c.auxSecret, secret)
	return nil
}

// AuxiliarySharedSecretMismatch сообщает, был ли обнаружен
// рассинхронизированный вспомогательный секрет. Несовпадение не
// прерывает сессию: решение о реакции за вызывающим.
func (c *Context) AuxiliarySharedSecretMismatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxMismatch
}

// PeerStatus возвращает статус верификации абонента из кэша доверия.
// Без кэша или при ошибке кэша всегда Unknown: SAS все равно
// предъявляется пользователю.
func (c *Context) PeerStatus() cache.PeerStatus {
	if c.config.Cache == nil {
		return cache.PeerStatusUnknown
	}
	return c.config.Cache.PeerStatus(c.config.SelfURI, c.config.PeerURI, c.config.CacheMutex)
}

// SASVerified фиксирует подтверждение SAS пользователем в кэше доверия
func (c *Context) SASVerified() error {
	return c.recordVerification(true)
}

// SASResetVerified сбрасывает подтверждение SAS по запросу пользователя
func (c *Context) SASResetVerified() error {
	return c.recordVerification(false)
}

func (c *Context) recordVerification(verified bool) error {
	if c.config.Cache == nil {
		return newError(ErrorCodeCacheDisabled, c.id, "кэш доверия не подключен")
	}
	err := c.config.Cache.RecordVerification(
		c.config.SelfURI, c.config.PeerURI, verified, c.config.CacheMutex)
	if err != nil {
		return wrapError(ErrorCodeCacheError, c.id, "запись верификации", err)
	}
	return nil
}

// sendMessage сериализует и отправляет протокольное сообщение.
// retransmit=true ставит кадр на ретрансмиссию до следующего шага
// протокола (лестничный обмен: один незавершенный шаг за раз).
// Вызывается под mu.
func (c *Context) sendMessage(msgType MessageType, body []byte, retransmit bool) {
	c.seq++
	raw, err := marshalFrame(&frame{Sequence: c.seq, Type: msgType, Body: body})
	if err != nil {
		slog.Error("zrtp.engine ошибка сериализации", "channel", c.id, "type", msgType.String(), "error", err)
		return
	}
	if c.transport == nil {
		return
	}
	if err := c.transport.SendPacket(raw); err != nil {
		slog.Warn("zrtp.engine ошибка отправки", "channel", c.id, "type", msgType.String(), "error", err)
	}
	if retransmit {
		c.lastSentFrame = raw
		c.retransmits = 0
		c.resendInterval = c.config.RetransmitInterval
		c.nextResend = time.Now().Add(c.resendInterval)
	}
}

// disarmRetransmit снимает кадр с ретрансмиссии
func (c *Context) disarmRetransmit() {
	c.lastSentFrame = nil
}

// failLocked переводит канал в терминальное состояние error.
// Вызывается под mu. Выведенные ключи зануляются, владелец уведомляется
// сменой состояния шифрования.
func (c *Context) failLocked(err *Error) {
	if c.machine.Current() == StateError {
		return
	}
	c.failure = err
	c.disarmRetransmit()
	_ = c.machine.Event(bg(), eventFail)

	wasSecured := c.secured
	c.secured = false
	if c.keys != nil {
		c.keys.wipe()
		c.keys = nil
	}
	if c.eph != nil {
		c.eph.wipe()
		c.eph = nil
	}

	getMetrics().negotiationFailed(err.Code)
	if wasSecured {
		getMetrics().channelClosed()
	}
	if c.binder != nil && wasSecured {
		c.binder.OnEncryptionStateChanged(false)
	}
	slog.Warn("zrtp.engine канал переведен в error", "channel", c.id, "error", err)
}
