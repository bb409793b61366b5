package zrtp

import (
	"crypto/hmac"
	"crypto/rand"
	"log/slog"

	"github.com/google/uuid"
)

// Multistream режим: дополнительные каналы (например видео рядом
// с аудио) привязываются к уже завершенному согласованию и выводят
// собственные SRTP ключи из master секрета первичного канала,
// не повторяя обмен ключами.
//
// Вторичный контекст держит невладеющую ссылку на первичный:
// разрушение первичного инвалидирует вторичные, что детектируется
// по флагу живости при следующем использовании. Разрушение вторичного
// никогда не затрагивает первичный.

// NewMultistream создает вторичный контекст, привязанный к защищенному
// первичному. Возвращает PrimaryNotSecured если первичный канал
// не достиг состояния secured.
func NewMultistream(primary *Context, transport Transport, binder SessionBinder) (*Context, error) {
	if primary == nil {
		return nil, newError(ErrorCodePrimaryNotSecured, "", "первичный контекст не задан")
	}
	if transport == nil {
		return nil, newError(ErrorCodeConfigInvalid, "", "транспорт не задан")
	}

	primary.mu.Lock()
	defer primary.mu.Unlock()

	if !primary.alive.Load() {
		return nil, newError(ErrorCodeMultistreamStale, "", "первичный контекст разрушен")
	}
	if !primary.secured {
		return nil, newError(ErrorCodePrimaryNotSecured, primary.id,
			"первичный канал не в состоянии secured")
	}

	c := &Context{
		id:             uuid.NewString(),
		config:         primary.config,
		machine:        newChannelFSM(),
		transport:      transport,
		binder:         binder,
		goClearEnabled: primary.config.AcceptGoClear,
		resendInterval: primary.config.RetransmitInterval,
		isMultistream:  true,
		primary:        primary,
		role:           primary.role,
		zid:            primary.zid,
		peerZID:        primary.peerZID,
		selected:       primary.selected,
	}
	c.alive.Store(true)
	c.buildLocalHello(true)

	slog.Debug("zrtp.multistream вторичный контекст создан",
		"channel", c.id, "primary", primary.id)
	return c, nil
}

// primaryStaleLocked проверяет живость первичного контекста.
// Вызывается только до secured: после вывода собственных ключей
// вторичный канал первичный не разыменовывает.
func (c *Context) primaryStaleLocked() bool {
	return c.primary == nil || !c.primary.alive.Load()
}

// primarySessionKey возвращает копию session key первичного канала.
// Копия нужна, чтобы вывод ключей не держал ссылку на материал,
// который первичный контекст занулит при разрушении.
func (c *Context) primarySessionKey() ([]byte, bool) {
	c.primary.mu.Lock()
	defer c.primary.mu.Unlock()
	if !c.primary.alive.Load() || c.primary.keys == nil {
		return nil, false
	}
	key := make([]byte, len(c.primary.keys.zrtpSessionKey))
	copy(key, c.primary.keys.zrtpSessionKey)
	return key, true
}

// startMultistreamLocked запускает вторичный канал. Роль наследуется
// от первичного: инициатор отправляет multistream Commit со свежим
// nonce, ответчик ждет его в фазе подтверждения.
func (c *Context) startMultistreamLocked() error {
	if c.primaryStaleLocked() {
		staleErr := newError(ErrorCodeMultistreamStale, c.id, "первичный контекст разрушен")
		c.failLocked(staleErr)
		return staleErr
	}

	if err := c.machine.Event(bg(), eventMultistream); err != nil {
		return wrapError(ErrorCodeChannelAlreadyStarted, c.id, "переход multistream", err)
	}

	if c.role != RoleInitiator {
		// ответчик ждет multistream Commit инициатора
		return nil
	}

	if _, err := rand.Read(c.msNonce[:]); err != nil {
		failErr := wrapError(ErrorCodeKeyAgreementFailed, c.id, "генерация multistream nonce", err)
		c.failLocked(failErr)
		return failErr
	}
	if err := c.deriveMultistreamLocked(c.msNonce); err != nil {
		c.failLocked(err.(*Error))
		return err
	}

	commit := &commitMessage{
		ZID:          c.zid,
		Multistream:  true,
		Hash:         c.selected.Hash,
		Cipher:       c.selected.Cipher,
		AuthTag:      c.selected.AuthTag,
		KeyAgreement: c.selected.KeyAgreement,
		SASType:      c.selected.SASType,
		Nonce:        c.msNonce,
	}
	c.commitRaw = commit.marshal()
	c.sendMessage(MsgCommit, c.commitRaw, true)
	slog.Debug("zrtp.multistream Commit отправлен", "channel", c.id)
	return nil
}

// deriveMultistreamLocked выводит ключи вторичного канала из session
// key первичного и nonce. Транскрипт подтверждения - multistream Commit.
func (c *Context) deriveMultistreamLocked(nonce [16]byte) error {
	sessionKey, ok := c.primarySessionKey()
	if !ok {
		return newError(ErrorCodeMultistreamStale, c.id, "первичный контекст разрушен")
	}
	defer memzero(sessionKey)

	var zidI, zidR [12]byte
	if c.role == RoleInitiator {
		zidI, zidR = c.zid, c.peerZID
	} else {
		zidI, zidR = c.peerZID, c.zid
	}
	keys, err := deriveMultistreamKeys(c.selected, sessionKey, nonce, zidI, zidR)
	if err != nil {
		return err
	}
	c.keys = keys
	return nil
}

// handleMultistreamCommit обрабатывает multistream Commit инициатора
// (сторона ответчика вторичного канала)
func (c *Context) handleMultistreamCommit(commit *commitMessage, raw []byte) error {
	if !c.isMultistream || c.role != RoleResponder {
		// multistream Commit на обычном канале - нарушение протокола
		if !c.isMultistream {
			protoErr := newError(ErrorCodeMalformedPacket, c.id,
				"multistream Commit на первичном канале")
			c.failLocked(protoErr)
			return protoErr
		}
		return nil
	}
	if c.machine.Current() != StateConfirming || c.keys != nil {
		return nil
	}
	if c.primaryStaleLocked() {
		staleErr := newError(ErrorCodeMultistreamStale, c.id, "первичный контекст разрушен")
		c.failLocked(staleErr)
		return staleErr
	}

	set := AlgorithmSet{
		Hash:         commit.Hash,
		Cipher:       commit.Cipher,
		AuthTag:      commit.AuthTag,
		KeyAgreement: commit.KeyAgreement,
		SASType:      commit.SASType,
	}
	if set != c.selected {
		protoErr := newError(ErrorCodeNoCommonAlgorithm, c.id,
			"multistream Commit меняет согласованный набор алгоритмов")
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}

	c.msNonce = commit.Nonce
	c.commitRaw = append([]byte(nil), raw...)
	if err := c.deriveMultistreamLocked(c.msNonce); err != nil {
		c.failLocked(err.(*Error))
		return err
	}

	c.totalHash = computeTotalHash(c.selected, c.commitRaw)
	confirm := &confirmMessage{
		MAC: computeConfirmMAC(c.selected, c.keys.responderConfirmKey, c.totalHash),
	}
	c.sendMessage(MsgConfirm1, confirm.marshal(), true)
	return nil
}

// handleMultistreamConfirm1 завершает вторичный канал на стороне
// инициатора: совпадение HMAC доказывает, что абонент вывел те же
// ключи из того же первичного секрета.
func (c *Context) handleMultistreamConfirm1(confirm *confirmMessage) error {
	c.totalHash = computeTotalHash(c.selected, c.commitRaw)
	want := computeConfirmMAC(c.selected, c.keys.responderConfirmKey, c.totalHash)
	if !hmac.Equal(want[:], confirm.MAC[:]) {
		protoErr := newError(ErrorCodeConfirmMismatch, c.id, "HMAC multistream Confirm1 не совпадает")
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}
	own := &confirmMessage{
		MAC: computeConfirmMAC(c.selected, c.keys.initiatorConfirmKey, c.totalHash),
	}
	c.sendMessage(MsgConfirm2, own.marshal(), true)
	return c.secureChannelLocked()
}
