package zrtp

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"log/slog"
	"time"
)

// Обработка принятых протокольных пакетов и таймерных тиков.
// Обе точки входа вызываются владельцем из одного планирующего
// контекста; поздние пакеты после разрушения контекста отбрасываются
// по флагу живости.

// ProcessPacket подает принятый протокольный пакет в state machine
// канала. Неожиданные для текущего состояния сообщения (ретрансмиссии
// абонента) игнорируются; нарушение формата фатально для канала.
func (c *Context) ProcessPacket(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return newError(ErrorCodeContextDestroyed, c.id, "пакет после разрушения контекста")
	}
	if c.machine.Current() == StateError || c.machine.Current() == StateDisabled {
		return nil
	}

	f, err := unmarshalFrame(data)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}

	slog.Debug("zrtp.engine принято сообщение",
		"channel", c.id, "type", f.Type.String(), "state", c.machine.Current())

	switch f.Type {
	case MsgHello:
		return c.handleHello(f)
	case MsgHelloACK:
		c.handleHelloACK()
		return nil
	case MsgCommit:
		return c.handleCommit(f)
	case MsgDHPart1:
		return c.handleDHPart1(f)
	case MsgDHPart2:
		return c.handleDHPart2(f)
	case MsgConfirm1:
		return c.handleConfirm1(f)
	case MsgConfirm2:
		return c.handleConfirm2(f)
	case MsgConf2ACK:
		c.handleConf2ACK()
		return nil
	case MsgGoClear:
		return c.handleGoClear()
	case MsgClearACK:
		return c.handleClearACK()
	case MsgBack2Secure:
		return c.handleBack2Secure()
	case MsgError:
		return c.handlePeerError(f)
	default:
		return nil
	}
}

// OnTimer подает периодический тик: ретрансмиссия незавершенного шага
// протокола и контроль общего окна согласования.
func (c *Context) OnTimer(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return
	}
	state := c.machine.Current()
	if state == StateError || state == StateDisabled {
		return
	}

	if c.started && !c.secured && !c.deadline.IsZero() && now.After(c.deadline) {
		c.failLocked(newError(ErrorCodeNegotiationTimeout, c.id, "окно согласования исчерпано"))
		return
	}

	if c.lastSentFrame == nil || now.Before(c.nextResend) {
		return
	}
	if c.retransmits >= c.config.MaxRetransmits {
		if !c.secured {
			c.failLocked(newError(ErrorCodeNegotiationTimeout, c.id, "предел ретрансмиссий исчерпан"))
		} else {
			// защищенный канал не роняем из-за потерянного GoClear шага
			c.disarmRetransmit()
		}
		return
	}

	if c.transport != nil {
		if err := c.transport.SendPacket(c.lastSentFrame); err != nil {
			slog.Warn("zrtp.engine ошибка ретрансмиссии", "channel", c.id, "error", err)
		}
	}
	c.retransmits++
	c.resendInterval *= 2
	if c.resendInterval > 2*time.Second {
		c.resendInterval = 2 * time.Second
	}
	c.nextResend = now.Add(c.resendInterval)
}

// handleHello обрабатывает объявление возможностей абонента
func (c *Context) handleHello(f *frame) error {
	if c.isMultistream {
		// multistream канал не обменивается Hello
		return nil
	}
	if c.peerHello != nil {
		// ретрансмиссия абонента: повторяем подтверждение
		c.sendMessage(MsgHelloACK, nil, false)
		return nil
	}

	hello, err := parseHello(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	if hello.Version != ProtocolVersion {
		protoErr := newError(ErrorCodeMalformedPacket, c.id,
			"неподдерживаемая версия протокола "+hello.Version)
		c.sendErrorMessage(uint16(ErrorCodeMalformedPacket))
		c.failLocked(protoErr)
		return protoErr
	}

	c.peerHello = hello
	c.peerHelloRaw = append([]byte(nil), f.Body...)
	c.peerZID = hello.ZID
	c.sendMessage(MsgHelloACK, nil, false)

	if err := c.verifyPeerHelloHashLocked(); err != nil {
		protoErr := err.(*Error)
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}

	switch c.machine.Current() {
	case StateIdle:
		if err := c.machine.Event(bg(), eventPeerHello); err != nil {
			return nil
		}
		if c.config.AutoStart {
			// запуск по первому Hello: выходим из-под собственного
			// мьютекса через внутренний путь
			c.started = true
			c.startedAt = time.Now()
			c.deadline = c.startedAt.Add(c.negotiationWindow())
			getMetrics().negotiationStarted(false)
			if err := c.machine.Event(bg(), eventStart); err != nil {
				return nil
			}
			c.sendMessage(MsgHello, c.localHello.marshal(), true)
			return c.onBothHellosLocked()
		}
		return nil
	case StateHelloSent:
		if err := c.machine.Event(bg(), eventPeerHello); err != nil {
			return nil
		}
		return c.onBothHellosLocked()
	default:
		return nil
	}
}

// handleHelloACK останавливает ретрансмиссию собственного Hello
func (c *Context) handleHelloACK() {
	if c.machine.Current() == StateHelloSent || c.machine.Current() == StateNegotiating {
		c.disarmRetransmit()
	}
}

// onBothHellosLocked вызывается когда доступны оба Hello: определяет
// роль и запускает выбор алгоритмов на стороне инициатора.
// Роль детерминирована сравнением ZID: Commit отправляет сторона
// с лексикографически большим ZID.
func (c *Context) onBothHellosLocked() error {
	cmp := bytes.Compare(c.zid[:], c.peerZID[:])
	if cmp == 0 {
		protoErr := newError(ErrorCodeMalformedPacket, c.id, "совпадающие ZID сторон")
		c.failLocked(protoErr)
		return protoErr
	}
	if cmp > 0 {
		c.role = RoleInitiator
	} else {
		c.role = RoleResponder
	}
	slog.Debug("zrtp.engine роль определена", "channel", c.id, "role", c.role.String())

	if c.role == RoleResponder {
		// ответчик ждет Commit инициатора
		return nil
	}

	selected, err := selectAlgorithms(c.localHello, c.peerHello)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}
	c.selected = selected
	slog.Info("zrtp.engine алгоритмы согласованы", "channel", c.id, "set", selected.String())

	eph, err := generateEphemeralKey(selected.KeyAgreement)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	c.eph = eph

	commit := &commitMessage{
		ZID:          c.zid,
		Hash:         selected.Hash,
		Cipher:       selected.Cipher,
		AuthTag:      selected.AuthTag,
		KeyAgreement: selected.KeyAgreement,
		SASType:      selected.SASType,
	}
	if _, err := rand.Read(commit.Nonce[:]); err != nil {
		c.failLocked(wrapError(ErrorCodeKeyAgreementFailed, c.id, "генерация nonce", err))
		return c.failure
	}
	c.commitRaw = commit.marshal()
	if err := c.machine.Event(bg(), eventAgreed); err != nil {
		return nil
	}
	c.sendMessage(MsgCommit, c.commitRaw, true)
	return nil
}

// handleCommit обрабатывает фиксацию алгоритмов инициатором
// (сторона ответчика)
func (c *Context) handleCommit(f *frame) error {
	commit, err := parseCommit(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}

	if commit.Multistream {
		return c.handleMultistreamCommit(commit, f.Body)
	}
	if c.machine.Current() != StateNegotiating || c.role != RoleResponder {
		return nil
	}
	if c.commit != nil {
		return nil
	}

	set := AlgorithmSet{
		Hash:         commit.Hash,
		Cipher:       commit.Cipher,
		AuthTag:      commit.AuthTag,
		KeyAgreement: commit.KeyAgreement,
		SASType:      commit.SASType,
	}
	if !c.localHello.supportsSet(set) {
		protoErr := newError(ErrorCodeNoCommonAlgorithm, c.id,
			"Commit требует не заявленные нами алгоритмы")
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}
	c.commit = commit
	c.commitRaw = append([]byte(nil), f.Body...)
	c.selected = set
	slog.Info("zrtp.engine алгоритмы приняты", "channel", c.id, "set", set.String())

	eph, err := generateEphemeralKey(set.KeyAgreement)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	c.eph = eph

	if err := c.machine.Event(bg(), eventAgreed); err != nil {
		return nil
	}

	part := &dhPartMessage{
		Public: eph.public,
		AuxID:  auxSecretID(c.auxSecret, "Responder"),
	}
	c.dhPart1Raw = part.marshal()
	c.sendMessage(MsgDHPart1, c.dhPart1Raw, true)
	return nil
}

// handleDHPart1 обрабатывает публичный ключ ответчика
// (сторона инициатора)
func (c *Context) handleDHPart1(f *frame) error {
	if c.machine.Current() != StateKeyAgreement || c.role != RoleInitiator {
		return nil
	}
	if c.dhPart1Raw != nil {
		return nil
	}

	part, err := parseDHPart(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	c.dhPart1Raw = append([]byte(nil), f.Body...)

	mixAux := c.checkAuxMatch(part.AuxID, "Responder")

	own := &dhPartMessage{
		Public: c.eph.public,
		AuxID:  auxSecretID(c.auxSecret, "Initiator"),
	}
	c.dhPart2Raw = own.marshal()

	if err := c.deriveChannelKeys(part.Public, mixAux); err != nil {
		protoErr := err.(*Error)
		c.failLocked(protoErr)
		return protoErr
	}
	if err := c.machine.Event(bg(), eventDHDone); err != nil {
		return nil
	}
	c.sendMessage(MsgDHPart2, c.dhPart2Raw, true)
	return nil
}

// handleDHPart2 обрабатывает публичный ключ инициатора
// (сторона ответчика)
func (c *Context) handleDHPart2(f *frame) error {
	if c.machine.Current() != StateKeyAgreement || c.role != RoleResponder {
		return nil
	}
	if c.dhPart2Raw != nil {
		return nil
	}

	part, err := parseDHPart(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	c.dhPart2Raw = append([]byte(nil), f.Body...)

	mixAux := c.checkAuxMatch(part.AuxID, "Initiator")

	if err := c.deriveChannelKeys(part.Public, mixAux); err != nil {
		protoErr := err.(*Error)
		c.failLocked(protoErr)
		return protoErr
	}
	if err := c.machine.Event(bg(), eventDHDone); err != nil {
		return nil
	}

	confirm := &confirmMessage{
		MAC: computeConfirmMAC(c.selected, c.keys.responderConfirmKey, c.totalHash),
	}
	c.sendMessage(MsgConfirm1, confirm.marshal(), true)
	return nil
}

// checkAuxMatch сверяет идентификатор вспомогательного секрета абонента
// с ожидаемым. Возвращает true если секрет совпал и подмешивается
// в вывод ключей; любое расхождение фиксируется флагом без прерывания.
func (c *Context) checkAuxMatch(peerAuxID [8]byte, peerRoleLabel string) bool {
	var zero [8]byte
	peerHasAux := peerAuxID != zero
	localHasAux := len(c.auxSecret) > 0

	switch {
	case !peerHasAux && !localHasAux:
		return false
	case peerHasAux != localHasAux:
		c.auxMismatch = true
		slog.Warn("zrtp.engine вспомогательный секрет задан только одной стороной", "channel", c.id)
		return false
	default:
		expected := auxSecretID(c.auxSecret, peerRoleLabel)
		if !hmac.Equal(expected[:], peerAuxID[:]) {
			c.auxMismatch = true
			slog.Warn("zrtp.engine вспомогательные секреты не совпадают", "channel", c.id)
			return false
		}
		return true
	}
}

// deriveChannelKeys выполняет обмен ключами и вывод всего ключевого
// материала канала. Транскрипт: Hello ответчика, Commit, оба DHPart.
func (c *Context) deriveChannelKeys(peerPublic [32]byte, mixAux bool) error {
	dh, err := c.eph.sharedSecret(c.selected.KeyAgreement, peerPublic)
	if err != nil {
		return err
	}
	defer memzero(dh)

	var respHelloRaw []byte
	var zidI, zidR [12]byte
	if c.role == RoleInitiator {
		respHelloRaw = c.peerHelloRaw
		zidI, zidR = c.zid, c.peerZID
	} else {
		respHelloRaw = c.localHelloRaw
		zidI, zidR = c.peerZID, c.zid
	}
	c.totalHash = computeTotalHash(c.selected, respHelloRaw, c.commitRaw, c.dhPart1Raw, c.dhPart2Raw)

	var aux []byte
	if mixAux {
		aux = c.auxSecret
	}
	keys, err := deriveKeys(c.selected, dh, aux, c.totalHash, zidI, zidR)
	if err != nil {
		return err
	}
	c.keys = keys
	c.eph.wipe()
	c.eph = nil
	return nil
}

// handleConfirm1 обрабатывает подтверждение ответчика
// (сторона инициатора)
func (c *Context) handleConfirm1(f *frame) error {
	if c.machine.Current() != StateConfirming || c.role != RoleInitiator {
		return nil
	}
	if c.secured {
		return nil
	}

	confirm, err := parseConfirm(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}
	if c.isMultistream {
		return c.handleMultistreamConfirm1(confirm)
	}

	want := computeConfirmMAC(c.selected, c.keys.responderConfirmKey, c.totalHash)
	if !hmac.Equal(want[:], confirm.MAC[:]) {
		protoErr := newError(ErrorCodeConfirmMismatch, c.id, "HMAC Confirm1 не совпадает")
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

// handleConfirm2 обрабатывает подтверждение инициатора
// (сторона ответчика)
func (c *Context) handleConfirm2(f *frame) error {
	if c.machine.Current() != StateConfirming || c.role != RoleResponder {
		return nil
	}
	if c.secured {
		// ретрансмиссия инициатора: повторяем подтверждение
		c.sendMessage(MsgConf2ACK, nil, false)
		return nil
	}

	confirm, err := parseConfirm(f.Body)
	if err != nil {
		protoErr := err.(*Error)
		protoErr.ChannelID = c.id
		c.failLocked(protoErr)
		return protoErr
	}

	want := computeConfirmMAC(c.selected, c.keys.initiatorConfirmKey, c.totalHash)
	if !hmac.Equal(want[:], confirm.MAC[:]) {
		protoErr := newError(ErrorCodeConfirmMismatch, c.id, "HMAC Confirm2 не совпадает")
		c.sendErrorMessage(uint16(protoErr.Code))
		c.failLocked(protoErr)
		return protoErr
	}

	c.sendMessage(MsgConf2ACK, nil, false)
	return c.secureChannelLocked()
}

// handleConf2ACK останавливает ретрансмиссию Confirm2, либо завершает
// возврат из cleartext в защищенный режим
func (c *Context) handleConf2ACK() {
	if c.clearFSM != nil && c.clearFSM.Current() == ClearStateConfirming {
		_ = c.clearFSM.Event(bg(), eventSecureRestored)
		c.disarmRetransmit()
		getMetrics().goClearTransition(ClearStateSecure)
		slog.Info("zrtp.goclear защищенный режим восстановлен", "channel", c.id)
		return
	}
	c.disarmRetransmit()
}

// secureChannelLocked завершает согласование: вычисляет SAS, атомарно
// устанавливает SRTP ключи в сессию и обновляет кэш доверия.
// Ошибки кэша логируются и не мешают каналу стать защищенным.
func (c *Context) secureChannelLocked() error {
	c.sas = renderSAS(c.selected.SASType, c.keys.sasValue)
	if c.role == RoleResponder {
		// инициатор продолжает ретрансмиссию Confirm2 до Conf2ACK
		c.disarmRetransmit()
	}

	if err := c.machine.Event(bg(), eventConfirmed); err != nil {
		return nil
	}
	c.secured = true
	c.clearFSM = newGoClearFSM()

	if c.binder != nil {
		send, recv := c.directionKeys()
		if err := c.binder.InstallSRTPKeys(send, recv); err != nil {
			installErr := wrapError(ErrorCodeKeyAgreementFailed, c.id, "установка SRTP ключей", err)
			c.failLocked(installErr)
			return installErr
		}
		c.binder.OnEncryptionStateChanged(true)
	}

	if c.config.Cache != nil && !c.isMultistream {
		if err := c.config.Cache.RegisterPeer(
			c.config.SelfURI, c.config.PeerURI, c.peerZID, c.config.CacheMutex); err != nil {
			slog.Warn("zrtp.engine ошибка записи в кэш доверия", "channel", c.id, "error", err)
		}
	}

	getMetrics().negotiationSecured(time.Since(c.startedAt))
	slog.Info("zrtp.engine канал защищен",
		"channel", c.id, "role", c.role.String(), "set", c.selected.String(), "sas", c.sas)
	return nil
}

// directionKeys возвращает ключи направлений отправки и приема
// в зависимости от роли канала
func (c *Context) directionKeys() (send, recv SRTPKeys) {
	initiatorKeys := SRTPKeys{
		Cipher:     c.selected.Cipher,
		AuthTag:    c.selected.AuthTag,
		MasterKey:  c.keys.initiatorSRTPKey,
		MasterSalt: c.keys.initiatorSRTPSalt,
	}
	responderKeys := SRTPKeys{
		Cipher:     c.selected.Cipher,
		AuthTag:    c.selected.AuthTag,
		MasterKey:  c.keys.responderSRTPKey,
		MasterSalt: c.keys.responderSRTPSalt,
	}
	if c.role == RoleInitiator {
		return initiatorKeys, responderKeys
	}
	return responderKeys, initiatorKeys
}

// handlePeerError обрабатывает сообщение о фатальной ошибке абонента
func (c *Context) handlePeerError(f *frame) error {
	msg, err := parseError(f.Body)
	if err != nil {
		return nil
	}
	protoErr := newError(ErrorCode(msg.Code), c.id, "абонент сообщил об ошибке")
	c.failLocked(protoErr)
	return protoErr
}

// sendErrorMessage отправляет абоненту код фатальной ошибки
func (c *Context) sendErrorMessage(code uint16) {
	msg := &errorMessage{Code: code}
	c.sendMessage(MsgError, msg.marshal(), false)
}
