package zrtp

import "log/slog"

// GoClear подпротокол: кооперативный переход защищенного канала
// в открытый режим и обратно (RFC 6189 секция 5.11).
//
// Инициатор: secure -> (GoClear) -> ожидание ClearACK -> cleartext.
// Ответчик: secure -> (принят GoClear) -> ожидание явного подтверждения
// пользователя -> cleartext. Автоматического перехода у ответчика нет:
// защита от молчаливого снятия шифрования.

// EnableGoClear включает или выключает возможность GoClear на канале
func (c *Context) EnableGoClear(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goClearEnabled = enable
}

// SendGoClear инициирует переход в открытый режим. Отправка SRTP
// прекращается по приему ClearACK от абонента.
func (c *Context) SendGoClear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.goClearEnabled {
		return newError(ErrorCodeGoClearDisabled, c.id, "GoClear выключен конфигурацией")
	}
	if !c.secured || c.clearFSM == nil {
		return newError(ErrorCodeNotSecured, c.id, "канал не в защищенном состоянии")
	}
	if err := c.clearFSM.Event(bg(), eventSendGoClear); err != nil {
		return newError(ErrorCodeNotSecured, c.id, "GoClear уже выполняется")
	}
	c.peerAckedClear = false
	c.sendMessage(MsgGoClear, nil, true)
	getMetrics().goClearTransition(ClearStateGoClearSent)
	slog.Info("zrtp.goclear запрошен переход в открытый режим", "channel", c.id)
	return nil
}

// handleGoClear обрабатывает запрос абонента на переход в открытый режим
func (c *Context) handleGoClear() error {
	if !c.secured || c.clearFSM == nil {
		return nil
	}
	if !c.goClearEnabled {
		// отказ не фатален: абонент исчерпает ретрансмиссии и останется
		// в защищенном режиме
		slog.Warn("zrtp.goclear запрос абонента отклонен: GoClear выключен", "channel", c.id)
		return nil
	}
	switch c.clearFSM.Current() {
	case ClearStateSecure:
		if err := c.clearFSM.Event(bg(), eventRecvGoClear); err != nil {
			return nil
		}
		getMetrics().goClearTransition(ClearStateGoClearReceived)
		slog.Info("zrtp.goclear принят запрос абонента, требуется подтверждение пользователя",
			"channel", c.id)
	case ClearStateCleartext:
		// ретрансмиссия абонента: повторяем подтверждение
		c.sendMessage(MsgClearACK, nil, false)
	}
	return nil
}

// ConfirmGoClear явное подтверждение пользователем перехода в открытый
// режим на стороне ответчика. Единственный путь ответчика в cleartext.
func (c *Context) ConfirmGoClear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clearFSM == nil || c.clearFSM.Current() != ClearStateGoClearReceived {
		return newError(ErrorCodeNotSecured, c.id, "нет ожидающего подтверждения GoClear")
	}
	if err := c.clearFSM.Event(bg(), eventUserConfirm); err != nil {
		return newError(ErrorCodeNotSecured, c.id, "переход в открытый режим невозможен")
	}
	c.sendMessage(MsgClearACK, nil, false)
	c.enterCleartextLocked()
	return nil
}

// handleClearACK завершает переход инициатора в открытый режим
func (c *Context) handleClearACK() error {
	if c.clearFSM == nil || c.clearFSM.Current() != ClearStateGoClearSent {
		return nil
	}
	if err := c.clearFSM.Event(bg(), eventClearAck); err != nil {
		return nil
	}
	c.peerAckedClear = true
	c.disarmRetransmit()
	c.enterCleartextLocked()
	return nil
}

// enterCleartextLocked снимает SRTP ключи с сессии и уведомляет
// владельца. Выведенный ключевой материал сохраняется для возврата
// в защищенный режим без повторного обмена ключами.
func (c *Context) enterCleartextLocked() {
	if c.binder != nil {
		if err := c.binder.RemoveSRTPKeys(); err != nil {
			slog.Warn("zrtp.goclear ошибка снятия SRTP ключей", "channel", c.id, "error", err)
		}
		c.binder.OnEncryptionStateChanged(false)
	}
	getMetrics().goClearTransition(ClearStateCleartext)
	slog.Info("zrtp.goclear канал в открытом режиме", "channel", c.id)
}

// PeerAcceptedGoClear сообщает, подтвердил ли абонент переход
// в открытый режим. Неблокирующий опрос.
func (c *Context) PeerAcceptedGoClear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAckedClear
}

// BackToSecureMode возвращает канал из открытого режима в защищенный.
// Существующие ключи переустанавливаются без повторного обмена:
// сессионный материал не покидал контекст.
func (c *Context) BackToSecureMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clearFSM == nil || c.clearFSM.Current() != ClearStateCleartext {
		return newError(ErrorCodeNotCleartext, c.id, "канал не в открытом режиме")
	}
	if c.keys == nil {
		return newError(ErrorCodeNotSecured, c.id, "сессионные ключи утрачены")
	}
	if err := c.reinstallKeysLocked(); err != nil {
		return err
	}
	if err := c.clearFSM.Event(bg(), eventBackToSecure); err != nil {
		return newError(ErrorCodeNotCleartext, c.id, "возврат в защищенный режим невозможен")
	}
	c.sendMessage(MsgBack2Secure, nil, true)
	getMetrics().goClearTransition(ClearStateConfirming)
	slog.Info("zrtp.goclear запрошен возврат в защищенный режим", "channel", c.id)
	return nil
}

// handleBack2Secure обрабатывает возврат абонента в защищенный режим
func (c *Context) handleBack2Secure() error {
	if c.clearFSM == nil {
		return nil
	}
	switch c.clearFSM.Current() {
	case ClearStateCleartext:
		if err := c.reinstallKeysLocked(); err != nil {
			return err
		}
		if err := c.clearFSM.Event(bg(), eventSecureRestored); err != nil {
			return nil
		}
		c.sendMessage(MsgConf2ACK, nil, false)
		getMetrics().goClearTransition(ClearStateSecure)
		slog.Info("zrtp.goclear защищенный режим восстановлен", "channel", c.id)
	case ClearStateSecure:
		// ретрансмиссия абонента: повторяем подтверждение
		c.sendMessage(MsgConf2ACK, nil, false)
	}
	return nil
}

// reinstallKeysLocked переустанавливает сохраненные SRTP ключи в сессию
func (c *Context) reinstallKeysLocked() error {
	if c.binder == nil {
		return nil
	}
	send, recv := c.directionKeys()
	if err := c.binder.InstallSRTPKeys(send, recv); err != nil {
		return wrapError(ErrorCodeKeyAgreementFailed, c.id, "переустановка SRTP ключей", err)
	}
	c.binder.OnEncryptionStateChanged(true)
	return nil
}

// GoClearState возвращает подсостояние GoClear защищенного канала.
// Пустая строка до достижения secured.
func (c *Context) GoClearState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearFSM == nil {
		return ""
	}
	return c.clearFSM.Current()
}
