package zrtp

import (
	"context"

	"github.com/looplab/fsm"
)

// bg контекст для переходов fsm: движок синхронный, отмена не нужна
func bg() context.Context {
	return context.Background()
}

// Состояния канала согласования. Единственное стабильное нетерминальное
// состояние - secured: канал остается в нем до разрушения или перехода
// в открытый режим через GoClear.
// idle          – канал создан, Hello не отправлялся;
// hello_sent    – собственный Hello отправлен, ждем Hello абонента;
// hello_received – Hello абонента принят до запуска канала;
// negotiating   – оба Hello доступны, выбор общего набора алгоритмов;
// key_agreement – выполняется обмен ключами;
// confirming    – обмен подтверждающими HMAC, вычисление SAS;
// secured       – ключи установлены в транспорт;
// error         – терминальное состояние после фатальной ошибки;
// disabled      – терминальное состояние, канал отключен.
const (
	StateIdle          = "idle"
	StateHelloSent     = "hello_sent"
	StateHelloReceived = "hello_received"
	StateNegotiating   = "negotiating"
	StateKeyAgreement  = "key_agreement"
	StateConfirming    = "confirming"
	StateSecured       = "secured"
	StateError         = "error"
	StateDisabled      = "disabled"
)

// События канала согласования
const (
	eventStart       = "start"
	eventPeerHello   = "peer_hello"
	eventAgreed      = "agreed"
	eventDHDone      = "dh_done"
	eventConfirmed   = "confirmed"
	eventMultistream = "multistream"
	eventFail        = "fail"
	eventDisable     = "disable"
)

// newChannelFSM создает state machine канала согласования.
// Вторичный multistream канал входит сразу в confirming по событию
// multistream, минуя обмен ключами.
func newChannelFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateHelloSent},
			{Name: eventStart, Src: []string{StateHelloReceived}, Dst: StateNegotiating},
			{Name: eventPeerHello, Src: []string{StateIdle}, Dst: StateHelloReceived},
			{Name: eventPeerHello, Src: []string{StateHelloSent}, Dst: StateNegotiating},
			{Name: eventAgreed, Src: []string{StateNegotiating}, Dst: StateKeyAgreement},
			{Name: eventDHDone, Src: []string{StateKeyAgreement}, Dst: StateConfirming},
			{Name: eventConfirmed, Src: []string{StateConfirming}, Dst: StateSecured},
			{Name: eventMultistream, Src: []string{StateIdle, StateHelloSent}, Dst: StateConfirming},
			{Name: eventFail, Src: []string{
				StateIdle, StateHelloSent, StateHelloReceived, StateNegotiating,
				StateKeyAgreement, StateConfirming, StateSecured,
			}, Dst: StateError},
			{Name: eventDisable, Src: []string{StateIdle}, Dst: StateDisabled},
		}, nil,
	)
}

// Подсостояния GoClear поверх secured.
// secure           – SRTP активен;
// goclear_sent     – GoClear отправлен, ждем ClearACK;
// goclear_received – GoClear принят, ждем явного подтверждения пользователя;
// cleartext        – передача открытым текстом;
// confirming       – возврат в защищенный режим, ждем подтверждения.
const (
	ClearStateSecure          = "secure"
	ClearStateGoClearSent     = "goclear_sent"
	ClearStateGoClearReceived = "goclear_received"
	ClearStateCleartext       = "cleartext"
	ClearStateConfirming      = "confirming"
)

// События GoClear подпротокола
const (
	eventSendGoClear    = "send_goclear"
	eventRecvGoClear    = "recv_goclear"
	eventClearAck       = "clear_ack"
	eventUserConfirm    = "user_confirm"
	eventBackToSecure   = "back_to_secure"
	eventSecureRestored = "secure_restored"
)

// newGoClearFSM создает state machine GoClear подпротокола.
// Ответчик никогда не переходит в cleartext без явного user_confirm:
// защита от молчаливого снятия шифрования.
func newGoClearFSM() *fsm.FSM {
	return fsm.NewFSM(
		ClearStateSecure,
		fsm.Events{
			{Name: eventSendGoClear, Src: []string{ClearStateSecure}, Dst: ClearStateGoClearSent},
			{Name: eventRecvGoClear, Src: []string{ClearStateSecure}, Dst: ClearStateGoClearReceived},
			{Name: eventClearAck, Src: []string{ClearStateGoClearSent}, Dst: ClearStateCleartext},
			{Name: eventUserConfirm, Src: []string{ClearStateGoClearReceived}, Dst: ClearStateCleartext},
			{Name: eventBackToSecure, Src: []string{ClearStateCleartext}, Dst: ClearStateConfirming},
			{Name: eventSecureRestored, Src: []string{ClearStateConfirming, ClearStateCleartext}, Dst: ClearStateSecure},
		}, nil,
	)
}
