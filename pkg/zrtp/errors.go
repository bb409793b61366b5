package zrtp

import "fmt"

// ErrorCode определяет типизированные коды ошибок ZRTP движка.
// Позволяет классифицировать ошибки по категориям: протокольные ошибки
// фатальны для канала, ошибки кэша деградируют статус доверия до Unknown
// но не блокируют согласование, ошибки конфигурации отклоняются
// синхронно без изменения состояния.
type ErrorCode int

const (
	// Ошибки канала
	ErrorCodeChannelAlreadyStarted ErrorCode = iota + 2000
	ErrorCodeChannelNotStarted
	ErrorCodeContextDestroyed
	ErrorCodeConfigInvalid

	// Протокольные ошибки (фатальные для канала)
	ErrorCodeNoCommonAlgorithm
	ErrorCodeHelloHashMismatch
	ErrorCodeMalformedPacket
	ErrorCodeConfirmMismatch
	ErrorCodeNegotiationTimeout
	ErrorCodeKeyAgreementFailed
	ErrorCodeUnsupportedAlgorithm

	// Ошибки multistream
	ErrorCodePrimaryNotSecured
	ErrorCodeMultistreamStale

	// Ошибки GoClear
	ErrorCodeGoClearDisabled
	ErrorCodeNotSecured
	ErrorCodeNotCleartext

	// Ошибки вспомогательного секрета
	ErrorCodeAuxSecretAfterStart

	// Ошибки кэша доверия
	ErrorCodeCacheError
	ErrorCodeCacheDisabled
	ErrorCodeCacheMigrationFailed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeChannelAlreadyStarted:
		return "ChannelAlreadyStarted"
	case ErrorCodeChannelNotStarted:
		return "ChannelNotStarted"
	case ErrorCodeContextDestroyed:
		return "ContextDestroyed"
	case ErrorCodeConfigInvalid:
		return "ConfigInvalid"
	case ErrorCodeNoCommonAlgorithm:
		return "NoCommonAlgorithm"
	case ErrorCodeHelloHashMismatch:
		return "HelloHashMismatch"
	case ErrorCodeMalformedPacket:
		return "MalformedPacket"
	case ErrorCodeConfirmMismatch:
		return "ConfirmMismatch"
	case ErrorCodeNegotiationTimeout:
		return "NegotiationTimeout"
	case ErrorCodeKeyAgreementFailed:
		return "KeyAgreementFailed"
	case ErrorCodeUnsupportedAlgorithm:
		return "UnsupportedAlgorithm"
	case ErrorCodePrimaryNotSecured:
		return "PrimaryNotSecured"
	case ErrorCodeMultistreamStale:
		return "MultistreamStale"
	case ErrorCodeGoClearDisabled:
		return "GoClearDisabled"
	case ErrorCodeNotSecured:
		return "NotSecured"
	case ErrorCodeNotCleartext:
		return "NotCleartext"
	case ErrorCodeAuxSecretAfterStart:
		return "AuxSecretAfterStart"
	case ErrorCodeCacheError:
		return "CacheError"
	case ErrorCodeCacheDisabled:
		return "CacheDisabled"
	case ErrorCodeCacheMigrationFailed:
		return "CacheMigrationFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая структура ошибок ZRTP движка.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (состояние канала, параметры)
//   - Возможность обертывания других ошибок
//   - Идентификатор канала для сопоставления с логами
type Error struct {
	Code      ErrorCode
	Message   string
	ChannelID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение.
func (e *Error) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("[zrtp:%d] канал %s: %s", e.Code, e.ChannelID, e.Message)
	}
	return fmt.Sprintf("[zrtp:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// newError создает ошибку движка с привязкой к каналу
func newError(code ErrorCode, channelID, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
	}
}

// wrapError оборачивает ошибку нижнего уровня в ошибку движка
func wrapError(code ErrorCode, channelID, message string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
		Wrapped:   err,
	}
}
