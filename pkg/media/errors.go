package media

import "fmt"

// MediaErrorCode определяет типизированные коды ошибок медиа слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их
// соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки сессии
	ErrorCodeSessionNotStarted MediaErrorCode = iota + 1000
	ErrorCodeSessionAlreadyStarted
	ErrorCodeSessionClosed
	ErrorCodeSessionInvalidConfig

	// Ошибки RTP
	ErrorCodeRTPSessionNotFound
	ErrorCodeRTPSendFailed
	ErrorCodeRTPReceiveFailed

	// Ошибки безопасности
	ErrorCodeSecurityNotConfigured
	ErrorCodeKeyInstallFailed
	ErrorCodeUnsupportedCipherSuite
	ErrorCodeProtectFailed
	ErrorCodeUnprotectFailed
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeSessionNotStarted:
		return "SessionNotStarted"
	case ErrorCodeSessionAlreadyStarted:
		return "SessionAlreadyStarted"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionInvalidConfig:
		return "SessionInvalidConfig"
	case ErrorCodeRTPSessionNotFound:
		return "RTPSessionNotFound"
	case ErrorCodeRTPSendFailed:
		return "RTPSendFailed"
	case ErrorCodeRTPReceiveFailed:
		return "RTPReceiveFailed"
	case ErrorCodeSecurityNotConfigured:
		return "SecurityNotConfigured"
	case ErrorCodeKeyInstallFailed:
		return "KeyInstallFailed"
	case ErrorCodeUnsupportedCipherSuite:
		return "UnsupportedCipherSuite"
	case ErrorCodeProtectFailed:
		return "ProtectFailed"
	case ErrorCodeUnprotectFailed:
		return "UnprotectFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа слоя.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение.
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%d] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// newMediaError создает ошибку медиа слоя
func newMediaError(code MediaErrorCode, sessionID, message string) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// wrapMediaError оборачивает ошибку нижнего уровня
func wrapMediaError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}
