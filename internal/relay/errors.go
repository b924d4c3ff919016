package relay

import "fmt"

// Code is the machine-readable error code sent to clients.
type Code string

const (
	CodeInvalidLanguage  Code = "INVALID_LANGUAGE"
	CodeAudioTooShort    Code = "AUDIO_TOO_SHORT"
	CodeAudioRejected    Code = "AUDIO_REJECTED"
	CodeProviderConnect  Code = "PROVIDER_CONNECT_ERROR"
	CodeProviderStream   Code = "PROVIDER_STREAM_ERROR"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeProviderTimeout  Code = "PROVIDER_TIMEOUT"
	CodeQueueOverflow    Code = "QUEUE_OVERFLOW"
	CodeInvalidJSON      Code = "INVALID_JSON"
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeUnknownMessage   Code = "UNKNOWN_MESSAGE"
	CodeStreamingError   Code = "STREAMING_ERROR"
	CodeTranslationError Code = "TRANSLATION_ERROR"
	CodeReconfigureError Code = "RECONFIGURE_ERROR"
	CodeInvalidMode      Code = "INVALID_MODE"
	CodeServerError      Code = "SERVER_ERROR"
)

// Error is a client-visible failure. The session continues unless the
// caller decides otherwise.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
