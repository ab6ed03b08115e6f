package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error shape shared by the gateway, the voice
// pipeline and the client SDK.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	// Cause is the underlying error. It is never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"

	// Handshake-time. Fatal to that connection attempt only.
	ErrMissingCredential ErrorType = "missing_credential_error"
	ErrInvalidCredential ErrorType = "invalid_credential_error"

	// Client-only. Fatal to that start call.
	ErrPermissionDenied ErrorType = "permission_denied_error"

	// Connection dropped or failed to open.
	ErrTransport ErrorType = "transport_error"

	// Recoverable per-frame failures.
	ErrIngestion ErrorType = "ingestion_error"
	ErrAgentCall ErrorType = "agent_call_error"
	ErrSynthesis ErrorType = "synthesis_error"
)

// Ingestion stages reported in Error.Code.
const (
	StageDecode         = "decode"
	StageDetectLanguage = "detect_language"
	StageTranscribe     = "transcribe"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

func NewMissingCredentialError() *Error {
	return &Error{Type: ErrMissingCredential, Message: "missing credential"}
}

func NewInvalidCredentialError(cause error) *Error {
	return &Error{Type: ErrInvalidCredential, Message: "invalid credential", Cause: cause}
}

func NewPermissionDeniedError(message string, cause error) *Error {
	if message == "" {
		message = "microphone permission denied"
	}
	return &Error{Type: ErrPermissionDenied, Message: message, Cause: cause}
}

// NewTransportError wraps a socket failure. op names the failed operation
// ("dial", "read", "write").
func NewTransportError(op string, cause error) *Error {
	return &Error{Type: ErrTransport, Message: op + " failed", Code: op, Cause: cause}
}

// NewIngestionError records which pipeline stage failed.
func NewIngestionError(stage string, cause error) *Error {
	return &Error{Type: ErrIngestion, Message: "audio ingestion failed", Code: stage, Cause: cause}
}

func NewAgentCallError(cause error) *Error {
	return &Error{Type: ErrAgentCall, Message: "agent call failed", Cause: cause}
}

func NewSynthesisError(cause error) *Error {
	return &Error{Type: ErrSynthesis, Message: "speech synthesis failed", Cause: cause}
}

// IsType reports whether any error in err's chain is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return false
	}
	return e.Type == t
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI, ErrTransport, ErrIngestion, ErrAgentCall:
		return true
	default:
		return false
	}
}
