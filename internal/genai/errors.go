package genai

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories.
type Kind string

const (
	KindAPIKeyMissing    Kind = "API_KEY_MISSING"
	KindBillingIssue     Kind = "BILLING_ISSUE"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindGenerationFailed Kind = "GENERATION_FAILED"
	KindParsingError     Kind = "PARSING_ERROR"
	KindDatabaseError    Kind = "DATABASE_ERROR"
	KindUnknownError     Kind = "UNKNOWN_ERROR"
)

// Retryable reports the default retry verdict for the kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindAPIKeyMissing, KindBillingIssue:
		return false
	default:
		return true
	}
}

func (k Kind) String() string {
	return string(k)
}

var (
	// ErrAPIKeyMissing indicates that no provider credentials are configured.
	ErrAPIKeyMissing = errors.New("genai: API key is not configured")
	// ErrNoImagePayload indicates a successful response without image data.
	ErrNoImagePayload = errors.New("genai: no image payload in response")
	// ErrNoAudioPayload indicates a successful response without audio data.
	ErrNoAudioPayload = errors.New("genai: no audio content in response")
	// ErrEmptyCompletion indicates a text response without content.
	ErrEmptyCompletion = errors.New("genai: generation failed with an empty completion")
	// ErrUnparseable indicates generated text that could not be decoded.
	ErrUnparseable = errors.New("genai: failed to parse generated content")
)

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified error with the kind's default retry verdict.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Retryable: kind.Retryable(),
		Message:   message,
		Cause:     cause,
	}
}

// UpstreamError carries the transport details of a provider failure so the
// classifier can read them without knowing the provider SDK.
type UpstreamError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream error (status %d, code %q)", e.StatusCode, e.Code)
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the upstream HTTP status, zero when unknown.
func (e *UpstreamError) HTTPStatusCode() int {
	return e.StatusCode
}

// ErrorCode returns the upstream error code, empty when unknown.
func (e *UpstreamError) ErrorCode() string {
	return e.Code
}
