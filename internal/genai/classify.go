package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

const (
	messageAPIKeyMissing    = "API key is missing or invalid"
	messageBillingIssue     = "API quota exceeded or billing issue"
	messageRateLimit        = "Rate limit exceeded, please try again later"
	messageNetworkError     = "Network connection error"
	messageGenerationFailed = "Content generation failed"
	messageParsingError     = "Failed to parse generated content"
	messageDatabaseError    = "Database error"
	messageUnknownError     = "Unknown error occurred"
)

var (
	credentialPhrases = []string{"api key", "api_key", "apikey", "authentication", "unauthorized"}
	billingPhrases    = []string{"quota", "billing", "payment"}
	rateLimitPhrases  = []string{"rate limit", "rate_limit", "too many requests"}
	networkPhrases    = []string{"network", "connection", "timeout", "timed out", "deadline exceeded"}
	networkCodes      = []string{"ECONNRESET", "ENOTFOUND", "ETIMEDOUT", "ECONNREFUSED", "EAI_AGAIN"}
	generationPhrases = []string{"no image data returned", "no image payload", "no audio content", "generation failed"}
	parsingPhrases    = []string{"json", "parse"}
	databasePhrases   = []string{"database", "sqlite", "postgres", "sql:", "gorm"}
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type errorCoder interface {
	ErrorCode() string
}

// signal is the flattened view of an opaque failure.
type signal struct {
	err     error
	message string
	status  int
	code    string
}

// Classify maps an arbitrary failure to a classified Error. Errors that are
// already classified are returned as is. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	failure := newSignal(err)
	switch {
	case failure.isCredential():
		return NewError(KindAPIKeyMissing, messageAPIKeyMissing, err)
	case failure.isBilling():
		return NewError(KindBillingIssue, messageBillingIssue, err)
	case failure.isRateLimit():
		return NewError(KindRateLimit, messageRateLimit, err)
	case failure.isNetwork():
		return NewError(KindNetworkError, messageNetworkError, err)
	case failure.isGeneration():
		return NewError(KindGenerationFailed, messageGenerationFailed, err)
	case failure.isParsing():
		return NewError(KindParsingError, messageParsingError, err)
	case failure.isDatabase():
		return NewError(KindDatabaseError, messageDatabaseError, err)
	}

	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = messageUnknownError
	}
	return NewError(KindUnknownError, message, err)
}

func newSignal(err error) signal {
	failure := signal{
		err:     err,
		message: strings.ToLower(err.Error()),
	}
	var statusCoder httpStatusCoder
	if errors.As(err, &statusCoder) {
		failure.status = statusCoder.HTTPStatusCode()
	}
	var coder errorCoder
	if errors.As(err, &coder) {
		failure.code = strings.TrimSpace(coder.ErrorCode())
	}
	return failure
}

func (s signal) isCredential() bool {
	if errors.Is(s.err, ErrAPIKeyMissing) {
		return true
	}
	if s.status == http.StatusUnauthorized || s.status == http.StatusForbidden {
		return true
	}
	if strings.EqualFold(s.code, "invalid_api_key") {
		return true
	}
	return containsAny(s.message, credentialPhrases)
}

func (s signal) isBilling() bool {
	if s.status == http.StatusPaymentRequired {
		return true
	}
	if strings.EqualFold(s.code, "insufficient_quota") || strings.EqualFold(s.code, "billing_hard_limit_reached") {
		return true
	}
	return containsAny(s.message, billingPhrases)
}

func (s signal) isRateLimit() bool {
	if s.status == http.StatusTooManyRequests {
		return true
	}
	if strings.EqualFold(s.code, "rate_limit_exceeded") {
		return true
	}
	return containsAny(s.message, rateLimitPhrases)
}

func (s signal) isNetwork() bool {
	if errors.Is(s.err, context.DeadlineExceeded) || errors.Is(s.err, context.Canceled) {
		return true
	}
	if errors.Is(s.err, syscall.ECONNRESET) || errors.Is(s.err, syscall.ECONNREFUSED) || errors.Is(s.err, syscall.ETIMEDOUT) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(s.err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(s.err, &netErr) {
		return true
	}
	switch s.status {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	for _, code := range networkCodes {
		if strings.EqualFold(s.code, code) || strings.Contains(s.message, strings.ToLower(code)) {
			return true
		}
	}
	return containsAny(s.message, networkPhrases)
}

func (s signal) isGeneration() bool {
	if errors.Is(s.err, ErrNoImagePayload) || errors.Is(s.err, ErrNoAudioPayload) || errors.Is(s.err, ErrEmptyCompletion) {
		return true
	}
	if s.status >= http.StatusInternalServerError {
		return true
	}
	return containsAny(s.message, generationPhrases)
}

func (s signal) isParsing() bool {
	if errors.Is(s.err, ErrUnparseable) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(s.err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(s.err, &typeErr) {
		return true
	}
	return containsAny(s.message, parsingPhrases)
}

func (s signal) isDatabase() bool {
	return containsAny(s.message, databasePhrases)
}

func containsAny(message string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}
