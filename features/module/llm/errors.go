package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimited marks provider throttling. Classified errors carry it in
// their chain so callers can match with errors.Is and back off.
var ErrRateLimited = errors.New("provider rate limited")

// ProviderErrorKind sorts provider failures into the categories retry and
// surfacing decisions run on.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth covers authentication and authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest covers requests the provider rejected;
	// retrying without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited covers provider throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable covers transient provider failures (5xx,
	// network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown covers unclassified provider failures.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the pipeline records stable, structured information
// instead of raw SDK error text.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	code      string
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required. cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("llm: provider is required")
	}
	if kind == "" {
		panic("llm: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "bedrock").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known (for example, "converse").
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying provider error to preserve the original
// error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindForStatus maps an HTTP status to the provider error kind and whether a
// retry may succeed.
func KindForStatus(status int) (kind ProviderErrorKind, retryable bool) {
	switch {
	case status == http.StatusBadRequest:
		return ProviderErrorKindInvalidRequest, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth, false
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited, true
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		return ProviderErrorKindUnavailable, true
	}
	return ProviderErrorKindUnknown, false
}

// WrapHTTP classifies err by its HTTP status into a ProviderError.
// Rate-limited failures additionally join ErrRateLimited so errors.Is
// matches across the chain.
func WrapHTTP(provider, operation string, status int, code, message string, cause error) error {
	kind, retryable := KindForStatus(status)
	pe := NewProviderError(provider, operation, status, kind, code, message, retryable, cause)
	if kind == ProviderErrorKindRateLimited {
		return errors.Join(ErrRateLimited, pe)
	}
	return pe
}
