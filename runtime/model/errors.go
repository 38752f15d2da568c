package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRateLimited marks provider throttling. A *ProviderError whose Kind is
// ProviderErrorKindRateLimited matches it under errors.Is, so middleware can
// key backoff on one sentinel regardless of provider.
var ErrRateLimited = errors.New("model: rate limited")

// ProviderErrorKind classifies provider failures into the small set of
// categories retry and surfacing decisions care about.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth covers authentication and authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest means retrying without changing the
	// request cannot succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited means the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable covers transient provider failures where a
	// retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown is an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError reports a failed provider call with enough structure for
// middleware and the agent runner to decide retryability without parsing
// provider-specific error text.
type ProviderError struct {
	// Provider names the adapter, for example "openai" or "bedrock".
	Provider string
	// Operation is the provider call that failed, for example "converse".
	Operation string
	// Status is the HTTP status code when known, zero otherwise.
	Status int
	// Kind is the coarse failure classification.
	Kind ProviderErrorKind
	// Code is the provider-specific error code, empty when absent.
	Code string
	// Err is the underlying SDK error.
	Err error
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	kind := e.Kind
	if kind == "" {
		kind = ProviderErrorKindUnknown
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Provider, op, kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap preserves the SDK error chain.
func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is treat throttling responses as ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// Retryable reports whether retrying the same request may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorKindRateLimited || e.Kind == ProviderErrorKindUnavailable
}

// KindFromStatus maps an HTTP status to a failure kind. Adapters refine the
// result with provider error codes when the transport carries no status.
func KindFromStatus(status int) ProviderErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status >= http.StatusInternalServerError:
		return ProviderErrorKindUnavailable
	}
	return ProviderErrorKindUnknown
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
