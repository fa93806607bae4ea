package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies adapter failures. The router decides fallback behavior
// from the kind alone; adapters never retry internally.
type Kind string

const (
	KindUnconfigured Kind = "unconfigured"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream4xx  Kind = "upstream_4xx"
	KindUpstream5xx  Kind = "upstream_5xx"
	KindTimeout      Kind = "timeout"
	KindMalformed    Kind = "malformed_response"
)

// Error is the typed failure every adapter surfaces.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	// RetryAfter is the provider-indicated cooldown for rate limits, zero
	// when unknown.
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindOf extracts the failure kind from an error chain. Context deadline
// expiry counts as a timeout; anything unrecognized is treated as a 5xx-class
// failure so the router moves on.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream5xx
}

// errUnconfigured is the fail-fast error for providers missing credentials.
func errUnconfigured(provider string) *Error {
	return &Error{Provider: provider, Kind: KindUnconfigured, Message: "missing credentials"}
}

// classifyHTTP maps an upstream HTTP status to a typed error.
func classifyHTTP(provider string, resp *http.Response, body string) *Error {
	e := &Error{Provider: provider, Status: resp.StatusCode, Message: body}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		e.Kind = KindUpstream5xx
	default:
		e.Kind = KindUpstream4xx
	}
	return e
}

// classifyTransport maps a transport-level failure (connection refused,
// context deadline) to a typed error.
func classifyTransport(provider string, err error) *Error {
	kind := KindUpstream5xx
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Message: err.Error()}
}

// errMalformed wraps an undecodable upstream payload.
func errMalformed(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindMalformed, Message: err.Error()}
}
