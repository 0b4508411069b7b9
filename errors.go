package veribot

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrLLM is a provider-level failure (request building, transport, decode).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an external API. RetryAfter carries the
// parsed Retry-After header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Non-error dispositions. The orchestrator maps these to an ignored outcome
// and a 2xx webhook response; they are recorded, never propagated as
// failures.
var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrPaused        = errors.New("conversation paused")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrEmptyMessage  = errors.New("empty message")
	ErrIgnoredEvent  = errors.New("ignored event")
)

// ErrConfigMissing means a tenant lacks required configuration for the
// requested operation. The webhook layer maps it to a 5xx so channels that
// support retry will retry.
type ErrConfigMissing struct {
	Key string
}

func (e *ErrConfigMissing) Error() string {
	return "missing tenant config: " + e.Key
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Ignorable reports whether err is one of the non-error dispositions.
func Ignorable(err error) bool {
	return errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrPaused) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrIgnoredEvent)
}
