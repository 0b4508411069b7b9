package veribot

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"zero seconds", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "soon", 0},
		{"past http date", "Mon, 02 Jan 2006 15:04:05 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.in); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterFutureDate(t *testing.T) {
	v := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	// RFC1123 uses "UTC"; HTTP dates use "GMT".
	v = v[:len(v)-3] + "GMT"
	got := ParseRetryAfter(v)
	if got <= 0 || got > 91*time.Second {
		t.Errorf("ParseRetryAfter(%q) = %v, want ~90s", v, got)
	}
}

func TestIgnorable(t *testing.T) {
	for _, err := range []error{
		ErrUnknownTenant, ErrPaused, ErrQuotaExceeded, ErrEmptyMessage, ErrIgnoredEvent,
	} {
		if !Ignorable(err) {
			t.Errorf("Ignorable(%v) = false", err)
		}
		if !Ignorable(fmt.Errorf("wrapped: %w", err)) {
			t.Errorf("Ignorable(wrapped %v) = false", err)
		}
	}
	if Ignorable(errors.New("real failure")) {
		t.Error("Ignorable(real failure) = true")
	}
	if Ignorable(nil) {
		t.Error("Ignorable(nil) = true")
	}
}

func TestErrConfigMissingMessage(t *testing.T) {
	err := &ErrConfigMissing{Key: "hubspot"}
	if err.Error() != "missing tenant config: hubspot" {
		t.Errorf("Error() = %q", err.Error())
	}
}
