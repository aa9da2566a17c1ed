// Package provider adapts messaging provider HTTP APIs to one send contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNotFound is returned when a tenant has no usable connection
var ErrNotFound = errors.New("no active provider connection")

// ErrInvalidConnection is returned when a connection row cannot build a client
var ErrInvalidConnection = errors.New("invalid provider connection")

// Client sends messages through one provider connection
type Client interface {
	// SendText sends a free-form text message and returns the provider message ID
	SendText(ctx context.Context, to, body string) (string, error)

	// SendTemplate sends a pre-approved template and returns the provider message ID
	SendTemplate(ctx context.Context, to string, tmpl TemplateMessage) (string, error)
}

// TemplateMessage is a template send request. Variables fill the body
// parameters in order. Text is the rendered fallback for providers without
// a template registry.
type TemplateMessage struct {
	Name      string
	Language  string
	Variables []string
	Text      string
}

// ProviderError is returned by clients for failed sends
type ProviderError struct {
	StatusCode int    // HTTP status, 0 for transport errors
	Code       string // provider error code if any
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("provider error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d", e.StatusCode)
		if e.Code != "" {
			fmt.Fprintf(&b, ", code %s", e.Code)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// transientStatus classifies HTTP status codes
func transientStatus(code int) bool {
	switch code {
	case 408, 425, 429:
		return true
	}
	return code >= 500
}

// normalizePhone strips everything except digits from an E.164 number
func normalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
