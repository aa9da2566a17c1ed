// Package tracker applies provider delivery callbacks to campaign messages.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
)

// ErrInvalidStatus is returned for updates that carry no trackable status
var ErrInvalidStatus = errors.New("invalid delivery status")

// Outcome describes what an update did
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored" // stale or duplicate
	OutcomeUnknown Outcome = "unknown" // no row for this tenant and provider id
)

// Update is a normalized provider status callback
type Update struct {
	ProviderMessageID string
	Status            models.MessageStatus
	Timestamp         time.Time
	Error             string
}

// MessageStore applies forward-only status transitions
type MessageStore interface {
	ApplyCallback(ctx context.Context, tenantID, providerMessageID string, to models.MessageStatus, at time.Time, reason string) (found, applied bool, err error)
}

// Tracker advances message rows along sent, delivered, read or failed
type Tracker struct {
	messages MessageStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a tracker
func New(messages MessageStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		messages: messages,
		logger:   logger.With("component", "tracker"),
		now:      time.Now,
	}
}

// Apply records one status update. Unknown ids are dropped and logged;
// only storage failures are returned as errors.
func (t *Tracker) Apply(ctx context.Context, tenantID string, u Update) (Outcome, error) {
	switch u.Status {
	case models.MessageSent, models.MessageDelivered, models.MessageRead, models.MessageFailed:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}
	if u.ProviderMessageID == "" {
		return "", fmt.Errorf("%w: missing provider message id", ErrInvalidStatus)
	}

	at := u.Timestamp
	if at.IsZero() {
		at = t.now()
	}

	logger := t.logger.With("tenant_id", tenantID, "provider_message_id", u.ProviderMessageID, "status", u.Status)

	found, applied, err := t.messages.ApplyCallback(ctx, tenantID, u.ProviderMessageID, u.Status, at, u.Error)
	if err != nil {
		return "", fmt.Errorf("failed to apply status update: %w", err)
	}

	var outcome Outcome
	switch {
	case !found:
		outcome = OutcomeUnknown
		logger.Warn("status update for unknown message dropped")
	case applied:
		outcome = OutcomeApplied
		logger.Debug("status update applied")
	default:
		outcome = OutcomeIgnored
		logger.Debug("stale status update ignored")
	}

	metrics.IncStatusUpdates(string(u.Status), string(outcome))
	return outcome, nil
}
