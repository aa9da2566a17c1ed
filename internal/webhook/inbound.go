package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/zapcast/internal/models"
)

// handleInbound renews the session of the sender and applies consent keywords.
// Unknown senders become contacts with unknown consent.
func (h *Handler) handleInbound(ctx context.Context, tenantID string, in Inbound, logger *slog.Logger) error {
	phone := normalizePhone(in.Phone)
	if phone == "" {
		return nil
	}
	at := in.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	contact, err := h.contacts.GetByPhone(ctx, tenantID, phone)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		contact = &models.Contact{TenantID: tenantID, Name: in.Name, Phone: phone, OptInStatus: models.OptInUnknown}
		if err := h.contacts.Upsert(ctx, contact); err != nil {
			return fmt.Errorf("failed to create contact: %w", err)
		}
		logger.Info("contact created from inbound message", "contact_id", contact.ID)
	}

	if _, err := h.conversations.TouchInbound(ctx, tenantID, contact.ID, phone, at, h.cfg.SessionWindow); err != nil {
		return fmt.Errorf("failed to renew session: %w", err)
	}

	keyword := normalizeKeyword(in.Text)
	var status models.OptInStatus
	switch {
	case h.optOut[keyword]:
		status = models.OptInRevoked
	case h.optIn[keyword]:
		status = models.OptInGranted
	default:
		return nil
	}
	if contact.OptInStatus == status {
		return nil
	}

	if _, err := h.contacts.SetOptIn(ctx, tenantID, contact.ID, status, at); err != nil {
		return fmt.Errorf("failed to update consent: %w", err)
	}
	logger.Info("contact consent changed by keyword", "contact_id", contact.ID, "opt_in_status", status)
	return nil
}

// normalizePhone returns +digits, or empty when no digit is present
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}
