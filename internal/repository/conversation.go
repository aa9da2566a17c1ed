package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/jmoiron/sqlx"
)

type ConversationRepository struct {
	db *sqlx.DB
}

func NewConversationRepository(db *sqlx.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Get returns the conversation of a contact, nil if the contact never wrote in
func (r *ConversationRepository) Get(ctx context.Context, tenantID, contactID string) (*models.Conversation, error) {
	c := &models.Conversation{}
	var lastInbound, expires sql.NullTime

	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		SELECT tenant_id, contact_id, phone, last_inbound_at, session_expires_at, updated_at
		FROM conversations WHERE tenant_id = ? AND contact_id = ?`), tenantID, contactID,
	).Scan(&c.TenantID, &c.ContactID, &c.Phone, &lastInbound, &expires, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.LastInboundAt = timePtr(lastInbound)
	c.SessionExpiresAt = timePtr(expires)
	return c, nil
}

// TouchInbound opens or renews the session window after an inbound message.
// An inbound older than the one already recorded leaves the row unchanged.
func (r *ConversationRepository) TouchInbound(ctx context.Context, tenantID, contactID, phone string, at time.Time, window time.Duration) (*models.Conversation, error) {
	at = at.UTC()
	expires := at.Add(window)

	existing, err := r.Get(ctx, tenantID, contactID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.LastInboundAt != nil && !at.After(*existing.LastInboundAt) {
			return existing, nil
		}
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE conversations SET phone = ?, last_inbound_at = ?, session_expires_at = ?, updated_at = ?
			WHERE tenant_id = ? AND contact_id = ?`),
			phone, at, expires, now(), tenantID, contactID)
		if err != nil {
			return nil, fmt.Errorf("failed to renew conversation: %w", err)
		}
	} else {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO conversations (tenant_id, contact_id, phone, last_inbound_at, session_expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, contact_id) DO UPDATE SET
				last_inbound_at = excluded.last_inbound_at,
				session_expires_at = excluded.session_expires_at,
				updated_at = excluded.updated_at`),
			tenantID, contactID, phone, at, expires, now())
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	return &models.Conversation{
		TenantID:         tenantID,
		ContactID:        contactID,
		Phone:            phone,
		LastInboundAt:    &at,
		SessionExpiresAt: &expires,
		UpdatedAt:        now(),
	}, nil
}
