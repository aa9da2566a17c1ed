package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type MessageRepository struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, campaign_id, tenant_id, contact_id, position, name, phone, email, contact_group, body,
	status, provider_message_id, error_message, retry_count, sent_at, delivered_at, read_at, failed_at,
	created_at, updated_at`

// CreateBatch inserts campaign rows in one transaction. Rows whose (campaign_id, contact_id)
// already exist are skipped, so materializing the same campaign twice is a no-op.
// It returns the number of rows actually inserted.
func (r *MessageRepository) CreateBatch(ctx context.Context, msgs []*models.CampaignMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO campaign_messages (id, campaign_id, tenant_id, contact_id, position, name, phone, email,
			contact_group, body, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	ts := now()
	inserted := 0
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.Status = models.MessagePending
		m.CreatedAt = ts
		m.UpdatedAt = ts

		res, err := stmt.ExecContext(ctx, m.ID, m.CampaignID, m.TenantID, m.ContactID, m.Position, m.Name, m.Phone,
			m.Email, m.Group, m.Body, m.Status, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert campaign message: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountByCampaign returns the number of materialized rows of a campaign
func (r *MessageRepository) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind("SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = ?"), campaignID)
	return n, err
}

// GetByID returns a row by ID
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.CampaignMessage, error) {
	row := r.db.QueryRowxContext(ctx, r.db.Rebind("SELECT "+messageColumns+" FROM campaign_messages WHERE id = ?"), id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByProviderID returns the row carrying a provider message id within a tenant
func (r *MessageRepository) GetByProviderID(ctx context.Context, tenantID, providerMessageID string) (*models.CampaignMessage, error) {
	row := r.db.QueryRowxContext(ctx, r.db.Rebind(
		"SELECT "+messageColumns+" FROM campaign_messages WHERE tenant_id = ? AND provider_message_id = ?"),
		tenantID, providerMessageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListPending returns the pending rows of a campaign in materialization order
func (r *MessageRepository) ListPending(ctx context.Context, campaignID string) ([]*models.CampaignMessage, error) {
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(
		"SELECT "+messageColumns+" FROM campaign_messages WHERE campaign_id = ? AND status = ? ORDER BY position"),
		campaignID, models.MessagePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*models.CampaignMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// List returns campaign rows with filtering
func (r *MessageRepository) List(ctx context.Context, filter models.MessageListFilter) ([]*models.CampaignMessage, int, error) {
	where := " WHERE campaign_id = ?"
	args := []any{filter.CampaignID}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM campaign_messages"+where), args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + messageColumns + " FROM campaign_messages" + where + " ORDER BY position"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	msgs := []*models.CampaignMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	return msgs, total, rows.Err()
}

// Counts returns per-status counts of a campaign in a single read
func (r *MessageRepository) Counts(ctx context.Context, campaignID string) (models.MessageCounts, error) {
	var counts models.MessageCounts

	err := r.db.GetContext(ctx, &counts, r.db.Rebind(`
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) as pending,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) as sent,
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0) as delivered,
			COALESCE(SUM(CASE WHEN status = 'read' THEN 1 ELSE 0 END), 0) as read_count,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed
		FROM campaign_messages WHERE campaign_id = ?`), campaignID)

	return counts, err
}

// MarkSent records a successful send of a pending row
func (r *MessageRepository) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE campaign_messages SET status = ?, provider_message_id = ?, sent_at = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		models.MessageSent, providerMessageID, at.UTC(), now(), id, models.MessagePending)
}

// MarkFailed records a send-time failure of a pending row
func (r *MessageRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE campaign_messages SET status = ?, error_message = ?, failed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.MessageFailed, reason, at.UTC(), now(), id, models.MessagePending)
}

// IncrementRetry bumps the retry counter of a pending row and returns the new value
func (r *MessageRepository) IncrementRetry(ctx context.Context, id, lastError string) (int, error) {
	if _, err := r.exec(ctx, `
		UPDATE campaign_messages SET retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		lastError, now(), id, models.MessagePending); err != nil {
		return 0, err
	}

	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind("SELECT retry_count FROM campaign_messages WHERE id = ?"), id)
	return n, err
}

// ApplyCallback advances a sent row along sent, delivered, read or to failed.
// Only forward transitions are written. found reports whether a row with the
// provider id exists for the tenant; applied whether it changed.
func (r *MessageRepository) ApplyCallback(ctx context.Context, tenantID, providerMessageID string, to models.MessageStatus, at time.Time, reason string) (found, applied bool, err error) {
	at = at.UTC()
	var query string
	var args []any

	switch to {
	case models.MessageDelivered:
		query = `UPDATE campaign_messages SET status = ?, delivered_at = ?, updated_at = ?
			WHERE tenant_id = ? AND provider_message_id = ? AND status IN (?)`
		args = []any{to, at, now(), tenantID, providerMessageID, []models.MessageStatus{models.MessageSent}}
	case models.MessageRead:
		query = `UPDATE campaign_messages SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?), updated_at = ?
			WHERE tenant_id = ? AND provider_message_id = ? AND status IN (?)`
		args = []any{to, at, at, now(), tenantID, providerMessageID,
			[]models.MessageStatus{models.MessageSent, models.MessageDelivered}}
	case models.MessageFailed:
		query = `UPDATE campaign_messages SET status = ?, failed_at = ?, error_message = ?, updated_at = ?
			WHERE tenant_id = ? AND provider_message_id = ? AND status IN (?)`
		args = []any{to, at, reason, now(), tenantID, providerMessageID, []models.MessageStatus{models.MessageSent}}
	default:
		// sent and pending are written by the dispatcher only
		return r.exists(ctx, tenantID, providerMessageID)
	}

	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return false, false, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, false, fmt.Errorf("failed to apply status update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	if n > 0 {
		return true, true, nil
	}
	return r.exists(ctx, tenantID, providerMessageID)
}

func (r *MessageRepository) exists(ctx context.Context, tenantID, providerMessageID string) (bool, bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(
		"SELECT COUNT(*) FROM campaign_messages WHERE tenant_id = ? AND provider_message_id = ?"),
		tenantID, providerMessageID)
	if err != nil {
		return false, false, err
	}
	return n > 0, false, nil
}

func (r *MessageRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanMessage(row scanner) (*models.CampaignMessage, error) {
	m := &models.CampaignMessage{}
	var providerID sql.NullString
	var sentAt, deliveredAt, readAt, failedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.CampaignID, &m.TenantID, &m.ContactID, &m.Position, &m.Name, &m.Phone, &m.Email, &m.Group, &m.Body,
		&m.Status, &providerID, &m.ErrorMessage, &m.RetryCount, &sentAt, &deliveredAt, &readAt, &failedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ProviderMessageID = providerID.String
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(readAt)
	m.FailedAt = timePtr(failedAt)
	return m, nil
}
