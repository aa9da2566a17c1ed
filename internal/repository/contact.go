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

type ContactRepository struct {
	db *sqlx.DB
}

func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `id, tenant_id, name, phone, email, contact_group, opt_in_status, opted_in_at, opted_out_at, created_at, updated_at`

// Upsert creates a contact or updates name, email and group of the contact with
// the same phone. Opt-in state is only changed through SetOptIn.
func (r *ContactRepository) Upsert(ctx context.Context, c *models.Contact) error {
	existing, err := r.GetByPhone(ctx, c.TenantID, c.Phone)
	if err != nil {
		return err
	}

	ts := now()
	if existing != nil {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE contacts SET name = ?, email = ?, contact_group = ?, updated_at = ? WHERE id = ?`),
			c.Name, c.Email, c.Group, ts, existing.ID)
		if err != nil {
			return fmt.Errorf("failed to update contact: %w", err)
		}
		existing.Name, existing.Email, existing.Group, existing.UpdatedAt = c.Name, c.Email, c.Group, ts
		*c = *existing
		return nil
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.OptInStatus == "" {
		c.OptInStatus = models.OptInUnknown
	}
	c.CreatedAt = ts
	c.UpdatedAt = ts

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.Name, c.Phone, c.Email, c.Group, c.OptInStatus,
		nullTime(c.OptedInAt), nullTime(c.OptedOutAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact of the tenant
func (r *ContactRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	row := r.db.QueryRowxContext(ctx,
		r.db.Rebind("SELECT "+contactColumns+" FROM contacts WHERE id = ? AND tenant_id = ?"), id, tenantID)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByPhone returns a contact of the tenant by phone number
func (r *ContactRepository) GetByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	row := r.db.QueryRowxContext(ctx,
		r.db.Rebind("SELECT "+contactColumns+" FROM contacts WHERE tenant_id = ? AND phone = ?"), tenantID, phone)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns contacts matching the filter in a stable order
func (r *ContactRepository) List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, error) {
	query := "SELECT " + contactColumns + " FROM contacts WHERE tenant_id = ?"
	args := []any{filter.TenantID}

	if filter.Group != "" {
		query += " AND contact_group = ?"
		args = append(args, filter.Group)
	}
	if len(filter.IDs) > 0 {
		query += " AND id IN (?)"
		args = append(args, filter.IDs)
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []*models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// SetOptIn records an explicit opt-in or opt-out event
func (r *ContactRepository) SetOptIn(ctx context.Context, tenantID, id string, status models.OptInStatus, at time.Time) (bool, error) {
	column := "opted_in_at"
	if status == models.OptInRevoked {
		column = "opted_out_at"
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE contacts SET opt_in_status = ?, `+column+` = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`),
		status, at.UTC(), now(), id, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to update opt-in: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanContact(row scanner) (*models.Contact, error) {
	c := &models.Contact{}
	var optedInAt, optedOutAt sql.NullTime

	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Group, &c.OptInStatus,
		&optedInAt, &optedOutAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.OptedInAt = timePtr(optedInAt)
	c.OptedOutAt = timePtr(optedOutAt)
	return c, nil
}
