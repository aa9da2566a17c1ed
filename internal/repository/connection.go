package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type ConnectionRepository struct {
	db *sqlx.DB
}

func NewConnectionRepository(db *sqlx.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, tenant_id, name, type, base_url, phone_number_id, instance_name, api_key, webhook_secret,
	is_active, status, created_at, updated_at`

// Create stores a connection. An active connection deactivates the other
// connections of the same tenant and type in the same transaction.
func (r *ConnectionRepository) Create(ctx context.Context, c *models.ApiConnection) error {
	c.ID = uuid.New().String()
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.ConnectionStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.IsActive {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE api_connections SET is_active = ?, updated_at = ? WHERE tenant_id = ? AND type = ? AND is_active = ?`),
			false, c.CreatedAt, c.TenantID, c.Type, true)
		if err != nil {
			return fmt.Errorf("failed to deactivate connections: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO api_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.Name, c.Type, c.BaseURL, c.PhoneNumberID, c.InstanceName, c.APIKey, c.WebhookSecret,
		c.IsActive, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return tx.Commit()
}

// GetByID returns a connection by ID regardless of tenant
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.ApiConnection, error) {
	row := r.db.QueryRowxContext(ctx, r.db.Rebind("SELECT "+connectionColumns+" FROM api_connections WHERE id = ?"), id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all connections of a tenant
func (r *ConnectionRepository) List(ctx context.Context, tenantID string) ([]*models.ApiConnection, error) {
	return r.query(ctx, "SELECT "+connectionColumns+" FROM api_connections WHERE tenant_id = ? ORDER BY created_at, id", tenantID)
}

// ListUsable returns the active connections of a tenant, newest first, optionally of one type
func (r *ConnectionRepository) ListUsable(ctx context.Context, tenantID string, connType models.ConnectionType) ([]*models.ApiConnection, error) {
	query := "SELECT " + connectionColumns + " FROM api_connections WHERE tenant_id = ? AND is_active = ? AND status = ?"
	args := []any{tenantID, true, models.ConnectionStatusActive}
	if connType != "" {
		query += " AND type = ?"
		args = append(args, connType)
	}
	query += " ORDER BY created_at DESC, id DESC"
	return r.query(ctx, query, args...)
}

// SetStatus updates the provider-reported status of a connection
func (r *ConnectionRepository) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE api_connections SET status = ?, updated_at = ? WHERE id = ?"),
		status, now(), id)
	return err
}

func (r *ConnectionRepository) query(ctx context.Context, query string, args ...any) ([]*models.ApiConnection, error) {
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conns := []*models.ApiConnection{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func scanConnection(row scanner) (*models.ApiConnection, error) {
	c := &models.ApiConnection{}
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.BaseURL, &c.PhoneNumberID, &c.InstanceName,
		&c.APIKey, &c.WebhookSecret, &c.IsActive, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
