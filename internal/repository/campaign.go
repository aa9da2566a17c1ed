package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/zapcast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type CampaignRepository struct {
	db *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, tenant_id, name, message, kind, template_name, template_language, template_params,
	connection_type, contact_group, contact_ids, delay_seconds, status, error_message,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if c.Kind == "" {
		c.Kind = models.KindFreeformText
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.Name, c.Message, c.Kind, c.TemplateName, c.TemplateLanguage, encodeList(c.TemplateParams),
		c.ConnectionType, c.ContactGroup, encodeList(c.ContactIDs), c.DelaySeconds, c.Status, c.ErrorMessage,
		nullTime(c.ScheduledAt), nullTime(c.StartedAt), nullTime(c.CompletedAt), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID regardless of tenant
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, r.db.Rebind("SELECT "+campaignColumns+" FROM campaigns WHERE id = ?"), id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a campaign owned by the tenant
func (r *CampaignRepository) Get(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	row := r.db.QueryRowxContext(ctx,
		r.db.Rebind("SELECT "+campaignColumns+" FROM campaigns WHERE id = ? AND tenant_id = ?"), id, tenantID)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetStatus reads only the status column
func (r *CampaignRepository) GetStatus(ctx context.Context, id string) (models.CampaignStatus, error) {
	var status models.CampaignStatus
	err := r.db.GetContext(ctx, &status, r.db.Rebind("SELECT status FROM campaigns WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]*models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM campaigns"+where), args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC, id"
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

	campaigns := []*models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	return campaigns, total, rows.Err()
}

// ListByStatus returns every campaign in the given status, oldest first
func (r *CampaignRepository) ListByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx,
		r.db.Rebind("SELECT "+campaignColumns+" FROM campaigns WHERE status = ? ORDER BY created_at, id"), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// Transition moves a campaign to the given status if its current status allows it.
// It reports false when the row is missing or in a status that cannot reach to.
func (r *CampaignRepository) Transition(ctx context.Context, id string, to models.CampaignStatus) (bool, error) {
	return r.transition(ctx, id, models.SourcesFor(to), to, "")
}

// TransitionFrom is Transition restricted to the given current statuses.
// Sources that cannot reach to are dropped.
func (r *CampaignRepository) TransitionFrom(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus) (bool, error) {
	var sources []models.CampaignStatus
	for _, s := range from {
		if models.CanTransition(s, to) {
			sources = append(sources, s)
		}
	}
	return r.transition(ctx, id, sources, to, "")
}

// Cancel moves a non-terminal campaign to cancelled and records the reason
func (r *CampaignRepository) Cancel(ctx context.Context, id, reason string) (bool, error) {
	return r.transition(ctx, id, models.SourcesFor(models.CampaignCancelled), models.CampaignCancelled, reason)
}

func (r *CampaignRepository) transition(ctx context.Context, id string, sources []models.CampaignStatus, to models.CampaignStatus, reason string) (bool, error) {
	if len(sources) == 0 {
		return false, nil
	}

	ts := now()
	set := "status = ?, updated_at = ?"
	args := []any{to, ts}

	switch to {
	case models.CampaignInProgress:
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, ts)
	case models.CampaignCompleted:
		set += ", completed_at = ?"
		args = append(args, ts)
	}
	if reason != "" {
		set += ", error_message = ?"
		args = append(args, reason)
	}
	args = append(args, id, sources)

	query, args, err := sqlx.In("UPDATE campaigns SET "+set+" WHERE id = ? AND status IN (?)", args...)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanCampaign(row scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var templateParams, contactIDs string
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Message, &c.Kind, &c.TemplateName, &c.TemplateLanguage, &templateParams,
		&c.ConnectionType, &c.ContactGroup, &contactIDs, &c.DelaySeconds, &c.Status, &c.ErrorMessage,
		&scheduledAt, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.TemplateParams = decodeList(templateParams)
	c.ContactIDs = decodeList(contactIDs)
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}
