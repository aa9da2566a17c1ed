// Package campaign implements the campaign lifecycle operations behind the API.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/zapcast/internal/dispatcher"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
)

var (
	// ErrNotFound is returned for campaigns that do not exist for the tenant
	ErrNotFound = errors.New("campaign not found")
	// ErrInvalidTransition is returned when the current status forbids the operation
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrValidation wraps every rejected campaign definition
	ErrValidation = errors.New("invalid campaign")
)

// Store persists campaigns
type Store interface {
	Create(ctx context.Context, c *models.Campaign) error
	Get(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]*models.Campaign, int, error)
	ListByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error)
	TransitionFrom(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus) (bool, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
}

// MessageLister lists the per-recipient rows of a campaign
type MessageLister interface {
	List(ctx context.Context, filter models.MessageListFilter) ([]*models.CampaignMessage, int, error)
}

// StatsProvider computes campaign statistics
type StatsProvider interface {
	Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error)
}

// Enqueuer schedules background jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// Service is the campaign control surface
type Service struct {
	campaigns Store
	messages  MessageLister
	stats     StatsProvider
	jobs      Enqueuer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a campaign service
func NewService(campaigns Store, messages MessageLister, stats StatsProvider, jobs Enqueuer, logger *slog.Logger) *Service {
	return &Service{
		campaigns: campaigns,
		messages:  messages,
		stats:     stats,
		jobs:      jobs,
		logger:    logger.With("component", "campaign"),
		now:       time.Now,
	}
}

// Create validates and stores a new draft campaign
func (s *Service) Create(ctx context.Context, tenantID string, c *models.Campaign) error {
	c.TenantID = tenantID
	c.Status = models.CampaignDraft
	c.ErrorMessage = ""
	c.StartedAt, c.CompletedAt = nil, nil
	if c.Kind == "" {
		c.Kind = models.KindFreeformText
	}

	if err := validate(c); err != nil {
		return err
	}

	if err := s.campaigns.Create(ctx, c); err != nil {
		return err
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "tenant_id", tenantID, "kind", c.Kind)
	return nil
}

func validate(c *models.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if c.DelaySeconds < models.MinDelaySeconds || c.DelaySeconds > models.MaxDelaySeconds {
		return fmt.Errorf("%w: delay_seconds must be between %d and %d",
			ErrValidation, models.MinDelaySeconds, models.MaxDelaySeconds)
	}
	if c.Kind != models.KindFreeformText && c.Kind != models.KindTemplate {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, c.Kind)
	}
	if c.ConnectionType != "" && !c.ConnectionType.Valid() {
		return fmt.Errorf("%w: unknown connection type %q", ErrValidation, c.ConnectionType)
	}
	if err := dispatcher.ValidateCampaign(c); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Get returns a campaign of the tenant
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.campaigns.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns the campaigns of the tenant, newest first
func (s *Service) List(ctx context.Context, filter models.CampaignListFilter) ([]*models.Campaign, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	return s.campaigns.List(ctx, filter)
}

// Start moves a draft or scheduled campaign to in_progress and enqueues its
// dispatch. A draft whose scheduled_at lies in the future becomes scheduled
// instead and is started by PromoteDue.
func (s *Service) Start(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if c.Status == models.CampaignDraft && c.ScheduledAt != nil && c.ScheduledAt.After(s.now()) {
		if err := s.transition(ctx, c, []models.CampaignStatus{models.CampaignDraft}, models.CampaignScheduled); err != nil {
			return nil, err
		}
		s.logger.Info("campaign scheduled", "campaign_id", id, "scheduled_at", c.ScheduledAt)
		return s.Get(ctx, tenantID, id)
	}

	from := []models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled}
	if err := s.transition(ctx, c, from, models.CampaignInProgress); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id)
}

// Pause stops the dispatch loop after the recipient in flight
func (s *Service) Pause(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, c, []models.CampaignStatus{models.CampaignInProgress}, models.CampaignPaused); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id)
}

// Resume continues a paused campaign from its first pending recipient
func (s *Service) Resume(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, c, []models.CampaignStatus{models.CampaignPaused}, models.CampaignInProgress); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id)
}

// Cancel ends a non-terminal campaign. Pending rows stay pending.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.campaigns.Cancel(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidTransition, c.Status)
	}
	metrics.IncCampaignTransition(string(models.CampaignCancelled))
	s.logger.Info("campaign cancelled", "campaign_id", id)
	return s.Get(ctx, tenantID, id)
}

// Stats returns live statistics of a campaign of the tenant
func (s *Service) Stats(ctx context.Context, tenantID, id string) (*models.CampaignStats, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.stats.Stats(ctx, id)
}

// Messages lists the per-recipient rows of a campaign of the tenant
func (s *Service) Messages(ctx context.Context, tenantID string, filter models.MessageListFilter) ([]*models.CampaignMessage, int, error) {
	if _, err := s.Get(ctx, tenantID, filter.CampaignID); err != nil {
		return nil, 0, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown message status %q", ErrValidation, filter.Status)
	}
	return s.messages.List(ctx, filter)
}

// PromoteDue starts every scheduled campaign whose time has come and
// returns how many were started
func (s *Service) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	scheduled, err := s.campaigns.ListByStatus(ctx, models.CampaignScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}

	started := 0
	for _, c := range scheduled {
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		ok, err := s.campaigns.TransitionFrom(ctx, c.ID, []models.CampaignStatus{models.CampaignScheduled}, models.CampaignInProgress)
		if err != nil {
			return started, err
		}
		if !ok {
			continue // started or cancelled concurrently
		}
		metrics.IncCampaignTransition(string(models.CampaignInProgress))
		if err := s.enqueue(ctx, c.ID); err != nil {
			return started, err
		}
		started++
		s.logger.Info("scheduled campaign started", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
	}
	return started, nil
}

func (s *Service) transition(ctx context.Context, c *models.Campaign, from []models.CampaignStatus, to models.CampaignStatus) error {
	ok, err := s.campaigns.TransitionFrom(ctx, c.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	metrics.IncCampaignTransition(string(to))
	s.logger.Info("campaign status changed", "campaign_id", c.ID, "from", c.Status, "to", to)
	return nil
}

func (s *Service) enqueue(ctx context.Context, campaignID string) error {
	jobID, err := s.jobs.Enqueue(ctx, dispatcher.JobType, dispatcher.Payload{CampaignID: campaignID})
	if err != nil {
		// The campaign is in_progress without a job; pause and resume re-enqueue it
		s.logger.Error("failed to enqueue dispatch", "campaign_id", campaignID, "error", err)
		return fmt.Errorf("failed to enqueue dispatch: %w", err)
	}
	s.logger.Debug("dispatch enqueued", "campaign_id", campaignID, "job_id", jobID)
	return nil
}
