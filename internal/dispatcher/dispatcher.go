// Package dispatcher runs the paced send loop of a campaign.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/zapcast/internal/guard"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/provider"
	"github.com/foxzi/zapcast/internal/queue"
	"github.com/foxzi/zapcast/internal/ratelimit"
)

// JobType is the queue job type handled by the dispatcher
const JobType = "campaign.dispatch"

// ErrBadPayload marks dispatch jobs that can never succeed
var ErrBadPayload = errors.New("invalid dispatch payload")

// Payload is the argument of a dispatch job
type Payload struct {
	CampaignID string `json:"campaign_id"`
}

// CampaignStore reads and moves campaigns
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	GetStatus(ctx context.Context, id string) (models.CampaignStatus, error)
	Transition(ctx context.Context, id string, to models.CampaignStatus) (bool, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
}

// MessageStore holds the per-recipient rows. The dispatcher only writes
// pending rows.
type MessageStore interface {
	CreateBatch(ctx context.Context, msgs []*models.CampaignMessage) (int, error)
	CountByCampaign(ctx context.Context, campaignID string) (int, error)
	ListPending(ctx context.Context, campaignID string) ([]*models.CampaignMessage, error)
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	IncrementRetry(ctx context.Context, id, lastError string) (int, error)
}

// RecipientSource lists the audience of a campaign
type RecipientSource interface {
	Recipients(ctx context.Context, c *models.Campaign) ([]models.Recipient, error)
}

// Checker decides whether a recipient may be messaged
type Checker interface {
	Check(ctx context.Context, tenantID, contactID string, kind models.MessageKind) (guard.Decision, error)
}

// Resolver provides the provider client of a tenant
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, preferred models.ConnectionType) (provider.Client, *models.ApiConnection, error)
}

// Limiter paces sends and enforces quotas
type Limiter interface {
	Acquire(ctx context.Context, req *ratelimit.Request) error
}

// Config contains dispatcher settings
type Config struct {
	MaxAttempts  int           // per recipient, transient errors only
	RetryBackoff time.Duration // first retry delay, doubled each attempt
	MaxBackoff   time.Duration
	SendTimeout  time.Duration // single provider call
}

// Dispatcher walks the pending rows of a campaign and sends them
type Dispatcher struct {
	campaigns  CampaignStore
	messages   MessageStore
	recipients RecipientSource
	guard      Checker
	resolver   Resolver
	limiter    Limiter
	cfg        Config
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locksMu sync.Mutex
	locks   map[string]*campaignLock
}

// New creates a dispatcher. limiter may be nil.
func New(
	campaigns CampaignStore,
	messages MessageStore,
	recipients RecipientSource,
	checker Checker,
	resolver Resolver,
	limiter Limiter,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Dispatcher{
		campaigns:  campaigns,
		messages:   messages,
		recipients: recipients,
		guard:      checker,
		resolver:   resolver,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger.With("component", "dispatcher"),
		now:        time.Now,
		sleep:      sleepContext,
		locks:      make(map[string]*campaignLock),
	}
}

// Handle is the queue handler for dispatch jobs
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := job.Decode(&p); err != nil || p.CampaignID == "" {
		return fmt.Errorf("%w: %s", ErrBadPayload, string(job.Payload))
	}

	err := d.Run(ctx, p.CampaignID)

	var qe *ratelimit.QuotaError
	if errors.As(err, &qe) {
		return queue.Defer(err, qe.RetryAfter)
	}
	return err
}

// IsRetryable is the queue error checker for dispatch jobs
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrBadPayload)
}

// Run executes one dispatch pass of a campaign. Campaign-level failures are
// recorded on the campaign and return nil. Returned errors are temporary and
// leave the remaining rows pending for the next run.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) error {
	unlock := d.lock(campaignID)
	defer unlock()

	logger := d.logger.With("campaign_id", campaignID)

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		logger.Warn("dispatch for unknown campaign ignored")
		return nil
	}
	if campaign.Status != models.CampaignInProgress {
		logger.Info("campaign not in progress, nothing to dispatch", "status", campaign.Status)
		return nil
	}

	if err := ValidateCampaign(campaign); err != nil {
		return d.abort(ctx, campaign, err.Error(), logger)
	}

	if err := d.materialize(ctx, campaign, logger); err != nil {
		if errors.Is(err, errNoRecipients) {
			return d.abort(ctx, campaign, err.Error(), logger)
		}
		return err
	}

	client, conn, err := d.resolver.Resolve(ctx, campaign.TenantID, campaign.ConnectionType)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrInvalidConnection) {
			return d.abort(ctx, campaign, err.Error(), logger)
		}
		return fmt.Errorf("failed to resolve provider: %w", err)
	}
	logger = logger.With("connection_id", conn.ID, "connection_type", conn.Type)

	if err := validateForConnection(campaign, conn.Type); err != nil {
		return d.abort(ctx, campaign, err.Error(), logger)
	}

	pending, err := d.messages.ListPending(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending messages: %w", err)
	}

	metrics.AddCampaignsRunning(1)
	defer metrics.AddCampaignsRunning(-1)

	logger.Info("dispatch started", "pending", len(pending))

	stopped, err := d.sendAll(ctx, campaign, client, conn, pending, logger)
	if err != nil || stopped {
		return err
	}

	ok, err := d.campaigns.Transition(ctx, campaign.ID, models.CampaignCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	if ok {
		metrics.IncCampaignTransition(string(models.CampaignCompleted))
		logger.Info("campaign completed")
	}
	return nil
}

var errNoRecipients = errors.New("campaign has no recipients")

// materialize creates the pending rows of the campaign audience on the first
// run. Once rows exist the audience is frozen: later runs never reload it, so
// contacts added or regrouped while the campaign is paused are not messaged.
func (d *Dispatcher) materialize(ctx context.Context, c *models.Campaign, logger *slog.Logger) error {
	existing, err := d.messages.CountByCampaign(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}
	if existing > 0 {
		return nil
	}

	recipients, err := d.recipients.Recipients(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(recipients) == 0 {
		return errNoRecipients
	}

	rows := make([]*models.CampaignMessage, 0, len(recipients))
	for i, r := range recipients {
		rows = append(rows, &models.CampaignMessage{
			CampaignID: c.ID,
			TenantID:   c.TenantID,
			ContactID:  r.ID,
			Position:   i,
			Name:       r.Name,
			Phone:      r.Phone,
			Email:      r.Email,
			Group:      r.Group,
			Body:       Render(c.Message, r),
		})
	}

	inserted, err := d.messages.CreateBatch(ctx, rows)
	if err != nil {
		return fmt.Errorf("failed to materialize messages: %w", err)
	}
	logger.Info("messages materialized", "inserted", inserted)
	return nil
}

type workItem struct {
	msg   *models.CampaignMessage
	dueAt time.Time
}

// sendAll processes the rows in position order. Rows hit by a transient
// error are retried later in the same pass. stopped is true when the
// campaign left in_progress.
func (d *Dispatcher) sendAll(
	ctx context.Context,
	c *models.Campaign,
	client provider.Client,
	conn *models.ApiConnection,
	pending []*models.CampaignMessage,
	logger *slog.Logger,
) (stopped bool, err error) {
	work := make([]workItem, 0, len(pending))
	for _, m := range pending {
		work = append(work, workItem{msg: m})
	}

	for len(work) > 0 {
		idx := nextDue(work, d.now())
		if idx < 0 {
			// Only retries left and none is due yet
			if err := d.sleep(ctx, earliest(work).Sub(d.now())); err != nil {
				return false, err
			}
			continue
		}
		item := work[idx]
		work = append(work[:idx], work[idx+1:]...)

		status, err := d.campaigns.GetStatus(ctx, c.ID)
		if err != nil {
			return false, fmt.Errorf("failed to reload campaign status: %w", err)
		}
		if status != models.CampaignInProgress {
			logger.Info("dispatch stopped", "status", status, "remaining", len(work)+1)
			return true, nil
		}

		retry, attempted, err := d.sendOne(ctx, c, client, conn, item.msg, logger)
		if err != nil {
			return false, err
		}
		if retry > 0 {
			work = append(work, workItem{msg: item.msg, dueAt: d.now().Add(retry)})
		}

		if attempted && len(work) > 0 {
			if err := d.sleep(ctx, c.Delay()); err != nil {
				return false, err
			}
		}
	}

	return false, nil
}

// sendOne checks and sends one row. retry is the backoff before the next
// attempt, zero when the row reached a final state. attempted reports
// whether a provider call was made.
func (d *Dispatcher) sendOne(
	ctx context.Context,
	c *models.Campaign,
	client provider.Client,
	conn *models.ApiConnection,
	msg *models.CampaignMessage,
	logger *slog.Logger,
) (retry time.Duration, attempted bool, err error) {
	logger = logger.With("message_id", msg.ID, "contact_id", msg.ContactID)

	decision, err := d.guard.Check(ctx, c.TenantID, msg.ContactID, c.Kind)
	if err != nil {
		return 0, false, fmt.Errorf("failed to check recipient: %w", err)
	}
	if !decision.Allowed {
		if _, err := d.messages.MarkFailed(ctx, msg.ID, decision.Reason, d.now()); err != nil {
			return 0, false, fmt.Errorf("failed to mark message failed: %w", err)
		}
		metrics.IncMessagesFailed(failureLabel(decision.Reason))
		logger.Info("recipient skipped", "reason", decision.Reason)
		return 0, false, nil
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, &ratelimit.Request{TenantID: c.TenantID, ConnectionID: conn.ID}); err != nil {
			return 0, false, err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	providerID, sendErr := d.send(sendCtx, c, client, msg)
	cancel()

	// The provider call happened; record it even during shutdown
	saveCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if _, err := d.messages.MarkSent(saveCtx, msg.ID, providerID, d.now()); err != nil {
			return 0, true, fmt.Errorf("failed to mark message sent: %w", err)
		}
		metrics.IncMessagesSent(string(conn.Type))
		logger.Debug("message sent", "provider_message_id", providerID)
		return 0, true, nil
	}

	// Shutdown: leave the row pending for the next run
	if ctx.Err() != nil {
		return 0, true, ctx.Err()
	}

	if provider.IsTransient(sendErr) {
		attempts, err := d.messages.IncrementRetry(saveCtx, msg.ID, sendErr.Error())
		if err != nil {
			return 0, true, fmt.Errorf("failed to record retry: %w", err)
		}
		if attempts < d.cfg.MaxAttempts {
			backoff := d.backoff(attempts)
			metrics.IncMessagesRetried(string(conn.Type))
			logger.Warn("transient send error, will retry", "error", sendErr, "attempt", attempts, "backoff", backoff)
			return backoff, true, nil
		}
		logger.Warn("send retries exhausted", "error", sendErr, "attempts", attempts)
		if _, err := d.messages.MarkFailed(saveCtx, msg.ID, sendErr.Error(), d.now()); err != nil {
			return 0, true, fmt.Errorf("failed to mark message failed: %w", err)
		}
		metrics.IncMessagesFailed("retries_exhausted")
		return 0, true, nil
	}

	logger.Warn("send failed", "error", sendErr)
	if _, err := d.messages.MarkFailed(saveCtx, msg.ID, sendErr.Error(), d.now()); err != nil {
		return 0, true, fmt.Errorf("failed to mark message failed: %w", err)
	}
	metrics.IncMessagesFailed("provider_error")
	return 0, true, nil
}

func (d *Dispatcher) send(ctx context.Context, c *models.Campaign, client provider.Client, msg *models.CampaignMessage) (string, error) {
	if c.Kind == models.KindTemplate {
		r := msg.Recipient()
		return client.SendTemplate(ctx, msg.Phone, provider.TemplateMessage{
			Name:      c.TemplateName,
			Language:  c.TemplateLanguage,
			Variables: renderParams(c.TemplateParams, r),
			Text:      msg.Body,
		})
	}
	return client.SendText(ctx, msg.Phone, msg.Body)
}

// backoff returns RetryBackoff * 2^(attempts-1) capped at MaxBackoff
func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return b
}

// abort cancels the campaign with a reason; the job itself succeeds
func (d *Dispatcher) abort(ctx context.Context, c *models.Campaign, reason string, logger *slog.Logger) error {
	ok, err := d.campaigns.Cancel(ctx, c.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if ok {
		metrics.IncCampaignTransition(string(models.CampaignCancelled))
	}
	logger.Error("campaign aborted", "reason", reason)
	return nil
}

// campaignLock serializes runs of one campaign. refs counts the runs holding
// or waiting for it; the entry is dropped when the last one leaves.
type campaignLock struct {
	mu   sync.Mutex
	refs int
}

func (d *Dispatcher) lock(campaignID string) (unlock func()) {
	d.locksMu.Lock()
	l, ok := d.locks[campaignID]
	if !ok {
		l = &campaignLock{}
		d.locks[campaignID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		d.locksMu.Lock()
		defer d.locksMu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(d.locks, campaignID)
		}
	}
}

func nextDue(work []workItem, now time.Time) int {
	for i, w := range work {
		if !w.dueAt.After(now) {
			return i
		}
	}
	return -1
}

func earliest(work []workItem) time.Time {
	t := work[0].dueAt
	for _, w := range work[1:] {
		if w.dueAt.Before(t) {
			t = w.dueAt
		}
	}
	return t
}

// failureLabel keeps metric label values bounded
func failureLabel(reason string) string {
	switch reason {
	case guard.ReasonOptedOut:
		return "opted_out"
	case guard.ReasonSessionClosed:
		return "session_closed"
	case guard.ReasonOptInMissing:
		return "opt_in_missing"
	}
	return "policy"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
