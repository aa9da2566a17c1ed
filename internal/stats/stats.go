// Package stats computes live campaign progress from the message rows.
package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/zapcast/internal/models"
)

// ErrNotFound is returned for unknown campaigns
var ErrNotFound = errors.New("campaign not found")

// CampaignReader loads campaigns
type CampaignReader interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
}

// CountReader returns per-status counts in a single read
type CountReader interface {
	Counts(ctx context.Context, campaignID string) (models.MessageCounts, error)
}

// Aggregator builds campaign statistics
type Aggregator struct {
	campaigns CampaignReader
	counts    CountReader
}

// New creates an aggregator
func New(campaigns CampaignReader, counts CountReader) *Aggregator {
	return &Aggregator{campaigns: campaigns, counts: counts}
}

// Stats returns the statistics of a campaign
func (a *Aggregator) Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	c, err := a.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}

	counts, err := a.counts.Counts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	return Compute(c, counts), nil
}

// Compute derives rates and the remaining time from counts. Each rate is
// the share of rows currently in that status.
func Compute(c *models.Campaign, counts models.MessageCounts) *models.CampaignStats {
	s := &models.CampaignStats{
		CampaignID:    c.ID,
		Status:        c.Status,
		MessageCounts: counts,
	}

	if counts.Total > 0 {
		total := float64(counts.Total)
		s.DeliveryRate = float64(counts.Delivered) / total
		s.ReadRate = float64(counts.Read) / total
		s.FailureRate = float64(counts.Failed) / total
	}

	if c.Status == models.CampaignInProgress {
		eta := counts.Pending * c.DelaySeconds
		s.EstimatedTimeRemaining = &eta
	}

	return s
}
