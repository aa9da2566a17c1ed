package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/zapcast/internal/db"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/repository"
	dto "github.com/prometheus/client_model/go"
)

func setup(t *testing.T) (*Tracker, *repository.Repositories, *models.CampaignMessage) {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}
	repos := repository.New(database.DB)

	c := &models.Campaign{TenantID: "t1", Name: "c", Message: "hi", DelaySeconds: 1}
	if err := repos.Campaigns.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	msg := &models.CampaignMessage{CampaignID: c.ID, TenantID: "t1", ContactID: "ct1", Phone: "+1", Body: "hi"}
	if _, err := repos.Messages.CreateBatch(ctx, []*models.CampaignMessage{msg}); err != nil {
		t.Fatal(err)
	}
	if _, err := repos.Messages.MarkSent(ctx, msg.ID, "wamid.1", time.Now()); err != nil {
		t.Fatal(err)
	}

	return New(repos.Messages, slog.New(slog.NewTextHandler(io.Discard, nil))), repos, msg
}

func TestApply_Sequences(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		updates    []models.MessageStatus
		want       []Outcome
		wantStatus models.MessageStatus
	}{
		{
			name:       "forward",
			updates:    []models.MessageStatus{models.MessageDelivered, models.MessageRead},
			want:       []Outcome{OutcomeApplied, OutcomeApplied},
			wantStatus: models.MessageRead,
		},
		{
			name:       "read before delivered",
			updates:    []models.MessageStatus{models.MessageRead, models.MessageDelivered},
			want:       []Outcome{OutcomeApplied, OutcomeIgnored},
			wantStatus: models.MessageRead,
		},
		{
			name:       "duplicate delivered",
			updates:    []models.MessageStatus{models.MessageDelivered, models.MessageDelivered},
			want:       []Outcome{OutcomeApplied, OutcomeIgnored},
			wantStatus: models.MessageDelivered,
		},
		{
			name:       "failed after sent",
			updates:    []models.MessageStatus{models.MessageFailed, models.MessageDelivered},
			want:       []Outcome{OutcomeApplied, OutcomeIgnored},
			wantStatus: models.MessageFailed,
		},
		{
			name:       "failed after read",
			updates:    []models.MessageStatus{models.MessageRead, models.MessageFailed},
			want:       []Outcome{OutcomeApplied, OutcomeIgnored},
			wantStatus: models.MessageRead,
		},
		{
			name:       "sent echo",
			updates:    []models.MessageStatus{models.MessageSent},
			want:       []Outcome{OutcomeIgnored},
			wantStatus: models.MessageSent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, repos, msg := setup(t)
			ctx := context.Background()

			for i, status := range tt.updates {
				got, err := tr.Apply(ctx, "t1", Update{
					ProviderMessageID: "wamid.1",
					Status:            status,
					Timestamp:         ts.Add(time.Duration(i) * time.Minute),
					Error:             "undeliverable",
				})
				if err != nil {
					t.Fatalf("Apply(%s) error = %v", status, err)
				}
				if got != tt.want[i] {
					t.Errorf("Apply(%s) = %s, want %s", status, got, tt.want[i])
				}
			}

			row, err := repos.Messages.GetByID(ctx, msg.ID)
			if err != nil {
				t.Fatal(err)
			}
			if row.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", row.Status, tt.wantStatus)
			}
			if row.Status == models.MessageRead && row.DeliveredAt == nil {
				t.Error("delivered_at should be backfilled on read")
			}
		})
	}
}

func TestApply_UnknownAndForeignTenant(t *testing.T) {
	tr, _, _ := setup(t)
	ctx := context.Background()

	got, err := tr.Apply(ctx, "t1", Update{ProviderMessageID: "wamid.404", Status: models.MessageDelivered})
	if err != nil || got != OutcomeUnknown {
		t.Errorf("unknown id: Apply() = %s, %v", got, err)
	}

	got, err = tr.Apply(ctx, "t2", Update{ProviderMessageID: "wamid.1", Status: models.MessageDelivered})
	if err != nil || got != OutcomeUnknown {
		t.Errorf("other tenant: Apply() = %s, %v", got, err)
	}
}

func TestApply_Invalid(t *testing.T) {
	tr, _, _ := setup(t)

	for _, u := range []Update{
		{ProviderMessageID: "wamid.1", Status: "bounced"},
		{ProviderMessageID: "wamid.1", Status: models.MessagePending},
		{Status: models.MessageRead},
	} {
		if _, err := tr.Apply(context.Background(), "t1", u); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Apply(%+v) error = %v, want ErrInvalidStatus", u, err)
		}
	}
}

func TestApply_Metrics(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	t.Cleanup(func() { metrics.SetGlobal(nil) })

	tr, _, _ := setup(t)
	ctx := context.Background()
	tr.Apply(ctx, "t1", Update{ProviderMessageID: "wamid.1", Status: models.MessageDelivered})
	tr.Apply(ctx, "t1", Update{ProviderMessageID: "wamid.1", Status: models.MessageDelivered})

	for outcome, want := range map[Outcome]float64{OutcomeApplied: 1, OutcomeIgnored: 1} {
		var metric dto.Metric
		if err := m.StatusUpdatesTotal.WithLabelValues("delivered", string(outcome)).Write(&metric); err != nil {
			t.Fatal(err)
		}
		if got := metric.Counter.GetValue(); got != want {
			t.Errorf("status updates{%s} = %v, want %v", outcome, got, want)
		}
	}
}
