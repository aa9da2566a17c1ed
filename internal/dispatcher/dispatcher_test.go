package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/zapcast/internal/db"
	"github.com/foxzi/zapcast/internal/guard"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/provider"
	"github.com/foxzi/zapcast/internal/queue"
	"github.com/foxzi/zapcast/internal/ratelimit"
	"github.com/foxzi/zapcast/internal/repository"
)

const tenant = "t1"

// fakeClient records sends and answers with scripted errors
type fakeClient struct {
	mu     sync.Mutex
	sent   []string // phones
	errs   map[string][]error
	onSend func(phone string)
	n      int
}

func (f *fakeClient) SendText(ctx context.Context, to, body string) (string, error) {
	return f.record(to)
}

func (f *fakeClient) SendTemplate(ctx context.Context, to string, tmpl provider.TemplateMessage) (string, error) {
	return f.record(to)
}

func (f *fakeClient) record(to string) (string, error) {
	f.mu.Lock()
	var err error
	if queued := f.errs[to]; len(queued) > 0 {
		err = queued[0]
		f.errs[to] = queued[1:]
	}
	f.n++
	id := fmt.Sprintf("wamid.%d", f.n)
	if err == nil {
		f.sent = append(f.sent, to)
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil && err == nil {
		hook(to)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeClient) phones() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeResolver struct {
	client   provider.Client
	err      error
	connType models.ConnectionType
}

func (r *fakeResolver) Resolve(ctx context.Context, tenantID string, preferred models.ConnectionType) (provider.Client, *models.ApiConnection, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	t := r.connType
	if t == "" {
		t = models.ConnectionCloudOfficial
	}
	return r.client, &models.ApiConnection{ID: "conn-1", TenantID: tenantID, Type: t}, nil
}

type fakeLimiter struct {
	err error
}

func (l *fakeLimiter) Acquire(ctx context.Context, req *ratelimit.Request) error {
	return l.err
}

// fakeClock advances on sleep
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

type fixture struct {
	repos    *repository.Repositories
	client   *fakeClient
	resolver *fakeResolver
	clock    *fakeClock
	d        *Dispatcher
	contacts map[string]*models.Contact // by name
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatal(err)
	}

	repos := repository.New(database.DB)
	client := &fakeClient{errs: map[string][]error{}}
	resolver := &fakeResolver{client: client}
	clock := &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g := guard.New(guard.Policy{}, repos.Contacts, repos.Conversations)
	d := New(repos.Campaigns, repos.Messages, NewContactSource(repos.Contacts), g, resolver, nil,
		Config{MaxAttempts: 3, RetryBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, SendTimeout: time.Second},
		logger)
	d.now = clock.now
	d.sleep = clock.sleep

	return &fixture{repos: repos, client: client, resolver: resolver, clock: clock, d: d, contacts: map[string]*models.Contact{}}
}

// addContact creates a contact; open opens a messaging session for it
func (f *fixture) addContact(t *testing.T, name, phone string, optIn models.OptInStatus, open bool) *models.Contact {
	t.Helper()
	ctx := context.Background()

	c := &models.Contact{TenantID: tenant, Name: name, Phone: phone, Group: "vip", OptInStatus: optIn}
	if err := f.repos.Contacts.Upsert(ctx, c); err != nil {
		t.Fatal(err)
	}
	if open {
		if _, err := f.repos.Conversations.TouchInbound(ctx, tenant, c.ID, phone, time.Now(), 24*time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	f.contacts[name] = c
	return c
}

func (f *fixture) startCampaign(t *testing.T, c *models.Campaign) *models.Campaign {
	t.Helper()
	ctx := context.Background()

	c.TenantID = tenant
	if c.Name == "" {
		c.Name = "test"
	}
	if c.DelaySeconds == 0 {
		c.DelaySeconds = 1
	}
	if c.Kind == "" {
		c.Kind = models.KindFreeformText
	}
	if c.Message == "" && c.Kind == models.KindFreeformText {
		c.Message = "Oi {nome}"
	}
	if err := f.repos.Campaigns.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.repos.Campaigns.Transition(ctx, c.ID, models.CampaignInProgress); err != nil || !ok {
		t.Fatalf("Transition(in_progress) = %v, %v", ok, err)
	}
	return c
}

func (f *fixture) messages(t *testing.T, campaignID string) map[string]*models.CampaignMessage {
	t.Helper()
	rows, _, err := f.repos.Messages.List(context.Background(), models.MessageListFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*models.CampaignMessage, len(rows))
	for _, r := range rows {
		out[r.Name] = r
	}
	return out
}

func (f *fixture) campaignStatus(t *testing.T, id string) *models.Campaign {
	t.Helper()
	c, err := f.repos.Campaigns.GetByID(context.Background(), id)
	if err != nil || c == nil {
		t.Fatalf("GetByID() = %v, %v", c, err)
	}
	return c
}

// Three recipients, the second with a closed session, free-form text
func TestRun_ClosedSessionScenario(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+5511000000001", models.OptInGranted, true)
	f.addContact(t, "B", "+5511000000002", models.OptInGranted, false)
	f.addContact(t, "C", "+5511000000003", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{ContactGroup: "vip"})

	if err := f.d.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rows := f.messages(t, c.ID)
	if rows["A"].Status != models.MessageSent || rows["C"].Status != models.MessageSent {
		t.Errorf("A=%s C=%s, want sent", rows["A"].Status, rows["C"].Status)
	}
	if rows["B"].Status != models.MessageFailed || rows["B"].ErrorMessage != guard.ReasonSessionClosed {
		t.Errorf("B = %s %q, want failed %q", rows["B"].Status, rows["B"].ErrorMessage, guard.ReasonSessionClosed)
	}
	if rows["A"].Body != "Oi A" || rows["A"].ProviderMessageID == "" || rows["A"].SentAt == nil {
		t.Errorf("A = %+v", rows["A"])
	}

	counts, _ := f.repos.Messages.Counts(context.Background(), c.ID)
	if counts.Total != 3 || counts.Sent != 2 || counts.Failed != 1 || counts.Pending != 0 {
		t.Errorf("counts = %+v, want total 3 sent 2 failed 1", counts)
	}

	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignCompleted || got.CompletedAt == nil {
		t.Errorf("campaign = %s completed_at %v, want completed", got.Status, got.CompletedAt)
	}

	// One delay between the two sends, none after the skipped row
	if len(f.clock.sleeps) != 1 || f.clock.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", f.clock.sleeps)
	}
}

func TestRun_OptedOutNeverSent(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1001", models.OptInRevoked, true)
	f.addContact(t, "B", "+1002", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{
		Kind:           models.KindTemplate,
		TemplateName:   "promo",
		TemplateParams: []string{"{nome}"},
	})

	if err := f.d.Run(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}

	for _, phone := range f.client.phones() {
		if phone == "+1001" {
			t.Fatal("opted-out contact was sent a message")
		}
	}
	rows := f.messages(t, c.ID)
	if rows["A"].Status != models.MessageFailed || rows["A"].ErrorMessage != guard.ReasonOptedOut {
		t.Errorf("A = %s %q", rows["A"].Status, rows["A"].ErrorMessage)
	}
	if rows["B"].Status != models.MessageSent {
		t.Errorf("B = %s, want sent (templates ignore the session)", rows["B"].Status)
	}
}

func TestRun_IdempotentMaterialization(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})
	ctx := context.Background()

	if err := f.d.materialize(ctx, c, f.d.logger); err != nil {
		t.Fatal(err)
	}
	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	// A second run of a completed campaign does nothing
	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := f.repos.Messages.CountByCampaign(ctx, c.ID)
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if sent := f.client.phones(); len(sent) != 2 {
		t.Errorf("sends = %v, want 2", sent)
	}
}

func TestRun_PauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	f.addContact(t, "C", "+3", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})
	ctx := context.Background()

	// Pause right after the first send
	f.client.onSend = func(phone string) {
		if phone == "+1" {
			f.repos.Campaigns.Transition(ctx, c.ID, models.CampaignPaused)
		}
	}

	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	rows := f.messages(t, c.ID)
	if rows["A"].Status != models.MessageSent {
		t.Errorf("A = %s, want sent", rows["A"].Status)
	}
	if rows["B"].Status != models.MessagePending || rows["C"].Status != models.MessagePending {
		t.Errorf("B=%s C=%s, want pending after pause", rows["B"].Status, rows["C"].Status)
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignPaused {
		t.Errorf("campaign = %s, want paused", got.Status)
	}

	f.client.onSend = nil
	if ok, _ := f.repos.Campaigns.Transition(ctx, c.ID, models.CampaignInProgress); !ok {
		t.Fatal("resume failed")
	}
	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{"+1", "+2", "+3"}
	got := f.client.phones()
	if len(got) != len(want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("send %d = %s, want %s", i, got[i], want[i])
		}
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", got.Status)
	}
}

// Contacts that join the audience while the campaign is paused are not added
func TestRun_ResumeKeepsAudience(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{ContactGroup: "vip"})
	ctx := context.Background()

	f.client.onSend = func(phone string) {
		if phone == "+1" {
			f.repos.Campaigns.Transition(ctx, c.ID, models.CampaignPaused)
		}
	}
	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	f.addContact(t, "LATE", "+9", models.OptInGranted, true)

	f.client.onSend = nil
	if ok, _ := f.repos.Campaigns.Transition(ctx, c.ID, models.CampaignInProgress); !ok {
		t.Fatal("resume failed")
	}
	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	if n, _ := f.repos.Messages.CountByCampaign(ctx, c.ID); n != 2 {
		t.Errorf("rows after resume = %d, want 2", n)
	}
	if _, ok := f.messages(t, c.ID)["LATE"]; ok {
		t.Error("late contact got a message row")
	}
	sent := f.client.phones()
	if len(sent) != 2 || sent[0] != "+1" || sent[1] != "+2" {
		t.Errorf("sends = %v, want [+1 +2]", sent)
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", got.Status)
	}
}

func TestRun_ReleasesCampaignLock(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := f.startCampaign(t, &models.Campaign{Name: fmt.Sprintf("c%d", i)})
		if err := f.d.Run(ctx, c.ID); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(f.d.locks); n != 0 {
		t.Errorf("locks = %d entries after all runs finished, want 0", n)
	}
}

func TestLock_SerializesAndReleases(t *testing.T) {
	d := &Dispatcher{locks: make(map[string]*campaignLock)}

	unlock := d.lock("c1")

	acquired := make(chan func())
	go func() { acquired <- d.lock("c1") }()

	select {
	case <-acquired:
		t.Fatal("second run entered while the first held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	second := <-acquired

	d.locksMu.Lock()
	refs := d.locks["c1"].refs
	d.locksMu.Unlock()
	if refs != 1 {
		t.Errorf("refs = %d, want 1", refs)
	}

	second()
	if len(d.locks) != 0 {
		t.Errorf("locks = %v, want empty", d.locks)
	}
}

func TestRun_InstanceTemplateNeedsText(t *testing.T) {
	tests := []struct {
		name     string
		campaign models.Campaign
		wantSent bool
	}{
		{"no text", models.Campaign{Kind: models.KindTemplate, TemplateName: "promo"}, false},
		{"message", models.Campaign{Kind: models.KindTemplate, TemplateName: "promo", Message: "Oi {nome}"}, true},
		{"params", models.Campaign{Kind: models.KindTemplate, TemplateName: "promo", TemplateParams: []string{"{nome}"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.connType = models.ConnectionUnofficialInstance
			f.addContact(t, "A", "+1", models.OptInGranted, true)
			c := f.startCampaign(t, &tt.campaign)

			if err := f.d.Run(context.Background(), c.ID); err != nil {
				t.Fatal(err)
			}

			got := f.campaignStatus(t, c.ID)
			if tt.wantSent {
				if got.Status != models.CampaignCompleted || len(f.client.phones()) != 1 {
					t.Errorf("campaign = %s sends %v, want completed with one send", got.Status, f.client.phones())
				}
				return
			}
			if got.Status != models.CampaignCancelled || !strings.Contains(got.ErrorMessage, "instance connections") {
				t.Errorf("campaign = %s %q, want cancelled", got.Status, got.ErrorMessage)
			}
			if len(f.client.phones()) != 0 {
				t.Error("nothing may be sent")
			}
		})
	}
}

func TestRun_CancelStopsLoop(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})
	ctx := context.Background()

	f.client.onSend = func(string) { f.repos.Campaigns.Cancel(ctx, c.ID, "") }

	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.client.phones()) != 1 {
		t.Errorf("sends = %v, want only the first", f.client.phones())
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignCancelled {
		t.Errorf("campaign = %s, want cancelled", got.Status)
	}
}

func TestRun_TransientRetry(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})

	transient := &provider.ProviderError{StatusCode: 503, Transient: true, Message: "unavailable"}
	f.client.errs["+1"] = []error{transient, transient}                       // succeeds on third attempt
	f.client.errs["+2"] = []error{transient, transient, transient, transient} // exhausts retries

	if err := f.d.Run(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}

	rows := f.messages(t, c.ID)
	if rows["A"].Status != models.MessageSent || rows["A"].RetryCount != 2 {
		t.Errorf("A = %s retries %d, want sent after 2 retries", rows["A"].Status, rows["A"].RetryCount)
	}
	if rows["B"].Status != models.MessageFailed || rows["B"].RetryCount != 3 {
		t.Errorf("B = %s retries %d, want failed after 3 attempts", rows["B"].Status, rows["B"].RetryCount)
	}
	if rows["B"].ErrorMessage == "" {
		t.Error("B should carry the provider error text")
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignCompleted {
		t.Errorf("campaign = %s, want completed", got.Status)
	}
}

func TestRun_PermanentErrorFailsRow(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})

	f.client.errs["+1"] = []error{&provider.ProviderError{StatusCode: 400, Message: "invalid parameter"}}

	if err := f.d.Run(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}

	row := f.messages(t, c.ID)["A"]
	if row.Status != models.MessageFailed || row.RetryCount != 0 {
		t.Errorf("A = %s retries %d, want failed without retry", row.Status, row.RetryCount)
	}
}

func TestRun_CampaignLevelFailures(t *testing.T) {
	tests := []struct {
		name     string
		contacts bool
		campaign models.Campaign
		resolve  error
		wantMsg  string
	}{
		{"no connection", true, models.Campaign{}, fmt.Errorf("%w: tenant t1", provider.ErrNotFound), "no active provider connection"},
		{"invalid connection", true, models.Campaign{}, provider.ErrInvalidConnection, "invalid provider connection"},
		{"zero recipients", false, models.Campaign{}, nil, "no recipients"},
		{"malformed template", true, models.Campaign{Message: "Oi {nome"}, nil, "malformed template"},
		{"unknown placeholder", true, models.Campaign{Message: "Oi {cupom}"}, nil, "unknown placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.contacts {
				f.addContact(t, "A", "+1", models.OptInGranted, true)
			}
			f.resolver.err = tt.resolve
			c := f.startCampaign(t, &tt.campaign)

			if err := f.d.Run(context.Background(), c.ID); err != nil {
				t.Fatalf("Run() error = %v, campaign-level failures are not retried", err)
			}

			got := f.campaignStatus(t, c.ID)
			if got.Status != models.CampaignCancelled {
				t.Errorf("status = %s, want cancelled", got.Status)
			}
			if !strings.Contains(got.ErrorMessage, tt.wantMsg) {
				t.Errorf("error_message = %q, want it to mention %q", got.ErrorMessage, tt.wantMsg)
			}
			if len(f.client.phones()) != 0 {
				t.Error("nothing may be sent")
			}
		})
	}
}

func TestRun_NotInProgressIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	ctx := context.Background()

	c := &models.Campaign{TenantID: tenant, Name: "draft", Message: "x", DelaySeconds: 1}
	if err := f.repos.Campaigns.Create(ctx, c); err != nil {
		t.Fatal(err)
	}

	if err := f.d.Run(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.repos.Messages.CountByCampaign(ctx, c.ID); n != 0 {
		t.Errorf("draft campaign materialized %d rows", n)
	}
	if err := f.d.Run(ctx, "missing"); err != nil {
		t.Errorf("Run(missing) error = %v", err)
	}
}

func TestHandle_QuotaDefersJob(t *testing.T) {
	f := newFixture(t)
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{})

	f.d.limiter = &fakeLimiter{err: &ratelimit.QuotaError{Level: ratelimit.LevelConnection, Key: "connection:conn-1", RetryAfter: time.Hour}}

	payload, _ := json.Marshal(Payload{CampaignID: c.ID})
	err := f.d.Handle(context.Background(), &queue.Job{Type: JobType, Payload: payload})

	var de *queue.DeferError
	if !errors.As(err, &de) {
		t.Fatalf("Handle() error = %v, want *queue.DeferError", err)
	}
	if de.Delay != time.Hour {
		t.Errorf("Delay = %v, want 1h", de.Delay)
	}
	if !errors.Is(err, ratelimit.ErrQuotaExceeded) {
		t.Error("deferral should wrap ErrQuotaExceeded")
	}
	if row := f.messages(t, c.ID)["A"]; row.Status != models.MessagePending {
		t.Errorf("row = %s, want pending while quota is exhausted", row.Status)
	}
}

func TestHandle_BadPayload(t *testing.T) {
	f := newFixture(t)

	err := f.d.Handle(context.Background(), &queue.Job{Type: JobType, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("Handle() error = %v, want ErrBadPayload", err)
	}
	if IsRetryable(err) {
		t.Error("bad payload must not be retried")
	}
	if !IsRetryable(errors.New("db locked")) {
		t.Error("other errors are retryable")
	}
}

// Total dispatch time is at least (n-1) * delay
func TestRun_PacingWallClock(t *testing.T) {
	f := newFixture(t)
	f.d.now = time.Now
	f.d.sleep = sleepContext
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{DelaySeconds: 1})

	start := time.Now()
	if err := f.d.Run(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("dispatch took %v, want at least 1s", elapsed)
	}
}

func TestRun_ShutdownLeavesRowsPending(t *testing.T) {
	f := newFixture(t)
	f.d.now = time.Now
	f.d.sleep = sleepContext
	f.addContact(t, "A", "+1", models.OptInGranted, true)
	f.addContact(t, "B", "+2", models.OptInGranted, true)
	c := f.startCampaign(t, &models.Campaign{DelaySeconds: 60})

	ctx, cancel := context.WithCancel(context.Background())
	f.client.onSend = func(string) { cancel() }

	err := f.d.Run(ctx, c.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	rows := f.messages(t, c.ID)
	if rows["A"].Status != models.MessageSent || rows["B"].Status != models.MessagePending {
		t.Errorf("A=%s B=%s, want sent/pending", rows["A"].Status, rows["B"].Status)
	}
	if got := f.campaignStatus(t, c.ID); got.Status != models.CampaignInProgress {
		t.Errorf("campaign = %s, want still in_progress", got.Status)
	}
}

func TestBackoff(t *testing.T) {
	d := &Dispatcher{cfg: Config{RetryBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
