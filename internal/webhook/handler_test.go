package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/zapcast/internal/db"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/repository"
	"github.com/foxzi/zapcast/internal/tracker"
)

const secret = "s3cret"

type fixture struct {
	srv      *httptest.Server
	repos    *repository.Repositories
	cloud    *models.ApiConnection
	instance *models.ApiConnection
	msg      *models.CampaignMessage
	cache    *fakeCache
}

type fakeCache struct {
	mu     sync.Mutex
	forgot []string
}

func (c *fakeCache) Forget(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgot = append(c.forgot, connectionID)
}

func (c *fakeCache) forgotten() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forgot...)
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newFixture(t *testing.T) *fixture {
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cloud := &models.ApiConnection{TenantID: "t1", Name: "cloud", Type: models.ConnectionCloudOfficial,
		PhoneNumberID: "123", APIKey: "tok", WebhookSecret: secret, IsActive: true, Status: models.ConnectionStatusActive}
	instance := &models.ApiConnection{TenantID: "t1", Name: "inst", Type: models.ConnectionUnofficialInstance,
		BaseURL: "http://evo", InstanceName: "main", APIKey: "key", WebhookSecret: secret, IsActive: true, Status: models.ConnectionStatusActive}
	for _, c := range []*models.ApiConnection{cloud, instance} {
		if err := repos.Connections.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	c := &models.Campaign{TenantID: "t1", Name: "c", Message: "hi", DelaySeconds: 1}
	if err := repos.Campaigns.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	msg := &models.CampaignMessage{CampaignID: c.ID, TenantID: "t1", ContactID: "x", Phone: "+5511999990000"}
	if _, err := repos.Messages.CreateBatch(ctx, []*models.CampaignMessage{msg}); err != nil {
		t.Fatal(err)
	}
	if _, err := repos.Messages.MarkSent(ctx, msg.ID, "wamid.ABC", time.Now()); err != nil {
		t.Fatal(err)
	}

	cache := &fakeCache{}
	h := New(repos.Connections, cache, tracker.New(repos.Messages, logger), repos.Contacts, repos.Conversations, Config{
		SessionWindow:  24 * time.Hour,
		OptOutKeywords: []string{"STOP", "sair"},
		OptInKeywords:  []string{"START"},
	}, logger)

	r := chi.NewRouter()
	r.Mount("/webhooks", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, repos: repos, cloud: cloud, instance: instance, msg: msg, cache: cache}
}

func (f *fixture) post(t *testing.T, path, body string, header map[string]string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (f *fixture) status(t *testing.T) models.MessageStatus {
	t.Helper()
	m, err := f.repos.Messages.GetByID(context.Background(), f.msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

func TestVerify(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		path       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"ok", "/webhooks/" + f.cloud.ID, "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "/webhooks/" + f.cloud.ID, "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"wrong mode", "/webhooks/" + f.cloud.ID, "hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusForbidden, ""},
		{"instance connection", "/webhooks/" + f.instance.ID, "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusForbidden, ""},
		{"unknown connection", "/webhooks/missing", "hub.mode=subscribe", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(f.srv.URL + tt.path + "?" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" && string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func cloudStatusBody(id, status string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp","statuses":[{"id":"` + id + `","status":"` + status + `","timestamp":"1767225600","recipient_id":"5511999990000"}]}}]}]}`
}

func TestCloudStatuses(t *testing.T) {
	f := newFixture(t)
	path := "/webhooks/" + f.cloud.ID

	body := cloudStatusBody("wamid.ABC", "delivered")
	if got := f.post(t, path, body, map[string]string{"X-Hub-Signature-256": "sha256=00"}); got != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want 401", got)
	}
	if got := f.post(t, path, body, nil); got != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d, want 401", got)
	}
	if f.status(t) != models.MessageSent {
		t.Fatal("rejected callback must not change the row")
	}

	steps := []struct {
		status string
		want   models.MessageStatus
	}{
		{"delivered", models.MessageDelivered},
		{"read", models.MessageRead},
		{"delivered", models.MessageRead}, // out of order
		{"failed", models.MessageRead},
		{"read", models.MessageRead}, // replay
	}
	for i, st := range steps {
		body := cloudStatusBody("wamid.ABC", st.status)
		if got := f.post(t, path, body, map[string]string{"X-Hub-Signature-256": sign(body)}); got != http.StatusOK {
			t.Fatalf("step %d: status = %d", i, got)
		}
		if got := f.status(t); got != st.want {
			t.Errorf("step %d (%s): row = %s, want %s", i, st.status, got, st.want)
		}
	}

	// Unknown ids are accepted and dropped
	body = cloudStatusBody("wamid.OTHER", "delivered")
	if got := f.post(t, path, body, map[string]string{"X-Hub-Signature-256": sign(body)}); got != http.StatusOK {
		t.Errorf("unknown id: status = %d, want 200", got)
	}

	if got := f.post(t, path, "{not json", map[string]string{"X-Hub-Signature-256": sign("{not json")}); got != http.StatusBadRequest {
		t.Errorf("invalid json: status = %d, want 400", got)
	}
}

func cloudMessageBody(from, name, text string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"contacts":[{"profile":{"name":"` + name + `"},"wa_id":"` + from + `"}],
		"messages":[{"from":"` + from + `","id":"wamid.IN","timestamp":"` + unixNow() + `","type":"text","text":{"body":"` + text + `"}}]}}]}]}`
}

func unixNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func TestCloudInbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "/webhooks/" + f.cloud.ID

	existing := &models.Contact{TenantID: "t1", Name: "Ana", Phone: "+5511988887777", OptInStatus: models.OptInGranted}
	if err := f.repos.Contacts.Upsert(ctx, existing); err != nil {
		t.Fatal(err)
	}

	// Opt-out keyword from a known contact
	body := cloudMessageBody("5511988887777", "Ana", " stop ")
	if got := f.post(t, path, body, map[string]string{"X-Hub-Signature-256": sign(body)}); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	c, _ := f.repos.Contacts.GetByID(ctx, "t1", existing.ID)
	if c.OptInStatus != models.OptInRevoked || c.OptedOutAt == nil {
		t.Errorf("contact = %s, want revoked", c.OptInStatus)
	}
	conv, _ := f.repos.Conversations.Get(ctx, "t1", existing.ID)
	if !conv.SessionOpen(time.Now()) {
		t.Error("inbound message should open the session")
	}

	// Opt back in
	body = cloudMessageBody("5511988887777", "Ana", "START")
	f.post(t, path, body, map[string]string{"X-Hub-Signature-256": sign(body)})
	c, _ = f.repos.Contacts.GetByID(ctx, "t1", existing.ID)
	if c.OptInStatus != models.OptInGranted {
		t.Errorf("contact = %s, want granted", c.OptInStatus)
	}

	// Unknown sender becomes a contact with unknown consent
	body = cloudMessageBody("5521977776666", "Bia", "oi, tudo bem?")
	f.post(t, path, body, map[string]string{"X-Hub-Signature-256": sign(body)})
	c, _ = f.repos.Contacts.GetByPhone(ctx, "t1", "+5521977776666")
	if c == nil || c.Name != "Bia" || c.OptInStatus != models.OptInUnknown {
		t.Fatalf("new contact = %+v", c)
	}
	conv, _ = f.repos.Conversations.Get(ctx, "t1", c.ID)
	if !conv.SessionOpen(time.Now()) {
		t.Error("session of new contact should be open")
	}
}

func TestInstanceEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "/webhooks/" + f.instance.ID

	update := `{"event":"messages.update","instance":"main","data":{"keyId":"wamid.ABC","remoteJid":"5511999990000@s.whatsapp.net","fromMe":true,"status":"DELIVERY_ACK"}}`
	if got := f.post(t, path, update, map[string]string{"apikey": "wrong"}); got != http.StatusUnauthorized {
		t.Fatalf("wrong apikey: status = %d", got)
	}
	if got := f.post(t, path, update, map[string]string{"apikey": secret}); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := f.status(t); got != models.MessageDelivered {
		t.Errorf("row = %s, want delivered", got)
	}

	// Numeric ack in the array form, token in the query string
	read := `{"event":"MESSAGES_UPDATE","data":[{"key":{"id":"wamid.ABC","remoteJid":"5511999990000@s.whatsapp.net","fromMe":true},"status":4}]}`
	if got := f.post(t, path+"?token="+secret, read, nil); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := f.status(t); got != models.MessageRead {
		t.Errorf("row = %s, want read", got)
	}

	upsert := `{"event":"messages.upsert","data":{"key":{"remoteJid":"5531966665555@s.whatsapp.net","fromMe":false,"id":"IN1"},
		"pushName":"Caio","message":{"conversation":"SAIR"},"messageTimestamp":` + unixNow() + `}}`
	if got := f.post(t, path, upsert, map[string]string{"apikey": secret}); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	c, _ := f.repos.Contacts.GetByPhone(ctx, "t1", "+5531966665555")
	if c == nil || c.OptInStatus != models.OptInRevoked {
		t.Fatalf("contact = %+v, want revoked", c)
	}

	// Own echoes and group messages are ignored
	group := `{"event":"messages.upsert","data":{"key":{"remoteJid":"123-456@g.us","fromMe":false,"id":"G1"},"message":{"conversation":"STOP"}}}`
	f.post(t, path, group, map[string]string{"apikey": secret})
	if c, _ := f.repos.Contacts.GetByPhone(ctx, "t1", "+123456"); c != nil {
		t.Error("group message must not create a contact")
	}
}

func TestInstanceConnectionUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "/webhooks/" + f.instance.ID
	auth := map[string]string{"apikey": secret}

	connStatus := func() string {
		t.Helper()
		c, err := f.repos.Connections.GetByID(ctx, f.instance.ID)
		if err != nil || c == nil {
			t.Fatalf("GetByID() = %v, %v", c, err)
		}
		return c.Status
	}

	steps := []struct {
		state      string
		wantStatus string
		wantForgot int
	}{
		{"close", models.ConnectionStatusDisconnected, 1},
		{"connecting", models.ConnectionStatusDisconnected, 1},
		{"close", models.ConnectionStatusDisconnected, 1},
		{"open", models.ConnectionStatusActive, 2},
	}

	for _, st := range steps {
		body := `{"event":"CONNECTION_UPDATE","instance":"main","data":{"instance":"main","state":"` + st.state + `"}}`
		if got := f.post(t, path, body, auth); got != http.StatusOK {
			t.Fatalf("%s: status = %d", st.state, got)
		}
		if got := connStatus(); got != st.wantStatus {
			t.Errorf("%s: connection status = %s, want %s", st.state, got, st.wantStatus)
		}
		if got := f.cache.forgotten(); len(got) != st.wantForgot {
			t.Errorf("%s: forgotten clients = %v, want %d", st.state, got, st.wantForgot)
		}
	}

	if got := f.cache.forgotten(); got[0] != f.instance.ID {
		t.Errorf("forgot %v, want %s", got, f.instance.ID)
	}
}

func TestParseInstanceStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want models.MessageStatus
		ok   bool
	}{
		{`"SERVER_ACK"`, models.MessageSent, true},
		{`"DELIVERY_ACK"`, models.MessageDelivered, true},
		{`"READ"`, models.MessageRead, true},
		{`"PLAYED"`, models.MessageRead, true},
		{`"ERROR"`, models.MessageFailed, true},
		{`3`, models.MessageDelivered, true},
		{`0`, models.MessageFailed, true},
		{`"PENDING"`, "", false},
		{`1`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		got, ok := instanceStatus([]byte(tt.raw))
		if got != tt.want || ok != tt.ok {
			t.Errorf("instanceStatus(%s) = %s, %v, want %s, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"5511999990000":       "+5511999990000",
		"+55 (11) 99999-0000": "+5511999990000",
		"abc":                 "",
	}
	for in, want := range tests {
		if got := normalizePhone(in); got != want {
			t.Errorf("normalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
