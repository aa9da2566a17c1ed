package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxzi/zapcast/internal/models"
)

func TestCloudClient_SendText(t *testing.T) {
	var got cloudRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v21.0/12345/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer srv.Close()

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL + "/", APIVersion: "v21.0", PhoneNumberID: "12345", AccessToken: "tok"})
	id, err := c.SendText(context.Background(), "+55 11 99999-0000", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if id != "wamid.ABC" {
		t.Errorf("id = %q", id)
	}
	if got.To != "5511999990000" || got.Type != "text" || got.Text == nil || got.Text.Body != "hello" {
		t.Errorf("request = %+v", got)
	}
	if got.MessagingProduct != "whatsapp" {
		t.Errorf("messaging_product = %q", got.MessagingProduct)
	}
}

func TestCloudClient_SendTemplate(t *testing.T) {
	var got cloudRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	}))
	defer srv.Close()

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL, APIVersion: "v21.0", PhoneNumberID: "1", AccessToken: "tok"})
	_, err := c.SendTemplate(context.Background(), "+551100", TemplateMessage{
		Name:      "promo",
		Language:  "pt_BR",
		Variables: []string{"Ana", "20%"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Type != "template" || got.Template == nil {
		t.Fatalf("request = %+v", got)
	}
	if got.Template.Name != "promo" || got.Template.Language.Code != "pt_BR" {
		t.Errorf("template = %+v", got.Template)
	}
	if len(got.Template.Components) != 1 || len(got.Template.Components[0].Parameters) != 2 {
		t.Fatalf("components = %+v", got.Template.Components)
	}
	if p := got.Template.Components[0].Parameters[1]; p.Type != "text" || p.Text != "20%" {
		t.Errorf("parameter = %+v", p)
	}
}

func TestCloudClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantCode      string
	}{
		{"server error", 500, `{"error":{"message":"oops","code":1}}`, true, "1"},
		{"rate limited status", 429, `{}`, true, ""},
		{"throughput code on 400", 400, `{"error":{"message":"throughput","code":130429}}`, true, "130429"},
		{"spam limit", 400, `{"error":{"message":"spam","code":131048}}`, true, "131048"},
		{"invalid recipient", 400, `{"error":{"message":"invalid parameter","code":100}}`, false, "100"},
		{"auth", 401, `{"error":{"message":"bad token","code":190}}`, false, "190"},
		{"non-json body", 404, `not found`, false, ""},
		{"missing message id", 200, `{"messages":[]}`, false, ""},
		{"malformed success", 200, `{"messages":`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewCloudClient(CloudConfig{BaseURL: srv.URL, APIVersion: "v1", PhoneNumberID: "1"})
			_, err := c.SendText(context.Background(), "1", "x")
			if err == nil {
				t.Fatal("expected error")
			}

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not *ProviderError", err)
			}
			if pe.Transient != tt.wantTransient || IsTransient(err) != tt.wantTransient {
				t.Errorf("Transient = %v, want %v (%v)", pe.Transient, tt.wantTransient, err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", pe.Code, tt.wantCode)
			}
		})
	}
}

func TestCloudClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL, APIVersion: "v1", PhoneNumberID: "1", Timeout: 50 * time.Millisecond})
	_, err := c.SendText(context.Background(), "1", "x")
	if !IsTransient(err) {
		t.Errorf("timeout should be transient, got %v", err)
	}
}

func TestCallerCancellationIsNotProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCloudClient(CloudConfig{BaseURL: srv.URL, APIVersion: "v1", PhoneNumberID: "1"})
	_, err := c.SendText(ctx, "1", "x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		t.Error("cancellation must not be reported as a provider error")
	}
}

func TestInstanceClient_SendText(t *testing.T) {
	var got instanceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/shop-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if key := r.Header.Get("apikey"); key != "inst-key" {
			t.Errorf("apikey = %q", key)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":{"remoteJid":"5511@s.whatsapp.net","fromMe":true,"id":"BAE5F00"},"status":"PENDING"}`))
	}))
	defer srv.Close()

	c := NewInstanceClient(InstanceConfig{BaseURL: srv.URL, InstanceName: "shop-1", APIKey: "inst-key"})
	id, err := c.SendText(context.Background(), "+5511", "oi")
	if err != nil {
		t.Fatal(err)
	}
	if id != "BAE5F00" {
		t.Errorf("id = %q", id)
	}
	if got.Number != "5511" || got.Text != "oi" {
		t.Errorf("request = %+v", got)
	}
}

func TestInstanceClient_SendTemplateUsesText(t *testing.T) {
	var got instanceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"key":{"id":"X1"}}`))
	}))
	defer srv.Close()

	c := NewInstanceClient(InstanceConfig{BaseURL: srv.URL, InstanceName: "i"})
	if _, err := c.SendTemplate(context.Background(), "1", TemplateMessage{Name: "promo", Text: "Oi Ana"}); err != nil {
		t.Fatal(err)
	}
	if got.Text != "Oi Ana" {
		t.Errorf("text = %q, want rendered template text", got.Text)
	}

	if _, err := c.SendTemplate(context.Background(), "1", TemplateMessage{Name: "empty"}); err == nil || IsTransient(err) {
		t.Errorf("empty template should be a permanent error, got %v", err)
	}
}

func TestInstanceClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantMessage   string
	}{
		{"validation list", 400, `{"status":400,"error":"Bad Request","response":{"message":["number not on whatsapp"]}}`, false, "number not on whatsapp"},
		{"plain error", 401, `{"status":401,"error":"Unauthorized"}`, false, "Unauthorized"},
		{"gateway down", 502, `bad gateway`, true, "bad gateway"},
		{"too many", 429, `{"message":"slow down"}`, true, "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewInstanceClient(InstanceConfig{BaseURL: srv.URL, InstanceName: "i"})
			_, err := c.SendText(context.Background(), "1", "x")

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if pe.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", pe.Transient, tt.wantTransient)
			}
			if pe.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", pe.Message, tt.wantMessage)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true},
		{"transient provider", &ProviderError{StatusCode: 503, Transient: true}, true},
		{"wrapped permanent provider", fmt.Errorf("x: %w", &ProviderError{StatusCode: 400}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{StatusCode: 400, Code: "100", Message: "invalid parameter"}
	if got := err.Error(); got != "provider error (HTTP 400, code 100): invalid parameter" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&ProviderError{Message: "dial tcp"}).Error(); got != "provider error: dial tcp" {
		t.Errorf("Error() = %q", got)
	}
}

type stubStore struct {
	conns []*models.ApiConnection
	calls int
}

func (s *stubStore) ListUsable(ctx context.Context, tenantID string, connType models.ConnectionType) ([]*models.ApiConnection, error) {
	s.calls++
	var out []*models.ApiConnection
	for _, c := range s.conns {
		if c.TenantID == tenantID && (connType == "" || c.Type == connType) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestResolver_Resolve(t *testing.T) {
	updated := time.Now()
	cloud := &models.ApiConnection{
		ID: "cloud-1", TenantID: "t1", Type: models.ConnectionCloudOfficial,
		PhoneNumberID: "123", APIKey: "tok", IsActive: true, Status: models.ConnectionStatusActive, UpdatedAt: updated,
	}
	instance := &models.ApiConnection{
		ID: "inst-1", TenantID: "t1", Type: models.ConnectionUnofficialInstance,
		BaseURL: "http://gw", InstanceName: "shop", IsActive: true, Status: models.ConnectionStatusActive, UpdatedAt: updated,
	}
	store := &stubStore{conns: []*models.ApiConnection{instance, cloud}}
	r := NewResolver(store, Defaults{CloudBaseURL: "https://graph.example", CloudAPIVersion: "v21.0"})
	ctx := context.Background()

	client, conn, err := r.Resolve(ctx, "t1", models.ConnectionCloudOfficial)
	if err != nil {
		t.Fatal(err)
	}
	if conn.ID != "cloud-1" {
		t.Errorf("conn = %s, want cloud-1", conn.ID)
	}
	if _, ok := client.(*CloudClient); !ok {
		t.Errorf("client = %T, want *CloudClient", client)
	}

	client, conn, err = r.Resolve(ctx, "t1", "")
	if err != nil || conn.ID != "inst-1" {
		t.Fatalf("Resolve(any) = %v, %v", conn, err)
	}
	if _, ok := client.(*InstanceClient); !ok {
		t.Errorf("client = %T, want *InstanceClient", client)
	}

	if _, _, err := r.Resolve(ctx, "t2", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(other tenant) error = %v, want ErrNotFound", err)
	}
}

func TestResolver_CachesClients(t *testing.T) {
	conn := &models.ApiConnection{
		ID: "c1", TenantID: "t1", Type: models.ConnectionUnofficialInstance,
		BaseURL: "http://gw", InstanceName: "a", IsActive: true, Status: models.ConnectionStatusActive,
		UpdatedAt: time.Unix(100, 0),
	}
	r := NewResolver(&stubStore{}, Defaults{})

	first, err := r.ClientFor(conn)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := r.ClientFor(conn)
	if first != second {
		t.Error("unchanged connection should reuse the cached client")
	}

	conn.UpdatedAt = time.Unix(200, 0)
	third, _ := r.ClientFor(conn)
	if third == first {
		t.Error("updated connection should rebuild the client")
	}

	r.Forget("c1")
	if fourth, _ := r.ClientFor(conn); fourth == third {
		t.Error("Forget() should drop the cached client")
	}
}

func TestResolver_InvalidConnection(t *testing.T) {
	r := NewResolver(&stubStore{}, Defaults{})

	tests := []*models.ApiConnection{
		{ID: "a", Type: models.ConnectionCloudOfficial},
		{ID: "b", Type: models.ConnectionUnofficialInstance, InstanceName: "x"},
		{ID: "c", Type: "smoke_signals"},
	}
	for _, conn := range tests {
		if _, err := r.ClientFor(conn); !errors.Is(err, ErrInvalidConnection) {
			t.Errorf("ClientFor(%s) error = %v, want ErrInvalidConnection", conn.ID, err)
		}
	}
}
