// Package webhook receives provider callbacks: delivery statuses and
// inbound messages.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/tracker"
)

// ConnectionStore loads provider connections and records their link state
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*models.ApiConnection, error)
	SetStatus(ctx context.Context, id, status string) error
}

// ClientCache drops provider clients built for a connection
type ClientCache interface {
	Forget(connectionID string)
}

// StatusApplier records delivery status updates
type StatusApplier interface {
	Apply(ctx context.Context, tenantID string, u tracker.Update) (tracker.Outcome, error)
}

// ContactStore reads and updates contacts
type ContactStore interface {
	GetByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error)
	Upsert(ctx context.Context, c *models.Contact) error
	SetOptIn(ctx context.Context, tenantID, id string, status models.OptInStatus, at time.Time) (bool, error)
}

// ConversationStore renews messaging sessions
type ConversationStore interface {
	TouchInbound(ctx context.Context, tenantID, contactID, phone string, at time.Time, window time.Duration) (*models.Conversation, error)
}

// Config contains webhook settings
type Config struct {
	SessionWindow  time.Duration
	OptOutKeywords []string
	OptInKeywords  []string
	MaxBodyBytes   int64
}

// Inbound is a normalized message received from a contact
type Inbound struct {
	Phone     string
	Name      string
	Text      string
	Timestamp time.Time
}

// Event is the normalized content of one webhook request
type Event struct {
	Statuses []tracker.Update
	Inbound  []Inbound

	// ConnectionStatus is set when the gateway reports its session with
	// WhatsApp opened or closed
	ConnectionStatus string
}

var errUnauthorized = errors.New("unauthorized webhook")

// Handler serves the webhook endpoints of every connection
type Handler struct {
	connections   ConnectionStore
	clients       ClientCache
	tracker       StatusApplier
	contacts      ContactStore
	conversations ConversationStore
	cfg           Config
	optOut        map[string]bool
	optIn         map[string]bool
	logger        *slog.Logger
}

// New creates a webhook handler. clients may be nil.
func New(
	connections ConnectionStore,
	clients ClientCache,
	tr StatusApplier,
	contacts ContactStore,
	conversations ConversationStore,
	cfg Config,
	logger *slog.Logger,
) *Handler {
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = 24 * time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		connections:   connections,
		clients:       clients,
		tracker:       tr,
		contacts:      contacts,
		conversations: conversations,
		cfg:           cfg,
		optOut:        keywordSet(cfg.OptOutKeywords),
		optIn:         keywordSet(cfg.OptInKeywords),
		logger:        logger.With("component", "webhook"),
	}
}

// Routes returns the webhook router, mounted under /webhooks
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{connectionID}", h.handleVerify)
	r.Post("/{connectionID}", h.handleEvent)
	return r
}

// handleVerify answers the cloud subscription handshake
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if conn.Type != models.ConnectionCloudOfficial ||
		q.Get("hub.mode") != "subscribe" ||
		!secretEqual(q.Get("hub.verify_token"), conn.WebhookSecret) {
		metrics.IncWebhooks(string(conn.Type), "rejected")
		h.logger.Warn("webhook verification rejected", "connection_id", conn.ID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	metrics.IncWebhooks(string(conn.Type), "verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// handleEvent authenticates, parses and applies one callback
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	provider := string(conn.Type)
	logger := h.logger.With("connection_id", conn.ID, "tenant_id", conn.TenantID, "provider", provider)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		metrics.IncWebhooks(provider, "invalid")
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var event *Event
	switch conn.Type {
	case models.ConnectionCloudOfficial:
		if err = verifySignature(conn.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")); err == nil {
			event, err = parseCloud(body)
		}
	case models.ConnectionUnofficialInstance:
		if err = verifyInstanceToken(conn.WebhookSecret, r); err == nil {
			event, err = parseInstance(body)
		}
	default:
		err = errUnauthorized
	}

	if errors.Is(err, errUnauthorized) {
		metrics.IncWebhooks(provider, "rejected")
		logger.Warn("webhook authentication failed", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		metrics.IncWebhooks(provider, "invalid")
		logger.Warn("invalid webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.apply(r.Context(), conn, event, logger); err != nil {
		// A non-2xx response makes the provider redeliver; updates are idempotent
		metrics.IncWebhooks(provider, "error")
		logger.Error("failed to process webhook", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	metrics.IncWebhooks(provider, "accepted")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) apply(ctx context.Context, conn *models.ApiConnection, event *Event, logger *slog.Logger) error {
	if event.ConnectionStatus != "" && event.ConnectionStatus != conn.Status {
		if err := h.connections.SetStatus(ctx, conn.ID, event.ConnectionStatus); err != nil {
			return err
		}
		if h.clients != nil {
			h.clients.Forget(conn.ID)
		}
		logger.Info("connection status changed", "from", conn.Status, "to", event.ConnectionStatus)
	}

	tenantID := conn.TenantID
	for _, u := range event.Statuses {
		if _, err := h.tracker.Apply(ctx, tenantID, u); err != nil {
			if errors.Is(err, tracker.ErrInvalidStatus) {
				logger.Debug("status update skipped", "error", err)
				continue
			}
			return err
		}
	}
	for _, in := range event.Inbound {
		if err := h.handleInbound(ctx, tenantID, in, logger); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) connection(w http.ResponseWriter, r *http.Request) (*models.ApiConnection, bool) {
	id := chi.URLParam(r, "connectionID")
	conn, err := h.connections.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load connection", "connection_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if conn == nil || conn.WebhookSecret == "" {
		metrics.IncWebhooks("unknown", "rejected")
		http.Error(w, "Not found", http.StatusNotFound)
		return nil, false
	}
	return conn, true
}

func verifyInstanceToken(secret string, r *http.Request) error {
	token := r.Header.Get("apikey")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if !secretEqual(token, secret) {
		return errUnauthorized
	}
	return nil
}

func secretEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func keywordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if w = normalizeKeyword(w); w != "" {
			set[w] = true
		}
	}
	return set
}

func normalizeKeyword(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
