package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/zapcast/internal/models"
)

// ContactRequest is the request body for POST /api/v1/contacts
type ContactRequest struct {
	Name  string `json:"name" validate:"max=200"`
	Phone string `json:"phone" validate:"required,e164"`
	Email string `json:"email" validate:"omitempty,email"`
	Group string `json:"group" validate:"max=100"`
}

// ConnectionRequest is the request body for POST /api/v1/connections
type ConnectionRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	Type          string `json:"type" validate:"required,oneof=cloud_official unofficial_instance"`
	BaseURL       string `json:"base_url" validate:"omitempty,url"`
	PhoneNumberID string `json:"phone_number_id" validate:"required_if=Type cloud_official"`
	InstanceName  string `json:"instance_name" validate:"required_if=Type unofficial_instance"`
	APIKey        string `json:"api_key" validate:"required"`
	WebhookSecret string `json:"webhook_secret"`
	Inactive      bool   `json:"inactive"`
}

// ConnectionResponse is returned once on creation; it is the only response
// that carries the webhook secret
type ConnectionResponse struct {
	*models.ApiConnection
	WebhookSecret string `json:"webhook_secret"`
	WebhookPath   string `json:"webhook_path"`
}

// handleUpsertContact handles POST /api/v1/contacts
func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !s.decode(w, r, &req) {
		return
	}

	c := &models.Contact{
		TenantID: tenantFrom(r.Context()),
		Name:     req.Name,
		Phone:    req.Phone,
		Email:    req.Email,
		Group:    req.Group,
	}
	if err := s.deps.Contacts.Upsert(r.Context(), c); err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, c)
}

// handleListContacts handles GET /api/v1/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.deps.Contacts.List(r.Context(), models.ContactListFilter{
		TenantID: tenantFrom(r.Context()),
		Group:    r.URL.Query().Get("group"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.Contact{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: len(items), Limit: limit, Offset: offset})
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	s.setOptIn(w, r, models.OptInGranted)
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	s.setOptIn(w, r, models.OptInRevoked)
}

// setOptIn records an explicit consent event for a contact
func (s *Server) setOptIn(w http.ResponseWriter, r *http.Request, status models.OptInStatus) {
	tenantID := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	ok, err := s.deps.Contacts.SetOptIn(r.Context(), tenantID, id, status, time.Now())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if !ok {
		s.sendError(w, http.StatusNotFound, "Not found")
		return
	}

	c, err := s.deps.Contacts.GetByID(r.Context(), tenantID, id)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	s.logger.Info("contact consent changed", "contact_id", id, "opt_in_status", status)
	s.sendJSON(w, http.StatusOK, c)
}

// handleCreateConnection handles POST /api/v1/connections
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req ConnectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	secret := req.WebhookSecret
	if secret == "" {
		secret = uuid.New().String()
	}

	c := &models.ApiConnection{
		TenantID:      tenantFrom(r.Context()),
		Name:          req.Name,
		Type:          models.ConnectionType(req.Type),
		BaseURL:       req.BaseURL,
		PhoneNumberID: req.PhoneNumberID,
		InstanceName:  req.InstanceName,
		APIKey:        req.APIKey,
		WebhookSecret: secret,
		IsActive:      !req.Inactive,
		Status:        models.ConnectionStatusActive,
	}
	if err := s.deps.Connections.Create(r.Context(), c); err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.logger.Info("connection created", "connection_id", c.ID, "type", c.Type, "tenant_id", c.TenantID)
	s.sendJSON(w, http.StatusCreated, ConnectionResponse{
		ApiConnection: c,
		WebhookSecret: secret,
		WebhookPath:   "/webhooks/" + c.ID,
	})
}

// handleListConnections handles GET /api/v1/connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Connections.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.ApiConnection{}
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: len(items), Limit: len(items)})
}
