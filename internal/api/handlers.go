package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/zapcast/internal/campaign"
	"github.com/foxzi/zapcast/internal/dispatcher"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
)

// CreateCampaignRequest is the request body for POST /api/v1/campaigns
type CreateCampaignRequest struct {
	Name             string     `json:"name" validate:"required,max=200"`
	Message          string     `json:"message"`
	Kind             string     `json:"kind" validate:"omitempty,oneof=freeform_text template"`
	TemplateName     string     `json:"template_name" validate:"required_if=Kind template"`
	TemplateLanguage string     `json:"template_language"`
	TemplateParams   []string   `json:"template_params"`
	ConnectionType   string     `json:"connection_type" validate:"omitempty,oneof=cloud_official unofficial_instance"`
	ContactGroup     string     `json:"contact_group"`
	ContactIDs       []string   `json:"contact_ids" validate:"omitempty,dive,required"`
	DelaySeconds     int        `json:"delay_seconds" validate:"min=1,max=60"`
	ScheduledAt      *time.Time `json:"scheduled_at"`
}

// ListResponse wraps a page of results
type ListResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Queue   *metrics.QueueStats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	c := &models.Campaign{
		Name:             req.Name,
		Message:          req.Message,
		Kind:             models.MessageKind(req.Kind),
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		TemplateParams:   req.TemplateParams,
		ConnectionType:   models.ConnectionType(req.ConnectionType),
		ContactGroup:     req.ContactGroup,
		ContactIDs:       req.ContactIDs,
		DelaySeconds:     req.DelaySeconds,
		ScheduledAt:      req.ScheduledAt,
	}
	if err := s.deps.Campaigns.Create(r.Context(), tenantFrom(r.Context()), c); err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := models.CampaignListFilter{
		TenantID: tenantFrom(r.Context()),
		Status:   models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	}

	items, total, err := s.deps.Campaigns.List(r.Context(), filter)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.Campaign{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Campaigns.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, s.deps.Campaigns.Start)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, s.deps.Campaigns.Pause)
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, s.deps.Campaigns.Resume)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignAction(w, r, s.deps.Campaigns.Cancel)
}

type campaignOp func(ctx context.Context, tenantID, id string) (*models.Campaign, error)

// campaignAction runs a lifecycle operation and returns the updated campaign
func (s *Server) campaignAction(w http.ResponseWriter, r *http.Request, op campaignOp) {
	c, err := op(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Campaigns.Stats(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleCampaignMessages handles GET /api/v1/campaigns/{id}/messages
func (s *Server) handleCampaignMessages(w http.ResponseWriter, r *http.Request) {
	status := models.MessageStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit, offset := pagination(r)
	filter := models.MessageListFilter{
		CampaignID: chi.URLParam(r, "id"),
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	}

	items, total, err := s.deps.Campaigns.Messages(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.CampaignMessage{}
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var stats *metrics.QueueStats
	if s.deps.Queue != nil {
		stats, _ = s.deps.Queue.QueueStats(r.Context())
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// handleServiceError maps service errors to HTTP status codes
func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, campaign.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrValidation), errors.Is(err, dispatcher.ErrTemplate):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		metrics.IncAPIErrors("internal")
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		s.sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decode reads and validates a JSON request body
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return false
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fmt.Sprintf("%s: failed on '%s'", fe.Field(), fe.Tag()))
		}
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

// newValidator reports fields by their json names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
