package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignPaused     CampaignStatus = "paused"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// MessageKind selects between a free-form text and a pre-approved template
type MessageKind string

const (
	KindFreeformText MessageKind = "freeform_text"
	KindTemplate     MessageKind = "template"
)

// Delay bounds in seconds
const (
	MinDelaySeconds = 1
	MaxDelaySeconds = 60
)

// Campaign represents a bulk messaging campaign owned by a tenant
type Campaign struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Name             string         `json:"name"`
	Message          string         `json:"message"`
	Kind             MessageKind    `json:"kind"`
	TemplateName     string         `json:"template_name,omitempty"`
	TemplateLanguage string         `json:"template_language,omitempty"`
	TemplateParams   []string       `json:"template_params,omitempty"`
	ConnectionType   ConnectionType `json:"connection_type,omitempty"` // preferred provider, empty = any
	ContactGroup     string         `json:"contact_group,omitempty"`
	ContactIDs       []string       `json:"contact_ids,omitempty"`
	DelaySeconds     int            `json:"delay_seconds"`
	Status           CampaignStatus `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Delay returns the pause between two recipients
func (c *Campaign) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// campaignTransitions lists the allowed target states for each state.
// completed and cancelled have no entry and are therefore terminal.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:      {CampaignScheduled, CampaignInProgress, CampaignCancelled},
	CampaignScheduled:  {CampaignInProgress, CampaignCancelled},
	CampaignInProgress: {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:     {CampaignInProgress, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range campaignTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which the given status is reachable
func SourcesFor(to CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignInProgress, CampaignPaused} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal reports whether no further transitions are possible
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// Valid reports whether s is a known campaign status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignInProgress, CampaignPaused, CampaignCompleted, CampaignCancelled:
		return true
	}
	return false
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	TenantID string
	Status   CampaignStatus
	Limit    int
	Offset   int
}
