package models

import "time"

// OptInStatus is the consent state of a contact
type OptInStatus string

const (
	OptInGranted OptInStatus = "granted"
	OptInRevoked OptInStatus = "revoked"
	OptInUnknown OptInStatus = "unknown"
)

// Contact is a messaging recipient
type Contact struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"` // E.164
	Email       string      `json:"email,omitempty"`
	Group       string      `json:"group,omitempty"`
	OptInStatus OptInStatus `json:"opt_in_status"`
	OptedInAt   *time.Time  `json:"opted_in_at,omitempty"`
	OptedOutAt  *time.Time  `json:"opted_out_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Conversation tracks the messaging session window of a contact
type Conversation struct {
	TenantID         string     `json:"tenant_id"`
	ContactID        string     `json:"contact_id"`
	Phone            string     `json:"phone"`
	LastInboundAt    *time.Time `json:"last_inbound_at,omitempty"`
	SessionExpiresAt *time.Time `json:"session_expires_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SessionOpen reports whether free-form messages are allowed at now
func (c *Conversation) SessionOpen(now time.Time) bool {
	if c == nil || c.SessionExpiresAt == nil {
		return false
	}
	return now.Before(*c.SessionExpiresAt)
}

// Recipient is the flattened view of a contact used to render a campaign message
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
	Group string `json:"group,omitempty"`
}

// ContactListFilter for filtering contacts
type ContactListFilter struct {
	TenantID string
	Group    string
	IDs      []string
	Limit    int
	Offset   int
}
