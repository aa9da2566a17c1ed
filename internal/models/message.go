package models

import "time"

// MessageStatus is the delivery state of one campaign recipient
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Rank orders the forward progression pending < sent < delivered < read.
// failed has no rank; it is terminal.
func (s MessageStatus) Rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known message status
func (s MessageStatus) Valid() bool {
	return s == MessageFailed || s.Rank() >= 0
}

// CampaignMessage is the per-recipient record of a campaign
type CampaignMessage struct {
	ID                string        `json:"id"`
	CampaignID        string        `json:"campaign_id"`
	TenantID          string        `json:"tenant_id"`
	ContactID         string        `json:"contact_id"`
	Position          int           `json:"position"`
	Name              string        `json:"name"`
	Phone             string        `json:"phone"`
	Email             string        `json:"email,omitempty"`
	Group             string        `json:"group,omitempty"`
	Body              string        `json:"body"`
	Status            MessageStatus `json:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	RetryCount        int           `json:"retry_count"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Recipient returns the recipient variables the row was materialized from
func (m *CampaignMessage) Recipient() Recipient {
	return Recipient{ID: m.ContactID, Name: m.Name, Phone: m.Phone, Email: m.Email, Group: m.Group}
}

// MessageListFilter for listing the rows of a campaign
type MessageListFilter struct {
	CampaignID string
	Status     MessageStatus
	Limit      int
	Offset     int
}
