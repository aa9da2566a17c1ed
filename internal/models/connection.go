package models

import "time"

// ConnectionType identifies a provider API flavour
type ConnectionType string

const (
	ConnectionCloudOfficial      ConnectionType = "cloud_official"
	ConnectionUnofficialInstance ConnectionType = "unofficial_instance"
)

// Valid reports whether t is a supported connection type
func (t ConnectionType) Valid() bool {
	return t == ConnectionCloudOfficial || t == ConnectionUnofficialInstance
}

// Connection status values
const (
	ConnectionStatusActive       = "active"
	ConnectionStatusPending      = "pending"
	ConnectionStatusDisconnected = "disconnected"
)

// ApiConnection is a tenant credential for one provider
type ApiConnection struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	Type          ConnectionType `json:"type"`
	BaseURL       string         `json:"base_url,omitempty"`
	PhoneNumberID string         `json:"phone_number_id,omitempty"` // cloud_official
	InstanceName  string         `json:"instance_name,omitempty"`   // unofficial_instance
	APIKey        string         `json:"-"`
	WebhookSecret string         `json:"-"`
	IsActive      bool           `json:"is_active"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Usable reports whether the connection may be used for sending
func (c *ApiConnection) Usable() bool {
	return c.IsActive && c.Status == ConnectionStatusActive
}
