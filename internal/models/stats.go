package models

// MessageCounts holds per-status row counts of a campaign
type MessageCounts struct {
	Total     int `json:"total" db:"total"`
	Pending   int `json:"pending" db:"pending"`
	Sent      int `json:"sent" db:"sent"`
	Delivered int `json:"delivered" db:"delivered"`
	Read      int `json:"read" db:"read_count"`
	Failed    int `json:"failed" db:"failed"`
}

// CampaignStats is the live progress report of a campaign
type CampaignStats struct {
	CampaignID string         `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	MessageCounts
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
	FailureRate  float64 `json:"failure_rate"`
	// EstimatedTimeRemaining is in seconds and only set while the campaign is in progress
	EstimatedTimeRemaining *int `json:"estimated_time_remaining,omitempty"`
}
