package models

import "time"

// SendStatus represents the outcome of a send attempt
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// SendRecord is one attempted recipient in one campaign. Append-only;
// only records with status "sent" count toward deduplication.
type SendRecord struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaign_id"`
	SessionID      string     `json:"session_id,omitempty"`
	TargetUserID   string     `json:"target_user_id,omitempty"`
	TargetUsername string     `json:"target_username,omitempty"`
	Status         SendStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

// SendStats holds aggregated per-campaign send counts
type SendStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
