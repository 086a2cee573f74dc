package models

import "time"

// Session is a sending identity on the chat platform, rate-limited
// independently of its peers.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Weight    int       `json:"weight"`     // relative share for the weighted strategy
	HourlyCap int       `json:"hourly_cap"` // max messages per sliding hour
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
