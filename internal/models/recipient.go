package models

// Recipient is a group member drawn from the recipient store. Identity key
// for dedup is UserID, with the case-folded Username as a secondary key
// because some historical send records only captured a username.
type Recipient struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsBot    bool   `json:"is_bot"`
}

// Resolvable reports whether the recipient carries any identity usable
// for dedup matching.
func (r Recipient) Resolvable() bool {
	return r.UserID != "" || r.Username != ""
}

// RecipientFilter for querying group members
type RecipientFilter struct {
	GroupIDs    []string
	ExcludeBots bool
	Limit       int
	Offset      int
}
