package models

import "time"

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign represents a bulk messaging campaign
type Campaign struct {
	ID              string         `json:"id"`
	TeamID          string         `json:"team_id"`
	UserID          string         `json:"user_id"`
	Name            string         `json:"name"`
	MessageTemplate string         `json:"message_template"`
	Variables       string         `json:"variables"`     // JSON map
	TargetGroups    string         `json:"target_groups"` // JSON array of group IDs
	Policy          string         `json:"policy"`        // JSON SelectionPolicy
	Strategy        string         `json:"strategy"`      // equal, random, weighted
	Timing          string         `json:"timing"`        // JSON TimingConfig
	Status          CampaignStatus `json:"status"`
	TargetSet       string         `json:"target_set"` // JSON TargetSet snapshot
	Progress        string         `json:"progress"`   // JSON Progress snapshot
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TargetSet is the targeting snapshot computed once at campaign creation.
// It is never recomputed; re-deriving requires a new campaign.
type TargetSet struct {
	TotalCandidates    int    `json:"total_candidates"`
	NewCandidates      int    `json:"new_candidates"`
	DuplicatesExcluded int    `json:"duplicates_excluded"`
	TargetCount        int    `json:"target_count"`
	SelectionMode      string `json:"selection_mode"`
}

// DuplicatePercentage returns the share of candidates excluded by dedup
func (t TargetSet) DuplicatePercentage() float64 {
	if t.TotalCandidates == 0 {
		return 0
	}
	return float64(t.DuplicatesExcluded) / float64(t.TotalCandidates) * 100
}

// Progress is the incremental dispatch checkpoint persisted on the campaign.
// It is the sole durable state used for resume-after-restart.
type Progress struct {
	Sent               int `json:"sent"`
	Failed             int `json:"failed"`
	Total              int `json:"total"`
	DuplicatesExcluded int `json:"duplicates_excluded"`
	OriginalCount      int `json:"original_count"`
}

// SelectionMode determines how the target count is derived
type SelectionMode string

const (
	SelectAuto     SelectionMode = "auto"
	SelectAbsolute SelectionMode = "absolute"
	SelectPercent  SelectionMode = "percent"
	SelectRandom   SelectionMode = "random"
)

// RandomRange is an inclusive integer range for the random selection mode
type RandomRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// SelectionPolicy caps or stratifies the deduplicated candidate set.
// Supplied at campaign creation and immutable afterwards. Optional fields
// are pointers so an absent value can be told apart from zero.
type SelectionPolicy struct {
	Mode        SelectionMode `json:"mode" yaml:"mode"`
	MaxMembers  *int          `json:"max_members,omitempty" yaml:"max_members,omitempty"`
	Percent     *float64      `json:"percent,omitempty" yaml:"percent,omitempty"`
	RandomRange *RandomRange  `json:"random_range,omitempty" yaml:"random_range,omitempty"`
}

// TimingConfig controls inter-message delays and per-session spacing
type TimingConfig struct {
	MessageDelayMinSec int `json:"message_delay_min_sec" yaml:"message_delay_min_sec"`
	MessageDelayMaxSec int `json:"message_delay_max_sec" yaml:"message_delay_max_sec"`
	SessionBaseSec     int `json:"session_base_sec" yaml:"session_base_sec"`
	SessionJitterSec   int `json:"session_jitter_sec" yaml:"session_jitter_sec"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	TeamID string
	Status string
	Limit  int
	Offset int
}
