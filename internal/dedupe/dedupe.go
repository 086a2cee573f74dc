// Package dedupe excludes recipients that were already messaged in any
// prior campaign for the same team.
package dedupe

import (
	"strings"

	"github.com/pulsecast/pulsecast/internal/models"
)

// Filter returns the subset of candidates with no prior confirmed send in
// history, preserving input order, plus the number of excluded duplicates.
//
// The disqualifying-key set is built from history records with status
// "sent" only: the exact target user id and the case-folded target
// username (when present). A candidate is excluded if either of its keys
// matches; a username match alone is sufficient. Candidates with neither
// an id nor a username can never match and always pass through.
func Filter(candidates []models.Recipient, history []models.SendRecord) ([]models.Recipient, int) {
	if len(candidates) == 0 {
		return []models.Recipient{}, 0
	}

	seen := make(map[string]struct{}, len(history)*2)
	for _, rec := range history {
		if rec.Status != models.SendSent {
			continue
		}
		if rec.TargetUserID != "" {
			seen["id:"+rec.TargetUserID] = struct{}{}
		}
		if rec.TargetUsername != "" {
			seen["name:"+strings.ToLower(rec.TargetUsername)] = struct{}{}
		}
	}

	fresh := make([]models.Recipient, 0, len(candidates))
	duplicates := 0
	for _, c := range candidates {
		if isDuplicate(c, seen) {
			duplicates++
			continue
		}
		fresh = append(fresh, c)
	}

	return fresh, duplicates
}

func isDuplicate(c models.Recipient, seen map[string]struct{}) bool {
	if c.UserID != "" {
		if _, ok := seen["id:"+c.UserID]; ok {
			return true
		}
	}
	if c.Username != "" {
		if _, ok := seen["name:"+strings.ToLower(c.Username)]; ok {
			return true
		}
	}
	return false
}
