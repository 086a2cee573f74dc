// Package message renders campaign message templates for individual
// recipients.
package message

import (
	"regexp"
	"strings"

	"github.com/pulsecast/pulsecast/internal/models"
)

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{variable}} patterns in a template. Unknown
// variables are left in place so a broken template is visible in the
// delivered message instead of silently dropping content.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// ForRecipient merges campaign variables with per-recipient built-ins and
// renders the campaign template. Campaign variables take priority over
// built-ins so an operator can override them deliberately.
func ForRecipient(template string, campaignVars map[string]string, r models.Recipient) string {
	vars := make(map[string]string, len(campaignVars)+2)
	vars["user_id"] = r.UserID
	if r.Username != "" {
		vars["username"] = r.Username
	}
	for k, v := range campaignVars {
		vars[k] = v
	}
	return Render(template, vars)
}
