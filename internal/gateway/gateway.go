// Package gateway abstracts the chat platform that campaign messages are
// delivered through.
package gateway

import (
	"context"
	"errors"

	"github.com/pulsecast/pulsecast/internal/models"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Flood     bool // platform rejected the session for sending too fast
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Sender delivers one rendered message through a specific session
type Sender interface {
	Send(ctx context.Context, sessionID string, to models.Recipient, text string) error
}

// IsFlood reports whether the error is a platform flood rejection
func IsFlood(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Flood
	}
	return false
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}
