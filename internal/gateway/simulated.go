package gateway

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsecast/pulsecast/internal/models"
)

// SimulatedConfig controls the simulated gateway
type SimulatedConfig struct {
	SimulateErrors   bool
	ErrorProbability float64 // 0.0 to 1.0, share of sends that fail
	FloodShare       float64 // 0.0 to 1.0, share of failures that are flood rejections
	Latency          time.Duration
	RatePerSec       float64 // process-wide throttle, 0 disables
}

// CapturedMessage is one message the simulated gateway accepted
type CapturedMessage struct {
	SessionID  string
	Recipient  models.Recipient
	Text       string
	CapturedAt time.Time
}

// Simulated captures messages instead of delivering them and can inject
// failures so dispatch behavior is testable without platform credentials.
type Simulated struct {
	cfg     SimulatedConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	captured []CapturedMessage
}

// NewSimulated creates a simulated gateway
func NewSimulated(cfg SimulatedConfig, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ErrorProbability <= 0 || cfg.ErrorProbability > 1 {
		cfg.ErrorProbability = 0.1
	}
	if cfg.FloodShare < 0 || cfg.FloodShare > 1 {
		cfg.FloodShare = 0.5
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	return &Simulated{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With("component", "gateway"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRandSource replaces the failure injection source, for reproducible runs
func (g *Simulated) SetRandSource(src rand.Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng = rand.New(src)
}

// Send captures the message, honoring the global throttle and injecting
// failures per config. A context past its deadline returns before capture.
func (g *Simulated) Send(ctx context.Context, sessionID string, to models.Recipient, text string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if g.cfg.Latency > 0 {
		select {
		case <-time.After(g.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := g.injectError(); err != nil {
		g.logger.Debug("simulated delivery failure",
			"session_id", sessionID,
			"user_id", to.UserID,
			"error", err,
		)
		return err
	}

	g.mu.Lock()
	g.captured = append(g.captured, CapturedMessage{
		SessionID:  sessionID,
		Recipient:  to,
		Text:       text,
		CapturedAt: time.Now(),
	})
	g.mu.Unlock()

	g.logger.Debug("message captured",
		"session_id", sessionID,
		"user_id", to.UserID,
	)
	return nil
}

// Captured returns a copy of all accepted messages
func (g *Simulated) Captured() []CapturedMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]CapturedMessage, len(g.captured))
	copy(out, g.captured)
	return out
}

func (g *Simulated) injectError() error {
	if !g.cfg.SimulateErrors {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rng.Float64() >= g.cfg.ErrorProbability {
		return nil
	}
	if g.rng.Float64() < g.cfg.FloodShare {
		return &DeliveryError{Flood: true, Temporary: true, Message: "too many requests from session"}
	}
	return &DeliveryError{Temporary: true, Message: "peer temporarily unavailable"}
}
