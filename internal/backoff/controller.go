// Package backoff escalates per-session delays after send failures so a
// flagged sending identity cools down before the platform penalizes it.
package backoff

import (
	"math"
	"sync"
	"time"
)

// State is a session's position in the backoff state machine
type State string

const (
	StateHealthy    State = "healthy"
	StateBackingOff State = "backing_off"
	StatePaused     State = "paused"
)

// Config contains backoff controller settings
type Config struct {
	Initial        time.Duration `yaml:"initial"`         // floor delay
	Factor         float64       `yaml:"factor"`          // escalation multiplier, >= 1
	Max            time.Duration `yaml:"max"`             // delay ceiling
	PauseThreshold int           `yaml:"pause_threshold"` // consecutive failures before pausing
}

// DefaultConfig returns conservative backoff settings
func DefaultConfig() Config {
	return Config{
		Initial:        30 * time.Second,
		Factor:         2,
		Max:            30 * time.Minute,
		PauseThreshold: 5,
	}
}

type sessionState struct {
	failures    int
	delay       time.Duration
	pausedUntil time.Time
}

// Controller tracks per-session backoff state. State is mutated only by
// the session's owning dispatch worker; the mutex guards reads from other
// goroutines (status endpoints, metrics).
type Controller struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

// NewController creates a backoff controller
func NewController(cfg Config) *Controller {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultConfig().Initial
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultConfig().Factor
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig().Max
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = DefaultConfig().PauseThreshold
	}

	return &Controller{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// OnFailure records a platform rejection for the session and returns the
// escalated delay. After the configured threshold of consecutive failures
// the session transitions to Paused for the current delay.
func (c *Controller) OnFailure(sessionID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session(sessionID)
	s.failures++
	s.delay = c.delayFor(s.failures)

	if s.failures > c.cfg.PauseThreshold {
		s.pausedUntil = c.now().Add(s.delay)
	}

	return s.delay
}

// OnSuccess resets the session to the floor delay
func (c *Controller) OnSuccess(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session(sessionID)
	s.failures = 0
	s.delay = c.cfg.Initial
	s.pausedUntil = time.Time{}
}

// Delay returns the session's current backoff delay
func (c *Controller) Delay(sessionID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session(sessionID).delay
}

// Failures returns the session's consecutive failure count
func (c *Controller) Failures(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session(sessionID).failures
}

// State returns the session's current backoff state
func (c *Controller) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session(sessionID)
	switch {
	case c.now().Before(s.pausedUntil):
		return StatePaused
	case s.failures > 0:
		return StateBackingOff
	default:
		return StateHealthy
	}
}

// PausedUntil returns the end of the session's pause window, if paused
func (c *Controller) PausedUntil(sessionID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session(sessionID)
	if c.now().Before(s.pausedUntil) {
		return s.pausedUntil, true
	}
	return time.Time{}, false
}

// session returns (creating if needed) the per-session state. The caller
// must hold c.mu.
func (c *Controller) session(sessionID string) *sessionState {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{delay: c.cfg.Initial}
		c.sessions[sessionID] = s
	}
	return s
}

// delayFor computes min(initial * factor^n, max) for n failures
func (c *Controller) delayFor(failures int) time.Duration {
	d := float64(c.cfg.Initial) * math.Pow(c.cfg.Factor, float64(failures))
	if d > float64(c.cfg.Max) {
		return c.cfg.Max
	}
	return time.Duration(d)
}
