// Package dispatch assigns campaign targets to sending sessions and runs
// the send loop under quota and backoff control.
package dispatch

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pulsecast/pulsecast/internal/models"
)

// Strategy determines how targets are distributed across sessions
type Strategy string

const (
	StrategyEqual    Strategy = "equal"
	StrategyRandom   Strategy = "random"
	StrategyWeighted Strategy = "weighted"
)

var (
	ErrNoSessions    = fmt.Errorf("no enabled sessions available")
	ErrZeroWeights   = fmt.Errorf("weighted strategy requires at least one positive session weight")
	ErrInvalidTiming = fmt.Errorf("invalid timing configuration")
)

// Task is one scheduled (recipient, session, delay) unit of work. Delay is
// an offset from the start of the dispatch run.
type Task struct {
	Recipient models.Recipient
	SessionID string
	Delay     time.Duration
}

// Timing controls inter-message delays and per-session spacing
type Timing struct {
	MessageDelayMin time.Duration
	MessageDelayMax time.Duration
	SessionBase     time.Duration
	SessionJitter   time.Duration
}

// TimingFromConfig converts a campaign timing config to planner timing
func TimingFromConfig(cfg models.TimingConfig) Timing {
	return Timing{
		MessageDelayMin: time.Duration(cfg.MessageDelayMinSec) * time.Second,
		MessageDelayMax: time.Duration(cfg.MessageDelayMaxSec) * time.Second,
		SessionBase:     time.Duration(cfg.SessionBaseSec) * time.Second,
		SessionJitter:   time.Duration(cfg.SessionJitterSec) * time.Second,
	}
}

// ValidateTiming rejects timing that would schedule tasks in the past or
// collapse the per-session spacing floor below zero.
func ValidateTiming(cfg models.TimingConfig) error {
	if cfg.MessageDelayMinSec < 0 || cfg.MessageDelayMaxSec < 0 ||
		cfg.SessionBaseSec < 0 || cfg.SessionJitterSec < 0 {
		return fmt.Errorf("%w: values must not be negative", ErrInvalidTiming)
	}
	if cfg.MessageDelayMinSec > cfg.MessageDelayMaxSec {
		return fmt.Errorf("%w: message_delay_min_sec exceeds message_delay_max_sec", ErrInvalidTiming)
	}
	if cfg.SessionJitterSec > cfg.SessionBaseSec {
		return fmt.Errorf("%w: session_jitter_sec exceeds session_base_sec", ErrInvalidTiming)
	}
	return nil
}

// BuildPlan assigns targets to sessions and schedules each send. Any two
// tasks on the same session are spaced at least SessionBase-SessionJitter
// apart by construction; callers never need to enforce spacing themselves.
// Only enabled sessions receive tasks. The rng must be provided by the
// caller so plans are reproducible under a fixed seed.
func BuildPlan(targets []models.Recipient, sessions []models.Session, strategy Strategy, timing Timing, rng *rand.Rand) ([]Task, error) {
	active := make([]models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Enabled {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoSessions
	}

	assign, err := assigner(strategy, active, rng)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(targets))
	lastAt := make(map[string]time.Duration, len(active))

	for i, target := range targets {
		sessionID := assign(i)

		delay := uniformDuration(rng, timing.MessageDelayMin, timing.MessageDelayMax)

		if prev, again := lastAt[sessionID]; again {
			// Second and later tasks on a session accrue the jittered
			// session gap on top of the per-message delay, which keeps
			// the gap at or above SessionBase - SessionJitter.
			gap := timing.SessionBase + jitter(rng, timing.SessionJitter)
			delay += prev + gap
		}
		lastAt[sessionID] = delay

		tasks = append(tasks, Task{
			Recipient: target,
			SessionID: sessionID,
			Delay:     delay,
		})
	}

	return tasks, nil
}

// assigner returns a function mapping target index to session ID
func assigner(strategy Strategy, sessions []models.Session, rng *rand.Rand) (func(int) string, error) {
	switch strategy {
	case StrategyEqual, "":
		// Round-robin splits targets as evenly as possible, with the
		// remainder landing on the first sessions.
		return func(i int) string {
			return sessions[i%len(sessions)].ID
		}, nil

	case StrategyRandom:
		return func(int) string {
			return sessions[rng.Intn(len(sessions))].ID
		}, nil

	case StrategyWeighted:
		total := 0
		for _, s := range sessions {
			if s.Weight > 0 {
				total += s.Weight
			}
		}
		if total == 0 {
			return nil, ErrZeroWeights
		}
		return func(int) string {
			draw := rng.Intn(total)
			cumulative := 0
			for _, s := range sessions {
				if s.Weight <= 0 {
					continue
				}
				cumulative += s.Weight
				if draw < cumulative {
					return s.ID
				}
			}
			return sessions[len(sessions)-1].ID
		}, nil
	}

	return nil, fmt.Errorf("unknown dispatch strategy %q", strategy)
}

// uniformDuration draws uniformly from [min, max]
func uniformDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// jitter draws uniformly from [-spread, +spread]
func jitter(rng *rand.Rand, spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(2*int64(spread)+1)) - spread
}
