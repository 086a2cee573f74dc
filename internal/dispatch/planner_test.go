package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/pulsecast/pulsecast/internal/models"
)

func testSessions(n int) []models.Session {
	sessions := make([]models.Session, n)
	for i := range sessions {
		sessions[i] = models.Session{
			ID:      fmt.Sprintf("sess-%d", i),
			Name:    fmt.Sprintf("session %d", i),
			Weight:  1,
			Enabled: true,
		}
	}
	return sessions
}

func testTargets(n int) []models.Recipient {
	targets := make([]models.Recipient, n)
	for i := range targets {
		targets[i] = models.Recipient{UserID: fmt.Sprintf("user-%d", i)}
	}
	return targets
}

func testTiming() Timing {
	return Timing{
		MessageDelayMin: 2 * time.Second,
		MessageDelayMax: 5 * time.Second,
		SessionBase:     10 * time.Second,
		SessionJitter:   3 * time.Second,
	}
}

func TestEqualStrategySplitsEvenly(t *testing.T) {
	sessions := testSessions(3)
	tasks, err := BuildPlan(testTargets(10), sessions, StrategyEqual, testTiming(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	counts := map[string]int{}
	for _, task := range tasks {
		counts[task.SessionID]++
	}

	// 10 across 3 sessions: remainder goes to the first session
	if counts["sess-0"] != 4 || counts["sess-1"] != 3 || counts["sess-2"] != 3 {
		t.Errorf("uneven split: %v", counts)
	}
}

func TestEqualStrategyPreservesPerSessionOrder(t *testing.T) {
	tasks, err := BuildPlan(testTargets(9), testSessions(3), StrategyEqual, testTiming(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	last := map[string]time.Duration{}
	for _, task := range tasks {
		if prev, ok := last[task.SessionID]; ok && task.Delay <= prev {
			t.Fatalf("session %s: delays not increasing (%v then %v)", task.SessionID, prev, task.Delay)
		}
		last[task.SessionID] = task.Delay
	}
}

func TestRandomStrategyUsesAllSessions(t *testing.T) {
	tasks, err := BuildPlan(testTargets(300), testSessions(3), StrategyRandom, testTiming(), rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	counts := map[string]int{}
	for _, task := range tasks {
		counts[task.SessionID]++
	}
	for id, n := range counts {
		if n == 0 {
			t.Errorf("session %s received no tasks", id)
		}
	}
	if len(counts) != 3 {
		t.Errorf("expected 3 sessions used, got %d", len(counts))
	}
}

func TestWeightedStrategyRespectsZeroWeight(t *testing.T) {
	sessions := testSessions(3)
	sessions[1].Weight = 0

	tasks, err := BuildPlan(testTargets(200), sessions, StrategyWeighted, testTiming(), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	for _, task := range tasks {
		if task.SessionID == "sess-1" {
			t.Fatal("zero-weight session received a task")
		}
	}
}

func TestWeightedStrategyProportional(t *testing.T) {
	sessions := testSessions(2)
	sessions[0].Weight = 9
	sessions[1].Weight = 1

	tasks, err := BuildPlan(testTargets(1000), sessions, StrategyWeighted, testTiming(), rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	counts := map[string]int{}
	for _, task := range tasks {
		counts[task.SessionID]++
	}

	// Expect roughly 900/100; allow generous slack for the draw
	if counts["sess-0"] < 800 || counts["sess-1"] > 200 {
		t.Errorf("weighted split far from 9:1: %v", counts)
	}
}

func TestWeightedAllZeroWeightsRejected(t *testing.T) {
	sessions := testSessions(2)
	sessions[0].Weight = 0
	sessions[1].Weight = 0

	_, err := BuildPlan(testTargets(5), sessions, StrategyWeighted, testTiming(), rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrZeroWeights) {
		t.Errorf("expected ErrZeroWeights, got %v", err)
	}
}

func TestMinimumSessionSpacing(t *testing.T) {
	timing := testTiming()
	floor := timing.SessionBase - timing.SessionJitter

	for seed := int64(0); seed < 20; seed++ {
		tasks, err := BuildPlan(testTargets(60), testSessions(3), StrategyRandom, timing, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatalf("BuildPlan failed: %v", err)
		}

		last := map[string]time.Duration{}
		for _, task := range tasks {
			if prev, ok := last[task.SessionID]; ok {
				if gap := task.Delay - prev; gap < floor {
					t.Fatalf("seed %d: session %s gap %v below floor %v", seed, task.SessionID, gap, floor)
				}
			}
			last[task.SessionID] = task.Delay
		}
	}
}

func TestDisabledSessionsSkipped(t *testing.T) {
	sessions := testSessions(3)
	sessions[2].Enabled = false

	tasks, err := BuildPlan(testTargets(30), sessions, StrategyEqual, testTiming(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	for _, task := range tasks {
		if task.SessionID == "sess-2" {
			t.Fatal("disabled session received a task")
		}
	}
}

func TestNoEnabledSessions(t *testing.T) {
	sessions := testSessions(2)
	sessions[0].Enabled = false
	sessions[1].Enabled = false

	_, err := BuildPlan(testTargets(5), sessions, StrategyEqual, testTiming(), rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrNoSessions) {
		t.Errorf("expected ErrNoSessions, got %v", err)
	}
}

func TestPlanReproducibleWithSeed(t *testing.T) {
	a, err := BuildPlan(testTargets(50), testSessions(3), StrategyRandom, testTiming(), rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	b, err := BuildPlan(testTargets(50), testSessions(3), StrategyRandom, testTiming(), rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("plans diverge at task %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := BuildPlan(testTargets(5), testSessions(2), "chaotic", testTiming(), rand.New(rand.NewSource(1)))
	if err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestValidateTiming(t *testing.T) {
	tests := []struct {
		name    string
		timing  models.TimingConfig
		wantErr bool
	}{
		{"zero config", models.TimingConfig{}, false},
		{"sane config", models.TimingConfig{MessageDelayMinSec: 1, MessageDelayMaxSec: 5, SessionBaseSec: 10, SessionJitterSec: 3}, false},
		{"equal min max", models.TimingConfig{MessageDelayMinSec: 4, MessageDelayMaxSec: 4}, false},
		{"negative delay", models.TimingConfig{MessageDelayMinSec: -1}, true},
		{"negative jitter", models.TimingConfig{SessionJitterSec: -2}, true},
		{"inverted range", models.TimingConfig{MessageDelayMinSec: 10, MessageDelayMaxSec: 5}, true},
		{"jitter above base", models.TimingConfig{SessionBaseSec: 2, SessionJitterSec: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTiming(tt.timing)
			if tt.wantErr && !errors.Is(err, ErrInvalidTiming) {
				t.Errorf("expected ErrInvalidTiming, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
