// Package campaign orchestrates the campaign lifecycle: targeting at
// creation, dispatch at start, and pause/resume with durable progress.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pulsecast/pulsecast/internal/dedupe"
	"github.com/pulsecast/pulsecast/internal/dispatch"
	"github.com/pulsecast/pulsecast/internal/gateway"
	"github.com/pulsecast/pulsecast/internal/message"
	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/models"
	"github.com/pulsecast/pulsecast/internal/repository"
	"github.com/pulsecast/pulsecast/internal/selection"
)

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrIllegalTransition = errors.New("illegal campaign state transition")
	ErrNoTargets         = errors.New("campaign has no targets after deduplication")
)

// CreateInput is the request to create a campaign
type CreateInput struct {
	TeamID          string                 `json:"team_id"`
	UserID          string                 `json:"user_id"`
	Name            string                 `json:"name"`
	MessageTemplate string                 `json:"message_template"`
	Variables       map[string]string      `json:"variables,omitempty"`
	TargetGroups    []string               `json:"target_groups"`
	Policy          models.SelectionPolicy `json:"policy"`
	Strategy        string                 `json:"strategy,omitempty"`
	Timing          models.TimingConfig    `json:"timing,omitempty"`
}

// ProgressReport combines the durable progress snapshot with live send
// counts from the store.
type ProgressReport struct {
	CampaignID string                `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Progress   models.Progress       `json:"progress"`
	Stats      models.SendStats      `json:"stats"`
	TargetSet  models.TargetSet      `json:"target_set"`
}

// Service coordinates campaign creation and dispatch
type Service struct {
	campaigns *repository.CampaignRepository
	members   *repository.MemberRepository
	sends     *repository.SendRepository
	sessions  *repository.SessionRepository

	sender    gateway.Sender
	quota     dispatch.QuotaReserver
	backoff   dispatch.BackoffPolicy
	runnerCfg dispatch.RunnerConfig
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	running map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a campaign service
func NewService(
	campaigns *repository.CampaignRepository,
	members *repository.MemberRepository,
	sends *repository.SendRepository,
	sessions *repository.SessionRepository,
	sender gateway.Sender,
	quota dispatch.QuotaReserver,
	bo dispatch.BackoffPolicy,
	runnerCfg dispatch.RunnerConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Service{
		campaigns: campaigns,
		members:   members,
		sends:     sends,
		sessions:  sessions,
		sender:    sender,
		quota:     quota,
		backoff:   bo,
		runnerCfg: runnerCfg,
		logger:    logger.With("component", "campaign"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		running:   make(map[string]*activeRun),
	}
}

// SetRandSource replaces the selection randomness source, for
// reproducible runs.
func (s *Service) SetRandSource(src rand.Source) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng = rand.New(src)
}

// Create validates the input, computes the frozen target set, and persists
// the campaign in draft status together with its pending send records.
// Targeting happens exactly once here; the result is never recomputed.
func (s *Service) Create(in CreateInput) (*models.Campaign, error) {
	if in.Name == "" || in.MessageTemplate == "" || in.TeamID == "" {
		return nil, fmt.Errorf("name, message_template and team_id are required")
	}
	if len(in.TargetGroups) == 0 {
		return nil, fmt.Errorf("at least one target group is required")
	}
	if err := selection.ValidatePolicy(in.Policy); err != nil {
		return nil, err
	}
	if err := dispatch.ValidateTiming(in.Timing); err != nil {
		return nil, err
	}
	strategy := dispatch.Strategy(in.Strategy)
	if strategy == "" {
		strategy = dispatch.StrategyEqual
	}
	switch strategy {
	case dispatch.StrategyEqual, dispatch.StrategyRandom, dispatch.StrategyWeighted:
	default:
		return nil, fmt.Errorf("unknown dispatch strategy %q", in.Strategy)
	}

	candidates, err := s.members.ListByGroups(in.TeamID, models.RecipientFilter{
		GroupIDs:    in.TargetGroups,
		ExcludeBots: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load group members: %w", err)
	}

	history, err := s.sends.TeamHistory(in.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load send history: %w", err)
	}

	fresh, excluded := dedupe.Filter(candidates, history)

	s.rngMu.Lock()
	targetCount, err := selection.TargetCount(len(fresh), in.Policy, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		return nil, err
	}

	targets := fresh[:targetCount]
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	targetSet := models.TargetSet{
		TotalCandidates:    len(candidates),
		NewCandidates:      len(fresh),
		DuplicatesExcluded: excluded,
		TargetCount:        targetCount,
		SelectionMode:      string(in.Policy.Mode),
	}
	progress := models.Progress{
		Total:              targetCount,
		DuplicatesExcluded: excluded,
		OriginalCount:      len(candidates),
	}

	c := &models.Campaign{
		TeamID:          in.TeamID,
		UserID:          in.UserID,
		Name:            in.Name,
		MessageTemplate: in.MessageTemplate,
		Variables:       mustJSON(in.Variables),
		TargetGroups:    mustJSON(in.TargetGroups),
		Policy:          mustJSON(in.Policy),
		Strategy:        string(strategy),
		Timing:          mustJSON(in.Timing),
		TargetSet:       mustJSON(targetSet),
		Progress:        mustJSON(progress),
	}
	if err := s.campaigns.Create(c); err != nil {
		return nil, err
	}

	records := make([]models.SendRecord, len(targets))
	for i, t := range targets {
		records[i] = models.SendRecord{
			TargetUserID:   t.UserID,
			TargetUsername: t.Username,
		}
	}
	if err := s.sends.CreatePending(c.ID, records); err != nil {
		return nil, fmt.Errorf("failed to persist targets: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.CampaignsCreatedTotal.Inc()
		m.DuplicatesExcludedTotal.Add(float64(excluded))
	}

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"team_id", in.TeamID,
		"candidates", len(candidates),
		"duplicates_excluded", excluded,
		"target_count", targetCount,
	)
	return c, nil
}

// Get returns a campaign by ID
func (s *Service) Get(id string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns campaigns matching the filter
func (s *Service) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	return s.campaigns.List(filter)
}

// Start transitions a draft campaign to running and begins dispatch in the
// background.
func (s *Service) Start(id string) error {
	return s.launch(id, models.CampaignDraft)
}

// Resume continues a paused campaign from its pending records. Targeting
// is never redone; only records still pending are dispatched.
func (s *Service) Resume(id string) error {
	return s.launch(id, models.CampaignPaused)
}

// Pause stops a running campaign. The in-flight send, if any, completes;
// everything not yet attempted stays pending for resume.
func (s *Service) Pause(id string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		return fmt.Errorf("%w: cannot pause campaign in status %s", ErrIllegalTransition, c.Status)
	}

	s.mu.Lock()
	run := s.running[id]
	s.mu.Unlock()

	if run != nil {
		run.cancel()
		<-run.done
	}

	// The run goroutine records the final state; only force paused if the
	// campaign is still marked running (e.g. after a crash left it stale).
	if c, err := s.Get(id); err == nil && c.Status == models.CampaignRunning {
		return s.campaigns.UpdateStatus(id, models.CampaignRunning, models.CampaignPaused)
	}
	return nil
}

// Delete removes a draft campaign and its pending records. Campaigns past
// draft are kept: their sent records feed the team's dedup history.
func (s *Service) Delete(id string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignDraft {
		return fmt.Errorf("%w: only draft campaigns can be deleted, status is %s", ErrIllegalTransition, c.Status)
	}

	if err := s.campaigns.Delete(id); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	s.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

// Progress returns the combined progress view for a campaign
func (s *Service) Progress(id string) (*ProgressReport, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	stats, err := s.sends.Stats(id)
	if err != nil {
		return nil, err
	}

	report := &ProgressReport{
		CampaignID: c.ID,
		Status:     c.Status,
		Stats:      stats,
	}
	if c.Progress != "" {
		if err := json.Unmarshal([]byte(c.Progress), &report.Progress); err != nil {
			return nil, fmt.Errorf("corrupt progress snapshot: %w", err)
		}
	}
	if c.TargetSet != "" {
		if err := json.Unmarshal([]byte(c.TargetSet), &report.TargetSet); err != nil {
			return nil, fmt.Errorf("corrupt target set snapshot: %w", err)
		}
	}
	return report, nil
}

// Shutdown pauses all running campaigns and waits for their workers
func (s *Service) Shutdown() {
	s.mu.Lock()
	runs := make(map[string]*activeRun, len(s.running))
	for id, run := range s.running {
		runs[id] = run
	}
	s.mu.Unlock()

	for id, run := range runs {
		run.cancel()
		<-run.done
		if c, err := s.Get(id); err == nil && c.Status == models.CampaignRunning {
			if err := s.campaigns.UpdateStatus(id, models.CampaignRunning, models.CampaignPaused); err != nil {
				s.logger.Error("failed to pause campaign on shutdown", "campaign_id", id, "error", err)
			}
		}
	}
}

// Wait blocks until the campaign's current dispatch run finishes. Intended
// for tests and CLI tooling.
func (s *Service) Wait(id string) {
	s.mu.Lock()
	run := s.running[id]
	s.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

func (s *Service) launch(id string, from models.CampaignStatus) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	if c.Status != from {
		return fmt.Errorf("%w: cannot start campaign in status %s", ErrIllegalTransition, c.Status)
	}

	pending, err := s.sends.ListPending(id)
	if err != nil {
		return err
	}

	enabled, err := s.sessions.ListEnabled()
	if err != nil {
		return err
	}

	jobs, sessionMap, err := s.buildJobs(c, pending, enabled)
	if err != nil {
		return err
	}

	if err := s.campaigns.UpdateStatus(id, from, models.CampaignRunning); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}

	var progress models.Progress
	if c.Progress != "" {
		if err := json.Unmarshal([]byte(c.Progress), &progress); err != nil {
			return fmt.Errorf("corrupt progress snapshot: %w", err)
		}
	}

	runner := dispatch.NewRunner(s.runnerCfg, s.sender, s.quota, s.backoff, s.sends, s.logger)
	runner.SetProgressFunc(func(p models.Progress) {
		if err := s.campaigns.UpdateProgress(id, mustJSON(p)); err != nil {
			s.logger.Error("failed to checkpoint progress", "campaign_id", id, "error", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[id] = run
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()

		result := runner.Run(ctx, jobs, sessionMap, dispatch.Strategy(c.Strategy), progress)

		final := models.CampaignCompleted
		if result.Remaining > 0 {
			final = models.CampaignPaused
		}
		if err := s.campaigns.UpdateStatus(id, models.CampaignRunning, final); err != nil {
			s.logger.Error("failed to finalize campaign status", "campaign_id", id, "error", err)
		}

		// Leave the running map only after the status is finalized so Wait
		// never returns while the campaign still reads as running.
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()

		s.logger.Info("dispatch run finished",
			"campaign_id", id,
			"sent", result.Sent,
			"failed", result.Failed,
			"remaining", result.Remaining,
			"status", final,
		)
	}()

	s.logger.Info("dispatch run started", "campaign_id", id, "jobs", len(jobs), "sessions", len(sessionMap))
	return nil
}

// buildJobs plans the pending records across the enabled sessions and
// renders each recipient's message text.
func (s *Service) buildJobs(c *models.Campaign, pending []models.SendRecord, enabled []models.Session) ([]dispatch.Job, map[string]models.Session, error) {
	if len(pending) == 0 {
		return nil, nil, fmt.Errorf("campaign %s has no pending sends", c.ID)
	}

	var timing models.TimingConfig
	if c.Timing != "" {
		if err := json.Unmarshal([]byte(c.Timing), &timing); err != nil {
			return nil, nil, fmt.Errorf("corrupt timing config: %w", err)
		}
	}

	var vars map[string]string
	if c.Variables != "" {
		if err := json.Unmarshal([]byte(c.Variables), &vars); err != nil {
			return nil, nil, fmt.Errorf("corrupt variables: %w", err)
		}
	}

	targets := make([]models.Recipient, len(pending))
	for i, rec := range pending {
		targets[i] = models.Recipient{UserID: rec.TargetUserID, Username: rec.TargetUsername}
	}

	s.rngMu.Lock()
	tasks, err := dispatch.BuildPlan(targets, enabled, dispatch.Strategy(c.Strategy), dispatch.TimingFromConfig(timing), s.rng)
	s.rngMu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	sessionMap := make(map[string]models.Session, len(enabled))
	for _, sess := range enabled {
		sessionMap[sess.ID] = sess
	}

	jobs := make([]dispatch.Job, len(tasks))
	for i, task := range tasks {
		rec := pending[i]
		if rec.SessionID != task.SessionID {
			if err := s.sends.UpdateSession(rec.ID, task.SessionID); err != nil {
				return nil, nil, fmt.Errorf("failed to assign session: %w", err)
			}
		}
		jobs[i] = dispatch.Job{
			Task:     task,
			RecordID: rec.ID,
			Text:     message.ForRecipient(c.MessageTemplate, vars, targets[i]),
		}
	}

	return jobs, sessionMap, nil
}

// mustJSON marshals values whose types cannot fail to encode
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
