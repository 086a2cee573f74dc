package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pulsecast/pulsecast/internal/backoff"
	"github.com/pulsecast/pulsecast/internal/gateway"
	"github.com/pulsecast/pulsecast/internal/metrics"
	"github.com/pulsecast/pulsecast/internal/models"
	"github.com/pulsecast/pulsecast/internal/ratelimit"
)

// FailureNoCapacity marks records that exhausted their deferral budget
const FailureNoCapacity = "no_capacity"

// QuotaReserver gates sends on the per-session hourly quota
type QuotaReserver interface {
	TryReserve(sessionID string, hourlyCap int) ratelimit.Reservation
	Commit(sessionID string)
}

// BackoffPolicy tracks per-session failure state
type BackoffPolicy interface {
	OnFailure(sessionID string) time.Duration
	OnSuccess(sessionID string)
	State(sessionID string) backoff.State
	PausedUntil(sessionID string) (time.Time, bool)
}

// SendStore records send outcomes durably
type SendStore interface {
	MarkSent(id, sessionID string) error
	MarkFailed(id, reason string) error
}

// Job is one schedulable send: a planner task bound to its durable send
// record and the rendered message text.
type Job struct {
	Task
	RecordID string
	Text     string
}

// RunnerConfig contains dispatch runner settings
type RunnerConfig struct {
	SendTimeout  time.Duration `yaml:"send_timeout"`
	MaxDeferrals int           `yaml:"max_deferrals"`
}

// DefaultRunnerConfig returns dispatch runner defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		SendTimeout:  30 * time.Second,
		MaxDeferrals: 3,
	}
}

// Result summarizes one dispatch run. Remaining counts jobs left pending
// when the run was stopped before completion.
type Result struct {
	Sent      int
	Failed    int
	Remaining int
}

// Runner executes a dispatch plan. Each session gets one worker goroutine
// so its sends stay strictly serialized; quota and backoff are re-checked
// at send time rather than trusted from planning time. When a session is
// paused by backoff, its undelivered jobs move to a healthy session if the
// strategy permits reassignment, otherwise they are held until unpause.
type Runner struct {
	cfg     RunnerConfig
	sender  gateway.Sender
	quota   QuotaReserver
	backoff BackoffPolicy
	store   SendStore
	logger  *slog.Logger

	// set once per Run before workers start
	reassign bool
	sessions map[string]models.Session
	order    []string
	sendMu   map[string]*sync.Mutex

	mu       sync.Mutex
	progress models.Progress
	result   Result

	onProgress func(models.Progress)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a dispatch runner
func NewRunner(cfg RunnerConfig, sender gateway.Sender, quota QuotaReserver, bo BackoffPolicy, store SendStore, logger *slog.Logger) *Runner {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultRunnerConfig().SendTimeout
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultRunnerConfig().MaxDeferrals
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Runner{
		cfg:     cfg,
		sender:  sender,
		quota:   quota,
		backoff: bo,
		store:   store,
		logger:  logger.With("component", "dispatch"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// SetProgressFunc registers a callback invoked after every send outcome.
// Must be called before Run.
func (r *Runner) SetProgressFunc(fn func(models.Progress)) {
	r.onProgress = fn
}

// Run executes the jobs and blocks until all workers finish. Canceling ctx
// pauses the run: workers stop picking up jobs, any in-flight send is
// allowed to complete, and untouched jobs stay pending for resume.
func (r *Runner) Run(ctx context.Context, jobs []Job, sessions map[string]models.Session, strategy Strategy, initial models.Progress) Result {
	r.mu.Lock()
	r.progress = initial
	r.result = Result{}
	r.mu.Unlock()

	bySession := make(map[string][]Job)
	order := []string{}
	for _, job := range jobs {
		if _, seen := bySession[job.SessionID]; !seen {
			order = append(order, job.SessionID)
		}
		bySession[job.SessionID] = append(bySession[job.SessionID], job)
	}

	// Weighted assignment encodes a deliberate per-session share, so a
	// paused session's jobs are held for it rather than moved.
	r.reassign = strategy != StrategyWeighted
	r.sessions = sessions
	r.order = order
	r.sendMu = make(map[string]*sync.Mutex, len(sessions))
	for id := range sessions {
		r.sendMu[id] = &sync.Mutex{}
	}
	for _, id := range order {
		if _, ok := r.sendMu[id]; !ok {
			r.sendMu[id] = &sync.Mutex{}
		}
	}

	start := r.now()

	var wg sync.WaitGroup
	for _, sessionID := range order {
		wg.Add(1)
		go func(sessionID string, queue []Job) {
			defer wg.Done()
			r.runSession(ctx, sessions[sessionID], queue, start)
		}(sessionID, bySession[sessionID])
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Runner) runSession(ctx context.Context, session models.Session, queue []Job, start time.Time) {
	log := r.logger.With("session_id", session.ID)

	for i, job := range queue {
		if wait := start.Add(job.Delay).Sub(r.now()); wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				r.markRemaining(len(queue) - i)
				log.Info("dispatch paused", "remaining", len(queue)-i)
				return
			}
		}
		if ctx.Err() != nil {
			r.markRemaining(len(queue) - i)
			log.Info("dispatch paused", "remaining", len(queue)-i)
			return
		}

		if !r.deliver(ctx, session, job, log) {
			r.markRemaining(len(queue) - i)
			log.Info("dispatch paused", "remaining", len(queue)-i)
			return
		}
	}
}

// deliver attempts one job, deferring on quota denial, backoff pause, and
// transient errors until the deferral budget runs out. A backoff pause may
// instead move the job to a healthy session when reassignment is allowed.
// Returns false when the run context was canceled before an outcome was
// reached.
func (r *Runner) deliver(ctx context.Context, session models.Session, job Job, log *slog.Logger) bool {
	for deferrals := 0; ; deferrals++ {
		if deferrals > r.cfg.MaxDeferrals {
			r.fail(session.ID, job, FailureNoCapacity, log)
			return true
		}

		if until, paused := r.backoff.PausedUntil(session.ID); paused {
			if m := metrics.Get(); m != nil {
				m.MessagesDeferredTotal.WithLabelValues(session.ID).Inc()
			}
			if r.reassign {
				if alt, ok := r.alternateFor(session.ID); ok {
					log.Info("session paused, reassigning", "record_id", job.RecordID, "to", alt.ID)
					session = alt
					continue
				}
			}
			log.Debug("session paused, deferring", "record_id", job.RecordID, "until", until)
			if err := r.sleep(ctx, until.Sub(r.now())); err != nil {
				return false
			}
			continue
		}

		// Reserve, send, and commit under the session lock so a job
		// reassigned from a paused session cannot interleave with the
		// owning worker or overshoot the hourly cap.
		sendMu := r.sendMu[session.ID]
		sendMu.Lock()

		res := r.quota.TryReserve(session.ID, session.HourlyCap)
		if m := metrics.Get(); m != nil {
			m.SessionQuotaRemaining.WithLabelValues(session.ID).Set(float64(res.Remaining))
		}
		if !res.Allowed {
			sendMu.Unlock()
			if m := metrics.Get(); m != nil {
				m.QuotaDeniedTotal.WithLabelValues(session.ID).Inc()
				m.MessagesDeferredTotal.WithLabelValues(session.ID).Inc()
			}
			log.Debug("hourly quota exhausted, deferring", "record_id", job.RecordID, "reset_at", res.ResetAt)
			if err := r.sleep(ctx, res.ResetAt.Sub(r.now())); err != nil {
				return false
			}
			continue
		}

		// The send context is detached from the run context so pausing a
		// campaign never aborts a message already handed to the platform.
		sendCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
		err := r.sender.Send(sendCtx, session.ID, job.Recipient, job.Text)
		cancel()
		if err == nil {
			r.quota.Commit(session.ID)
		}
		sendMu.Unlock()

		switch {
		case err == nil:
			r.backoff.OnSuccess(session.ID)
			r.succeed(session.ID, job, log)
			return true

		case errors.Is(err, context.DeadlineExceeded):
			// Delivery is unconfirmed: the record stays pending so a rerun
			// can retry it, but progress counts it as failed.
			log.Warn("send timed out", "record_id", job.RecordID)
			if m := metrics.Get(); m != nil {
				m.MessagesFailedTotal.WithLabelValues(session.ID, "timeout").Inc()
			}
			r.countFailed()
			return true

		case gateway.IsFlood(err):
			delay := r.backoff.OnFailure(session.ID)
			if m := metrics.Get(); m != nil {
				m.SessionBackoffSeconds.WithLabelValues(session.ID).Set(delay.Seconds())
				if r.backoff.State(session.ID) == backoff.StatePaused {
					m.SessionPausesTotal.WithLabelValues(session.ID).Inc()
				}
			}
			log.Warn("platform flood rejection", "record_id", job.RecordID, "backoff", delay)
			r.fail(session.ID, job, "flood: "+err.Error(), log)
			return true

		case gateway.IsTemporaryError(err):
			delay := r.backoff.OnFailure(session.ID)
			if m := metrics.Get(); m != nil {
				m.SessionBackoffSeconds.WithLabelValues(session.ID).Set(delay.Seconds())
				m.MessagesDeferredTotal.WithLabelValues(session.ID).Inc()
			}
			log.Debug("transient send error, deferring", "record_id", job.RecordID, "error", err, "backoff", delay)
			if serr := r.sleep(ctx, delay); serr != nil {
				return false
			}
			continue

		default:
			r.backoff.OnFailure(session.ID)
			r.fail(session.ID, job, err.Error(), log)
			return true
		}
	}
}

// alternateFor picks the first planned session that is not backoff-paused,
// skipping the one the job was assigned to.
func (r *Runner) alternateFor(sessionID string) (models.Session, bool) {
	for _, id := range r.order {
		if id == sessionID {
			continue
		}
		if _, paused := r.backoff.PausedUntil(id); paused {
			continue
		}
		return r.sessions[id], true
	}
	return models.Session{}, false
}

func (r *Runner) succeed(sessionID string, job Job, log *slog.Logger) {
	if err := r.store.MarkSent(job.RecordID, sessionID); err != nil {
		log.Error("failed to mark record sent", "record_id", job.RecordID, "error", err)
	}
	if m := metrics.Get(); m != nil {
		m.MessagesSentTotal.WithLabelValues(sessionID).Inc()
	}

	r.mu.Lock()
	r.progress.Sent++
	r.result.Sent++
	snapshot := r.progress
	r.mu.Unlock()
	r.notify(snapshot)
}

func (r *Runner) fail(sessionID string, job Job, reason string, log *slog.Logger) {
	if err := r.store.MarkFailed(job.RecordID, reason); err != nil {
		log.Error("failed to mark record failed", "record_id", job.RecordID, "error", err)
	}
	if m := metrics.Get(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(sessionID, errorType(reason)).Inc()
	}
	r.countFailed()
}

// errorType maps a failure reason to a bounded metric label
func errorType(reason string) string {
	switch {
	case reason == FailureNoCapacity:
		return FailureNoCapacity
	case strings.HasPrefix(reason, "flood"):
		return "flood"
	default:
		return "permanent"
	}
}

func (r *Runner) countFailed() {
	r.mu.Lock()
	r.progress.Failed++
	r.result.Failed++
	snapshot := r.progress
	r.mu.Unlock()
	r.notify(snapshot)
}

func (r *Runner) markRemaining(n int) {
	r.mu.Lock()
	r.result.Remaining += n
	r.mu.Unlock()
}

func (r *Runner) notify(p models.Progress) {
	if r.onProgress != nil {
		r.onProgress(p)
	}
}

// sleepCtx blocks for d or until ctx is canceled
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
