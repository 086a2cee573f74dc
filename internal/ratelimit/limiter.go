// Package ratelimit tracks per-session message counts in hourly buckets
// and grants or denies permission to send.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketQuotas  = []byte("session_quotas")
	bucketHistory = []byte("quota_history")
)

// Config contains rate limiter settings
type Config struct {
	// FlushInterval controls how often counters are persisted
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// Retention is how long rolled-over buckets are kept for
	// observability. They never influence limiting decisions.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// quota is the single live hourly bucket for a session
type quota struct {
	Hour  int64 `json:"hour"` // floor(unix / 3600)
	Count int   `json:"count"`
}

// HistoryEntry is a rolled-over bucket kept for observability
type HistoryEntry struct {
	SessionID string    `json:"session_id"`
	HourStart time.Time `json:"hour_start"`
	Count     int       `json:"count"`
}

// Reservation is the result of a quota check
type Reservation struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter tracks per-session hourly send quotas. State is process-local:
// a session is driven by exactly one dispatch worker, so counts are never
// shared across processes. Counters persist to bbolt across restarts.
type Limiter struct {
	db      *bolt.DB
	config  Config
	quotas  map[string]*quota
	history map[string]int // "sessionID:hour" -> count
	mu      sync.Mutex
	stopCh  chan struct{}
	now     func() time.Time
}

// NewLimiter creates a rate limiter backed by the given bolt database
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQuotas); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota buckets: %w", err)
	}

	l := &Limiter{
		db:      db,
		config:  cfg,
		quotas:  make(map[string]*quota),
		history: make(map[string]int),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load quota counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// TryReserve reports whether the session may send one more message this
// hour. It does not consume quota; the caller commits after a confirmed
// send (reserve-then-commit, single writer per session).
func (l *Limiter) TryReserve(sessionID string, hourlyCap int) Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	q := l.currentBucket(sessionID, now)

	res := Reservation{
		ResetAt: time.Unix((q.Hour+1)*3600, 0),
	}
	if hourlyCap <= 0 {
		// Zero cap means unlimited
		res.Allowed = true
		return res
	}

	res.Allowed = q.Count < hourlyCap
	res.Remaining = hourlyCap - q.Count
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

// Commit records one confirmed send against the session's current bucket.
// Call exactly once per actually-sent message; idempotency against double
// counting is the caller's responsibility.
func (l *Limiter) Commit(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.currentBucket(sessionID, l.now())
	q.Count++
}

// Sent returns the session's confirmed send count for the current hour
func (l *Limiter) Sent(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.currentBucket(sessionID, l.now()).Count
}

// History returns the session's retained rolled-over buckets. Entries
// past the retention window are pruned by the persistence loop.
func (l *Limiter) History(sessionID string) []HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []HistoryEntry
	prefix := sessionID + ":"
	for key, count := range l.history {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		hour, err := strconv.ParseInt(key[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, HistoryEntry{
			SessionID: sessionID,
			HourStart: time.Unix(hour*3600, 0),
			Count:     count,
		})
	}
	return entries
}

// Stop stops the persistence loop and flushes counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persist()
}

// currentBucket returns the session's live bucket, rolling it over when
// the hour boundary has passed. The caller must hold l.mu.
func (l *Limiter) currentBucket(sessionID string, now time.Time) *quota {
	hour := now.Unix() / 3600

	q, exists := l.quotas[sessionID]
	if !exists {
		q = &quota{Hour: hour}
		l.quotas[sessionID] = q
		return q
	}

	if q.Hour != hour {
		// Archive the old bucket for observability, then start fresh
		if q.Count > 0 {
			l.history[historyKey(sessionID, q.Hour)] = q.Count
		}
		q.Hour = hour
		q.Count = 0
	}

	return q
}

// prune drops history entries older than the retention window. The caller
// must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.config.Retention).Unix() / 3600
	for key := range l.history {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			delete(l.history, key)
			continue
		}
		hour, err := strconv.ParseInt(key[idx+1:], 10, 64)
		if err != nil || hour < cutoff {
			delete(l.history, key)
		}
	}
}

func (l *Limiter) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		quotas := tx.Bucket(bucketQuotas)
		if quotas != nil {
			if err := quotas.ForEach(func(k, v []byte) error {
				var q quota
				if err := json.Unmarshal(v, &q); err != nil {
					return nil // Skip invalid entries
				}
				l.quotas[string(k)] = &q
				return nil
			}); err != nil {
				return err
			}
		}

		history := tx.Bucket(bucketHistory)
		if history == nil {
			return nil
		}
		return history.ForEach(func(k, v []byte) error {
			count, err := strconv.Atoi(string(v))
			if err != nil {
				return nil
			}
			l.history[string(k)] = count
			return nil
		})
	})
}

func (l *Limiter) persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())

	return l.db.Update(func(tx *bolt.Tx) error {
		quotas := tx.Bucket(bucketQuotas)
		if quotas != nil {
			for sessionID, q := range l.quotas {
				data, err := json.Marshal(q)
				if err != nil {
					continue
				}
				if err := quotas.Put([]byte(sessionID), data); err != nil {
					return err
				}
			}
		}

		history := tx.Bucket(bucketHistory)
		if history == nil {
			return nil
		}
		// Delete pruned entries, then write the survivors
		cursor := history.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if _, kept := l.history[string(k)]; !kept {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
		}
		for key, count := range l.history {
			if err := history.Put([]byte(key), []byte(strconv.Itoa(count))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persist()
		}
	}
}

func historyKey(sessionID string, hour int64) string {
	return sessionID + ":" + strconv.FormatInt(hour, 10)
}
