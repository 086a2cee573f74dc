package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ratelimit_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(dir, "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

func newTestLimiter(t *testing.T, db *bolt.DB) *Limiter {
	t.Helper()

	limiter, err := NewLimiter(db, Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return limiter
}

func TestTryReserveUnderCap(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	res := limiter.TryReserve("session-1", 10)
	if !res.Allowed {
		t.Error("fresh session should be allowed")
	}
	if res.Remaining != 10 {
		t.Errorf("expected remaining=10, got %d", res.Remaining)
	}
}

func TestCapExhaustion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	const hourlyCap = 3
	for i := 0; i < hourlyCap; i++ {
		res := limiter.TryReserve("session-1", hourlyCap)
		if !res.Allowed {
			t.Fatalf("reserve %d should be allowed", i+1)
		}
		limiter.Commit("session-1")
	}

	res := limiter.TryReserve("session-1", hourlyCap)
	if res.Allowed {
		t.Error("reserve past cap should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining=0, got %d", res.Remaining)
	}
	if res.ResetAt.IsZero() {
		t.Error("expected non-zero ResetAt")
	}
}

func TestTryReserveDoesNotConsume(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	for i := 0; i < 20; i++ {
		res := limiter.TryReserve("session-1", 2)
		if !res.Allowed {
			t.Fatalf("TryReserve %d should not consume quota", i+1)
		}
	}
	if limiter.Sent("session-1") != 0 {
		t.Errorf("expected sent=0 without commits, got %d", limiter.Sent("session-1"))
	}
}

func TestBucketRollover(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	base := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	const hourlyCap = 2
	for i := 0; i < hourlyCap; i++ {
		limiter.Commit("session-1")
	}
	if res := limiter.TryReserve("session-1", hourlyCap); res.Allowed {
		t.Fatal("cap should be exhausted before rollover")
	}

	// Advance past the hour boundary
	limiter.now = func() time.Time { return base.Add(time.Hour) }

	res := limiter.TryReserve("session-1", hourlyCap)
	if !res.Allowed {
		t.Error("fresh bucket after rollover should allow")
	}
	if res.Remaining != hourlyCap {
		t.Errorf("expected remaining=%d after rollover, got %d", hourlyCap, res.Remaining)
	}
}

func TestResetAtHourBoundary(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	base := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	res := limiter.TryReserve("session-1", 5)
	want := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	if !res.ResetAt.Equal(want) {
		t.Errorf("expected ResetAt=%v, got %v", want, res.ResetAt)
	}
}

func TestSessionsIndependent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	limiter.Commit("session-a")
	limiter.Commit("session-a")

	if res := limiter.TryReserve("session-a", 2); res.Allowed {
		t.Error("session-a should be exhausted")
	}
	if res := limiter.TryReserve("session-b", 2); !res.Allowed {
		t.Error("session-b should be unaffected by session-a")
	}
}

func TestZeroCapUnlimited(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	for i := 0; i < 500; i++ {
		res := limiter.TryReserve("session-1", 0)
		if !res.Allowed {
			t.Fatalf("commit %d: zero cap should never deny", i+1)
		}
		limiter.Commit("session-1")
	}
}

func TestHistoryRetained(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	defer limiter.Stop()

	base := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	limiter.Commit("session-1")
	limiter.Commit("session-1")

	// Roll over into the next hour
	limiter.now = func() time.Time { return base.Add(time.Hour) }
	limiter.Commit("session-1")

	entries := limiter.History("session-1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 archived bucket, got %d", len(entries))
	}
	if entries[0].Count != 2 {
		t.Errorf("expected archived count=2, got %d", entries[0].Count)
	}
}

func TestHistoryPrunedPastRetention(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter, err := NewLimiter(db, Config{FlushInterval: time.Hour, Retention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	base := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	limiter.Commit("session-1")

	// Roll the bucket into history, then jump past retention
	limiter.now = func() time.Time { return base.Add(time.Hour) }
	limiter.Commit("session-1")

	limiter.now = func() time.Time { return base.Add(26 * time.Hour) }
	if err := limiter.persist(); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	if entries := limiter.History("session-1"); len(entries) != 0 {
		t.Errorf("expected history pruned after retention, got %v", entries)
	}
}

func TestPersistence(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db)
	for i := 0; i < 5; i++ {
		limiter.Commit("session-1")
	}
	limiter.Stop()

	limiter2 := newTestLimiter(t, db)
	defer limiter2.Stop()

	if got := limiter2.Sent("session-1"); got != 5 {
		t.Errorf("expected persisted count=5, got %d", got)
	}
}
