package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/BotPipe/internal/store"
)

// DefaultLockTimeout is how long a held session lock is honored.
const DefaultLockTimeout = 30 * time.Second

// LockManager guards each session so only one message is processed at a time.
// It never waits: a held, fresh lock makes Acquire return false.
type LockManager struct {
	locker  store.SessionLocker
	timeout time.Duration
	now     func() time.Time
}

// NewLockManager creates a LockManager. A non-positive timeout uses DefaultLockTimeout.
func NewLockManager(locker store.SessionLocker, timeout time.Duration, clock func() time.Time) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &LockManager{locker: locker, timeout: timeout, now: clock}
}

// Timeout returns the lock freshness window.
func (m *LockManager) Timeout() time.Duration { return m.timeout }

// Acquire takes the session lock. A lock older than the timeout is reclaimed.
// The returned token identifies this holder and must be passed to Release.
func (m *LockManager) Acquire(ctx context.Context, tenantID, userID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.locker.AcquireSessionLock(ctx, tenantID, userID, token, m.now(), m.timeout)
	if err != nil {
		slog.Error("LockManager.Acquire failed", "error", err, "tenant", tenantID, "user", userID)
		return "", false, err
	}
	if !ok {
		slog.Info("LockManager.Acquire: session busy", "tenant", tenantID, "user", userID)
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the session lock if token still holds it. A holder whose lock
// went stale and was reclaimed leaves the new holder's lock alone. Errors are
// logged; the lock then expires on its own.
func (m *LockManager) Release(ctx context.Context, tenantID, userID, token string) {
	if err := m.locker.ReleaseSessionLock(ctx, tenantID, userID, token); err != nil {
		slog.Warn("LockManager.Release failed", "error", err, "tenant", tenantID, "user", userID)
	}
}

// SweepStale unlocks every session whose lock has outlived the timeout.
func (m *LockManager) SweepStale(ctx context.Context) (int64, error) {
	n, err := m.locker.ReleaseStaleLocks(ctx, m.now().Add(-m.timeout))
	if err != nil {
		slog.Error("LockManager.SweepStale failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("LockManager.SweepStale: released stale locks", "count", n)
	}
	return n, nil
}
