// Package recovery runs startup recovery steps before BotPipe accepts traffic.
//
// A crashed process can leave session locks held and outbound replies stuck in
// the sending state. Each concern registers a Recoverable; RecoverAll runs them
// in registration order and keeps going past failures.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverFunc) RecoverState(ctx context.Context) error {
	return f(ctx)
}

// LockSweeper releases session locks whose holder has gone away.
type LockSweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

// ReplyRecoverer requeues outbound replies stuck in a sending state.
type ReplyRecoverer interface {
	RecoverStaleMessages(ctx context.Context) error
}

// StaleLocks returns a Recoverable that sweeps abandoned session locks.
func StaleLocks(locks LockSweeper) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		released, err := locks.SweepStale(ctx)
		if err != nil {
			return fmt.Errorf("sweep stale locks: %w", err)
		}
		slog.Info("recovery.StaleLocks: released abandoned locks", "count", released)
		return nil
	})
}

// StuckReplies returns a Recoverable that requeues replies a previous process left mid-send.
func StuckReplies(replies ReplyRecoverer) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		if err := replies.RecoverStaleMessages(ctx); err != nil {
			return fmt.Errorf("requeue stuck replies: %w", err)
		}
		return nil
	})
}

type entry struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	mu      sync.Mutex
	entries []entry
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// Register adds a named component. A nil Recoverable is ignored.
func (rm *RecoveryManager) Register(name string, r Recoverable) {
	if r == nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entries = append(rm.entries, entry{name: name, r: r})
}

// Names lists registered components in run order.
func (rm *RecoveryManager) Names() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	names := make([]string, len(rm.entries))
	for i, e := range rm.entries {
		names[i] = e.name
	}
	return names
}

// RecoverAll runs every component and returns the joined failures.
// A cancelled context stops the run before the next component.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	rm.mu.Lock()
	entries := append([]entry(nil), rm.entries...)
	rm.mu.Unlock()

	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(entries))

	var errs []error
	recovered := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		recovered++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recovered, "errors", len(errs))
	return errors.Join(errs...)
}
