package scheduler

import (
	"context"
	"fmt"
)

// DefaultSweepSchedule is how often abandoned session locks are released.
const DefaultSweepSchedule = "@every 1m"

// LockSweeper releases session locks whose holder has gone away.
type LockSweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

// ReplyRecoverer requeues outbound replies stuck in a sending state.
type ReplyRecoverer interface {
	RecoverStaleMessages(ctx context.Context) error
}

// ScheduleMaintenance registers the stale-lock sweep and, when replies is
// non-nil, the stuck-reply recovery on expr.
func ScheduleMaintenance(s *Scheduler, expr string, locks LockSweeper, replies ReplyRecoverer) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	err := s.AddContextJob("sweep-stale-locks", expr, 0, func(ctx context.Context) error {
		_, err := locks.SweepStale(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule lock sweep %q: %w", expr, err)
	}
	if replies == nil {
		return nil
	}
	if err := s.AddContextJob("recover-stale-replies", expr, 0, replies.RecoverStaleMessages); err != nil {
		return fmt.Errorf("schedule reply recovery %q: %w", expr, err)
	}
	return nil
}
