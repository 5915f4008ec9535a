// Package scheduler runs BotPipe's periodic maintenance on cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single run of a context job.
const DefaultJobTimeout = 30 * time.Second

// Standard 5-field expressions, an optional leading seconds field and
// descriptors such as "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. A panicking job is
// recovered and a job still running when its next tick fires is skipped.
func NewScheduler() *Scheduler {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddContextJob schedules a task that receives a context bounded by timeout.
// Task errors are logged under name.
func (s *Scheduler) AddContextJob(name, expr string, timeout time.Duration, task func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler job failed", "job", name, "error", err, "elapsed", time.Since(start))
			return
		}
		slog.Debug("Scheduler job finished", "job", name, "elapsed", time.Since(start))
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
