package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval = 2 * time.Second
	DefaultOutboxMaxAttempts  = 5
)

// OutboxSendFunc performs the actual transport send of a reply.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due replies and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     20,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
}

// RecoverStaleMessages requeues replies stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingReplies(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale replies", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch of due replies.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueReplies(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending reply", "id", msg.ID, "tenant", msg.TenantID, "user", msg.UserID)
		if err := s.sendFunc(ctx, msg); err != nil {
			var nextAttempt time.Time
			if msg.Attempts+1 < s.maxAttempts {
				// Exponential backoff: 5s, 10s, 20s, ...
				nextAttempt = now.Add(time.Duration(5*(1<<msg.Attempts)) * time.Second)
			}
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "giveUp", nextAttempt.IsZero(), "error", err)
			if err := s.repo.FailReply(ctx, msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.Poll: fail reply error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkReplySent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
	}
}
