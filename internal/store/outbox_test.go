package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOutboxRepo_EnqueueAndClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueReply(ctx, "t1", "u1", "Olá!", "msg-1")
		if err != nil {
			t.Fatalf("EnqueueReply failed: %v", err)
		}
		again, err := s.EnqueueReply(ctx, "t1", "u1", "Olá!", "msg-1")
		if err != nil {
			t.Fatalf("EnqueueReply dedupe failed: %v", err)
		}
		if again != id {
			t.Errorf("pending reply with same dedupe key should be reused: %s != %s", again, id)
		}

		msgs, err := s.ClaimDueReplies(ctx, time.Now().Add(time.Second), 10)
		if err != nil {
			t.Fatalf("ClaimDueReplies failed: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Body != "Olá!" || msgs[0].Status != OutboxStatusSending {
			t.Fatalf("unexpected claim: %+v", msgs)
		}
		msgs, _ = s.ClaimDueReplies(ctx, time.Now().Add(time.Second), 10)
		if len(msgs) != 0 {
			t.Errorf("claimed reply must not be claimed twice, got %d", len(msgs))
		}
		if err := s.MarkReplySent(ctx, id); err != nil {
			t.Fatalf("MarkReplySent failed: %v", err)
		}
	})
}

func TestOutboxRepo_FailAndRetry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, _ := s.EnqueueReply(ctx, "t1", "u1", "Olá!", "")
		s.ClaimDueReplies(ctx, time.Now().Add(time.Second), 10)

		retryAt := time.Now().Add(time.Hour)
		if err := s.FailReply(ctx, id, "transport down", retryAt); err != nil {
			t.Fatalf("FailReply failed: %v", err)
		}
		if msgs, _ := s.ClaimDueReplies(ctx, time.Now().Add(time.Second), 10); len(msgs) != 0 {
			t.Error("reply must wait for its next attempt")
		}
		msgs, _ := s.ClaimDueReplies(ctx, retryAt.Add(time.Second), 10)
		if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "transport down" {
			t.Fatalf("unexpected retry claim: %+v", msgs)
		}

		if err := s.FailReply(ctx, id, "still down", time.Time{}); err != nil {
			t.Fatalf("FailReply give-up failed: %v", err)
		}
		if msgs, _ := s.ClaimDueReplies(ctx, retryAt.Add(24*time.Hour), 10); len(msgs) != 0 {
			t.Error("failed reply must not be claimed again")
		}
	})
}

func TestOutboxRepo_RequeueStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.EnqueueReply(ctx, "t1", "u1", "Olá!", "")
		s.ClaimDueReplies(ctx, time.Now().Add(-time.Hour), 10)

		n, err := s.RequeueStaleSendingReplies(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleSendingReplies failed: %v", err)
		}
		if n != 1 {
			t.Errorf("requeued %d, want 1", n)
		}
	})
}

func TestOutboxSender_DeliversAndRetries(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	var calls int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transport down")
		}
		return nil
	}, 10*time.Millisecond)

	s.EnqueueReply(ctx, "t1", "u1", "Olá!", "")
	sender.Poll(ctx)

	replies := s.Replies()
	if replies[0].Status != OutboxStatusQueued || replies[0].Attempts != 1 {
		t.Fatalf("failed send should requeue with backoff, got %+v", replies[0])
	}

	// Pretend the backoff has elapsed.
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.outbox[0].NextAttemptAt = &past
	s.mu.Unlock()

	sender.Poll(ctx)
	if got := s.Replies()[0].Status; got != OutboxStatusSent {
		t.Errorf("status = %s, want sent", got)
	}
}

func TestOutboxSender_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("transport down")
	}, 10*time.Millisecond)
	sender.maxAttempts = 1

	s.EnqueueReply(ctx, "t1", "u1", "Olá!", "")
	sender.Poll(ctx)
	if got := s.Replies()[0].Status; got != OutboxStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestOutboxSender_Run(t *testing.T) {
	s := newTestSQLiteStore(t)

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 50*time.Millisecond)

	if _, err := s.EnqueueReply(context.Background(), "t1", "u1", "Olá!", ""); err != nil {
		t.Fatalf("EnqueueReply failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go sender.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
}
