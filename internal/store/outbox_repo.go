package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of a queued reply.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage is a durable outgoing bot reply.
type OutboxMessage struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	UserID        string       `json:"user_id"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies until the transport confirms delivery.
type OutboxRepo interface {
	// EnqueueReply inserts a queued reply. If dedupeKey is non-empty and a
	// pending reply with that key exists, the existing ID is returned.
	EnqueueReply(ctx context.Context, tenantID, userID, body, dedupeKey string) (string, error)

	// ClaimDueReplies marks up to limit queued replies whose next_attempt_at
	// <= now (or is NULL) as sending and returns them.
	ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkReplySent(ctx context.Context, id string) error

	// FailReply records a send failure. A zero nextAttemptAt gives up on the
	// reply and marks it failed; otherwise it is requeued for that time.
	FailReply(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingReplies resets replies stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingReplies(ctx context.Context, staleBefore time.Time) (int, error)
}
