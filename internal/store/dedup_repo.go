package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	TenantID    string     `json:"tenant_id"`
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Message ids are scoped per tenant.
type DedupRepo interface {
	// RecordInbound claims a message for processing. It returns false when
	// the message was already processed. A recorded message that was never
	// marked processed is claimed again, so a retry of a failed pass runs.
	RecordInbound(ctx context.Context, tenantID, messageID, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, tenantID, messageID string) error
}
