package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordInbound(ctx context.Context, tenantID, messageID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (tenant_id, message_id, user_id, received_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, message_id) DO UPDATE SET received_at = EXCLUDED.received_at
		WHERE inbound_dedup.processed_at IS NULL`,
		tenantID, messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, tenantID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE tenant_id = $2 AND message_id = $3`,
		time.Now().UTC(), tenantID, messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
