package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Transcript writer defaults.
const (
	DefaultTranscriptWorkers = 8
	DefaultTranscriptTimeout = 5 * time.Second
)

// TranscriptWriter appends transcript entries in the background on a bounded
// worker pool. Failures are logged and never reach the caller.
type TranscriptWriter struct {
	repo    TranscriptRepo
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewTranscriptWriter creates a writer with the given number of workers.
func NewTranscriptWriter(repo TranscriptRepo, workers int) (*TranscriptWriter, error) {
	if workers <= 0 {
		workers = DefaultTranscriptWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		slog.Error("TranscriptWriter: worker panic", "panic", p)
	}))
	if err != nil {
		return nil, err
	}
	return &TranscriptWriter{repo: repo, pool: pool, timeout: DefaultTranscriptTimeout}, nil
}

// Log queues one chat line. An id and timestamp are assigned when missing.
func (w *TranscriptWriter) Log(tenantID, userID, text string, fromUser bool) {
	entry := models.TranscriptEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Text:      text,
		FromUser:  fromUser,
		CreatedAt: time.Now(),
	}
	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.repo.AppendTranscript(ctx, entry); err != nil {
			slog.Warn("TranscriptWriter.Log: append failed", "error", err, "tenant", tenantID, "user", userID)
		}
	})
	if err != nil {
		w.wg.Done()
		slog.Warn("TranscriptWriter.Log: submit failed", "error", err, "tenant", tenantID, "user", userID)
	}
}

// Flush waits until every queued entry has been written.
func (w *TranscriptWriter) Flush() {
	w.wg.Wait()
}

// Close flushes pending entries and releases the worker pool.
func (w *TranscriptWriter) Close() {
	w.Flush()
	w.pool.Release()
}
