package store

import (
	"context"
	"testing"
)

func TestTranscriptWriter_LogAndFlush(t *testing.T) {
	s := NewInMemoryStore()
	w, err := NewTranscriptWriter(s, 2)
	if err != nil {
		t.Fatalf("NewTranscriptWriter failed: %v", err)
	}
	defer w.Close()

	for i := 0; i < 20; i++ {
		w.Log("t1", "u1", "oi", i%2 == 0)
	}
	w.Flush()

	entries, err := s.ListTranscript(context.Background(), "t1", "u1", 100)
	if err != nil {
		t.Fatalf("ListTranscript failed: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if e.ID == "" || seen[e.ID] {
			t.Errorf("entry ids must be unique and set, got %q", e.ID)
		}
		seen[e.ID] = true
		if e.CreatedAt.IsZero() {
			t.Error("entry timestamp must be set")
		}
	}
}
