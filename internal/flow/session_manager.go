// Package flow implements the bot engine: input parsing, global navigation,
// session locking, dynamic menus, flow graphs and the intercept orchestrator.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

// maxStackDepth bounds the back-navigation stack; the oldest entries are dropped.
const maxStackDepth = 50

// SessionManager reads and writes sessions through a SessionRepo.
type SessionManager struct {
	repo store.SessionRepo
}

// NewSessionManager creates a SessionManager backed by repo.
func NewSessionManager(repo store.SessionRepo) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{repo: repo}
}

// Load returns the session for (tenantID, userID). A missing session is
// returned as a fresh session at START.
func (sm *SessionManager) Load(ctx context.Context, tenantID, userID string, now time.Time) (*models.Session, error) {
	sess, err := sm.repo.GetSession(ctx, tenantID, userID)
	if err != nil {
		slog.Error("SessionManager.Load error", "error", err, "tenant", tenantID, "user", userID)
		return nil, err
	}
	if sess == nil {
		slog.Debug("SessionManager.Load: no session, starting fresh", "tenant", tenantID, "user", userID)
		fresh := models.NewSession(tenantID, userID, now)
		return &fresh, nil
	}
	if sess.Stack == nil {
		sess.Stack = []string{}
	}
	if sess.Context == nil {
		sess.Context = map[string]interface{}{}
	}
	slog.Debug("SessionManager.Load found", "tenant", tenantID, "user", userID, "state", sess.State, "depth", len(sess.Stack))
	return sess, nil
}

// Save persists state and stack for sess, stamping the interaction time.
func (sm *SessionManager) Save(ctx context.Context, sess *models.Session, state string, stack []string, now time.Time) error {
	update := models.SessionUpdate{
		TenantID:        sess.TenantID,
		UserID:          sess.UserID,
		State:           state,
		Stack:           stack,
		Context:         sess.Context,
		LastInteraction: now,
	}
	if err := sm.repo.SaveSessionState(ctx, update); err != nil {
		slog.Error("SessionManager.Save error", "error", err, "tenant", sess.TenantID, "user", sess.UserID, "state", state)
		return err
	}
	slog.Debug("SessionManager.Save succeeded", "tenant", sess.TenantID, "user", sess.UserID, "from", sess.State, "to", state)
	return nil
}

// Reset moves the session back to START with an empty stack and no lock.
func (sm *SessionManager) Reset(ctx context.Context, tenantID, userID string, now time.Time) error {
	if err := sm.repo.ResetSession(ctx, tenantID, userID, now); err != nil {
		slog.Error("SessionManager.Reset error", "error", err, "tenant", tenantID, "user", userID)
		return err
	}
	slog.Info("SessionManager.Reset succeeded", "tenant", tenantID, "user", userID)
	return nil
}

// pushState returns stack with state appended, never mutating the input.
func pushState(stack []string, state string) []string {
	out := make([]string, 0, len(stack)+1)
	out = append(out, stack...)
	out = append(out, state)
	if len(out) > maxStackDepth {
		out = out[len(out)-maxStackDepth:]
	}
	return out
}

// popState returns the top of stack and the remaining entries.
func popState(stack []string) (string, []string, bool) {
	if len(stack) == 0 {
		return "", []string{}, false
	}
	top := stack[len(stack)-1]
	rest := make([]string, len(stack)-1)
	copy(rest, stack[:len(stack)-1])
	return top, rest, true
}
