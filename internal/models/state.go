package models

import "time"

// Well-known session states.
const (
	// StateStart is the entry state of every new session.
	StateStart = "START"
	// StateEnded marks a session the end user closed.
	StateEnded = "ENCERRADO"
	// StateAwaitingHuman marks a session handed off to a human agent.
	StateAwaitingHuman = "ATENDIMENTO_HUMANO"
)

// IsTerminalState reports whether the engine must stop intercepting a session in state.
func IsTerminalState(state string) bool {
	return state == StateEnded || state == StateAwaitingHuman
}

// Session is the persisted conversational state for one (tenant, end user) pair.
type Session struct {
	TenantID        string                 `json:"tenant_id"`
	UserID          string                 `json:"user_id"`
	State           string                 `json:"state"`
	PreviousState   string                 `json:"previous_state,omitempty"`
	Stack           []string               `json:"stack"`
	Locked          bool                   `json:"locked"`
	Context         map[string]interface{} `json:"context,omitempty"`
	LastInteraction time.Time              `json:"last_interaction"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NewSession returns a fresh unlocked session at START.
func NewSession(tenantID, userID string, now time.Time) Session {
	return Session{
		TenantID:        tenantID,
		UserID:          userID,
		State:           StateStart,
		Stack:           []string{},
		Context:         map[string]interface{}{},
		LastInteraction: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsLockFresh reports whether the session holds a lock younger than timeout at now.
func (s *Session) IsLockFresh(now time.Time, timeout time.Duration) bool {
	return s.Locked && !s.UpdatedAt.Before(now.Add(-timeout))
}

// SessionUpdate is the persisted result of one processed message.
type SessionUpdate struct {
	TenantID        string
	UserID          string
	State           string
	Stack           []string
	Context         map[string]interface{}
	LastInteraction time.Time
}

// TranscriptEntry is one logged chat line.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	FromUser  bool      `json:"from_user"`
	CreatedAt time.Time `json:"created_at"`
}
