package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type sessionKey struct{ tenant, user string }

// InMemoryStore keeps every repository in process memory. It is used for
// tests and for running without a database.
type InMemoryStore struct {
	mu          sync.Mutex
	sessions    map[sessionKey]*models.Session
	menus       map[sessionKey]models.DynamicMenu
	configs     map[string]models.BotConfig
	flows       map[string]models.Flow
	nodes       map[string][]models.FlowNode
	edges       map[string][]models.FlowEdge
	transcripts []models.TranscriptEntry
	dedup       map[sessionKey]*DedupRecord
	lockTokens  map[sessionKey]string
	outbox      []*OutboxMessage
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   make(map[sessionKey]*models.Session),
		menus:      make(map[sessionKey]models.DynamicMenu),
		configs:    make(map[string]models.BotConfig),
		flows:      make(map[string]models.Flow),
		nodes:      make(map[string][]models.FlowNode),
		edges:      make(map[string][]models.FlowEdge),
		dedup:      make(map[sessionKey]*DedupRecord),
		lockTokens: make(map[sessionKey]string),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// copySession returns a deep copy so callers never alias stored slices or maps.
func copySession(in *models.Session) *models.Session {
	out := *in
	out.Stack = append([]string{}, in.Stack...)
	out.Context = make(map[string]interface{}, len(in.Context))
	for k, v := range in.Context {
		out.Context[k] = v
	}
	return &out
}

func (s *InMemoryStore) GetSession(ctx context.Context, tenantID, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{tenantID, userID}]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) SaveSessionState(ctx context.Context, u models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{u.TenantID, u.UserID}
	sess, ok := s.sessions[key]
	if !ok {
		fresh := models.NewSession(u.TenantID, u.UserID, u.LastInteraction)
		sess = &fresh
		sess.State = u.State
		s.sessions[key] = sess
	} else if sess.State != u.State {
		sess.PreviousState = sess.State
		sess.State = u.State
	}
	sess.Stack = append([]string{}, u.Stack...)
	sess.Context = make(map[string]interface{}, len(u.Context))
	for k, v := range u.Context {
		sess.Context[k] = v
	}
	sess.LastInteraction = u.LastInteraction
	sess.UpdatedAt = u.LastInteraction
	return nil
}

func (s *InMemoryStore) ResetSession(ctx context.Context, tenantID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{tenantID, userID}]
	if !ok {
		return models.ErrSessionNotFound
	}
	if sess.State != models.StateStart {
		sess.PreviousState = sess.State
	}
	sess.State = models.StateStart
	sess.Stack = []string{}
	sess.Context = map[string]interface{}{}
	sess.Locked = false
	sess.UpdatedAt = now
	delete(s.lockTokens, sessionKey{tenantID, userID})
	return nil
}

func (s *InMemoryStore) AcquireSessionLock(ctx context.Context, tenantID, userID, token string, now time.Time, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{tenantID, userID}
	sess, ok := s.sessions[key]
	if !ok {
		fresh := models.NewSession(tenantID, userID, now)
		fresh.Locked = true
		s.sessions[key] = &fresh
		s.lockTokens[key] = token
		return true, nil
	}
	if sess.IsLockFresh(now, timeout) {
		return false, nil
	}
	sess.Locked = true
	sess.UpdatedAt = now
	s.lockTokens[key] = token
	return true, nil
}

func (s *InMemoryStore) ReleaseSessionLock(ctx context.Context, tenantID, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{tenantID, userID}
	if s.lockTokens[key] != token {
		return nil
	}
	if sess, ok := s.sessions[key]; ok {
		sess.Locked = false
	}
	delete(s.lockTokens, key)
	return nil
}

func (s *InMemoryStore) ReleaseStaleLocks(ctx context.Context, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sess := range s.sessions {
		if sess.Locked && sess.UpdatedAt.Before(staleBefore) {
			sess.Locked = false
			delete(s.lockTokens, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetMenu(ctx context.Context, tenantID, menuKey string) (*models.DynamicMenu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.menus[sessionKey{tenantID, menuKey}]
	if !ok {
		return nil, nil
	}
	m.Options = append([]models.MenuOption{}, m.Options...)
	return &m, nil
}

func (s *InMemoryStore) SaveMenu(ctx context.Context, m models.DynamicMenu) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Options = append([]models.MenuOption{}, m.Options...)
	s.menus[sessionKey{m.TenantID, m.MenuKey}] = m
	return nil
}

func (s *InMemoryStore) GetActiveFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.TenantID == tenantID && f.Active {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority > flows[j].Priority
		}
		return flows[i].ID < flows[j].ID
	})
	return flows, nil
}

func (s *InMemoryStore) GetFlowNodes(ctx context.Context, flowID string) ([]models.FlowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlowNode{}, s.nodes[flowID]...), nil
}

func (s *InMemoryStore) GetFlowEdges(ctx context.Context, flowID string) ([]models.FlowEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FlowEdge{}, s.edges[flowID]...), nil
}

func (s *InMemoryStore) SaveFlowGraph(ctx context.Context, tenantID string, g models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := g.Flow
	f.TenantID = tenantID
	s.flows[f.ID] = f
	nodes := make([]models.FlowNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		n.FlowID = f.ID
		nodes = append(nodes, n)
	}
	s.nodes[f.ID] = nodes
	edges := make([]models.FlowEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		e.FlowID = f.ID
		edges = append(edges, e)
	}
	s.edges[f.ID] = edges
	return nil
}

func (s *InMemoryStore) GetBotConfig(ctx context.Context, tenantID string) (*models.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[tenantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveBotConfig(ctx context.Context, c models.BotConfig) error {
	if c.TenantID == "" {
		return models.ErrEmptyTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.TenantID] = c
	return nil
}

func (s *InMemoryStore) AppendTranscript(ctx context.Context, t models.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, t)
	return nil
}

func (s *InMemoryStore) ListTranscript(ctx context.Context, tenantID, userID string, limit int) ([]models.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.TranscriptEntry
	for _, t := range s.transcripts {
		if t.TenantID == tenantID && t.UserID == userID {
			entries = append(entries, t)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, tenantID, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{tenantID, messageID}
	if rec, ok := s.dedup[key]; ok {
		if rec.ProcessedAt != nil {
			return false, nil
		}
		rec.ReceivedAt = time.Now()
		return true, nil
	}
	s.dedup[key] = &DedupRecord{TenantID: tenantID, MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, tenantID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[sessionKey{tenantID, messageID}]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) EnqueueReply(ctx context.Context, tenantID, userID, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.TenantID == tenantID && m.DedupeKey == dedupeKey &&
				(m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	msg := &OutboxMessage{
		ID:        util.GenerateReplyID(),
		TenantID:  tenantID,
		UserID:    userID,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for _, m := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) findReply(id string) *OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *InMemoryStore) MarkReplySent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findReply(id); m != nil {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailReply(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findReply(id)
	if m == nil {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if nextAttemptAt.IsZero() {
		m.Status = OutboxStatusFailed
		return nil
	}
	next := nextAttemptAt
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = &next
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Replies returns a snapshot of every queued reply (for tests).
func (s *InMemoryStore) Replies() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	return out
}
