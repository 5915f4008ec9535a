// Package store provides storage backends for BotPipe.
//
// This file implements an SQLite-backed store for sessions, menus, flows,
// bot configs and transcripts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/BotPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// sqlitePragmas are applied to every new SQLite store.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	// SQLite allows one writer at a time; a single connection makes the
	// conditional lock updates queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "tenant", tenantID, "user", userID)
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) SaveSessionState(ctx context.Context, u models.SessionUpdate) error {
	stack, err := encodeStack(u.Stack)
	if err != nil {
		return err
	}
	sessCtx, err := encodeMap(u.Context)
	if err != nil {
		return err
	}
	now := u.LastInteraction.UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (tenant_id, user_id, state, previous_state, stack, context, locked, last_interaction, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			previous_state = CASE WHEN bot_sessions.state <> excluded.state THEN bot_sessions.state ELSE bot_sessions.previous_state END,
			state = excluded.state,
			stack = excluded.stack,
			context = excluded.context,
			last_interaction = excluded.last_interaction,
			updated_at = excluded.updated_at`,
		u.TenantID, u.UserID, u.State, stack, sessCtx, now, now, now)
	if err != nil {
		slog.Error("SQLiteStore.SaveSessionState failed", "error", err, "tenant", u.TenantID, "user", u.UserID)
		return fmt.Errorf("failed to save session state: %w", err)
	}
	slog.Debug("SQLiteStore.SaveSessionState succeeded", "tenant", u.TenantID, "user", u.UserID, "state", u.State)
	return nil
}

func (s *SQLiteStore) ResetSession(ctx context.Context, tenantID, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET
			previous_state = CASE WHEN state <> ? THEN state ELSE previous_state END,
			state = ?, stack = '[]', context = '{}', locked = 0, lock_token = '', updated_at = ?
		WHERE tenant_id = ? AND user_id = ?`,
		models.StateStart, models.StateStart, now.UTC(), tenantID, userID)
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset rows affected check failed: %w", err)
	}
	if n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) AcquireSessionLock(ctx context.Context, tenantID, userID, token string, now time.Time, timeout time.Duration) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET locked = 1, lock_token = ?, updated_at = ?
		WHERE tenant_id = ? AND user_id = ? AND (locked = 0 OR updated_at < ?)`,
		token, now, tenantID, userID, now.Add(-timeout))
	if err != nil {
		return false, fmt.Errorf("lock update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock rows affected check failed: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (tenant_id, user_id, state, stack, context, locked, lock_token, last_interaction, created_at, updated_at)
		VALUES (?, ?, ?, '[]', '{}', 1, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) DO NOTHING`,
		tenantID, userID, models.StateStart, token, now, now, now)
	if err != nil {
		return false, fmt.Errorf("lock insert failed: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock rows affected check failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseSessionLock(ctx context.Context, tenantID, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET locked = 0, lock_token = '' WHERE tenant_id = ? AND user_id = ? AND lock_token = ?`,
		tenantID, userID, token)
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseStaleLocks(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET locked = 0, lock_token = '' WHERE locked = 1 AND updated_at < ?`,
		staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale locks failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetMenu(ctx context.Context, tenantID, menuKey string) (*models.DynamicMenu, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+menuColumns+` FROM bot_menus WHERE tenant_id = ? AND menu_key = ?`,
		tenantID, menuKey)
	m, err := scanMenu(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get menu %s: %w", menuKey, err)
	}
	return m, nil
}

func (s *SQLiteStore) SaveMenu(ctx context.Context, m models.DynamicMenu) error {
	if err := m.Validate(); err != nil {
		return err
	}
	options, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_menus (tenant_id, menu_key, title, header, footer, options, parent_menu_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, menu_key) DO UPDATE SET
			title = excluded.title, header = excluded.header, footer = excluded.footer,
			options = excluded.options, parent_menu_key = excluded.parent_menu_key`,
		m.TenantID, m.MenuKey, m.Title, m.Header, m.Footer, options, nilIfEmpty(m.ParentMenuKey))
	if err != nil {
		return fmt.Errorf("failed to save menu %s: %w", m.MenuKey, err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, active, priority FROM bot_flows
		WHERE tenant_id = ? AND active = 1
		ORDER BY priority DESC, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	var flows []models.Flow
	for rows.Next() {
		var f models.Flow
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &f.Active, &f.Priority); err != nil {
			return nil, fmt.Errorf("scan flow failed: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *SQLiteStore) GetFlowNodes(ctx context.Context, flowID string) ([]models.FlowNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id, id, node_type, config FROM bot_flow_nodes WHERE flow_id = ? ORDER BY id`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow nodes: %w", err)
	}
	defer rows.Close()
	var nodes []models.FlowNode
	for rows.Next() {
		n, err := scanFlowNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) GetFlowEdges(ctx context.Context, flowID string) ([]models.FlowEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, id, source_node_id, target_node_id, condition_type, condition_value, priority
		FROM bot_flow_edges WHERE flow_id = ? ORDER BY seq`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow edges: %w", err)
	}
	defer rows.Close()
	var edges []models.FlowEdge
	for rows.Next() {
		e, err := scanFlowEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *SQLiteStore) SaveFlowGraph(ctx context.Context, tenantID string, g models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flow tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_flows (id, tenant_id, name, active, priority) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name,
			active = excluded.active, priority = excluded.priority`,
		g.ID, tenantID, g.Name, g.Active, g.Priority)
	if err != nil {
		return fmt.Errorf("upsert flow %s: %w", g.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_flow_edges WHERE flow_id = ?`, g.ID); err != nil {
		return fmt.Errorf("clear flow edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_flow_nodes WHERE flow_id = ?`, g.ID); err != nil {
		return fmt.Errorf("clear flow nodes: %w", err)
	}
	for _, n := range g.Nodes {
		cfg, err := encodeMap(n.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bot_flow_nodes (flow_id, id, node_type, config) VALUES (?, ?, ?, ?)`,
			g.ID, n.ID, string(n.NodeType), cfg); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	for _, e := range g.Edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_flow_edges (flow_id, id, source_node_id, target_node_id, condition_type, condition_value, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, e.ID, e.SourceNodeID, e.TargetNodeID, string(e.ConditionType), e.ConditionValue, e.Priority); err != nil {
			return fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetBotConfig(ctx context.Context, tenantID string) (*models.BotConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs WHERE tenant_id = ?`, tenantID)
	c, err := scanBotConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot config: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveBotConfig(ctx context.Context, c models.BotConfig) error {
	if c.TenantID == "" {
		return models.ErrEmptyTenant
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (`+botConfigColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = excluded.enabled, main_menu_key = excluded.main_menu_key,
			invalid_option_text = excluded.invalid_option_text, goodbye_message = excluded.goodbye_message,
			human_handoff_message = excluded.human_handoff_message, fallback_message = excluded.fallback_message`,
		c.TenantID, c.Enabled, c.MainMenuKey, c.InvalidOptionText, c.GoodbyeMessage, c.HumanHandoffMessage, c.FallbackMessage)
	if err != nil {
		return fmt.Errorf("failed to save bot config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTranscript(ctx context.Context, t models.TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_transcripts (id, tenant_id, user_id, text, from_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.UserID, t.Text, t.FromUser, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTranscript(ctx context.Context, tenantID, userID string, limit int) ([]models.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, text, from_user, created_at FROM bot_transcripts
		WHERE tenant_id = ? AND user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()
	var entries []models.TranscriptEntry
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTranscript(entries)
	return entries, nil
}
