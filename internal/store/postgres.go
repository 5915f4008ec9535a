// Package store provides storage backends for BotPipe.
//
// This file implements a PostgreSQL-backed store for sessions, menus, flows,
// bot configs and transcripts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/BotPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, tenantID, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "tenant", tenantID, "user", userID)
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) SaveSessionState(ctx context.Context, u models.SessionUpdate) error {
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
		VALUES ($1, $2, $3, NULL, $4, $5, FALSE, $6, $6, $6)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			previous_state = CASE WHEN bot_sessions.state <> EXCLUDED.state THEN bot_sessions.state ELSE bot_sessions.previous_state END,
			state = EXCLUDED.state,
			stack = EXCLUDED.stack,
			context = EXCLUDED.context,
			last_interaction = EXCLUDED.last_interaction,
			updated_at = EXCLUDED.updated_at`,
		u.TenantID, u.UserID, u.State, stack, sessCtx, now)
	if err != nil {
		slog.Error("PostgresStore.SaveSessionState failed", "error", err, "tenant", u.TenantID, "user", u.UserID)
		return fmt.Errorf("failed to save session state: %w", err)
	}
	slog.Debug("PostgresStore.SaveSessionState succeeded", "tenant", u.TenantID, "user", u.UserID, "state", u.State)
	return nil
}

func (s *PostgresStore) ResetSession(ctx context.Context, tenantID, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET
			previous_state = CASE WHEN state <> $3 THEN state ELSE previous_state END,
			state = $3, stack = '[]', context = '{}', locked = FALSE, lock_token = '', updated_at = $4
		WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID, models.StateStart, now.UTC())
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

func (s *PostgresStore) AcquireSessionLock(ctx context.Context, tenantID, userID, token string, now time.Time, timeout time.Duration) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET locked = TRUE, lock_token = $3, updated_at = $4
		WHERE tenant_id = $1 AND user_id = $2 AND (locked = FALSE OR updated_at < $5)`,
		tenantID, userID, token, now, now.Add(-timeout))
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

	// No free row: either it is held or it does not exist yet.
	res, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (tenant_id, user_id, state, stack, context, locked, lock_token, last_interaction, created_at, updated_at)
		VALUES ($1, $2, $3, '[]', '{}', TRUE, $4, $5, $5, $5)
		ON CONFLICT (tenant_id, user_id) DO NOTHING`,
		tenantID, userID, models.StateStart, token, now)
	if err != nil {
		return false, fmt.Errorf("lock insert failed: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock rows affected check failed: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ReleaseSessionLock(ctx context.Context, tenantID, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET locked = FALSE, lock_token = '' WHERE tenant_id = $1 AND user_id = $2 AND lock_token = $3`,
		tenantID, userID, token)
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseStaleLocks(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET locked = FALSE, lock_token = '' WHERE locked = TRUE AND updated_at < $1`,
		staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale locks failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetMenu(ctx context.Context, tenantID, menuKey string) (*models.DynamicMenu, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+menuColumns+` FROM bot_menus WHERE tenant_id = $1 AND menu_key = $2`,
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

func (s *PostgresStore) SaveMenu(ctx context.Context, m models.DynamicMenu) error {
	if err := m.Validate(); err != nil {
		return err
	}
	options, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bot_menus (tenant_id, menu_key, title, header, footer, options, parent_menu_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, menu_key) DO UPDATE SET
			title = EXCLUDED.title, header = EXCLUDED.header, footer = EXCLUDED.footer,
			options = EXCLUDED.options, parent_menu_key = EXCLUDED.parent_menu_key`,
		m.TenantID, m.MenuKey, m.Title, m.Header, m.Footer, options, nilIfEmpty(m.ParentMenuKey))
	if err != nil {
		return fmt.Errorf("failed to save menu %s: %w", m.MenuKey, err)
	}
	return nil
}

func (s *PostgresStore) GetActiveFlows(ctx context.Context, tenantID string) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, active, priority FROM bot_flows
		WHERE tenant_id = $1 AND active = TRUE
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

func (s *PostgresStore) GetFlowNodes(ctx context.Context, flowID string) ([]models.FlowNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id, id, node_type, config FROM bot_flow_nodes WHERE flow_id = $1 ORDER BY id`, flowID)
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

func (s *PostgresStore) GetFlowEdges(ctx context.Context, flowID string) ([]models.FlowEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, id, source_node_id, target_node_id, condition_type, condition_value, priority
		FROM bot_flow_edges WHERE flow_id = $1 ORDER BY seq`, flowID)
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

func (s *PostgresStore) SaveFlowGraph(ctx context.Context, tenantID string, g models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flow tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_flows (id, tenant_id, name, active, priority) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name,
			active = EXCLUDED.active, priority = EXCLUDED.priority`,
		g.ID, tenantID, g.Name, g.Active, g.Priority)
	if err != nil {
		return fmt.Errorf("upsert flow %s: %w", g.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_flow_edges WHERE flow_id = $1`, g.ID); err != nil {
		return fmt.Errorf("clear flow edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_flow_nodes WHERE flow_id = $1`, g.ID); err != nil {
		return fmt.Errorf("clear flow nodes: %w", err)
	}
	for _, n := range g.Nodes {
		cfg, err := encodeMap(n.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bot_flow_nodes (flow_id, id, node_type, config) VALUES ($1, $2, $3, $4)`,
			g.ID, n.ID, string(n.NodeType), cfg); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	for _, e := range g.Edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_flow_edges (flow_id, id, source_node_id, target_node_id, condition_type, condition_value, priority)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			g.ID, e.ID, e.SourceNodeID, e.TargetNodeID, string(e.ConditionType), e.ConditionValue, e.Priority); err != nil {
			return fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetBotConfig(ctx context.Context, tenantID string) (*models.BotConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs WHERE tenant_id = $1`, tenantID)
	c, err := scanBotConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot config: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveBotConfig(ctx context.Context, c models.BotConfig) error {
	if c.TenantID == "" {
		return models.ErrEmptyTenant
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (`+botConfigColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, main_menu_key = EXCLUDED.main_menu_key,
			invalid_option_text = EXCLUDED.invalid_option_text, goodbye_message = EXCLUDED.goodbye_message,
			human_handoff_message = EXCLUDED.human_handoff_message, fallback_message = EXCLUDED.fallback_message`,
		c.TenantID, c.Enabled, c.MainMenuKey, c.InvalidOptionText, c.GoodbyeMessage, c.HumanHandoffMessage, c.FallbackMessage)
	if err != nil {
		return fmt.Errorf("failed to save bot config: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTranscript(ctx context.Context, t models.TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_transcripts (id, tenant_id, user_id, text, from_user, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.TenantID, t.UserID, t.Text, t.FromUser, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTranscript(ctx context.Context, tenantID, userID string, limit int) ([]models.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, text, from_user, created_at FROM bot_transcripts
		WHERE tenant_id = $1 AND user_id = $2 ORDER BY created_at DESC LIMIT $3`,
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
