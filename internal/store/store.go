// Package store provides storage backends for BotPipe.
//
// It defines the repository interfaces the bot engine depends on and ships
// PostgreSQL, SQLite and in-memory implementations of them.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
)

// DSN types recognised by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// ErrDSNNotSet is returned when a persistent store is created without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// Opts holds configuration options for store backends.
type Opts struct {
	DSN  string // data source name
	Type string // DSNTypePostgres or DSNTypeSQLite
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypePostgres
	}
}

// WithSQLiteDSN configures a SQLite backend. The DSN is a file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypeSQLite
	}
}

// DetectDSNType reports whether dsn addresses PostgreSQL or a SQLite file.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DSNTypePostgres
	}
	// key=value form, e.g. "host=localhost user=bot dbname=bot"
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// SessionRepo reads and writes conversational sessions.
type SessionRepo interface {
	// GetSession returns the session, or (nil, nil) when none exists.
	GetSession(ctx context.Context, tenantID, userID string) (*models.Session, error)
	// SaveSessionState persists the result of one processed message. The
	// store sets previous_state to the stored state whenever the state changes.
	SaveSessionState(ctx context.Context, update models.SessionUpdate) error
	// ResetSession moves a session back to START, unlocked with an empty stack.
	ResetSession(ctx context.Context, tenantID, userID string, now time.Time) error
}

// SessionLocker implements the per-session processing lock.
type SessionLocker interface {
	// AcquireSessionLock atomically takes the lock for token when it is free
	// or older than timeout at now. A missing session is created locked at START.
	AcquireSessionLock(ctx context.Context, tenantID, userID, token string, now time.Time, timeout time.Duration) (bool, error)
	// ReleaseSessionLock unlocks the session only while token still holds it.
	ReleaseSessionLock(ctx context.Context, tenantID, userID, token string) error
	// ReleaseStaleLocks unlocks every session locked before staleBefore.
	ReleaseStaleLocks(ctx context.Context, staleBefore time.Time) (int64, error)
}

// MenuRepo provides tenant dynamic menus.
type MenuRepo interface {
	// GetMenu returns the menu, or (nil, nil) when the tenant has none with that key.
	GetMenu(ctx context.Context, tenantID, menuKey string) (*models.DynamicMenu, error)
	SaveMenu(ctx context.Context, menu models.DynamicMenu) error
}

// FlowRepo provides tenant flow graphs.
type FlowRepo interface {
	// GetActiveFlows returns active flows ordered by descending priority.
	GetActiveFlows(ctx context.Context, tenantID string) ([]models.Flow, error)
	GetFlowNodes(ctx context.Context, flowID string) ([]models.FlowNode, error)
	// GetFlowEdges returns edges in insertion order.
	GetFlowEdges(ctx context.Context, flowID string) ([]models.FlowEdge, error)
	// SaveFlowGraph replaces the flow, its nodes and its edges.
	SaveFlowGraph(ctx context.Context, tenantID string, graph models.FlowGraph) error
}

// TranscriptRepo logs chat lines.
type TranscriptRepo interface {
	AppendTranscript(ctx context.Context, entry models.TranscriptEntry) error
	// ListTranscript returns the newest limit entries in chronological order.
	ListTranscript(ctx context.Context, tenantID, userID string, limit int) ([]models.TranscriptEntry, error)
}

// BotConfigRepo provides per-tenant engine configuration.
type BotConfigRepo interface {
	// GetBotConfig returns the config, or (nil, nil) when the tenant has none.
	GetBotConfig(ctx context.Context, tenantID string) (*models.BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg models.BotConfig) error
}

// Store bundles every repository a backend provides.
type Store interface {
	SessionRepo
	SessionLocker
	MenuRepo
	FlowRepo
	TranscriptRepo
	BotConfigRepo
	DedupRepo
	OutboxRepo
	Close() error
}

// Open returns the backend selected by opts, or an in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if cfg.Type == "" {
		cfg.Type = DetectDSNType(cfg.DSN)
	}
	if cfg.Type == DSNTypePostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
