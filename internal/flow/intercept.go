package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

// DefaultSessionResetAfter is how long a terminal session stays terminal
// before the next inbound message restarts it at START.
const DefaultSessionResetAfter = 24 * time.Hour

// Repository is the set of stores the engine reads and writes.
type Repository interface {
	store.SessionRepo
	store.SessionLocker
	store.MenuRepo
	store.FlowRepo
	store.BotConfigRepo
}

// TranscriptLogger records chat lines without blocking the caller.
type TranscriptLogger interface {
	Log(tenantID, userID, text string, fromUser bool)
}

type noopTranscript struct{}

func (noopTranscript) Log(string, string, string, bool) {}

// Opts holds configuration for the Engine.
type Opts struct {
	LockTimeout       time.Duration
	SessionResetAfter time.Duration
	Transcript        TranscriptLogger
	Dedup             store.DedupRepo
	Clock             func() time.Time
}

// Option configures the Engine.
type Option func(*Opts)

// WithLockTimeout sets how long a held session lock is honored.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Opts) { o.LockTimeout = d }
}

// WithSessionResetAfter sets the idle time after which a terminal session restarts.
// Zero keeps terminal sessions terminal forever.
func WithSessionResetAfter(d time.Duration) Option {
	return func(o *Opts) { o.SessionResetAfter = d }
}

// WithTranscriptLogger sets where inbound and outbound lines are logged.
func WithTranscriptLogger(l TranscriptLogger) Option {
	return func(o *Opts) { o.Transcript = l }
}

// WithDedup enables message-id deduplication.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Engine is the intercept orchestrator. It is safe for concurrent use; all
// per-session coordination goes through the session lock in the store.
type Engine struct {
	configs    store.BotConfigRepo
	sessions   *SessionManager
	locks      *LockManager
	menus      *MenuResolver
	flows      *FlowResolver
	dedup      store.DedupRepo
	transcript TranscriptLogger
	resetAfter time.Duration
	now        func() time.Time
}

// NewEngine creates an Engine over repo.
func NewEngine(repo Repository, opts ...Option) *Engine {
	cfg := Opts{SessionResetAfter: DefaultSessionResetAfter}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Transcript == nil {
		cfg.Transcript = noopTranscript{}
	}
	return &Engine{
		configs:    repo,
		sessions:   NewSessionManager(repo),
		locks:      NewLockManager(repo, cfg.LockTimeout, cfg.Clock),
		menus:      NewMenuResolver(repo),
		flows:      NewFlowResolver(repo),
		dedup:      cfg.Dedup,
		transcript: cfg.Transcript,
		resetAfter: cfg.SessionResetAfter,
		now:        cfg.Clock,
	}
}

// Locks exposes the lock manager, used by the stale-lock sweeper.
func (e *Engine) Locks() *LockManager { return e.locks }

// Sessions exposes the session manager.
func (e *Engine) Sessions() *SessionManager { return e.sessions }

// Menus exposes the menu resolver.
func (e *Engine) Menus() *MenuResolver { return e.menus }

// transition is a resolved state change and the reply that goes with it.
type transition struct {
	state string
	stack []string
	reply string
}

// Intercept offers one inbound message to the engine. Internal failures never
// escape: they become pass-through responses with Error set.
func (e *Engine) Intercept(ctx context.Context, req models.InterceptRequest) (resp models.InterceptResponse) {
	if err := req.Validate(); err != nil {
		slog.Warn("Engine.Intercept: invalid request", "error", err)
		return models.PassThroughWithError(err)
	}
	tenant, user := req.TenantID, req.SenderIdentifier

	botCfg, err := e.configs.GetBotConfig(ctx, tenant)
	if err != nil {
		slog.Error("Engine.Intercept: load bot config failed", "error", err, "tenant", tenant)
		return models.PassThroughWithError(err)
	}
	if botCfg == nil || !botCfg.Enabled {
		slog.Debug("Engine.Intercept: engine disabled", "tenant", tenant)
		return models.PassThrough()
	}
	cfg := botCfg.WithDefaults()

	token, ok, err := e.locks.Acquire(ctx, tenant, user)
	if err != nil {
		return models.PassThroughWithError(err)
	}
	if !ok {
		return models.PassThrough()
	}
	defer e.locks.Release(context.WithoutCancel(ctx), tenant, user, token)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.Intercept: panic recovered", "panic", r, "tenant", tenant, "user", user)
			resp = models.PassThroughWithError(fmt.Errorf("bot engine panic: %v", r))
		}
	}()

	if req.MessageID != "" && e.dedup != nil {
		fresh, err := e.dedup.RecordInbound(ctx, tenant, req.MessageID, user)
		if err != nil {
			slog.Error("Engine.Intercept: dedup failed", "error", err, "tenant", tenant, "message_id", req.MessageID)
			return models.PassThroughWithError(err)
		}
		if !fresh {
			slog.Info("Engine.Intercept: duplicate message", "tenant", tenant, "user", user, "message_id", req.MessageID)
			return models.DuplicateDelivery()
		}
	}

	// A failed or panicking pass leaves the message unmarked so a retry runs it.
	resp, err = e.process(ctx, cfg, req)
	if err != nil {
		slog.Error("Engine.Intercept: processing failed", "error", err, "tenant", tenant, "user", user)
		return models.PassThroughWithError(err)
	}

	if req.MessageID != "" && e.dedup != nil {
		if err := e.dedup.MarkProcessed(ctx, tenant, req.MessageID); err != nil {
			slog.Warn("Engine.Intercept: mark processed failed", "error", err, "tenant", tenant, "message_id", req.MessageID)
		}
	}
	return resp
}

// process runs one message through the state machine while the lock is held.
func (e *Engine) process(ctx context.Context, cfg models.BotConfig, req models.InterceptRequest) (models.InterceptResponse, error) {
	tenant, user := req.TenantID, req.SenderIdentifier
	now := e.now()

	sess, err := e.sessions.Load(ctx, tenant, user, now)
	if err != nil {
		return models.InterceptResponse{}, err
	}
	if models.IsTerminalState(sess.State) && e.resetAfter > 0 && now.Sub(sess.LastInteraction) > e.resetAfter {
		slog.Info("Engine.process: restarting idle terminal session", "tenant", tenant, "user", user, "state", sess.State)
		sess.State = models.StateStart
		sess.Stack = []string{}
	}

	p := Parse(req.MessageText)
	e.transcript.Log(tenant, user, req.MessageText, true)

	if models.IsTerminalState(sess.State) {
		slog.Debug("Engine.process: terminal session, passing through", "tenant", tenant, "user", user, "state", sess.State)
		// Pass-through traffic still counts as activity for the idle reset.
		if err := e.sessions.Save(ctx, sess, sess.State, sess.Stack, now); err != nil {
			return models.InterceptResponse{}, err
		}
		return models.PassThrough(), nil
	}
	if p.IsCommand {
		slog.Debug("Engine.process: command, passing through", "tenant", tenant, "user", user, "command", p.Command)
		return models.PassThrough(), nil
	}

	var tr *transition
	if action, ok := MatchGlobal(p); ok {
		tr, err = e.applyAction(ctx, cfg, sess, action)
	} else {
		tr, err = e.resolveMenu(ctx, cfg, sess, p)
		if err == nil && tr == nil {
			tr, err = e.resolveFlow(ctx, cfg, sess, p)
		}
	}
	if err != nil {
		return models.InterceptResponse{}, err
	}
	if tr == nil {
		slog.Debug("Engine.process: nothing resolved", "tenant", tenant, "user", user, "state", sess.State)
		return models.PassThrough(), nil
	}

	if err := e.sessions.Save(ctx, sess, tr.state, tr.stack, now); err != nil {
		return models.InterceptResponse{}, err
	}
	e.transcript.Log(tenant, user, tr.reply, false)
	if tr.state != sess.State {
		slog.Info("Engine.process: transition", "tenant", tenant, "user", user, "from", sess.State, "to", tr.state)
	}
	return models.Intercepted(tr.reply, tr.state), nil
}

// applyAction executes a navigation or terminal action from the current session.
func (e *Engine) applyAction(ctx context.Context, cfg models.BotConfig, sess *models.Session, action models.Action) (*transition, error) {
	switch action {
	case models.ActionBackToPrevious:
		target, rest, ok := popState(sess.Stack)
		if !ok {
			target = models.StateStart
		}
		return e.navigate(ctx, cfg, sess.TenantID, target, rest)
	case models.ActionBackToStart:
		return e.navigate(ctx, cfg, sess.TenantID, models.StateStart, []string{})
	case models.ActionOpenMenu:
		return e.navigate(ctx, cfg, sess.TenantID, cfg.MainMenuKey, nextStack(sess, cfg.MainMenuKey))
	case models.ActionEndSession:
		return &transition{state: models.StateEnded, stack: []string{}, reply: cfg.GoodbyeMessage}, nil
	case models.ActionRequestHuman:
		return &transition{state: models.StateAwaitingHuman, stack: []string{}, reply: cfg.HumanHandoffMessage}, nil
	case models.ActionNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidAction, int(action))
	}
}

// navigate moves to state and replies with that state's display message.
func (e *Engine) navigate(ctx context.Context, cfg models.BotConfig, tenantID, state string, stack []string) (*transition, error) {
	reply, err := e.destinationMessage(ctx, cfg, tenantID, state)
	if err != nil {
		return nil, err
	}
	return &transition{state: state, stack: stack, reply: reply}, nil
}

// destinationMessage is the text shown on arriving at state: the menu keyed by
// state, else the flow node message for state, else the tenant fallback text.
func (e *Engine) destinationMessage(ctx context.Context, cfg models.BotConfig, tenantID, state string) (string, error) {
	menu, err := e.menus.Load(ctx, tenantID, state)
	if err != nil {
		return "", err
	}
	if menu != nil {
		return RenderMenu(menu), nil
	}
	msg, ok, err := e.flows.NodeMessage(ctx, tenantID, state)
	if err != nil {
		return "", err
	}
	if ok {
		return msg, nil
	}
	return cfg.FallbackMessage, nil
}

// resolveMenu handles input when a dynamic menu exists at the current state.
// It returns nil only when there is no such menu.
func (e *Engine) resolveMenu(ctx context.Context, cfg models.BotConfig, sess *models.Session, p ParsedInput) (*transition, error) {
	menu, err := e.menus.Load(ctx, sess.TenantID, sess.State)
	if err != nil || menu == nil {
		return nil, err
	}

	sel, ok := ResolveSelection(menu, p)
	if !ok {
		reply := cfg.InvalidOptionText + "\n\n" + RenderMenu(menu)
		if sess.State == models.StateStart && !p.IsNumber {
			// Free text at the entry menu is a greeting, not a wrong choice.
			reply = RenderMenu(menu)
		}
		slog.Debug("Engine.resolveMenu: no option matched", "tenant", sess.TenantID, "menu", menu.MenuKey, "input", p.Normalized)
		return &transition{state: sess.State, stack: sess.Stack, reply: reply}, nil
	}

	opt := sel.Option
	slog.Debug("Engine.resolveMenu: option selected", "tenant", sess.TenantID, "menu", menu.MenuKey, "option", sel.Index+1)
	switch {
	case opt.TargetMenu != "":
		return e.navigate(ctx, cfg, sess.TenantID, opt.TargetMenu, nextStack(sess, opt.TargetMenu))
	case opt.TargetState != "":
		return e.navigate(ctx, cfg, sess.TenantID, opt.TargetState, nextStack(sess, opt.TargetState))
	default:
		return e.applyAction(ctx, cfg, sess, opt.Action)
	}
}

// resolveFlow handles input through the tenant flow graph.
func (e *Engine) resolveFlow(ctx context.Context, cfg models.BotConfig, sess *models.Session, p ParsedInput) (*transition, error) {
	res, err := e.flows.ResolveFlow(ctx, sess.TenantID, sess.State, p)
	if err != nil || res == nil {
		return nil, err
	}
	stack := sess.Stack
	if res.PushToStack && res.NewState != sess.State {
		stack = pushState(sess.Stack, sess.State)
	}
	if res.Message != "" {
		return &transition{state: res.NewState, stack: stack, reply: res.Message}, nil
	}
	return e.navigate(ctx, cfg, sess.TenantID, res.NewState, stack)
}

// nextStack is the stack after moving forward from the current state to target.
// Leaving START or staying in place pushes nothing.
func nextStack(sess *models.Session, target string) []string {
	if sess.State == models.StateStart || sess.State == target {
		return sess.Stack
	}
	return pushState(sess.Stack, sess.State)
}
