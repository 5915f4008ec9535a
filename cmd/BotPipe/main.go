package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/BotPipe/internal/api"
	"github.com/BTreeMap/BotPipe/internal/flow"
	"github.com/BTreeMap/BotPipe/internal/lockfile"
	"github.com/BTreeMap/BotPipe/internal/messaging"
	"github.com/BTreeMap/BotPipe/internal/recovery"
	"github.com/BTreeMap/BotPipe/internal/scheduler"
	"github.com/BTreeMap/BotPipe/internal/store"
	"github.com/BTreeMap/BotPipe/internal/tenantconfig"
	"github.com/BTreeMap/BotPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/BotPipe/internal/util"
	"github.com/BTreeMap/BotPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BotPipe state data
	DefaultStateDir = "/var/lib/botpipe"
	// DefaultAppDBFileName is the default SQLite database filename for sessions, menus and flows
	DefaultAppDBFileName = "botpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Transport names accepted by BOTPIPE_TRANSPORT.
const (
	TransportNone     = ""
	TransportWhatsApp = "whatsmeow"
	TransportTwilio   = "twilio"
)

// Config holds environment configuration
type Config struct {
	ApplicationDBDSN  string
	WhatsAppDBDSN     string
	StateDir          string
	APIAddr           string
	LogLevel          string
	Transport         string
	DefaultTenant     string
	SeedFile          string
	DefaultReply      string
	KeywordReplies    string
	SweepSchedule     string
	LockTimeout       time.Duration
	SessionResetAfter time.Duration
	TranscriptWorkers int
	OutboxEnabled     bool
	TwilioAuthToken   string
	TwilioWebhookURL  string
	TwilioValidate    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	apiAddr       *string
	logLevel      *string
	transport     *string
	defaultTenant *string
	seedFile      *string
}

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	applyFlags(&config, flags)

	initializeLogger(config.LogLevel)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BotPipe", "transport", config.Transport, "api_addr", config.APIAddr, "default_tenant", config.DefaultTenant)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("BotPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BotPipe exited successfully")
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps debug/info/warn/error to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		ApplicationDBDSN:  os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:          os.Getenv("BOTPIPE_STATE_DIR"),
		APIAddr:           os.Getenv("API_ADDR"),
		LogLevel:          os.Getenv("BOTPIPE_LOG_LEVEL"),
		Transport:         strings.ToLower(strings.TrimSpace(os.Getenv("BOTPIPE_TRANSPORT"))),
		DefaultTenant:     os.Getenv("BOTPIPE_DEFAULT_TENANT"),
		SeedFile:          os.Getenv("BOTPIPE_SEED_FILE"),
		DefaultReply:      os.Getenv("BOTPIPE_DEFAULT_REPLY"),
		KeywordReplies:    os.Getenv("BOTPIPE_KEYWORD_REPLIES"),
		SweepSchedule:     os.Getenv("BOTPIPE_SWEEP_SCHEDULE"),
		LockTimeout:       util.ParseDurationEnv("BOTPIPE_LOCK_TIMEOUT", flow.DefaultLockTimeout),
		SessionResetAfter: util.ParseDurationEnv("BOTPIPE_SESSION_RESET_AFTER", flow.DefaultSessionResetAfter),
		TranscriptWorkers: util.ParseIntEnv("BOTPIPE_TRANSCRIPT_WORKERS", store.DefaultTranscriptWorkers),
		OutboxEnabled:     util.ParseBoolEnv("BOTPIPE_OUTBOX_ENABLED", true),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		TwilioValidate:    util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultServerAddress
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = scheduler.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"BOTPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"BOTPIPE_TRANSPORT", config.Transport,
		"BOTPIPE_DEFAULT_TENANT", config.DefaultTenant,
		"BOTPIPE_LOCK_TIMEOUT", config.LockTimeout,
		"BOTPIPE_SESSION_RESET_AFTER", config.SessionResetAfter)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for BotPipe data (overrides $BOTPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_URL)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $BOTPIPE_LOG_LEVEL)"),
		transport:     fs.String("transport", config.Transport, "inbound transport: whatsmeow, twilio or empty for API only (overrides $BOTPIPE_TRANSPORT)"),
		defaultTenant: fs.String("default-tenant", config.DefaultTenant, "tenant for transport messages without one (overrides $BOTPIPE_DEFAULT_TENANT)"),
		seedFile:      fs.String("seed-file", config.SeedFile, "YAML tenant bundle applied at startup (overrides $BOTPIPE_SEED_FILE)"),
	}
	_ = fs.Parse(args)
	return flags
}

// applyFlags folds flag values into config. A new state directory moves the
// default database paths with it.
func applyFlags(config *Config, flags Flags) {
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == config.ApplicationDBDSN && config.ApplicationDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsappDSN == config.WhatsAppDBDSN && config.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	config.StateDir = *flags.stateDir
	config.ApplicationDBDSN = *flags.dbDSN
	config.WhatsAppDBDSN = *flags.whatsappDSN
	config.APIAddr = *flags.apiAddr
	config.LogLevel = *flags.logLevel
	config.Transport = strings.ToLower(strings.TrimSpace(*flags.transport))
	config.DefaultTenant = *flags.defaultTenant
	config.SeedFile = *flags.seedFile
}

// ensureDirectoriesExist creates the directory of a file-based application database
func ensureDirectoriesExist(config Config) error {
	if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypePostgres {
		return nil
	}
	dir := filepath.Dir(config.ApplicationDBDSN)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if config.ApplicationDBDSN == "" {
		return nil
	}
	if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypePostgres {
		return []store.Option{store.WithPostgresDSN(config.ApplicationDBDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(config.ApplicationDBDSN)}
}

// buildEngineOptions constructs bot engine options
func buildEngineOptions(config Config, transcript flow.TranscriptLogger, dedup store.DedupRepo) []flow.Option {
	return []flow.Option{
		flow.WithLockTimeout(config.LockTimeout),
		flow.WithSessionResetAfter(config.SessionResetAfter),
		flow.WithTranscriptLogger(transcript),
		flow.WithDedup(dedup),
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio service options
func buildTwilioOptions(config Config) []messaging.TwilioOption {
	opts := []messaging.TwilioOption{messaging.WithInstance(TransportTwilio)}
	if config.TwilioValidate && config.TwilioAuthToken != "" {
		opts = append(opts, messaging.WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(config.TwilioAuthToken)))
	}
	if config.TwilioWebhookURL != "" {
		opts = append(opts, messaging.WithPublicURL(config.TwilioWebhookURL))
	}
	return opts
}

// buildMessagingService connects the configured transport, or returns nil for API-only mode.
func buildMessagingService(ctx context.Context, config Config, flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch config.Transport {
	case TransportNone:
		return nil, nil, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, TransportWhatsApp), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, buildTwilioOptions(config)...)
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

// addKeywordReplies registers a keyword_reply fallback for each "keyword=text"
// pair in list, pairs separated by ";".
func addKeywordReplies(handler *messaging.ResponseHandler, registry *messaging.HookRegistry, sender messaging.Sender, list string) error {
	for _, pair := range strings.Split(list, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		keyword, text, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("keyword reply %q: expected keyword=text", pair)
		}
		hook, err := registry.CreateHook(messaging.HookTypeKeywordReply, map[string]string{
			"keyword": strings.TrimSpace(keyword),
			"text":    strings.TrimSpace(text),
		}, sender)
		if err != nil {
			return err
		}
		handler.AddFallback(hook)
	}
	return nil
}

// needsStateLock reports whether config keeps SQLite files in the state directory.
func needsStateLock(config Config) bool {
	if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypeSQLite {
		return true
	}
	return config.Transport == TransportWhatsApp && store.DetectDSNType(config.WhatsAppDBDSN) == store.DSNTypeSQLite
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	if needsStateLock(config) {
		lock, err := lockfile.Acquire(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	transcript, err := store.NewTranscriptWriter(st, config.TranscriptWorkers)
	if err != nil {
		return fmt.Errorf("transcript writer: %w", err)
	}
	defer transcript.Close()

	if config.SeedFile != "" {
		if err := tenantconfig.LoadAndApply(ctx, st, config.SeedFile); err != nil {
			return fmt.Errorf("seed tenants: %w", err)
		}
	}

	engine := flow.NewEngine(st, buildEngineOptions(config, transcript, st)...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	svc, twilioSvc, err := buildMessagingService(ctx, config, flags)
	if err != nil {
		return err
	}

	startup := recovery.NewRecoveryManager()
	startup.Register("stale-session-locks", recovery.StaleLocks(engine.Locks()))

	var recoverer scheduler.ReplyRecoverer
	var outbox *store.OutboxSender
	var handler *messaging.ResponseHandler
	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	if svc != nil {
		defer svc.Stop()
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging service: %w", err)
		}

		handlerOpts := []messaging.HandlerOption{
			messaging.WithTenant(config.DefaultTenant),
			messaging.WithDefaultMessage(config.DefaultReply),
		}
		if config.OutboxEnabled {
			outbox = store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
				return svc.SendMessage(ctx, msg.UserID, msg.Body)
			}, store.DefaultOutboxPollInterval)
			startup.Register("stuck-replies", recovery.StuckReplies(outbox))
			recoverer = outbox
			handlerOpts = append(handlerOpts, messaging.WithOutbox(st))
		}
		handler = messaging.NewResponseHandler(engine, svc, handlerOpts...)
		if err := addKeywordReplies(handler, messaging.NewHookRegistry(), handler.ReplySender(), config.KeywordReplies); err != nil {
			return err
		}

		if twilioSvc != nil {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
		}
	}

	// Recovery failures are logged and retried by the scheduled sweep.
	if err := startup.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}
	if outbox != nil {
		go outbox.Run(ctx)
	}
	if handler != nil {
		handler.Start(ctx)
	}

	if err := scheduler.ScheduleMaintenance(sched, config.SweepSchedule, engine.Locks(), recoverer); err != nil {
		return err
	}

	return api.NewServer(engine, st, apiOpts...).Run(ctx)
}
