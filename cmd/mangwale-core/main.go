package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skyagarwal/mangwale-core/internal/api"
	"github.com/skyagarwal/mangwale-core/internal/channels"
	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/executors"
	"github.com/skyagarwal/mangwale-core/internal/flows"
	"github.com/skyagarwal/mangwale-core/internal/gateway"
	"github.com/skyagarwal/mangwale-core/internal/lockfile"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/router"
	"github.com/skyagarwal/mangwale-core/internal/scheduler"
	"github.com/skyagarwal/mangwale-core/internal/semantic"
	"github.com/skyagarwal/mangwale-core/internal/store"
	"github.com/skyagarwal/mangwale-core/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for mangwale-core state data
	DefaultStateDir = "/var/lib/mangwale"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mangwale-core.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureStateDirExists(flags); err != nil {
		slog.Error("Failed to create state directory", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping mangwale-core")
	if err := run(flags); err != nil {
		slog.Error("mangwale-core failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("mangwale-core exited successfully")
}

// Config holds environment configuration
type Config struct {
	DBDSN      string
	StateDir   string
	OpenAIKey  string
	APIAddr    string
	BackendURL string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	openaiKey  *string
	apiAddr    *string
	backendURL *string
	whatsapp   *bool
	telegram   *bool
	sms        *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DBDSN:      util.EnvOrDefault("DATABASE_URL", ""),
		StateDir:   util.EnvOrDefault("MANGWALE_STATE_DIR", DefaultStateDir),
		OpenAIKey:  os.Getenv("OPENAI_API_KEY"),
		APIAddr:    util.EnvOrDefault("API_ADDR", api.DefaultAddr),
		BackendURL: os.Getenv("BACKEND_BASE_URL"),
	}

	// With no database URL, default to SQLite in the state directory.
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DBDSN != "",
		"MANGWALE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BACKEND_BASE_URL_SET", config.BackendURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for mangwale-core data (overrides $MANGWALE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DBDSN, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for semantic detectors (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backendURL: flag.String("backend-url", config.BackendURL, "commerce backend base URL (overrides $BACKEND_BASE_URL)"),
		whatsapp:   flag.Bool("whatsapp", util.ParseBoolEnv("WHATSAPP_ENABLED", false), "enable the WhatsApp channel adapter"),
		telegram:   flag.Bool("telegram", os.Getenv("TELEGRAM_BOT_TOKEN") != "", "enable the Telegram channel adapter"),
		sms:        flag.Bool("sms", os.Getenv("TWILIO_ACCOUNT_SID") != "", "enable the Twilio SMS channel adapter"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backendURL_set", *flags.backendURL != "",
		"whatsapp", *flags.whatsapp,
		"telegram", *flags.telegram,
		"sms", *flags.sms)

	return flags
}

// ensureStateDirExists creates the state directory for file-based storage
func ensureStateDirExists(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return os.MkdirAll(*flags.stateDir, 0755)
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStore selects the store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildExecutors registers the commerce action executors. With no
// backend configured the flows still load, but every action reports its
// error transition at runtime.
func buildExecutors(flags Flags) (*engine.ExecutorRegistry, error) {
	reg := engine.NewExecutorRegistry()
	if *flags.backendURL == "" {
		slog.Warn("No commerce backend configured; actions will take their error transitions")
		for _, name := range executors.Names {
			name := name
			reg.Register(name, engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error) {
				return models.ActionResult{
					Event: models.EventError,
					Error: &models.ErrorInfo{Code: "backend_unconfigured", Message: name},
				}, nil
			}))
		}
		return reg, nil
	}
	backend, err := executors.NewBackend(executors.WithBaseURL(*flags.backendURL))
	if err != nil {
		return nil, err
	}
	backend.RegisterAll(reg)
	return reg, nil
}

// buildRouter assembles the tiered router: AI semantic detectors when an
// OpenAI key is available, keyword-based detectors otherwise.
func buildRouter(flags Flags, cache *router.RuleCache, reg *flows.Registry) (*router.Router, gateway.Classifier) {
	rt := router.New(cache, reg)

	var classifier gateway.Classifier = semantic.StaticClassifier{}
	if *flags.openaiKey != "" {
		client, err := semantic.NewClient(semantic.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Error("Failed to build semantic client, falling back to keyword detectors", "error", err)
		} else {
			rt.BindDetector(
				semantic.NewDetector(client, "food_request", "Is the user asking to order food or browse a food menu?"),
				"order_food", "unknown", "general_chat")
			rt.BindDetector(
				semantic.NewDetector(client, "parcel_request", "Is the user asking to send, book, or track a parcel delivery?"),
				"book_parcel", "unknown", "general_chat")
			classifier = semantic.NewClassifier(client, "order_food", "book_parcel", "give_feedback", "cancel_flow")
			return rt, classifier
		}
	}

	slog.Info("Semantic tier using keyword detectors (no OpenAI key)")
	rt.BindDetector(
		semantic.NewKeywordDetector("food_request", 0.75, "hungry", "khana", "menu", "pizza", "biryani"),
		"order_food", "unknown", "general_chat")
	rt.BindDetector(
		semantic.NewKeywordDetector("parcel_request", 0.75, "parcel", "courier", "package", "bhejna"),
		"book_parcel", "unknown", "general_chat")
	return rt, classifier
}

// buildChannels registers the enabled channel adapters.
func buildChannels(flags Flags, registry *channels.Registry) error {
	if *flags.whatsapp {
		var waOpts []channels.WhatsAppOption
		waOpts = append(waOpts, channels.WithWhatsAppDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, channels.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, channels.WithNumericCode())
		}
		wa, err := channels.NewWhatsAppAdapter(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to build WhatsApp adapter: %w", err)
		}
		registry.Register(wa)
	}
	if *flags.telegram {
		tg, err := channels.NewTelegramAdapter()
		if err != nil {
			return fmt.Errorf("failed to build Telegram adapter: %w", err)
		}
		registry.Register(tg)
	}
	if *flags.sms {
		sms, err := channels.NewTwilioSMSAdapter()
		if err != nil {
			return fmt.Errorf("failed to build Twilio SMS adapter: %w", err)
		}
		registry.Register(sms)
	}
	return nil
}

func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	executorReg, err := buildExecutors(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize executors: %w", err)
	}

	flowReg := flows.NewRegistry()
	if err := flows.LoadBuiltin(flowReg, executorReg); err != nil {
		return fmt.Errorf("failed to load flow definitions: %w", err)
	}

	eng := engine.New(flowReg, executorReg, st)

	// Wait-state timers live only in memory; re-arm whatever was parked
	// when the previous process stopped.
	if parked, err := st.ListActiveSessions(time.Now()); err != nil {
		slog.Warn("Failed to list parked sessions, skipping timeout recovery", "error", err)
	} else if n := eng.RecoverTimeouts(parked); n > 0 {
		slog.Info("Re-armed wait timeouts from previous run", "count", n)
	}

	cache := router.NewRuleCache(st)
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := router.SeedBuiltinRules(startupCtx, st); err != nil {
		slog.Warn("Failed to seed builtin routing rules", "error", err)
	}
	if err := cache.Refresh(startupCtx); err != nil {
		slog.Warn("Initial rule refresh failed, starting with an empty rule set", "error", err)
	}
	cancel()

	rt, classifier := buildRouter(flags, cache, flowReg)

	var gwOpts []gateway.Option
	if ttl := util.ParseDurationEnv("SESSION_TTL", 0); ttl > 0 {
		gwOpts = append(gwOpts, gateway.WithSessionTTL(ttl))
	}
	if window := util.ParseDurationEnv("DEDUP_WINDOW", 0); window > 0 {
		gwOpts = append(gwOpts, gateway.WithDedupWindow(window))
	}
	gw, err := gateway.New(st, eng, rt, classifier, gwOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	registry := channels.NewRegistry()
	if err := buildChannels(flags, registry); err != nil {
		return err
	}
	gw.SetSender(registry)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.RegisterMaintenance(st, cache, gw.DedupWindow()); err != nil {
		return fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inbound := func(ctx context.Context, channel models.Channel, env models.Envelope) {
		if _, err := gw.Handle(ctx, channel, env); err != nil {
			slog.Error("Inbound message rejected", "channel", channel, "error", err)
		}
	}
	if err := registry.StartAll(ctx, inbound); err != nil {
		return fmt.Errorf("failed to start channel adapters: %w", err)
	}
	defer registry.StopAll()

	srv := api.NewServer(gw, st, cache, api.WithAddr(*flags.apiAddr))
	return srv.Run(ctx)
}
