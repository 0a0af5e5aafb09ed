package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/auth"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/ratelimit"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/session"
	"github.com/BTreeMap/CarePipe/internal/speech"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/trigger"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping CarePipe")
	if err := run(flags); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	AuthSecret     string
	APIAddr        string
	LimiterURL     string
	NoLimiter      bool
	ReserveTimeout time.Duration
	OpenAIKey      string
	SMSEnabled     bool
	WhatsAppDSN    string
	RetentionDays  int
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	authSecret     *string
	apiAddr        *string
	limiterURL     *string
	noLimiter      *bool
	reserveTimeout *time.Duration
	sms            *bool
	whatsappDSN    *string
	qrOutput       *string
	numeric        *bool
	retentionDays  *int
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
		StateDir:       util.GetenvDefault("CAREPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuthSecret:     os.Getenv("CAREPIPE_AUTH_SECRET"),
		APIAddr:        os.Getenv("API_ADDR"),
		LimiterURL:     os.Getenv("CAREPIPE_LIMITER_URL"),
		NoLimiter:      util.ParseBoolEnv("CAREPIPE_NO_LIMITER", false),
		ReserveTimeout: util.ParseDurationEnv("CAREPIPE_RESERVE_TIMEOUT", ratelimit.DefaultReserveTimeout),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		SMSEnabled:     util.ParseBoolEnv("CAREPIPE_SMS_ENABLED", false),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		RetentionDays:  0,
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CAREPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CAREPIPE_AUTH_SECRET_SET", config.AuthSecret != "",
		"API_ADDR", config.APIAddr,
		"CAREPIPE_LIMITER_URL_SET", config.LimiterURL != "",
		"CAREPIPE_NO_LIMITER", config.NoLimiter,
		"CAREPIPE_RESERVE_TIMEOUT", config.ReserveTimeout,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CAREPIPE_SMS_ENABLED", config.SMSEnabled,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for CarePipe data (overrides $CAREPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the core store (overrides $DATABASE_URL)"),
		authSecret:     flag.String("auth-secret", config.AuthSecret, "token signing secret (overrides $CAREPIPE_AUTH_SECRET)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		limiterURL:     flag.String("limiter-url", config.LimiterURL, "quota service websocket URL (overrides $CAREPIPE_LIMITER_URL)"),
		noLimiter:      flag.Bool("no-limiter", config.NoLimiter, "bypass the quota service, granting every reservation"),
		reserveTimeout: flag.Duration("reserve-timeout", config.ReserveTimeout, "quota reservation answer timeout (overrides $CAREPIPE_RESERVE_TIMEOUT)"),
		sms:            flag.Bool("sms", config.SMSEnabled, "enable the Twilio SMS notification channel"),
		whatsappDSN:    flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "enable the WhatsApp channel with this session store DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:       flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		retentionDays:  flag.Int("retention-days", 0, "days to keep zone events and notifications (0 uses the default)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"authSecret_set", *flags.authSecret != "",
		"apiAddr", *flags.apiAddr,
		"limiterURL_set", *flags.limiterURL != "",
		"noLimiter", *flags.noLimiter,
		"reserveTimeout", *flags.reserveTimeout,
		"sms", *flags.sms,
		"whatsappDSN_set", *flags.whatsappDSN != "",
		"retentionDays", *flags.retentionDays)

	// Follow a moved state directory with the default SQLite path.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStore opens the persistence backend matching the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildLimiter connects the quota limiter, or an allow-all bypass for
// development.
func buildLimiter(flags Flags) ratelimit.Limiter {
	if *flags.noLimiter || *flags.limiterURL == "" {
		slog.Warn("Quota limiter bypassed, every reservation will be granted")
		return ratelimit.NewAllowAll()
	}
	return ratelimit.NewWebsocketLimiter(
		ratelimit.WithURL(*flags.limiterURL),
		ratelimit.WithReserveTimeout(*flags.reserveTimeout))
}

// buildSink assembles the notification sink with the enabled push channels.
func buildSink(st store.Store, flags Flags) *notify.StoreSink {
	var sinkOpts []notify.Option
	if *flags.sms {
		sms, err := notify.NewSMSClient()
		if err != nil {
			slog.Error("SMS channel disabled", "error", err)
		} else {
			sinkOpts = append(sinkOpts, notify.WithSMS(sms))
		}
	}
	if *flags.whatsappDSN != "" {
		waOpts := []notify.WhatsAppOption{notify.WithWhatsAppDBDSN(*flags.whatsappDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, notify.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, notify.WithNumericCode())
		}
		wa, err := notify.NewWhatsAppClient(waOpts...)
		if err != nil {
			slog.Error("WhatsApp channel disabled", "error", err)
		} else {
			sinkOpts = append(sinkOpts, notify.WithWhatsApp(wa))
		}
	}
	return notify.NewStoreSink(st, sinkOpts...)
}

// buildSpeaker assembles the speech pipeline. Without an OpenAI key the
// assistant degrades to text-only utterances.
func buildSpeaker(limiter ratelimit.Limiter, stateDir string) (session.Speaker, error) {
	var synth speech.Synthesizer
	if client, err := speech.NewOpenAIClient(); err != nil {
		slog.Warn("Speech synthesis disabled, utterances will be text-only", "error", err)
	} else {
		synth = client
	}
	return speech.NewSpeaker(synth, limiter, speech.WithCacheDir(filepath.Join(stateDir, "tts-cache")))
}

// run wires every module together and serves until a shutdown signal.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	authority := auth.NewAuthority(st, auth.WithSecret(*flags.authSecret))
	if err := authority.LoadStoredTokens(ctx); err != nil {
		return err
	}

	limiter := buildLimiter(flags)
	speaker, err := buildSpeaker(limiter, *flags.stateDir)
	if err != nil {
		return err
	}
	sink := buildSink(st, flags)

	directory := session.NewDirectory()
	dispatcher := session.NewDispatcher(directory)
	mux := trigger.NewMainMultiplexer(st, dispatcher)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	retention := time.Duration(*flags.retentionDays) * 24 * time.Hour
	sweeper := scheduler.NewRetentionSweeper(st, retention)
	if err := sweeper.Schedule(sched); err != nil {
		return err
	}

	deps := session.Deps{
		Store:     st,
		Mux:       mux,
		Sink:      sink,
		Speaker:   speaker,
		Directory: directory,
		Pairing:   session.NewPairing(st),
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(deps, authority, apiOpts...)
	return server.Run(ctx)
}
