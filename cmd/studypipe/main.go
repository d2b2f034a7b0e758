// Command studypipe runs the study session engine: the HTTP API, the idle
// session reaper and, when configured, catalog import at boot.
package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/StudyPipe/internal/api"
	"github.com/BTreeMap/StudyPipe/internal/catalog"
	"github.com/BTreeMap/StudyPipe/internal/flow"
	"github.com/BTreeMap/StudyPipe/internal/genai"
	"github.com/BTreeMap/StudyPipe/internal/lock"
	"github.com/BTreeMap/StudyPipe/internal/lockfile"
	"github.com/BTreeMap/StudyPipe/internal/observability"
	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/BTreeMap/StudyPipe/internal/util"
)

const (
	// DefaultStateDir is the default directory for StudyPipe state data
	DefaultStateDir = "/var/lib/studypipe"
	// DefaultDBFileName is the SQLite database created in the state directory
	// when no DATABASE_URL is given.
	DefaultDBFileName = "studypipe.db"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
)

// Config is the process configuration. Environment variables are read first;
// command line flags override them.
type Config struct {
	APIAddr        string        `env:"API_ADDR" envDefault:":8080"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	StateDir       string        `env:"STUDYPIPE_STATE_DIR" envDefault:"/var/lib/studypipe"`
	CatalogDir     string        `env:"STUDYPIPE_CATALOG_DIR"`
	OpenAIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIModel    string        `env:"OPENAI_MODEL"`
	GenAIDebug     bool          `env:"GENAI_DEBUG"`
	GenAITimeout   time.Duration `env:"GENAI_TIMEOUT" envDefault:"10s"`
	RedisURL       string        `env:"REDIS_URL"`
	RedisLockTTL   time.Duration `env:"REDIS_LOCK_TTL" envDefault:"30s"`
	AdminToken     string        `env:"ADMIN_TOKEN"`
	IdleThreshold  time.Duration `env:"SESSION_IDLE_THRESHOLD" envDefault:"72h"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"10m"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	StoreRetries   int           `env:"STORE_MAX_RETRIES" envDefault:"3"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("main: no .env file loaded", "error", err)
	}

	config, err := loadEnvironmentConfig(util.Environ())
	if err != nil {
		slog.Error("main: invalid environment", "error", err)
		os.Exit(2)
	}
	config, err = parseCommandLineFlags(os.Args[1:], config)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("main: invalid flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error("StudyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StudyPipe exited successfully")
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: util.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

func loadEnvironmentConfig(vars map[string]string) (Config, error) {
	var config Config
	if err := util.ParseEnvFrom(&config, vars); err != nil {
		return Config{}, err
	}
	return config, nil
}

func parseCommandLineFlags(args []string, config Config) (Config, error) {
	fs := flag.NewFlagSet("studypipe", flag.ContinueOnError)
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, `database DSN: postgres URL, SQLite path or "memory" (overrides $DATABASE_URL)`)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for StudyPipe data (overrides $STUDYPIPE_STATE_DIR)")
	fs.StringVar(&config.CatalogDir, "catalog-dir", config.CatalogDir, "directory of study and application bundles to import at boot (overrides $STUDYPIPE_CATALOG_DIR)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for follow-up generation (overrides $OPENAI_API_KEY)")
	fs.DurationVar(&config.GenAITimeout, "genai-timeout", config.GenAITimeout, "bound on one follow-up generation call (overrides $GENAI_TIMEOUT)")
	fs.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL for cross-replica session locks (overrides $REDIS_URL)")
	fs.DurationVar(&config.RedisLockTTL, "redis-lock-ttl", config.RedisLockTTL, "expiry of a held Redis session lock (overrides $REDIS_LOCK_TTL)")
	fs.StringVar(&config.AdminToken, "admin-token", config.AdminToken, "token for the /admin routes; empty disables them (overrides $ADMIN_TOKEN)")
	fs.DurationVar(&config.IdleThreshold, "idle-threshold", config.IdleThreshold, "inactivity after which sessions are abandoned (overrides $SESSION_IDLE_THRESHOLD)")
	fs.DurationVar(&config.ReaperInterval, "reaper-interval", config.ReaperInterval, "how often idle sessions are swept (overrides $REAPER_INTERVAL)")
	fs.DurationVar(&config.StoreTimeout, "store-timeout", config.StoreTimeout, "per-call store timeout (overrides $STORE_TIMEOUT)")
	fs.IntVar(&config.StoreRetries, "store-max-retries", config.StoreRetries, "attempts per write on session version conflicts (overrides $STORE_MAX_RETRIES)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}
	return config, nil
}

// resolveDSN returns the store DSN and whether it points at a local SQLite
// file that needs the state directory lock.
func resolveDSN(config Config) (string, bool) {
	switch {
	case strings.EqualFold(config.DatabaseURL, MemoryDSN):
		return "", false
	case config.DatabaseURL == "":
		return filepath.Join(config.StateDir, DefaultDBFileName), true
	default:
		return config.DatabaseURL, store.DetectDSNType(config.DatabaseURL) == store.DSNTypeSQLite
	}
}

func run(ctx context.Context, config Config) error {
	slog.Debug("run: configuration", "api_addr", config.APIAddr, "state_dir", config.StateDir,
		"catalog_dir", config.CatalogDir, "dsn_set", config.DatabaseURL != "", "openai_key_set", config.OpenAIKey != "",
		"redis_set", config.RedisURL != "", "admin_enabled", config.AdminToken != "", "idle_threshold", config.IdleThreshold, "reaper_interval", config.ReaperInterval)

	dsn, local := resolveDSN(config)
	if local {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		stateLock, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer stateLock.Release()
	}

	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if config.CatalogDir != "" {
		if _, err := catalog.LoadDir(ctx, config.CatalogDir, st); err != nil {
			return fmt.Errorf("import catalog: %w", err)
		}
	}

	metrics := observability.New()
	opts := []flow.Option{
		flow.WithMetrics(metrics),
		flow.WithStoreTimeout(config.StoreTimeout),
		flow.WithGenerationTimeout(config.GenAITimeout),
	}
	if config.StoreRetries > 0 {
		opts = append(opts, flow.WithMaxRetries(config.StoreRetries))
	}

	generator, err := buildFollowUpGenerator(config)
	if err != nil {
		return err
	}
	opts = append(opts, flow.WithFollowUpGenerator(generator))

	if config.RedisURL != "" {
		rdb, err := lock.DialRedis(ctx, config.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, flow.WithLocker(lock.NewRedisLocker(rdb, lock.WithTTL(config.RedisLockTTL))))
		slog.Info("run: using Redis session locks")
	}

	manager := flow.NewSessionManager(st, opts...)
	reaper := flow.NewReaper(manager, config.IdleThreshold, config.ReaperInterval)
	server := api.NewServer(config.APIAddr, manager, metrics, api.WithAdminToken(config.AdminToken))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	return g.Wait()
}

// buildFollowUpGenerator uses the model when an API key is configured and
// the fixed templates otherwise.
func buildFollowUpGenerator(config Config) (flow.FollowUpGenerator, error) {
	if config.OpenAIKey == "" {
		slog.Info("run: no OpenAI key, follow-ups use templates")
		return flow.TemplateFollowUpGenerator{}, nil
	}
	genaiOpts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(config.StateDir))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return flow.NewGenAIFollowUpGenerator(client), nil
}
