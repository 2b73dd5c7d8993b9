package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tapquest/pointscore/internal/handlers"
	"github.com/tapquest/pointscore/internal/payout"
	"github.com/tapquest/pointscore/internal/settings"
	"github.com/tapquest/pointscore/internal/store/gormstore"
	"github.com/tapquest/pointscore/pkg/jobqueue"
)

const (
	flagDatabaseURL       = "database-url"
	flagMetricsListenAddr = "metrics-listen-addr"
	flagPollers           = "pollers"
	flagPollInterval      = "poll-interval"
	flagRetryDelay        = "retry-delay"
	flagMaxAttempts       = "max-attempts"
	flagSettingsTTL       = "settings-ttl"

	configKeyDatabaseURL       = "database_url"
	configKeyMetricsListenAddr = "metrics_listen_addr"
	configKeyPollers           = "pollers"
	configKeyPollInterval      = "poll_interval"
	configKeyRetryDelay        = "retry_delay"
	configKeyMaxAttempts       = "max_attempts"
	configKeySettingsTTL       = "settings_ttl"

	defaultDatabaseURL       = "sqlite:///tmp/pointscore.db"
	defaultMetricsListenAddr = ":9090"
	defaultPollers           = 2
	defaultSettingsTTL       = time.Minute
)

type runtimeConfig struct {
	DatabaseURL       string
	MetricsListenAddr string
	Pollers           int
	PollInterval      time.Duration
	RetryDelay        time.Duration
	MaxAttempts       int
	SettingsTTL       time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "workerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "workerd",
		Short:         "Points ledger job worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagMetricsListenAddr, defaultMetricsListenAddr, "Prometheus metrics listen address")
	cmd.Flags().Int(flagPollers, defaultPollers, "Number of concurrent poll loops")
	cmd.Flags().Duration(flagPollInterval, jobqueue.DefaultPollInterval, "Sleep between empty polls")
	cmd.Flags().Duration(flagRetryDelay, jobqueue.DefaultRetryDelay, "Delay before retrying a failed job")
	cmd.Flags().Int(flagMaxAttempts, jobqueue.DefaultMaxAttempts, "Attempts before a job fails permanently")
	cmd.Flags().Duration(flagSettingsTTL, defaultSettingsTTL, "Operator settings cache TTL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyMetricsListenAddr: "METRICS_LISTEN_ADDR",
		configKeyPollers:           "WORKER_POLLERS",
		configKeyPollInterval:      "WORKER_POLL_INTERVAL",
		configKeyRetryDelay:        "WORKER_RETRY_DELAY",
		configKeyMaxAttempts:       "WORKER_MAX_ATTEMPTS",
		configKeySettingsTTL:       "SETTINGS_TTL",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyMetricsListenAddr: flagMetricsListenAddr,
		configKeyPollers:           flagPollers,
		configKeyPollInterval:      flagPollInterval,
		configKeyRetryDelay:        flagRetryDelay,
		configKeyMaxAttempts:       flagMaxAttempts,
		configKeySettingsTTL:       flagSettingsTTL,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.MetricsListenAddr = viper.GetString(configKeyMetricsListenAddr)
	if cfg.MetricsListenAddr == "" {
		cfg.MetricsListenAddr = defaultMetricsListenAddr
	}
	cfg.Pollers = viper.GetInt(configKeyPollers)
	if cfg.Pollers <= 0 {
		cfg.Pollers = defaultPollers
	}
	cfg.PollInterval = viper.GetDuration(configKeyPollInterval)
	cfg.RetryDelay = viper.GetDuration(configKeyRetryDelay)
	cfg.MaxAttempts = viper.GetInt(configKeyMaxAttempts)
	cfg.SettingsTTL = viper.GetDuration(configKeySettingsTTL)
	if cfg.SettingsTTL <= 0 {
		cfg.SettingsTTL = defaultSettingsTTL
	}
	return nil
}

func runWorker(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	jobStore := gormstore.NewJobStore(gormDB)

	settingsCache, err := settings.NewCache(func(ctx context.Context) (settings.Settings, error) {
		values, err := store.LoadAppSettings(ctx)
		if err != nil {
			return settings.Settings{}, err
		}
		return settings.FromValues(values), nil
	}, cfg.SettingsTTL, nil)
	if err != nil {
		return fmt.Errorf("settings cache init: %w", err)
	}

	provider := newLogProvider(logger)
	registry := jobqueue.NewRegistry()
	if err := registry.Register(handlers.JobTypeWithdrawPayout, handlers.NewWithdrawPayout(provider, settingsCache, logger)); err != nil {
		return fmt.Errorf("register withdraw handler: %w", err)
	}
	if err := registry.Register(handlers.JobTypeReconcileBalances, handlers.NewReconcileBalances(logger)); err != nil {
		return fmt.Errorf("register reconcile handler: %w", err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux()}
	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", zap.String("listen_addr", cfg.MetricsListenAddr))
		metricsErrCh <- metricsServer.ListenAndServe()
	}()

	workerConfig := jobqueue.WorkerConfig{
		PollInterval: cfg.PollInterval,
		RetryDelay:   cfg.RetryDelay,
		MaxAttempts:  cfg.MaxAttempts,
	}
	var group sync.WaitGroup
	for poller := 0; poller < cfg.Pollers; poller++ {
		worker, err := jobqueue.NewWorker(jobStore, registry,
			logger.With(zap.Int("poller", poller)), workerConfig, nil)
		if err != nil {
			return fmt.Errorf("worker init: %w", err)
		}
		group.Add(1)
		go func() {
			defer group.Done()
			if runErr := worker.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				logger.Error("worker stopped", zap.Error(runErr))
			}
		}()
	}
	logger.Info("workers started",
		zap.Int("pollers", cfg.Pollers),
		zap.Strings("job_types", registry.Types()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr := <-metricsErrCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	group.Wait()
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// newLogProvider is the payout provider used until a real rail is wired:
// it logs the request and returns a synthetic receipt. The deterministic
// request reference still flows through, so swapping in a real provider
// keeps dedup semantics.
func newLogProvider(logger *zap.Logger) payout.Provider {
	return payout.Func(func(_ context.Context, request payout.Request) (payout.Receipt, error) {
		if strings.TrimSpace(request.Destination) == "" {
			return payout.Receipt{}, payout.ErrInvalidDestination
		}
		logger.Info("payout requested",
			zap.String("reference", request.Reference),
			zap.String("destination", request.Destination),
			zap.Int64("amount_minor", request.AmountMinor),
			zap.String("currency", request.Currency))
		return payout.Receipt{Provider: "log", TxID: uuid.NewString()}, nil
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "pointscore.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
