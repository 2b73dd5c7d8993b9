package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tapquest/pointscore/internal/oplog"
	"github.com/tapquest/pointscore/internal/store/gormstore"
	"github.com/tapquest/pointscore/pkg/ledger"
)

const (
	flagDatabaseURL      = "database-url"
	flagAccount          = "account"
	flagBatchSize        = "batch-size"
	configKeyDatabaseURL = "database_url"
	configKeyAccount     = "account"
	configKeyBatchSize   = "batch_size"
	defaultDatabaseURL   = "sqlite:///tmp/pointscore.db"
	defaultBatchSize     = 200
)

type runtimeConfig struct {
	DatabaseURL string
	AccountID   int64
	BatchSize   int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Recompute cached balances from the ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().Int64(flagAccount, 0, "Account to reconcile (0 = all accounts)")
	cmd.Flags().Int(flagBatchSize, defaultBatchSize, "Accounts fetched per page when reconciling all")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyAccount, cmd.Flags().Lookup(flagAccount)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyBatchSize, cmd.Flags().Lookup(flagBatchSize)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.AccountID = viper.GetInt64(configKeyAccount)
	cfg.BatchSize = viper.GetInt(configKeyBatchSize)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return nil
}

func runReconcile(ctx context.Context, cfg *runtimeConfig) error {
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
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	if cfg.AccountID != 0 {
		accountID, err := ledger.NewAccountID(cfg.AccountID)
		if err != nil {
			return err
		}
		return reconcileOne(ctx, service, accountID)
	}
	return reconcileAll(ctx, service, store, cfg.BatchSize)
}

func reconcileOne(ctx context.Context, service *ledger.Service, accountID ledger.AccountID) error {
	drift, err := service.Reconcile(ctx, accountID)
	if err != nil {
		return err
	}
	fmt.Printf("account %d: drift %d\n", accountID.Int64(), drift)
	return nil
}

func reconcileAll(ctx context.Context, service *ledger.Service, store *gormstore.Store, batchSize int) error {
	var (
		afterID   ledger.AccountID
		checked   int
		corrected int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		accountIDs, err := store.ListAccountIDs(ctx, afterID, batchSize)
		if err != nil {
			return err
		}
		if len(accountIDs) == 0 {
			break
		}
		for _, accountID := range accountIDs {
			drift, err := service.Reconcile(ctx, accountID)
			if err != nil {
				return fmt.Errorf("account %d: %w", accountID.Int64(), err)
			}
			checked++
			if drift != 0 {
				corrected++
				fmt.Printf("account %d: drift %d\n", accountID.Int64(), drift)
			}
		}
		afterID = accountIDs[len(accountIDs)-1]
	}
	fmt.Printf("checked %d accounts, corrected %d\n", checked, corrected)
	return nil
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
