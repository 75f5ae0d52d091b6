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

	"github.com/contentforge/creditgate/internal/httpapi"
	"github.com/contentforge/creditgate/internal/pricing"
	"github.com/contentforge/creditgate/internal/store/gormstore"
	"github.com/contentforge/creditgate/internal/sweeper"
	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagPricingPath    = "pricing-config"
	flagWebhookSecret  = "webhook-secret"
	flagAdminJWTKey    = "admin-jwt-key"
	flagAdminJWTIssuer = "admin-jwt-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagSweepInterval  = "sweep-interval"
	envPrefix          = "CREDITGATE"

	defaultDatabaseURL = "sqlite:///tmp/creditgate.db"
	defaultListenAddr  = ":8080"
	defaultPricingPath = "pricing.yaml"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	PricingPath    string
	WebhookSecret  string
	AdminJWTKey    string
	AdminJWTIssuer string
	AllowedOrigins []string
	SweepInterval  time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditgated",
		Short:         "Credit ledger and usage-gating server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagPricingPath, defaultPricingPath, "path to the pricing YAML (costs and plans)")
	cmd.Flags().String(flagWebhookSecret, "", "payment-processor webhook shared secret (required)")
	cmd.Flags().String(flagAdminJWTKey, "", "admin API JWT signing key (required)")
	cmd.Flags().String(flagAdminJWTIssuer, "creditgate", "expected admin JWT issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Duration(flagSweepInterval, time.Hour, "allowance sweep cadence")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagListenAddr, flagPricingPath, flagWebhookSecret,
		flagAdminJWTKey, flagAdminJWTIssuer, flagAllowedOrigins, flagSweepInterval,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.PricingPath = strings.TrimSpace(v.GetString(flagPricingPath))
	cfg.WebhookSecret = v.GetString(flagWebhookSecret)
	cfg.AdminJWTKey = v.GetString(flagAdminJWTKey)
	cfg.AdminJWTIssuer = strings.TrimSpace(v.GetString(flagAdminJWTIssuer))
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.PricingPath == "" {
		return fmt.Errorf("%s is required", flagPricingPath)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%s is required", flagWebhookSecret)
	}
	if strings.TrimSpace(cfg.AdminJWTKey) == "" {
		return fmt.Errorf("%s is required", flagAdminJWTKey)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormDB.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	holder, err := pricing.Watch(cfg.PricingPath, logger)
	if err != nil {
		return fmt.Errorf("pricing load: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credit.NewService(
		store,
		holder.Catalog,
		holder.Plans,
		clock,
		credit.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	sweepLoop := sweeper.New(service, store, logger, clock, sweeper.WithInterval(cfg.SweepInterval))
	go sweepLoop.Run(ctx)

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		WebhookSecret:  cfg.WebhookSecret,
		AdminJWTKey:    cfg.AdminJWTKey,
		AdminJWTIssuer: cfg.AdminJWTIssuer,
	}, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "creditgate.db"
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

// zapOperationLogger bridges the domain operation log onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.OperationType != "" {
		fields = append(fields, zap.String("operation_type", entry.OperationType.String()))
	}
	if !entry.ExternalRef.IsZero() {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef.String()))
	}
	if entry.Error != nil {
		adapter.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}
