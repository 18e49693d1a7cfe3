package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/logging"
	"github.com/agentworkforce/relaydoc/internal/replication"
)

const shutdownTimeout = 10 * time.Second

type serverConfig struct {
	Addr            string
	BackendDSN      string
	BackendProfile  string
	ProductionDSN   string
	DataDir         string
	JWTSecret       string
	ValidateRecords bool
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	LogLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "relaydoc",
		Short:         "Serve relaydoc databases over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return readConfigFile(v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	flags := root.PersistentFlags()
	flags.String("log-level", logging.LevelInfo, "log level (debug, info, warn, error, none)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")

	root.Flags().String("addr", ":8080", "listen address")
	root.Flags().String("backend-dsn", "", "state backend DSN; {database} expands to the database name")
	root.Flags().String("backend-profile", "", "backend profile (memory, durable-local, sqlite, pebble, production)")
	root.Flags().String("production-dsn", "", "postgres DSN used by the production profile")
	root.Flags().String("data-dir", ".relaydoc", "data directory for local profiles")
	root.Flags().Bool("validate-records", true, "validate records against their JSON schema")
	root.Flags().Int("rate-limit-max", 0, "requests per database and agent per window (0 disables)")
	root.Flags().Duration("rate-limit-window", time.Minute, "rate limit window")
	root.Flags().Int64("max-body-bytes", 0, "maximum request body size")

	root.AddCommand(newTokenCmd(v))
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAYDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func readConfigFile(v *viper.Viper) error {
	if path := strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.relaydoc")
		v.SetConfigName("relaydoc")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (serverConfig, error) {
	cfg := serverConfig{
		Addr:            v.GetString("addr"),
		BackendDSN:      strings.TrimSpace(v.GetString("backend-dsn")),
		BackendProfile:  strings.ToLower(strings.TrimSpace(v.GetString("backend-profile"))),
		ProductionDSN:   strings.TrimSpace(v.GetString("production-dsn")),
		DataDir:         strings.TrimSpace(v.GetString("data-dir")),
		JWTSecret:       v.GetString("jwt-secret"),
		ValidateRecords: v.GetBool("validate-records"),
		RateLimitMax:    v.GetInt("rate-limit-max"),
		RateLimitWindow: v.GetDuration("rate-limit-window"),
		MaxBodyBytes:    v.GetInt64("max-body-bytes"),
		LogLevel:        v.GetString("log-level"),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".relaydoc"
	}
	dsn, err := resolveBackendDSN(cfg)
	if err != nil {
		return serverConfig{}, err
	}
	cfg.BackendDSN = dsn
	return cfg, nil
}

// resolveBackendDSN prefers an explicit DSN over the profile default.
func resolveBackendDSN(cfg serverConfig) (string, error) {
	if cfg.BackendDSN != "" {
		return cfg.BackendDSN, nil
	}
	placeholder := docstore.DatabasePlaceholder
	switch cfg.BackendProfile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(cfg.DataDir, placeholder+".json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(cfg.DataDir, placeholder+".db"), nil
	case "pebble":
		return "pebble://" + filepath.Join(cfg.DataDir, placeholder), nil
	case "production", "prod":
		if cfg.ProductionDSN == "" {
			return "", fmt.Errorf("production-dsn (RELAYDOC_PRODUCTION_DSN) is required when backend-profile=%s", cfg.BackendProfile)
		}
		return cfg.ProductionDSN, nil
	default:
		return "", fmt.Errorf("unsupported backend-profile: %s", cfg.BackendProfile)
	}
}

func serve(ctx context.Context, cfg serverConfig) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	replication.MustRegisterMetrics(registry)

	if cfg.JWTSecret == "" {
		logger.Warn("jwt-secret not set, using the development secret")
	}
	server := httpapi.NewServerWithConfig(httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		BackendDSN:      cfg.BackendDSN,
		ValidateRecords: cfg.ValidateRecords,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
		Registry:        registry,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaydoc listening", zap.String("addr", cfg.Addr), zap.String("backend", redactDSN(cfg.BackendDSN)))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = server.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("relaydoc stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	}
	return server.Close()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := v.GetString("jwt-secret")
			if secret == "" {
				secret = "dev-secret"
			}
			database, _ := cmd.Flags().GetString("database")
			agent, _ := cmd.Flags().GetString("agent")
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if strings.TrimSpace(database) == "" {
				return errors.New("database is required (--database, or * for every database)")
			}
			token, err := httpapi.IssueToken(secret, database, agent, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("database", "", "database the token grants access to")
	cmd.Flags().String("agent", "relaydoc-sync", "agent name recorded in the token")
	cmd.Flags().StringSlice("scopes", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, "granted scopes")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
