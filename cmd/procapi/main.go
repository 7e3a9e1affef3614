package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	procapi "github.com/glimte/procapi-go"
	"github.com/glimte/procapi-go/health"
	"github.com/glimte/procapi-go/internal/config"
	"github.com/glimte/procapi-go/internal/httpapi"
	"github.com/glimte/procapi-go/internal/tracing"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "procapi",
		Short: "Image prediction API in front of a RabbitMQ work queue",
		Long: `procapi accepts images over HTTP and hands them to backend workers through
a RabbitMQ work queue. Short predictions wait for the worker's direct reply,
long predictions return an id whose result is read from Redis.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $PROCAPI_CONFIG or ./procapi.yaml)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return nil, nil, err
		}
		return cfg, newLogger(cfg.Log), nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	var interval time.Duration
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the work queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return watchQueue(ctx, cfg, logger, interval, cmd.OutOrStdout())
		},
	}
	queueCmd.Flags().DurationVarP(&interval, "interval", "i", 0, "refresh interval; 0 prints once")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker, store and bridge health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := procapi.NewClient(ctx, cfg, procapi.WithLogger(logger), procapi.WithHealthMetadata("version", version))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			report := client.Health(ctx)
			printHealth(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "procapi %s\n", rootCmd.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, queueCmd, healthCmd, versionCmd)
	return rootCmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Tracing, "procapi", version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	client, err := procapi.NewClient(ctx, cfg, procapi.WithLogger(logger), procapi.WithHealthMetadata("version", version))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	router := httpapi.NewRouter(client,
		httpapi.WithLogger(logger),
		httpapi.WithHealth(health.NewHandler(client.HealthRegistry(), 5*time.Second)),
		httpapi.WithLiveness(health.LivenessHandler()),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	return httpapi.Serve(ctx, router, cfg.HTTP.ListenAddr, cfg.HTTP.ShutdownTimeout, logger)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", "procapi")
	slog.SetDefault(logger)
	return logger
}
