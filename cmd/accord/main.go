package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/config"
	"github.com/aiwatching/accord/internal/hub"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath string
	hubDir     string
	port       int
	timeout    int
	agentCmd   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "accord",
		Short: "Accord — coordination hub for AI coding agents",
		Long: `Accord discovers agent-authored request files across a hub-and-spoke
Git layout, decides which requests are eligible to run, and dispatches each
to a local agent process or a remote agent over the A2A streaming protocol.
Outcomes are archived, audited, and committed back to Git.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("ACCORD_CONFIG", "accord.yaml"), "Path to the hub configuration file")
	root.PersistentFlags().StringVar(&f.hubDir, "hub-dir", envOrDefault("ACCORD_HUB_DIR", ""), "Hub root directory (overrides config)")
	root.PersistentFlags().IntVar(&f.port, "port", 0, "Façade HTTP listen port (overrides config)")
	root.PersistentFlags().IntVar(&f.timeout, "timeout", 0, "Per-request timeout in seconds (overrides config)")
	root.PersistentFlags().StringVar(&f.agentCmd, "agent-cmd", envOrDefault("ACCORD_AGENT_CMD", ""), "Local agent executable (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("ACCORD_LOG_LEVEL", ""), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("accord %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	// Command-line overrides win over the file.
	if f.hubDir != "" {
		cfg.HubDir = f.hubDir
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.timeout != 0 {
		cfg.Dispatcher.RequestTimeout = f.timeout
	}
	if f.agentCmd != "" {
		cfg.AgentCmd = f.agentCmd
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting accord hub",
		zap.String("version", version),
		zap.String("hub_dir", cfg.HubDir),
		zap.Int("port", cfg.Port),
		zap.String("agent_cmd", cfg.AgentCmd),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := hub.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct hub: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	defer h.Stop()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down accord hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
