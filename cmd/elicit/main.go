// Package main provides the elicit binary entry point.
// Elicit runs conversational requirements-elicitation sessions over HTTP,
// answering participants with a language model and flagging contradictions
// between their statements.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/elicit/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "elicit"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Conversational requirements elicitation service",
		Long: `Elicit runs multi-participant elicitation sessions.

Each participant message is answered by a language model, grounded in
context retrieved from earlier conversation and researched documents.
Statements that contradict each other are raised for review.

Progress of every background task is streamed to subscribers over SSE.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(configCmd(&flags))
	return cmd
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(newLogger(io.Discard, flags.logLevel, flags.logFormat))
			path, err := loader.EnsureUserConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*flags, newLogger(io.Discard, flags.logLevel, flags.logFormat))
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), cfg)
		},
	})

	return cmd
}

func serve(ctx context.Context, flags globalFlags) error {
	logger := newLogger(os.Stderr, flags.logLevel, flags.logFormat)
	slog.SetDefault(logger)

	cfg, loader, err := loadConfig(flags, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app, err := NewApp(cfg, loader, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(cfg.Server.ShutdownTimeout)
		return fmt.Errorf("start: %w", err)
	}

	slog.Info("Elicit ready",
		"version", Version,
		"addr", cfg.Server.Addr,
		"config_files", loader.Paths())

	err = app.Wait(signalCtx)
	if signalCtx.Err() != nil {
		slog.Info("Received shutdown signal")
	}
	app.Shutdown(cfg.Server.ShutdownTimeout)
	slog.Info("Elicit shutdown complete")
	return err
}

func loadConfig(flags globalFlags, logger *slog.Logger) (*config.Config, *config.Loader, error) {
	var opts []config.LoaderOption
	if flags.configPath != "" {
		opts = append(opts, config.WithFile(flags.configPath))
	}
	loader := config.NewLoader(logger, opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
