// Package main runs a scripted OpenAI-compatible model server for local runs
// and end-to-end tests of elicit, so no real model is needed.
//
// Usage:
//
//	mock-model --script ./testdata/script.yaml --addr :11434
//
// Point elicit at it with model.provider "openai" and model.endpoint
// "http://localhost:11434/v1". See package llm/mockserver for the script format.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/elicit/llm/mockserver"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		scriptPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "mock-model",
		Short:        "Scripted OpenAI-compatible model server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptPath == "" {
				scriptPath = os.Getenv("MOCK_MODEL_SCRIPT")
			}
			if scriptPath == "" {
				return fmt.Errorf("--script or MOCK_MODEL_SCRIPT is required")
			}
			return run(cmd.Context(), scriptPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVar(&scriptPath, "script", "", "Script file or directory (YAML)")
	cmd.Flags().StringVar(&addr, "addr", ":11434", "Listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, scriptPath, addr, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	script, err := mockserver.LoadScript(scriptPath)
	if err != nil {
		return fmt.Errorf("load script %s: %w", scriptPath, err)
	}
	logger.Info("Loaded script", "path", scriptPath, "rules", len(script.Rules), "has_default", script.Default != "")
	for _, r := range script.Rules {
		logger.Debug("Rule", "name", r.Name, "match", r.Match, "replies", len(r.Replies), "failures", r.Failures)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           mockserver.New(script, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock model server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
