// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the AleutianChat HTTP service.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - GROQ_API_KEY, GEMINI_API_KEY, ANTHROPIC_API_KEY: Provider keys
//     (fallback: /run/secrets/<name>_api_key)
//   - OLLAMA_BASE_URL: Enables the local mode
//   - STORAGE_BACKEND, STORAGE_PATH: Thread store (badger, sqlite, memory)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - LOG_LEVEL: debug, info, warn, error
//
// # Usage
//
//	orchestrator serve --config ./aleutian-chat.yaml
//	orchestrator models
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "AleutianChat conversational AI service",
		Long: `Runs the AleutianChat HTTP service: chat with persistent threads,
guest sessions, streaming replies and file analysis over several AI providers.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "Lists configured model modes and whether their provider has a key",
		Args:  cobra.NoArgs,
		RunE:  runModels,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", orchestrator.DefaultConfigPath, "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging builds the process logger from the log section of cfg.
func setupLogging(cfg orchestrator.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: cfg.ServiceName,
		Format:  logging.Format(cfg.Log.Format),
	})
	logger.Slog().Info("Logger initialized", "level", level.String())
	return logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	slogger := logger.Slog()
	slog.SetDefault(slogger)

	slogger.Info("Starting orchestrator",
		"port", cfg.Port,
		"storage_backend", cfg.Storage.Backend,
		"config", configPath,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		slogger.Error("Failed to create orchestrator", "error", err)
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slogger.Error("Failed to close orchestrator", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		slogger.Error("Orchestrator server error", "error", err)
		return err
	}
	return nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := llm.NewRegistry(cfg.Models, cfg.DefaultMode)
	if err != nil {
		return err
	}
	configured := map[string]bool{
		llm.ProviderGroq:      llm.LoadCredential("GROQ_API_KEY", "groq_api_key").Configured(),
		llm.ProviderGemini:    llm.LoadCredential("GEMINI_API_KEY", "gemini_api_key").Configured(),
		llm.ProviderAnthropic: llm.LoadCredential("ANTHROPIC_API_KEY", "anthropic_api_key").Configured(),
		llm.ProviderOllama:    cfg.Providers.OllamaBaseURL != "",
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODE\tPROVIDER\tMODEL\tAVAILABLE\tDEFAULT")
	for _, m := range registry.Modes() {
		def := ""
		if m.Mode == registry.Default() {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", m.Mode, m.Provider, m.Model, configured[m.Provider], def)
	}
	return w.Flush()
}
