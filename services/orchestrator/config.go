// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/janitor"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// DefaultConfigPath is where the CLI looks for the config file.
const DefaultConfigPath = "./aleutian-chat.yaml"

// Defaults applied by applyConfigDefaults.
const (
	DefaultPort            = 12210
	DefaultServiceName     = "aleutian-chat"
	DefaultStorageBackend  = StorageBadger
	DefaultStoragePath     = "./data/threads"
	DefaultShutdownTimeout = 10 * time.Second
)

// Storage backends.
const (
	StorageBadger = "badger"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration.
//
// # Description
//
// Config is read from a YAML file, then overridden from the environment,
// then defaulted. API keys never live in the file: providers load them
// from GROQ_API_KEY, GEMINI_API_KEY and ANTHROPIC_API_KEY, falling back to
// /run/secrets/<name>.
//
// # Examples
//
//	port: 8080
//	storage:
//	  backend: sqlite
//	  path: ./chat.db
//	guest:
//	  limit: 3
//	models:
//	  - mode: fast
//	    label: Fast
//	    provider: groq
//	    model: llama-3.1-8b-instant
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// ServiceName tags traces and log records. Default: "aleutian-chat"
	ServiceName string `yaml:"service_name"`

	// GinMode is "debug", "release" or "test". Empty keeps gin's default.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// OTelEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// DisableMetrics leaves /metrics unregistered.
	DisableMetrics bool `yaml:"disable_metrics"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SweepInterval is how often expired guest sessions and idle rate
	// limiters are evicted. Default: 5m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Chat      ChatConfig      `yaml:"chat"`
	Guest     GuestConfig     `yaml:"guest"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
	Files     FilesConfig     `yaml:"files"`
	Auth      AuthConfig      `yaml:"auth"`

	// Models replaces the built-in mode table when non-empty.
	Models []llm.ModelConfig `yaml:"models" validate:"dive"`

	// DefaultMode is served when a request names no mode. Default: "fast"
	DefaultMode string `yaml:"default_mode" validate:"omitempty,lowercase"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
}

// StorageConfig selects the thread store backend.
type StorageConfig struct {
	// Backend is "badger", "sqlite" or "memory". Default: "badger"
	Backend string `yaml:"backend" validate:"omitempty,oneof=badger sqlite memory"`

	// Path is the badger directory or sqlite file.
	Path string `yaml:"path"`
}

// ProvidersConfig locates the AI providers.
type ProvidersConfig struct {
	GroqBaseURL   string `yaml:"groq_base_url" validate:"omitempty,url"`
	GeminiBaseURL string `yaml:"gemini_base_url" validate:"omitempty,url"`
	AnthropicURL  string `yaml:"anthropic_url" validate:"omitempty,url"`

	// OllamaBaseURL enables the local mode. Empty leaves it unavailable.
	OllamaBaseURL string `yaml:"ollama_base_url" validate:"omitempty,url"`

	// Timeout bounds one provider attempt. Default: 60s
	Timeout time.Duration `yaml:"timeout"`

	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=5"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// ChatConfig tunes the chat orchestrator.
type ChatConfig struct {
	HistoryWindow int    `yaml:"history_window" validate:"min=0,max=100"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// GuestConfig tunes anonymous sessions.
type GuestConfig struct {
	Limit int           `yaml:"limit" validate:"min=0,max=1000"`
	TTL   time.Duration `yaml:"ttl"`
}

// RateLimitConfig tunes the per-caller token bucket.
type RateLimitConfig struct {
	Disabled bool          `yaml:"disabled"`
	Requests int           `yaml:"requests" validate:"min=0"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst" validate:"min=0"`
}

// StreamConfig tunes SSE streaming.
type StreamConfig struct {
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	ChunkDelay        time.Duration `yaml:"chunk_delay"`
}

// FilesConfig bounds file analysis.
type FilesConfig struct {
	MaxFileSize int64 `yaml:"max_file_size" validate:"min=0"`
	MaxContent  int   `yaml:"max_content" validate:"min=0"`
}

// AuthConfig configures bearer authentication.
type AuthConfig struct {
	// Tokens maps API tokens to user IDs. Empty means single-user mode
	// where every caller is "local-user".
	Tokens map[string]string `yaml:"tokens"`
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads path, applies environment overrides and defaults, and
// validates the result. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg, err = applyEnvOverrides(cfg, os.Getenv)
	if err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides copies set environment variables over cfg.
func applyEnvOverrides(cfg Config, getenv func(string) string) (Config, error) {
	if v := strings.TrimSpace(getenv("ORCHESTRATOR_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ORCHESTRATOR_PORT: %q is not a port number", v)
		}
		cfg.Port = port
	}
	if v := strings.Trim(getenv("OLLAMA_BASE_URL"), "\"' "); v != "" {
		cfg.Providers.OllamaBaseURL = v
	}
	if v := strings.TrimSpace(getenv("STORAGE_BACKEND")); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("STORAGE_PATH")); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("GIN_MODE")); v != "" {
		cfg.GinMode = v
	}
	return cfg, nil
}

// applyConfigDefaults fills in zero-valued fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = janitor.DefaultInterval
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case StorageSQLite:
			cfg.Storage.Path = DefaultStoragePath + ".db"
		default:
			cfg.Storage.Path = DefaultStoragePath
		}
	}
	if cfg.Providers.GroqBaseURL == "" {
		cfg.Providers.GroqBaseURL = llm.DefaultGroqBaseURL
	}
	if cfg.Providers.GeminiBaseURL == "" {
		cfg.Providers.GeminiBaseURL = llm.DefaultGeminiBaseURL
	}
	if cfg.Providers.AnthropicURL == "" {
		cfg.Providers.AnthropicURL = llm.DefaultAnthropicURL
	}
	if cfg.Providers.Timeout <= 0 {
		cfg.Providers.Timeout = 60 * time.Second
	}
	if cfg.Providers.RetryBaseDelay <= 0 {
		cfg.Providers.RetryBaseDelay = llm.DefaultRetryPolicy().BaseDelay
	}
	if cfg.Providers.MaxRetries == 0 {
		cfg.Providers.MaxRetries = llm.DefaultRetryPolicy().MaxRetries
	}
	if cfg.Chat.HistoryWindow == 0 {
		cfg.Chat.HistoryWindow = llm.DefaultHistoryWindow
	}
	if cfg.Guest.Limit == 0 {
		cfg.Guest.Limit = guest.DefaultLimit
	}
	if cfg.Guest.TTL <= 0 {
		cfg.Guest.TTL = guest.DefaultTTL
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = middleware.DefaultRateRequests
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = middleware.DefaultRateWindow
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = middleware.DefaultRateBurst
	}
	if cfg.Stream.KeepAliveInterval <= 0 {
		cfg.Stream.KeepAliveInterval = handlers.DefaultKeepAliveInterval
	}
	if cfg.Stream.ChunkDelay == 0 {
		cfg.Stream.ChunkDelay = handlers.DefaultChunkDelay
	}
	if cfg.Files.MaxFileSize == 0 {
		cfg.Files.MaxFileSize = services.DefaultMaxFileSize
	}
	if len(cfg.Models) == 0 {
		cfg.Models = llm.DefaultModels()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = llm.DefaultMode
	}
	return cfg
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.Mode) == "" || strings.TrimSpace(m.Provider) == "" || strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("invalid config: models[%d] needs mode, provider and model", i)
		}
	}
	return nil
}
