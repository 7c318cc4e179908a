// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/janitor"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
)

// =============================================================================
// Test Helpers
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// clearProviderEnv makes provider availability depend only on the test.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GROQ_API_KEY", "GEMINI_API_KEY", "ANTHROPIC_API_KEY", "OLLAMA_BASE_URL"} {
		t.Setenv(k, "")
	}
}

// groqServer fakes the OpenAI-compatible chat completions endpoint.
func groqServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	return Config{
		GinMode: "test",
		Storage: StorageConfig{Backend: StorageMemory},
		Stream:  StreamConfig{ChunkDelay: -1},
	}
}

func newTestService(t *testing.T, cfg Config, opts *extensions.ServiceOptions) Service {
	t.Helper()
	svc, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func performRequest(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultServiceName, cfg.ServiceName)
	assert.Equal(t, StorageBadger, cfg.Storage.Backend)
	assert.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, llm.DefaultGroqBaseURL, cfg.Providers.GroqBaseURL)
	assert.Equal(t, llm.DefaultHistoryWindow, cfg.Chat.HistoryWindow)
	assert.Equal(t, guest.DefaultLimit, cfg.Guest.Limit)
	assert.Equal(t, middleware.DefaultRateRequests, cfg.RateLimit.Requests)
	assert.Equal(t, middleware.DefaultRateBurst, cfg.RateLimit.Burst)
	assert.Equal(t, handlers.DefaultKeepAliveInterval, cfg.Stream.KeepAliveInterval)
	assert.Equal(t, handlers.DefaultChunkDelay, cfg.Stream.ChunkDelay)
	assert.Equal(t, int64(services.DefaultMaxFileSize), cfg.Files.MaxFileSize)
	assert.Equal(t, llm.DefaultModels(), cfg.Models)
	assert.Equal(t, llm.DefaultMode, cfg.DefaultMode)
	assert.Equal(t, janitor.DefaultInterval, cfg.SweepInterval)
	require.NoError(t, cfg.Validate())

	sqlite := applyConfigDefaults(Config{Storage: StorageConfig{Backend: StorageSQLite}})
	assert.Equal(t, DefaultStoragePath+".db", sqlite.Storage.Path)

	// Explicit values survive; a negative chunk delay stays disabled.
	custom := applyConfigDefaults(Config{Port: 8080, Stream: StreamConfig{ChunkDelay: -1}})
	assert.Equal(t, 8080, custom.Port)
	assert.Equal(t, time.Duration(-1), custom.Stream.ChunkDelay)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"ORCHESTRATOR_PORT":           "9090",
		"OLLAMA_BASE_URL":             `"http://localhost:11434"`,
		"STORAGE_BACKEND":             "SQLite",
		"STORAGE_PATH":                "/tmp/chat.db",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		"LOG_LEVEL":                   "DEBUG",
	}
	cfg, err := applyEnvOverrides(Config{Port: 1}, func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "http://localhost:11434", cfg.Providers.OllamaBaseURL)
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/chat.db", cfg.Storage.Path)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = applyEnvOverrides(Config{}, func(k string) string {
		if k == "ORCHESTRATOR_PORT" {
			return "http"
		}
		return ""
	})
	assert.ErrorContains(t, err, "ORCHESTRATOR_PORT")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearProviderEnv(t)
	for _, k := range []string{"ORCHESTRATOR_PORT", "STORAGE_BACKEND", "STORAGE_PATH", "OTEL_EXPORTER_OTLP_ENDPOINT", "LOG_LEVEL", "GIN_MODE"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, applyConfigDefaults(Config{}), cfg)
}

func TestLoadConfig_YAML(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ORCHESTRATOR_PORT", "7000")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("STORAGE_PATH", "")

	path := filepath.Join(t.TempDir(), "aleutian-chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
storage:
  backend: sqlite
  path: ./chat.db
guest:
  limit: 3
  ttl: 2h
stream:
  keepalive_interval: 5s
auth:
  tokens:
    secret-token: alice
models:
  - mode: fast
    label: Fast
    provider: groq
    model: llama-3.1-8b-instant
    temperature: 0.2
default_mode: fast
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port, "environment wins over the file")
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, "./chat.db", cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Guest.Limit)
	assert.Equal(t, 2*time.Hour, cfg.Guest.TTL)
	assert.Equal(t, 5*time.Second, cfg.Stream.KeepAliveInterval)
	assert.Equal(t, map[string]string{"secret-token": "alice"}, cfg.Auth.Tokens)
	require.Len(t, cfg.Models, 1)
	assert.InDelta(t, 0.2, cfg.Models[0].Temperature, 1e-6)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ORCHESTRATOR_PORT", "")
	t.Setenv("STORAGE_BACKEND", "")
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"malformed yaml", "port: [", "parse config"},
		{"unknown backend", "storage:\n  backend: mongo\n", "Backend"},
		{"port out of range", "port: 70000\n", "Port"},
		{"bad gin mode", "gin_mode: loud\n", "GinMode"},
		{"incomplete model", "models:\n  - mode: fast\n", "models[0]"},
		{"bad provider url", "providers:\n  ollama_base_url: not a url\n", "OllamaBaseURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := LoadConfig(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestNew_ServesChatEndToEnd(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk-test")
	srv := groqServer(t, "Hello from the model")

	cfg := testConfig()
	cfg.Providers.GroqBaseURL = srv.URL
	svc := newTestService(t, cfg, nil)
	r := svc.Router()

	w := performRequest(r, http.MethodGet, "/api/models", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var models datatypes.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	require.Len(t, models.Models, 1, "only groq has a credential")
	assert.Equal(t, "fast", models.Default)

	// NopAuthProvider: every caller is local-user and owns a thread.
	w = performRequest(r, http.MethodPost, "/api/chat", "", `{"message":"Hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var chat datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chat))
	assert.Equal(t, "Hello from the model", chat.Message.Content)
	require.NotEmpty(t, chat.ThreadID)

	w = performRequest(r, http.MethodGet, "/api/thread/"+chat.ThreadID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"Hi"`)

	w = performRequest(r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_chat_gateway_calls_total{mode="fast",provider="groq",state="success"} 1`)
	assert.Contains(t, w.Body.String(), `aleutian_chat_chat_requests_total{flow="thread",status="ok"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = performRequest(r, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_NoProvidersStillAnswers(t *testing.T) {
	clearProviderEnv(t)
	svc := newTestService(t, testConfig(), nil)

	w := performRequest(svc.Router(), http.MethodPost, "/api/chat", "", `{"message":"Hi","isGuest":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var chat datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chat))
	assert.Equal(t, llm.FallbackUnavailable, chat.Message.Content)
	require.NotNil(t, chat.GuestMessagesRemaining)
	assert.Equal(t, guest.DefaultLimit-1, *chat.GuestMessagesRemaining)
}

func TestNew_StaticTokensFromConfig(t *testing.T) {
	clearProviderEnv(t)
	cfg := testConfig()
	cfg.Auth.Tokens = map[string]string{"secret-token": "alice"}
	svc := newTestService(t, cfg, nil)

	w := performRequest(svc.Router(), http.MethodGet, "/api/threads", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(svc.Router(), http.MethodGet, "/api/threads", "secret-token", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_CallerAuthProviderWins(t *testing.T) {
	clearProviderEnv(t)
	custom, err := extensions.NewStaticTokenAuthProvider(map[string]string{"mine": "bob"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth.Tokens = map[string]string{"secret-token": "alice"}
	opts := extensions.DefaultOptions().WithAuth(custom)
	svc := newTestService(t, cfg, &opts)

	w := performRequest(svc.Router(), http.MethodGet, "/api/threads", "secret-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = performRequest(svc.Router(), http.MethodGet, "/api/threads", "mine", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_DisableMetricsAndRateLimit(t *testing.T) {
	clearProviderEnv(t)
	cfg := testConfig()
	cfg.DisableMetrics = true
	cfg.RateLimit = RateLimitConfig{Disabled: true, Requests: 1, Burst: 1}
	svc := newTestService(t, cfg, nil)

	w := performRequest(svc.Router(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	result := svc.(*service).janitor.RunOnce()
	assert.Equal(t, []string{"guest_sessions"}, keys(result.Removed))

	for i := 0; i < 3; i++ {
		w = performRequest(svc.Router(), http.MethodGet, "/api/models", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Storage: StorageConfig{Backend: "mongo"}}, nil)
	assert.ErrorContains(t, err, "invalid config")

	_, err = New(Config{GinMode: "test", Storage: StorageConfig{Backend: StorageMemory}, DefaultMode: "turbo"}, nil)
	assert.Error(t, err, "default mode must name a registered model")
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()

	sqlite, err := openBackend(StorageConfig{Backend: StorageSQLite, Path: filepath.Join(dir, "chat.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())

	badger, err := openBackend(StorageConfig{Backend: StorageBadger, Path: filepath.Join(dir, "badger")}, nil)
	require.NoError(t, err)
	require.NoError(t, badger.Close())

	_, err = openBackend(StorageConfig{Backend: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestServe_GracefulShutdown(t *testing.T) {
	clearProviderEnv(t)
	svc := newTestService(t, testConfig(), nil).(*service)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := svc.janitor.RunOnce()
	assert.ElementsMatch(t, []string{"guest_sessions", "rate_limiters"}, keys(result.Removed))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestClose_Idempotent(t *testing.T) {
	clearProviderEnv(t)
	svc, err := New(testConfig(), nil)
	require.NoError(t, err)

	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
