// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMessages = []ChatMessage{
	{Role: RoleSystem, Content: "sys"},
	{Role: RoleUser, Content: "hi"},
	{Role: RoleAssistant, Content: "hello"},
	{Role: RoleUser, Content: "how are you?"},
}

func jsonServer(t *testing.T, status int, body string, inspect func(r *http.Request, payload map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if inspect != nil {
			inspect(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func modeConfig(t *testing.T, mode string) ModelConfig {
	t.Helper()
	cfg, ok := testRegistry(t).Lookup(mode)
	require.True(t, ok)
	return cfg
}

// =============================================================================
// Groq
// =============================================================================

func TestGroqClient_Send(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := jsonServer(t, http.StatusOK,
		`{"choices":[{"index":0,"message":{"role":"assistant","content":"fine, thanks"}}]}`,
		func(r *http.Request, payload map[string]any) {
			gotAuth = r.Header.Get("Authorization")
			gotBody = payload
			assert.Equal(t, "/chat/completions", r.URL.Path)
		})

	c := NewGroqClient(NewCredential("gsk-test"), WithGroqBaseURL(srv.URL))
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "fast"))

	require.NoError(t, err)
	assert.Equal(t, "Bearer gsk-test", gotAuth)
	assert.Equal(t, "llama-3.3-70b-versatile", gotBody["model"])
	assert.Len(t, gotBody["messages"], 4)
	assert.Equal(t, "fine, thanks", NewNormalizer().Normalize(payload))
}

func TestGroqClient_HTTPError(t *testing.T) {
	srv := jsonServer(t, http.StatusUnauthorized, `{"error":{"message":"Invalid API Key","type":"invalid_request_error"}}`, nil)

	c := NewGroqClient(NewCredential("bad"), WithGroqBaseURL(srv.URL))
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "fast"))

	var httpErr *ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "Invalid API Key", httpErr.Message)
	assert.False(t, IsRetryable(err))
}

func TestGroqClient_NoChoices(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"choices":[]}`, nil)

	c := NewGroqClient(NewCredential("k"), WithGroqBaseURL(srv.URL))
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "fast"))

	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestGroqClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewGroqClient(NewCredential("k"), WithGroqBaseURL(url), WithGroqTimeout(time.Second))
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "fast"))

	var transportErr *ProviderTransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, IsRetryable(err))
}

func TestGroqClient_NoCredential(t *testing.T) {
	c := NewGroqClient(nil)
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "fast"))

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, c.Configured())
}

// =============================================================================
// Gemini
// =============================================================================

func TestGeminiClient_Send(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	srv := jsonServer(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Once "},{"text":"upon a time"}]},"finishReason":"STOP"}]}`,
		func(r *http.Request, payload map[string]any) {
			gotKey = r.Header.Get("x-goog-api-key")
			gotPath = r.URL.Path
			gotBody = payload
		})

	c := NewGeminiClient(NewCredential("gem-key"), srv.URL, 0)
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "creative"))

	require.NoError(t, err)
	assert.Equal(t, "gem-key", gotKey)
	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", gotPath)

	contents := gotBody["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	assert.NotNil(t, gotBody["systemInstruction"])
	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.InDelta(t, 0.9, genCfg["temperature"], 0.001)
	assert.Equal(t, float64(2048), genCfg["maxOutputTokens"])

	assert.Equal(t, "Once upon a time", NewNormalizer().Normalize(payload))
}

func TestGeminiClient_ServerError(t *testing.T) {
	srv := jsonServer(t, http.StatusInternalServerError, `{"error":{"code":500,"message":"internal"}}`, nil)

	c := NewGeminiClient(NewCredential("k"), srv.URL, 0)
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "creative"))

	var httpErr *ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Status)
	assert.True(t, IsRetryable(err))
}

func TestGeminiClient_BlockedPromptHasNoCandidates(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`, nil)

	c := NewGeminiClient(NewCredential("k"), srv.URL, 0)
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "creative"))

	require.NoError(t, err)
	assert.Nil(t, payload)
}

// =============================================================================
// Anthropic
// =============================================================================

func TestAnthropicClient_Send(t *testing.T) {
	var headers http.Header
	var gotBody map[string]any
	srv := jsonServer(t, http.StatusOK,
		`{"content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Detailed "},{"type":"text","text":"answer"}]}`,
		func(r *http.Request, payload map[string]any) {
			headers = r.Header.Clone()
			gotBody = payload
		})

	c := NewAnthropicClient(NewCredential("sk-ant"), srv.URL, 0)
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "detailed"))

	require.NoError(t, err)
	assert.Equal(t, "sk-ant", headers.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, headers.Get("anthropic-version"))
	assert.Len(t, gotBody["messages"], 3, "system message is lifted out")
	assert.NotNil(t, gotBody["system"])
	assert.Equal(t, float64(4096), gotBody["max_tokens"])

	assert.Equal(t, "Detailed answer", NewNormalizer().Normalize(payload))
}

func TestAnthropicClient_Overloaded(t *testing.T) {
	srv := jsonServer(t, 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, nil)

	c := NewAnthropicClient(NewCredential("k"), srv.URL, 0)
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "detailed"))

	var httpErr *ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "Overloaded", httpErr.Message)
	assert.True(t, IsRetryable(err))
}

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaClient_Send(t *testing.T) {
	var gotBody map[string]any
	srv := jsonServer(t, http.StatusOK,
		`{"model":"llama3.1:8b","message":{"role":"assistant","content":"local reply"},"done":true}`,
		func(r *http.Request, payload map[string]any) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			gotBody = payload
		})

	c := NewOllamaClient(srv.URL, 0)
	payload, err := c.Send(context.Background(), testMessages, modeConfig(t, "local"))

	require.NoError(t, err)
	assert.Equal(t, false, gotBody["stream"])
	assert.Equal(t, float64(2048), gotBody["options"].(map[string]any)["num_predict"])
	assert.Equal(t, "local reply", NewNormalizer().Normalize(payload))
}

func TestOllamaClient_Unconfigured(t *testing.T) {
	c := NewOllamaClient("", 0)
	_, err := c.Send(context.Background(), testMessages, modeConfig(t, "local"))

	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

// =============================================================================
// Helpers
// =============================================================================

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "nested", errorMessage([]byte(`{"error":{"message":"nested"}}`)))
	assert.Equal(t, "flat", errorMessage([]byte(`{"error":"flat"}`)))
	assert.Equal(t, "top", errorMessage([]byte(`{"message":"top"}`)))
	assert.Equal(t, "<html>bad gateway</html>", errorMessage([]byte(`<html>bad gateway</html>`)))
}

func TestProviderTransportError_Timeout(t *testing.T) {
	assert.True(t, (&ProviderTransportError{Err: context.DeadlineExceeded}).Timeout())
	assert.False(t, (&ProviderTransportError{Err: errors.New("reset")}).Timeout())
}
