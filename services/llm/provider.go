// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the language-model backends.
//
// Layering, bottom up:
//
//   - Provider: one implementation per backend (groq, gemini, anthropic,
//     ollama). Builds the request body and unwraps the top-level envelope,
//     nothing more.
//   - Normalizer: turns whatever the provider returned into plain text.
//   - Gateway: picks a provider by model mode, applies the history window,
//     retries transient failures and always returns a string.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Message roles accepted by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single turn sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider sends one chat-completion request to a single backend.
//
// Send returns the provider payload unwrapped only down to the part that
// carries the reply (for example choices[0].message). Interpreting nested
// content is the Normalizer's job.
//
// Errors:
//   - ErrProviderUnavailable (wrapped) when no credential is configured
//   - *ProviderHTTPError on a non-2xx status
//   - *ProviderTransportError on network failures and timeouts
type Provider interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (any, error)
}

// ErrProviderUnavailable means the provider has no credential configured.
var ErrProviderUnavailable = errors.New("provider unavailable: no credential configured")

// ProviderHTTPError is a non-success HTTP status from a provider.
type ProviderHTTPError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderHTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
}

// ProviderTransportError is a network-level failure: connection refused,
// reset, DNS, or a deadline.
type ProviderTransportError struct {
	Provider string
	Err      error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *ProviderTransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether err is a transient provider failure: a 5xx
// status or a transport error (timeouts included).
func IsRetryable(err error) bool {
	var httpErr *ProviderHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	var transportErr *ProviderTransportError
	return errors.As(err, &transportErr)
}

func unavailable(provider string) error {
	return fmt.Errorf("%s: %w", provider, ErrProviderUnavailable)
}

// toPayload re-decodes v into generic JSON values (map[string]any, []any,
// string, float64, bool, nil).
func toPayload(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// errorMessage pulls a human-readable message out of a provider error body.
// Providers disagree on shape: {"error":{"message":...}}, {"error":"..."},
// {"message":...}. Falls back to a truncated raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if len(parsed.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(parsed.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return truncate(string(body), 200)
}
