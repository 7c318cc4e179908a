// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ollamaTracer = otel.Tracer("aleutian.llm.ollama")

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message any  `json:"message"`
	Done    bool `json:"done"`
}

// OllamaClient calls a local Ollama server's /api/chat endpoint.
//
// Ollama needs no credential; the client counts as configured when a base
// URL is set.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates the client. An empty baseURL leaves the provider
// unconfigured.
func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(timeout),
	}
}

func (o *OllamaClient) Name() string { return ProviderOllama }

func (o *OllamaClient) Configured() bool { return o.baseURL != "" }

// Send returns the response's message object.
func (o *OllamaClient) Send(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (any, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Send",
		trace.WithAttributes(attribute.String("llm.model", cfg.Model)))
	defer span.End()

	if !o.Configured() {
		err := unavailable(ProviderOllama)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no base url")
		return nil, err
	}

	body := ollamaChatRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   false,
		Options: map[string]any{
			"temperature": cfg.Temperature,
			"top_p":       cfg.TopP,
			"num_predict": cfg.MaxTokens,
		},
	}

	var resp ollamaChatResponse
	if err := postJSON(ctx, o.httpClient, ProviderOllama, o.baseURL+"/api/chat", nil, body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat call failed")
		return nil, err
	}
	return resp.Message, nil
}
