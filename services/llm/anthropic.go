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

var anthropicTracer = otel.Tracer("aleutian.llm.anthropic")

const (
	anthropicAPIVersion = "2023-06-01"

	// DefaultAnthropicURL is the Messages API endpoint.
	DefaultAnthropicURL = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicResponse struct {
	Content []map[string]any `json:"content"`
}

// AnthropicClient calls the Anthropic Messages API over REST.
type AnthropicClient struct {
	url        string
	credential *Credential
	httpClient *http.Client
}

// NewAnthropicClient creates the client. url may be empty for the public
// endpoint.
func NewAnthropicClient(credential *Credential, url string, timeout time.Duration) *AnthropicClient {
	if url == "" {
		url = DefaultAnthropicURL
	}
	return &AnthropicClient{
		url:        url,
		credential: credential,
		httpClient: newHTTPClient(timeout),
	}
}

func (c *AnthropicClient) Name() string { return ProviderAnthropic }

func (c *AnthropicClient) Configured() bool { return c.credential.Configured() }

// Send returns the text blocks of the response content array. Thinking and
// tool blocks are dropped here because they are not part of the reply.
func (c *AnthropicClient) Send(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (any, error) {
	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.Send",
		trace.WithAttributes(attribute.String("llm.model", cfg.Model)))
	defer span.End()

	if !c.Configured() {
		err := unavailable(ProviderAnthropic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no credential")
		return nil, err
	}

	var apiMessages []anthropicMessage
	var systemPrompt string
	for _, m := range messages {
		if strings.EqualFold(m.Role, RoleSystem) {
			systemPrompt = m.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body := anthropicRequest{
		Model:     cfg.Model,
		Messages:  apiMessages,
		MaxTokens: cfg.MaxTokens,
	}
	if systemPrompt != "" {
		block := systemBlock{Type: "text", Text: systemPrompt}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		body.System = []systemBlock{block}
	}
	// The API rejects requests that set both temperature and top_p on newer
	// models; temperature wins.
	temp := cfg.Temperature
	body.Temperature = &temp

	var resp anthropicResponse
	err := c.credential.Use(func(key string) error {
		return postJSON(ctx, c.httpClient, ProviderAnthropic, c.url, map[string]string{
			"x-api-key":         key,
			"anthropic-version": anthropicAPIVersion,
		}, body, &resp)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "messages call failed")
		return nil, err
	}

	blocks := make([]any, 0, len(resp.Content))
	for _, block := range resp.Content {
		if t, _ := block["type"].(string); t == "text" {
			blocks = append(blocks, block)
		}
	}
	span.SetAttributes(attribute.Int("llm.text_blocks", len(blocks)))
	return blocks, nil
}
