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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var geminiTracer = otel.Tracer("aleutian.llm.gemini")

// DefaultGeminiBaseURL is the Generative Language API root.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

// geminiResponse keeps candidate content untyped; the Normalizer reads it.
type geminiResponse struct {
	Candidates []struct {
		Content      any    `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// GeminiClient calls models/{model}:generateContent over REST.
type GeminiClient struct {
	baseURL    string
	credential *Credential
	httpClient *http.Client
}

// NewGeminiClient creates the client. baseURL may be empty for the public
// endpoint.
func NewGeminiClient(credential *Credential, baseURL string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: newHTTPClient(timeout),
	}
}

func (c *GeminiClient) Name() string { return ProviderGemini }

func (c *GeminiClient) Configured() bool { return c.credential.Configured() }

// Send returns candidates[0].content, or nil when no candidate came back
// (for example when the prompt was blocked).
func (c *GeminiClient) Send(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (any, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Send",
		trace.WithAttributes(attribute.String("llm.model", cfg.Model)))
	defer span.End()

	if !c.Configured() {
		err := unavailable(ProviderGemini)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no credential")
		return nil, err
	}

	body := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
			TopP:            cfg.TopP,
		},
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case RoleAssistant:
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(cfg.Model))

	var resp geminiResponse
	err := c.credential.Use(func(key string) error {
		return postJSON(ctx, c.httpClient, ProviderGemini, endpoint,
			map[string]string{"x-goog-api-key": key}, body, &resp)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generateContent failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.candidates", len(resp.Candidates)))
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	return resp.Candidates[0].Content, nil
}
