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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var groqTracer = otel.Tracer("aleutian.llm.groq")

// DefaultGroqBaseURL is Groq's OpenAI-compatible endpoint.
const DefaultGroqBaseURL = "https://api.groq.com/openai/v1"

// GroqClient talks to Groq (or any OpenAI-compatible endpoint) through the
// go-openai SDK.
type GroqClient struct {
	name       string
	baseURL    string
	credential *Credential
	httpClient *http.Client
}

// GroqOption configures a GroqClient.
type GroqOption func(*GroqClient)

// WithGroqBaseURL points the client at a different OpenAI-compatible API.
func WithGroqBaseURL(url string) GroqOption {
	return func(c *GroqClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithGroqTimeout sets the HTTP client timeout.
func WithGroqTimeout(d time.Duration) GroqOption {
	return func(c *GroqClient) { c.httpClient = newHTTPClient(d) }
}

// WithGroqName overrides the provider name, for registering a second
// OpenAI-compatible backend.
func WithGroqName(name string) GroqOption {
	return func(c *GroqClient) {
		if name != "" {
			c.name = name
		}
	}
}

// NewGroqClient creates the client. A nil or empty credential is allowed;
// Send then fails with ErrProviderUnavailable.
func NewGroqClient(credential *Credential, opts ...GroqOption) *GroqClient {
	c := &GroqClient{
		name:       ProviderGroq,
		baseURL:    DefaultGroqBaseURL,
		credential: credential,
		httpClient: newHTTPClient(defaultProviderTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GroqClient) Name() string { return c.name }

func (c *GroqClient) Configured() bool { return c.credential.Configured() }

// Send returns choices[0].message as generic JSON, or nil when the
// response carried no choices.
func (c *GroqClient) Send(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (any, error) {
	ctx, span := groqTracer.Start(ctx, "GroqClient.Send",
		trace.WithAttributes(attribute.String("llm.model", cfg.Model)))
	defer span.End()

	if !c.Configured() {
		err := unavailable(c.name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no credential")
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	var resp openai.ChatCompletionResponse
	err := c.credential.Use(func(key string) error {
		config := openai.DefaultConfig(key)
		config.BaseURL = c.baseURL
		config.HTTPClient = c.httpClient
		var callErr error
		resp, callErr = openai.NewClientWithConfig(config).CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		err = c.classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.choices", len(resp.Choices)))
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	payload, err := toPayload(resp.Choices[0].Message)
	if err != nil {
		return nil, fmt.Errorf("%s: decode message: %w", c.name, err)
	}
	return payload, nil
}

// classify maps go-openai errors onto the provider error types.
func (c *GroqClient) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderHTTPError{Provider: c.name, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		if len(reqErr.Body) > 0 {
			msg = errorMessage(reqErr.Body)
		}
		return &ProviderHTTPError{Provider: c.name, Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return &ProviderTransportError{Provider: c.name, Err: err}
}
