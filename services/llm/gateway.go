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
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var gatewayTracer = otel.Tracer("aleutian.llm.gateway")

// User-facing replies substituted when no model text is available.
const (
	FallbackNoContent   = "I received a response, but it didn't contain any readable content. Please try again."
	FallbackUnavailable = "I'm currently unable to process your request. Please try again in a moment."
)

// DefaultHistoryWindow is the number of most recent history entries sent
// to a provider.
const DefaultHistoryWindow = 10

// DefaultSystemPrompt is used when the caller supplies none.
const DefaultSystemPrompt = `You are Aleutian Chat, a helpful and knowledgeable assistant.
Answer clearly and accurately. Use Markdown for structure when it helps, and say so when you are unsure.`

const previewLength = 100

// GatewayConfig tunes the gateway. Zero values take defaults.
type GatewayConfig struct {
	// HistoryWindow is how many trailing history entries are forwarded.
	HistoryWindow int

	// SystemPrompt replaces DefaultSystemPrompt.
	SystemPrompt string

	// Retry bounds retries of 5xx and transport failures.
	Retry RetryPolicy

	// AttemptTimeout bounds each provider attempt.
	AttemptTimeout time.Duration
}

// CallReport summarizes one GetReply call for metrics.
type CallReport struct {
	Mode     string
	Provider string
	Model    string
	State    CallState
	Attempts int
	Duration time.Duration
	Fallback string
	Err      error
}

// CallObserver receives a report after every GetReply call. It must not
// block.
type CallObserver interface {
	ObserveCall(report CallReport)
}

// GatewayOption configures optional Gateway collaborators.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithObserver registers a CallObserver.
func WithObserver(o CallObserver) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// WithNormalizer replaces the default Normalizer.
func WithNormalizer(n *Normalizer) GatewayOption {
	return func(g *Gateway) {
		if n != nil {
			g.normalizer = n
		}
	}
}

// Gateway turns a conversation into a reply string.
//
// # Description
//
// GetReply resolves the model mode, sends the system prompt plus the
// trailing history window to the mode's provider, retries 5xx and transport
// failures with linear backoff, and normalizes the payload to text.
//
// # Limitations
//
// GetReply never returns an error. Provider failures degrade to
// FallbackUnavailable and empty replies to FallbackNoContent, so callers
// cannot tell a degraded reply from a real one without comparing content.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	registry   *Registry
	providers  map[string]Provider
	normalizer *Normalizer
	config     GatewayConfig
	logger     *slog.Logger
	observer   CallObserver

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wires a registry to its providers.
//
// Modes whose provider is missing are allowed; calls to them resolve to
// FallbackUnavailable and a warning is logged here.
func NewGateway(registry *Registry, providers []Provider, config GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if strings.TrimSpace(config.SystemPrompt) == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaultProviderTimeout
	}

	g := &Gateway{
		registry:   registry,
		providers:  make(map[string]Provider, len(providers)),
		normalizer: NewNormalizer(),
		config:     config,
		logger:     slog.Default(),
		sleep:      sleepContext,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, dup := g.providers[p.Name()]; dup {
			return nil, fmt.Errorf("gateway: duplicate provider %q", p.Name())
		}
		g.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, m := range registry.Modes() {
		p, ok := g.providers[m.Provider]
		switch {
		case !ok:
			g.logger.Warn("model mode has no provider client", "mode", m.Mode, "provider", m.Provider)
		case !p.Configured():
			g.logger.Warn("model mode provider has no credential", "mode", m.Mode, "provider", m.Provider)
		}
	}
	return g, nil
}

// Registry returns the model registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// ResolveMode returns the mode key GetReply would use for mode.
func (g *Gateway) ResolveMode(mode string) string {
	return g.registry.Resolve(mode).Mode
}

// Available returns the modes whose provider is present and configured.
func (g *Gateway) Available() []ModelConfig {
	var out []ModelConfig
	for _, m := range g.registry.Modes() {
		if p, ok := g.providers[m.Provider]; ok && p.Configured() {
			out = append(out, m)
		}
	}
	return out
}

// GetReply returns the assistant reply for history. It always returns a
// non-empty string.
func (g *Gateway) GetReply(ctx context.Context, history []ChatMessage, modelMode, systemPrompt string) string {
	start := time.Now()
	cfg := g.registry.Resolve(modelMode)

	ctx, span := gatewayTracer.Start(ctx, "Gateway.GetReply",
		trace.WithAttributes(
			attribute.String("llm.mode", cfg.Mode),
			attribute.String("llm.provider", cfg.Provider),
			attribute.String("llm.model", cfg.Model),
			attribute.Int("llm.history_len", len(history)),
		),
	)
	defer span.End()

	logger := g.logger.With("provider", cfg.Provider, "model", cfg.Model, "mode", cfg.Mode)
	messages := g.buildMessages(history, systemPrompt)

	machine := newCallMachine(g.config.Retry)
	var payload any

	provider, ok := g.providers[cfg.Provider]
	if !ok {
		machine.Send()
		machine.Observe(unavailable(cfg.Provider))
	}
	for ok && machine.Send() {
		var err error
		payload, err = g.attempt(ctx, provider, messages, cfg)
		state, backoff := machine.Observe(err)
		if state != StateRetrying {
			continue
		}
		logger.Warn("provider attempt failed, retrying",
			"attempt", machine.Attempts(),
			"backoff", backoff,
			"error", err,
		)
		if err := g.sleep(ctx, backoff); err != nil {
			machine.Abort(err)
		}
	}

	reply, fallback := g.finish(machine, payload)

	report := CallReport{
		Mode:     cfg.Mode,
		Provider: cfg.Provider,
		Model:    cfg.Model,
		State:    machine.State(),
		Attempts: machine.Attempts(),
		Duration: time.Since(start),
		Fallback: fallback,
		Err:      machine.Err(),
	}
	g.record(ctx, span, logger, report, reply)
	return reply
}

// buildMessages prepends the system prompt and keeps the trailing window.
// System entries inside history are dropped; the prompt is authoritative.
func (g *Gateway) buildMessages(history []ChatMessage, systemPrompt string) []ChatMessage {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = g.config.SystemPrompt
	}

	turns := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == RoleSystem {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) > g.config.HistoryWindow {
		turns = turns[len(turns)-g.config.HistoryWindow:]
	}

	out := make([]ChatMessage, 0, len(turns)+1)
	out = append(out, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	return append(out, turns...)
}

func (g *Gateway) attempt(ctx context.Context, p Provider, messages []ChatMessage, cfg ModelConfig) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
	defer cancel()

	payload, err := p.Send(attemptCtx, messages, cfg)
	if err == nil {
		return payload, nil
	}

	var httpErr *ProviderHTTPError
	var transportErr *ProviderTransportError
	if !errors.As(err, &httpErr) && !errors.As(err, &transportErr) && errors.Is(err, context.DeadlineExceeded) {
		err = &ProviderTransportError{Provider: p.Name(), Err: err}
	}
	return nil, err
}

func (g *Gateway) finish(m *callMachine, payload any) (reply, fallback string) {
	if m.State() != StateSuccess {
		return FallbackUnavailable, "unavailable"
	}
	text := strings.TrimSpace(g.normalizer.Normalize(payload))
	if text == "" {
		return FallbackNoContent, "no_content"
	}
	return text, ""
}

func (g *Gateway) record(ctx context.Context, span trace.Span, logger *slog.Logger, r CallReport, reply string) {
	span.SetAttributes(
		attribute.Int("llm.attempts", r.Attempts),
		attribute.String("llm.state", r.State.String()),
	)

	switch {
	case r.State != StateSuccess:
		if r.Err != nil {
			span.RecordError(r.Err)
		}
		span.SetStatus(codes.Error, "provider call failed")
		logger.ErrorContext(ctx, "provider call failed, returning fallback",
			"attempts", r.Attempts,
			"duration_ms", r.Duration.Milliseconds(),
			"error", r.Err,
		)
	case r.Fallback != "":
		span.SetStatus(codes.Error, "empty reply")
		logger.WarnContext(ctx, "provider reply had no readable content",
			"attempts", r.Attempts,
			"duration_ms", r.Duration.Milliseconds(),
		)
	default:
		span.SetStatus(codes.Ok, "")
		logger.InfoContext(ctx, "provider reply",
			"attempts", r.Attempts,
			"duration_ms", r.Duration.Milliseconds(),
			"preview", truncate(reply, previewLength),
		)
	}

	if g.observer != nil {
		g.observer.ObserveCall(r)
	}
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
