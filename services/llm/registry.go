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
	"fmt"
	"strings"
)

// Provider identifiers used in ModelConfig.Provider.
const (
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultMode is used when a request names no mode or an unknown one.
const DefaultMode = "fast"

// ModelConfig is one model mode: which provider serves it and with what
// sampling parameters.
type ModelConfig struct {
	Mode        string  `yaml:"mode" json:"mode"`
	Label       string  `yaml:"label" json:"label"`
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"maxTokens"`
	TopP        float32 `yaml:"top_p" json:"topP"`
}

// DefaultModels returns the built-in mode table.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Mode:        "fast",
			Label:       "Fast (Groq Llama 3.3 70B)",
			Provider:    ProviderGroq,
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.7,
			MaxTokens:   2048,
			TopP:        0.9,
		},
		{
			Mode:        "creative",
			Label:       "Creative (Gemini 2.0 Flash)",
			Provider:    ProviderGemini,
			Model:       "gemini-2.0-flash",
			Temperature: 0.9,
			MaxTokens:   2048,
			TopP:        0.9,
		},
		{
			Mode:        "detailed",
			Label:       "Detailed (Claude 3.5 Sonnet)",
			Provider:    ProviderAnthropic,
			Model:       "claude-3-5-sonnet-20240620",
			Temperature: 0.5,
			MaxTokens:   4096,
			TopP:        0.9,
		},
		{
			Mode:        "local",
			Label:       "Local (Ollama)",
			Provider:    ProviderOllama,
			Model:       "llama3.1:8b",
			Temperature: 0.7,
			MaxTokens:   2048,
			TopP:        0.9,
		},
	}
}

// Registry maps mode keys to ModelConfig. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	modes       map[string]ModelConfig
	order       []string
	defaultMode string
}

// NewRegistry validates models and builds a Registry. defaultMode must be
// one of the configured modes; an empty defaultMode means DefaultMode.
func NewRegistry(models []ModelConfig, defaultMode string) (*Registry, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("model registry: no modes configured")
	}
	r := &Registry{modes: make(map[string]ModelConfig, len(models))}
	for _, m := range models {
		m.Mode = normalizeMode(m.Mode)
		if m.Mode == "" {
			return nil, fmt.Errorf("model registry: mode key is required")
		}
		if m.Provider == "" || m.Model == "" {
			return nil, fmt.Errorf("model registry: mode %q needs provider and model", m.Mode)
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			return nil, fmt.Errorf("model registry: mode %q temperature %.2f outside [0,2]", m.Mode, m.Temperature)
		}
		if m.TopP < 0 || m.TopP > 1 {
			return nil, fmt.Errorf("model registry: mode %q top_p %.2f outside [0,1]", m.Mode, m.TopP)
		}
		if m.MaxTokens <= 0 {
			m.MaxTokens = 2048
		}
		if m.Label == "" {
			m.Label = m.Mode
		}
		if _, dup := r.modes[m.Mode]; dup {
			return nil, fmt.Errorf("model registry: duplicate mode %q", m.Mode)
		}
		r.modes[m.Mode] = m
		r.order = append(r.order, m.Mode)
	}

	if defaultMode == "" {
		defaultMode = DefaultMode
	}
	defaultMode = normalizeMode(defaultMode)
	if _, ok := r.modes[defaultMode]; !ok {
		return nil, fmt.Errorf("model registry: default mode %q is not configured", defaultMode)
	}
	r.defaultMode = defaultMode
	return r, nil
}

// Lookup returns the config for mode, if configured.
func (r *Registry) Lookup(mode string) (ModelConfig, bool) {
	m, ok := r.modes[normalizeMode(mode)]
	return m, ok
}

// Resolve returns the config for mode, falling back to the default mode for
// unknown or empty keys.
func (r *Registry) Resolve(mode string) ModelConfig {
	if m, ok := r.Lookup(mode); ok {
		return m
	}
	return r.modes[r.defaultMode]
}

// Default returns the default mode key.
func (r *Registry) Default() string {
	return r.defaultMode
}

// Modes returns every mode in configuration order.
func (r *Registry) Modes() []ModelConfig {
	out := make([]ModelConfig, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.modes[k])
	}
	return out
}

func normalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}
