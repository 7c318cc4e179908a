// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
)

func TestModelsCommand(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OLLAMA_BASE_URL", "")

	path := filepath.Join(t.TempDir(), "aleutian-chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - mode: fast
    provider: groq
    model: llama-3.1-8b-instant
  - mode: local
    provider: ollama
    model: llama3.1:8b
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"models", "--config", path})
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"MODE", "PROVIDER", "MODEL", "AVAILABLE", "DEFAULT"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"fast", "groq", "llama-3.1-8b-instant", "true", "*"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"local", "ollama", "llama3.1:8b", "false"}, strings.Fields(lines[2]))
}

func TestSetupLogging(t *testing.T) {
	logger, err := setupLogging(orchestrator.Config{ServiceName: "test", Log: orchestrator.LogConfig{Level: "debug", Format: "json"}})
	require.NoError(t, err)
	assert.NoError(t, logger.Close())

	_, err = setupLogging(orchestrator.Config{Log: orchestrator.LogConfig{Level: "chatty"}})
	assert.Error(t, err)

	level, err := logging.ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, level)
}
