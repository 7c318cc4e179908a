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
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// Credential holds a provider API key in an encrypted memguard enclave.
//
// The plaintext only exists inside a LockedBuffer for the duration of one
// request. A nil or empty Credential reports Configured() == false.
type Credential struct {
	enclave *memguard.Enclave
}

// NewCredential seals secret. An empty secret yields an unconfigured
// Credential rather than an error.
func NewCredential(secret string) *Credential {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Credential{}
	}
	// NewEnclave wipes the source buffer.
	return &Credential{enclave: memguard.NewEnclave([]byte(secret))}
}

// LoadCredential reads a key from the environment variable envVar, falling
// back to the container secret file /run/secrets/<secretName>.
func LoadCredential(envVar, secretName string) *Credential {
	if v := os.Getenv(envVar); v != "" {
		return NewCredential(v)
	}
	if secretName == "" {
		return &Credential{}
	}
	path := "/run/secrets/" + secretName
	content, err := os.ReadFile(path)
	if err != nil {
		return &Credential{}
	}
	slog.Info("read API key from secrets file", "secret", secretName)
	return NewCredential(string(content))
}

// Configured reports whether a key is present.
func (c *Credential) Configured() bool {
	return c != nil && c.enclave != nil
}

// Use opens the enclave, passes a copy of the key to fn and destroys the
// guarded buffer when fn returns. fn must not retain the key.
func (c *Credential) Use(fn func(key string) error) error {
	if !c.Configured() {
		return fmt.Errorf("credential not configured")
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return fmt.Errorf("open credential enclave: %w", err)
	}
	defer buf.Destroy()
	// LockedBuffer.String aliases guarded memory that Destroy unmaps; copy.
	return fn(string(buf.Bytes()))
}
