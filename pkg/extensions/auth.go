// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when no credential was presented.
//
// HTTP handlers map it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when a credential was presented but is invalid
// or expired.
//
// HTTP handlers map it to 403.
var ErrForbidden = errors.New("invalid or expired token")

// AuthInfo contains the authenticated caller's identity.
//
// UserID is the owner identifier used to scope every thread operation. It is
// opaque to the rest of the system and must never be empty.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string

	// Email is the user's email address, if the provider knows it.
	Email string

	// Roles contains the user's role memberships.
	Roles []string
}

// HasRole reports whether the user holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// Credential issuance (passwords, token signing, OTP) lives outside this
// service; an AuthProvider only answers "who does this token belong to".
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrForbidden when the token is not recognized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token as "local-user".
//
// Used for single-user local deployments where the process is only
// reachable from the host.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenAuthProvider maps a fixed set of API tokens to user IDs.
//
// Tokens are compared in constant time against their SHA-256 digests, so
// neither the comparison nor the map lookup leaks timing about the secret.
type StaticTokenAuthProvider struct {
	entries []tokenEntry
}

type tokenEntry struct {
	digest [sha256.Size]byte
	userID string
}

// NewStaticTokenAuthProvider builds a provider from token → userID pairs.
//
// Returns an error if the map is empty or any token or user ID is blank.
func NewStaticTokenAuthProvider(tokens map[string]string) (*StaticTokenAuthProvider, error) {
	if len(tokens) == 0 {
		return nil, errors.New("static token auth requires at least one token")
	}
	p := &StaticTokenAuthProvider{entries: make([]tokenEntry, 0, len(tokens))}
	for token, userID := range tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("static token auth: blank token or user id")
		}
		p.entries = append(p.entries, tokenEntry{digest: sha256.Sum256([]byte(token)), userID: userID})
	}
	return p, nil
}

// Validate looks the token up. Every entry is compared so the running time
// does not depend on which entry matched.
func (p *StaticTokenAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))
	matched := ""
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			matched = e.userID
		}
	}
	if matched == "" {
		return nil, ErrForbidden
	}
	return &AuthInfo{UserID: matched, Roles: []string{"user"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
