// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package threads

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ErrThreadExists is returned by Backend.Insert for a duplicate ID.
var ErrThreadExists = errors.New("thread already exists")

// Backend is the persistence layer under ThreadStore.
//
// # Description
//
// A Backend stores whole threads keyed by (owner, thread). It knows
// nothing about thread rules; ThreadStore validates and mutates threads
// and calls Save with the complete new state. Every method is a single
// transaction.
//
// Implementations return datatypes.ErrNotFound (wrapped or bare) when the
// thread does not exist for that owner.
type Backend interface {
	Insert(ctx context.Context, thread *datatypes.Thread) error
	Load(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error)
	Save(ctx context.Context, thread *datatypes.Thread) error
	Remove(ctx context.Context, ownerID, threadID string) error

	// Scan calls fn for every thread of ownerID in unspecified order.
	// Returning false stops the scan.
	Scan(ctx context.Context, ownerID string, fn func(*datatypes.Thread) bool) error

	// GetPreference returns "" when the owner has no stored preference.
	GetPreference(ctx context.Context, ownerID string) (string, error)
	PutPreference(ctx context.Context, ownerID, modelMode string) error

	Close() error
}
