// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Domain errors. Handlers map them to HTTP status codes with errors.Is.
var (
	// ErrValidation marks bad input. Every *ValidationError matches it.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers both missing threads and threads owned by someone
	// else, so callers cannot discover other owners' thread IDs.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded marks a bounded resource that is full. Every
	// *CapacityError matches it.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrGuestLimitExceeded is the guest flavor of ErrCapacityExceeded.
	ErrGuestLimitExceeded = errors.New("guest message limit reached")

	// ErrUnsupportedFileType is returned before any extraction is attempted.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrPayloadTooLarge marks an upload over the size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Capacity resources.
const (
	ResourceThreadMessages = "thread messages"
	ResourceGuestMessages  = "guest messages"
)

// CapacityError reports a full bounded resource.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	if e.Resource == ResourceGuestMessages {
		return fmt.Sprintf("guest limit of %d messages reached; sign in to keep chatting", e.Limit)
	}
	return fmt.Sprintf("%s limit of %d reached", e.Resource, e.Limit)
}

// Is matches ErrCapacityExceeded, and ErrGuestLimitExceeded for the guest
// resource.
func (e *CapacityError) Is(target error) bool {
	switch target {
	case ErrCapacityExceeded:
		return true
	case ErrGuestLimitExceeded:
		return e.Resource == ResourceGuestMessages
	}
	return false
}
