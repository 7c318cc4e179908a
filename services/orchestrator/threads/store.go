// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package threads persists owner-scoped conversation threads.
//
// # Description
//
// ThreadStore applies the thread rules from the datatypes package on top of
// a pluggable Backend (BadgerDB or SQLite). Every read-modify-write runs
// under a per-thread lock around one backend transaction, so concurrent
// appends to a thread never lose messages while different threads proceed
// in parallel.
//
// A thread that exists but belongs to another owner is reported exactly
// like a missing one: datatypes.ErrNotFound.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.orchestrator.threads")

// Listing defaults.
const (
	DefaultPageSize    = 20
	MaxPageSize        = 100
	DefaultSearchLimit = 20
)

// CreateOptions are the caller-supplied fields of a new thread.
type CreateOptions struct {
	Title       string
	ModelMode   string
	Temperature *float64
	Tags        []string

	// Messages are stored in the same transaction that creates the thread.
	Messages []datatypes.Message
}

// ListOptions select one page of an owner's threads.
type ListOptions struct {
	// Page is 1-based. Values below 1 mean 1.
	Page int

	// PageSize defaults to DefaultPageSize and is capped at MaxPageSize.
	PageSize int

	// Archived filters on the archived flag. Nil lists both.
	Archived *bool
}

// Normalize clamps the options to valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

// Store is the thread persistence contract used by the chat services.
type Store interface {
	Create(ctx context.Context, ownerID string, opts CreateOptions) (*datatypes.Thread, error)
	Get(ctx context.Context, threadID, ownerID string) (*datatypes.Thread, error)
	List(ctx context.Context, ownerID string, opts ListOptions) ([]*datatypes.Thread, int, error)
	Search(ctx context.Context, ownerID, query string, limit int) ([]*datatypes.Thread, error)
	Append(ctx context.Context, threadID, ownerID string, msgs ...datatypes.Message) (*datatypes.Thread, error)
	Update(ctx context.Context, threadID, ownerID string, update datatypes.ThreadUpdate) (*datatypes.Thread, error)
	EditLastMessage(ctx context.Context, threadID, ownerID, content string) (*datatypes.Thread, error)
	ClearMessages(ctx context.Context, threadID, ownerID string) (*datatypes.Thread, error)
	Delete(ctx context.Context, threadID, ownerID string) error
	ModelPreference(ctx context.Context, ownerID string) (string, error)
	SetModelPreference(ctx context.Context, ownerID, modelMode string) error
	Close() error
}

// Option configures a ThreadStore.
type Option func(*ThreadStore)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ThreadStore) { s.logger = logger }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *ThreadStore) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString. Used by tests.
func WithIDGenerator(newID func() string) Option {
	return func(s *ThreadStore) { s.newID = newID }
}

// ThreadStore implements Store over a Backend.
//
// # Thread Safety
//
// Safe for concurrent use. Returned threads are copies owned by the caller.
type ThreadStore struct {
	backend Backend
	locks   keyLock
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewStore builds a ThreadStore that owns backend; Close closes it.
func NewStore(backend Backend, opts ...Option) *ThreadStore {
	s := &ThreadStore{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new empty thread for ownerID.
func (s *ThreadStore) Create(ctx context.Context, ownerID string, opts CreateOptions) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.Create", "", ownerID)
	defer span.End()

	now := s.now()
	th, err := datatypes.NewThread(s.newID(), ownerID, datatypes.NewThreadOptions{
		Title:       opts.Title,
		ModelMode:   strings.ToLower(strings.TrimSpace(opts.ModelMode)),
		Temperature: opts.Temperature,
		Tags:        opts.Tags,
	}, now)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := th.Append(now, append([]datatypes.Message(nil), opts.Messages...)...); err != nil {
		return nil, fail(span, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(span, err)
	}
	if err := s.backend.Insert(ctx, th); err != nil {
		return nil, fail(span, fmt.Errorf("insert thread: %w", err))
	}
	span.SetAttributes(attribute.String("thread_id", th.ThreadID))
	s.logger.Debug("thread created", "thread_id", th.ThreadID, "owner_id", ownerID)
	return th.Clone(), nil
}

// Get returns the thread if ownerID owns it.
func (s *ThreadStore) Get(ctx context.Context, threadID, ownerID string) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.Get", threadID, ownerID)
	defer span.End()

	th, err := s.load(ctx, threadID, ownerID)
	if err != nil {
		return nil, fail(span, err)
	}
	return th, nil
}

// List returns one page of ownerID's threads ordered pinned first, then by
// most recent update, along with the total number of matching threads.
func (s *ThreadStore) List(ctx context.Context, ownerID string, opts ListOptions) ([]*datatypes.Thread, int, error) {
	ctx, span := startSpan(ctx, "threads.List", "", ownerID)
	defer span.End()

	opts = opts.Normalize()
	var all []*datatypes.Thread
	err := s.backend.Scan(ctx, ownerID, func(th *datatypes.Thread) bool {
		if opts.Archived == nil || th.Archived == *opts.Archived {
			all = append(all, th)
		}
		return true
	})
	if err != nil {
		return nil, 0, fail(span, fmt.Errorf("scan threads: %w", err))
	}

	datatypes.SortForListing(all)
	total := len(all)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []*datatypes.Thread{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	span.SetAttributes(attribute.Int("total", total))
	return all[start:end], total, nil
}

// Search returns up to limit unarchived threads matching query, most
// recently updated first.
func (s *ThreadStore) Search(ctx context.Context, ownerID, query string, limit int) ([]*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.Search", "", ownerID)
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, fail(span, datatypes.Invalid("q", "must not be empty"))
	}
	if limit < 1 {
		limit = DefaultSearchLimit
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var hits []*datatypes.Thread
	err := s.backend.Scan(ctx, ownerID, func(th *datatypes.Thread) bool {
		if !th.Archived && th.Matches(query) {
			hits = append(hits, th)
		}
		return true
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan threads: %w", err))
	}

	sortByUpdated(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []*datatypes.Thread{}
	}
	return hits, nil
}

// Append adds msgs to the thread in one transaction. Either all of them
// are stored or none are; a result over the message limit fails with a
// capacity error and leaves the thread unchanged.
func (s *ThreadStore) Append(ctx context.Context, threadID, ownerID string, msgs ...datatypes.Message) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.Append", threadID, ownerID)
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(msgs)))

	return s.mutate(ctx, span, threadID, ownerID, func(th *datatypes.Thread, now time.Time) error {
		return th.Append(now, msgs...)
	})
}

// Update applies a partial update.
func (s *ThreadStore) Update(ctx context.Context, threadID, ownerID string, update datatypes.ThreadUpdate) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.Update", threadID, ownerID)
	defer span.End()

	return s.mutate(ctx, span, threadID, ownerID, func(th *datatypes.Thread, now time.Time) error {
		return th.ApplyUpdate(update, now)
	})
}

// EditLastMessage replaces the content of the thread's newest message.
func (s *ThreadStore) EditLastMessage(ctx context.Context, threadID, ownerID, content string) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.EditLastMessage", threadID, ownerID)
	defer span.End()

	return s.mutate(ctx, span, threadID, ownerID, func(th *datatypes.Thread, now time.Time) error {
		return th.EditLastMessage(content, now)
	})
}

// ClearMessages removes every message from the thread.
func (s *ThreadStore) ClearMessages(ctx context.Context, threadID, ownerID string) (*datatypes.Thread, error) {
	ctx, span := startSpan(ctx, "threads.ClearMessages", threadID, ownerID)
	defer span.End()

	return s.mutate(ctx, span, threadID, ownerID, func(th *datatypes.Thread, now time.Time) error {
		th.ClearMessages(now)
		return nil
	})
}

// Delete removes the thread and its messages.
func (s *ThreadStore) Delete(ctx context.Context, threadID, ownerID string) error {
	ctx, span := startSpan(ctx, "threads.Delete", threadID, ownerID)
	defer span.End()

	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := s.backend.Remove(ctx, ownerID, threadID); err != nil {
		return fail(span, notFound(err, "remove thread"))
	}
	s.logger.Debug("thread deleted", "thread_id", threadID, "owner_id", ownerID)
	return nil
}

// ModelPreference returns ownerID's stored default mode, or "".
func (s *ThreadStore) ModelPreference(ctx context.Context, ownerID string) (string, error) {
	mode, err := s.backend.GetPreference(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("get model preference: %w", err)
	}
	return mode, nil
}

// SetModelPreference stores ownerID's default mode. The caller validates
// modelMode against the model registry.
func (s *ThreadStore) SetModelPreference(ctx context.Context, ownerID, modelMode string) error {
	if strings.TrimSpace(ownerID) == "" {
		return datatypes.Invalid("ownerId", "must not be empty")
	}
	if err := s.backend.PutPreference(ctx, ownerID, strings.ToLower(strings.TrimSpace(modelMode))); err != nil {
		return fmt.Errorf("put model preference: %w", err)
	}
	return nil
}

// Close closes the backend.
func (s *ThreadStore) Close() error {
	return s.backend.Close()
}

// mutate runs fn on the current thread under the thread's lock and saves
// the result. fn errors leave the stored thread untouched.
func (s *ThreadStore) mutate(ctx context.Context, span trace.Span, threadID, ownerID string, fn func(*datatypes.Thread, time.Time) error) (*datatypes.Thread, error) {
	unlock := s.locks.Lock(threadID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, fail(span, err)
	}
	th, err := s.load(ctx, threadID, ownerID)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := fn(th, s.now()); err != nil {
		return nil, fail(span, err)
	}
	if err := s.backend.Save(ctx, th); err != nil {
		return nil, fail(span, notFound(err, "save thread"))
	}
	return th.Clone(), nil
}

func (s *ThreadStore) load(ctx context.Context, threadID, ownerID string) (*datatypes.Thread, error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(ownerID) == "" {
		return nil, datatypes.ErrNotFound
	}
	th, err := s.backend.Load(ctx, ownerID, threadID)
	if err != nil {
		return nil, notFound(err, "load thread")
	}
	return th, nil
}

// notFound passes ErrNotFound through bare and wraps anything else.
func notFound(err error, op string) error {
	if errors.Is(err, datatypes.ErrNotFound) {
		return datatypes.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sortByUpdated(threads []*datatypes.Thread) {
	sort.Slice(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ThreadID < b.ThreadID
	})
}

func startSpan(ctx context.Context, name, threadID, ownerID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("owner_id", ownerID))
	if threadID != "" {
		span.SetAttributes(attribute.String("thread_id", threadID))
	}
	return ctx, span
}

// fail records err on span unless it is an expected client error.
func fail(span trace.Span, err error) error {
	if errors.Is(err, datatypes.ErrNotFound) || errors.Is(err, datatypes.ErrValidation) ||
		errors.Is(err, datatypes.ErrCapacityExceeded) {
		span.SetAttributes(attribute.String("outcome", err.Error()))
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
