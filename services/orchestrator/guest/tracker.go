// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guest tracks unauthenticated chat sessions in memory.
//
// # Description
//
// A guest is identified by a Key. The Client half (the caller's network
// address) owns the message allowance; the optional Session half only
// splits that client's history into separate conversations. Rotating the
// session value therefore never grants more messages. Nothing is
// persisted; clients expire after a period of inactivity and are swept
// lazily on access.
//
// The message ceiling is enforced in Reserve, before any model call is
// made, so a guest at the limit never costs a provider request. A
// reservation counts against the limit immediately; concurrent requests
// from one client cannot slip past it.
package guest

import (
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// Defaults.
const (
	DefaultLimit = 5
	DefaultTTL   = 24 * time.Hour
)

// Key identifies a guest conversation.
type Key struct {
	// Client holds the allowance, normally the client IP.
	Client string

	// Session optionally separates conversations of one client.
	Session string
}

func (k Key) normalize() Key {
	return Key{Client: strings.TrimSpace(k.Client), Session: strings.TrimSpace(k.Session)}
}

type client struct {
	sent     int
	lastSeen time.Time
	sessions map[string][]datatypes.Message
}

// Tracker owns all guest clients and their sessions.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     int
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker allowing limit messages per client, with
// clients expiring after ttl of inactivity. Non-positive values take the
// defaults.
func NewTracker(limit int, ttl time.Duration, opts ...Option) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Tracker{
		clients: make(map[string]*client),
		limit:   limit,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastSweep = t.now()
	return t
}

// Limit returns the per-client message ceiling.
func (t *Tracker) Limit() int { return t.limit }

// Reservation is one accepted guest message. Exactly one of Commit or
// Release must be called.
type Reservation struct {
	tracker *Tracker
	key     Key

	// History is a snapshot of the session's messages before this one.
	History []datatypes.Message

	// Remaining is how many further messages the client may send after
	// this one.
	Remaining int
}

// Check reports the error Reserve would return for key without claiming
// a slot.
func (t *Tracker) Check(key Key) error {
	key = key.normalize()
	if key.Client == "" {
		return datatypes.Invalid("session", "guest session identifier is required")
	}
	if t.Remaining(key) <= 0 {
		return t.limitError()
	}
	return nil
}

// Reserve claims one message slot for key. At the limit it fails with a
// *datatypes.CapacityError matching datatypes.ErrGuestLimitExceeded.
func (t *Tracker) Reserve(key Key) (*Reservation, error) {
	key = key.normalize()
	if key.Client == "" {
		return nil, datatypes.Invalid("session", "guest session identifier is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	c := t.liveLocked(key.Client, now)
	if c == nil {
		c = &client{sessions: make(map[string][]datatypes.Message)}
		t.clients[key.Client] = c
	}
	c.lastSeen = now
	if c.sent >= t.limit {
		return nil, t.limitError()
	}
	c.sent++

	prior := c.sessions[key.Session]
	history := make([]datatypes.Message, len(prior))
	copy(history, prior)
	return &Reservation{
		tracker:   t,
		key:       key,
		History:   history,
		Remaining: t.limit - c.sent,
	}, nil
}

// Commit records the exchange in the session.
func (r *Reservation) Commit(user, assistant datatypes.Message) {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clients[r.key.Client]
	if !ok {
		// Swept while the reply was computed; the slot still counts.
		c = &client{sent: 1, sessions: make(map[string][]datatypes.Message)}
		t.clients[r.key.Client] = c
	}
	c.sessions[r.key.Session] = append(c.sessions[r.key.Session], user, assistant)
	c.lastSeen = t.now()
}

// Release returns the slot without recording anything.
func (r *Reservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[r.key.Client]; ok && c.sent > 0 {
		c.sent--
	}
}

// Remaining reports how many messages the client behind key may still
// send. The session half of key does not matter.
func (t *Tracker) Remaining(key Key) int {
	key = key.normalize()

	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.liveLocked(key.Client, t.now())
	if c == nil {
		return t.limit
	}
	return t.limit - c.sent
}

// Len returns the number of live clients.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.clients)
}

// Sweep drops every expired client now and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(t.now())
}

func (t *Tracker) limitError() error {
	return &datatypes.CapacityError{Resource: datatypes.ResourceGuestMessages, Limit: t.limit}
}

// liveLocked returns the unexpired client for id, or nil.
func (t *Tracker) liveLocked(id string, now time.Time) *client {
	c, ok := t.clients[id]
	if !ok || now.Sub(c.lastSeen) > t.ttl {
		return nil
	}
	return c
}

// sweepLocked drops expired clients at most once per half TTL.
func (t *Tracker) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < t.ttl/2 {
		return
	}
	t.evictLocked(now)
}

func (t *Tracker) evictLocked(now time.Time) int {
	removed := 0
	for id, c := range t.clients {
		if now.Sub(c.lastSeen) > t.ttl {
			delete(t.clients, id)
			removed++
		}
	}
	t.lastSweep = now
	return removed
}
