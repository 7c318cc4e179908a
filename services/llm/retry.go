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
	"time"
)

// CallState is the state of one gateway call.
type CallState int

const (
	StateIdle CallState = iota
	StateSending
	StateRetrying
	StateSuccess
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s CallState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// BaseDelay is multiplied by the retry number for linear backoff.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries twice with 1s, then 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}
}

// Backoff returns the delay before retry number n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseDelay * time.Duration(n)
}

// callMachine drives Idle → Sending → {Success | Retrying → Sending | Failed}.
//
// It holds no network state; the gateway feeds it attempt outcomes and
// obeys the returned state and delay.
type callMachine struct {
	policy   RetryPolicy
	state    CallState
	attempts int
	retries  int
	lastErr  error
}

func newCallMachine(policy RetryPolicy) *callMachine {
	return &callMachine{policy: policy, state: StateIdle}
}

// Send moves Idle or Retrying to Sending. It returns false from any other
// state.
func (m *callMachine) Send() bool {
	if m.state != StateIdle && m.state != StateRetrying {
		return false
	}
	m.state = StateSending
	m.attempts++
	return true
}

// Observe records the outcome of the attempt in flight and returns the next
// state plus, for StateRetrying, the backoff to wait before sending again.
func (m *callMachine) Observe(err error) (CallState, time.Duration) {
	if m.state != StateSending {
		return m.state, 0
	}
	if err == nil {
		m.state = StateSuccess
		return m.state, 0
	}
	m.lastErr = err
	if !IsRetryable(err) || m.retries >= m.policy.MaxRetries {
		m.state = StateFailed
		return m.state, 0
	}
	m.retries++
	m.state = StateRetrying
	return m.state, m.policy.Backoff(m.retries)
}

// Abort fails the call, e.g. when the caller went away during backoff.
func (m *callMachine) Abort(err error) {
	if m.state.Terminal() {
		return
	}
	if err != nil {
		m.lastErr = err
	}
	m.state = StateFailed
}

// State returns the current state.
func (m *callMachine) State() CallState { return m.state }

// Attempts returns the number of Send transitions so far.
func (m *callMachine) Attempts() int { return m.attempts }

// Err returns the last attempt error.
func (m *callMachine) Err() error { return m.lastErr }

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
