// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func msg(role, content string) datatypes.Message {
	return datatypes.Message{Role: role, Content: content}
}

func TestTracker_LimitEnforcedBeforeWork(t *testing.T) {
	tr := NewTracker(2, time.Hour)

	for i := 0; i < 2; i++ {
		r, err := tr.Reserve(Key{Client: "guest-1"})
		require.NoError(t, err)
		assert.Equal(t, 1-i, r.Remaining)
		r.Commit(msg(datatypes.RoleUser, "q"), msg(datatypes.RoleAssistant, "a"))
	}

	_, err := tr.Reserve(Key{Client: "guest-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrGuestLimitExceeded)
	assert.ErrorIs(t, err, datatypes.ErrCapacityExceeded)

	var cerr *datatypes.CapacityError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 2, cerr.Limit)

	// Other clients are independent.
	_, err = tr.Reserve(Key{Client: "guest-2"})
	assert.NoError(t, err)
}

func TestTracker_HistorySnapshot(t *testing.T) {
	tr := NewTracker(5, time.Hour)

	r1, err := tr.Reserve(Key{Client: "g"})
	require.NoError(t, err)
	assert.Empty(t, r1.History)
	r1.Commit(msg(datatypes.RoleUser, "Hello"), msg(datatypes.RoleAssistant, "Hi"))

	r2, err := tr.Reserve(Key{Client: "g"})
	require.NoError(t, err)
	require.Len(t, r2.History, 2)
	assert.Equal(t, "Hello", r2.History[0].Content)

	r2.History[0].Content = "mutated"
	r3, err := tr.Reserve(Key{Client: "g"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", r3.History[0].Content)
}

func TestTracker_ReleaseReturnsSlot(t *testing.T) {
	tr := NewTracker(1, time.Hour)

	r, err := tr.Reserve(Key{Client: "g"})
	require.NoError(t, err)
	r.Release()
	assert.Equal(t, 1, tr.Remaining(Key{Client: "g"}))

	_, err = tr.Reserve(Key{Client: "g"})
	assert.NoError(t, err)
}

func TestTracker_ConcurrentReservesRespectLimit(t *testing.T) {
	tr := NewTracker(DefaultLimit, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Reserve(Key{Client: "shared"}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, DefaultLimit, accepted)
}

func TestTracker_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(1, time.Hour, WithClock(clock.Now))

	_, err := tr.Reserve(Key{Client: "g"})
	require.NoError(t, err)
	_, err = tr.Reserve(Key{Client: "g"})
	require.Error(t, err)
	assert.Equal(t, 1, tr.Len())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, tr.Remaining(Key{Client: "g"}))
	assert.Equal(t, 0, tr.Len())

	_, err = tr.Reserve(Key{Client: "g"})
	assert.NoError(t, err)
}

func TestTracker_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(2, time.Hour, WithClock(clock.Now))

	_, err := tr.Reserve(Key{Client: "old"})
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)
	_, err = tr.Reserve(Key{Client: "fresh"})
	require.NoError(t, err)

	assert.Equal(t, 0, tr.Sweep())
	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 1, tr.Remaining(Key{Client: "fresh"}))
}

func TestTracker_RequiresID(t *testing.T) {
	tr := NewTracker(0, 0)
	assert.Equal(t, DefaultLimit, tr.Limit())

	_, err := tr.Reserve(Key{Client: "  "})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestTracker_SessionsShareClientAllowance(t *testing.T) {
	tr := NewTracker(2, time.Hour)

	r, err := tr.Reserve(Key{Client: "ip:10.0.0.1", Session: "tab-a"})
	require.NoError(t, err)
	r.Commit(msg(datatypes.RoleUser, "from a"), msg(datatypes.RoleAssistant, "ok"))

	// A fresh session value keeps its own history but not a fresh allowance.
	r, err = tr.Reserve(Key{Client: "ip:10.0.0.1", Session: "tab-b"})
	require.NoError(t, err)
	assert.Empty(t, r.History)
	assert.Equal(t, 0, r.Remaining)
	r.Commit(msg(datatypes.RoleUser, "from b"), msg(datatypes.RoleAssistant, "ok"))

	_, err = tr.Reserve(Key{Client: "ip:10.0.0.1", Session: "tab-c"})
	assert.ErrorIs(t, err, datatypes.ErrGuestLimitExceeded)
	assert.Equal(t, 0, tr.Remaining(Key{Client: "ip:10.0.0.1", Session: "anything"}))
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_CheckClaimsNothing(t *testing.T) {
	tr := NewTracker(1, time.Hour)
	key := Key{Client: "ip:10.0.0.1"}

	require.NoError(t, tr.Check(key))
	require.NoError(t, tr.Check(key))
	assert.Equal(t, 1, tr.Remaining(key))

	_, err := tr.Reserve(key)
	require.NoError(t, err)
	err = tr.Check(key)
	assert.ErrorIs(t, err, datatypes.ErrGuestLimitExceeded)
	assert.ErrorIs(t, err, datatypes.ErrCapacityExceeded)

	assert.ErrorIs(t, tr.Check(Key{Session: "only-session"}), datatypes.ErrValidation)
}
