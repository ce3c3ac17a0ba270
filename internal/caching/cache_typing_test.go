// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	typingRoom  = "!typing:localhost"
	typingAlice = "@alice:localhost"
	typingBob   = "@bob:localhost"
)

func TestTypingPositionsAdvance(t *testing.T) {
	cache := NewTypingCache()
	assert.Equal(t, int64(0), cache.GetLatestSyncPosition())

	first := cache.AddTypingUser(typingAlice, typingRoom, nil)
	second := cache.AddTypingUser(typingBob, typingRoom, nil)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.ElementsMatch(t, []string{typingAlice, typingBob}, cache.GetTypingUsers(typingRoom))

	removed := cache.RemoveUser(typingAlice, typingRoom)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, []string{typingBob}, cache.GetTypingUsers(typingRoom))

	// Removing someone who isn't typing doesn't move the stream.
	assert.Equal(t, removed, cache.RemoveUser(typingAlice, typingRoom))
	assert.Equal(t, removed, cache.RemoveUser(typingAlice, "!elsewhere:localhost"))
}

func TestTypingIfUpdatedAfter(t *testing.T) {
	cache := NewTypingCache()
	pos := cache.AddTypingUser(typingAlice, typingRoom, nil)

	tests := []struct {
		name        string
		roomID      string
		since       int64
		wantUpdated bool
		wantUsers   []string
	}{
		{name: "before update", roomID: typingRoom, since: pos - 1, wantUpdated: true, wantUsers: []string{typingAlice}},
		{name: "at update", roomID: typingRoom, since: pos, wantUsers: []string{}},
		{name: "unknown room", roomID: "!unknown:localhost", since: 0, wantUsers: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, updated := cache.GetTypingUsersIfUpdatedAfter(tt.roomID, tt.since)
			assert.Equal(t, tt.wantUpdated, updated)
			assert.Equal(t, tt.wantUsers, users)
		})
	}

	// Stopping typing is itself an update, reported with nobody typing.
	stopped := cache.RemoveUser(typingAlice, typingRoom)
	users, updated := cache.GetTypingUsersIfUpdatedAfter(typingRoom, pos)
	assert.True(t, updated)
	assert.Empty(t, users)
	assert.NotNil(t, users)
	_, updated = cache.GetTypingUsersIfUpdatedAfter(typingRoom, stopped)
	assert.False(t, updated)
}

func TestTypingExpiredOnArrival(t *testing.T) {
	cache := NewTypingCache()
	past := time.Now().Add(-time.Second)
	pos := cache.AddTypingUser(typingAlice, typingRoom, &past)
	assert.Equal(t, int64(0), pos)
	assert.Empty(t, cache.GetTypingUsers(typingRoom))
}

func TestTypingTimeoutCallback(t *testing.T) {
	cache := NewTypingCache()
	type expiry struct {
		userID, roomID string
		pos            int64
	}
	expired := make(chan expiry, 1)
	cache.SetTimeoutCallback(func(userID, roomID string, pos int64) {
		expired <- expiry{userID, roomID, pos}
	})

	soon := time.Now().Add(20 * time.Millisecond)
	added := cache.AddTypingUser(typingBob, typingRoom, &soon)

	select {
	case got := <-expired:
		assert.Equal(t, typingBob, got.userID)
		assert.Equal(t, typingRoom, got.roomID)
		assert.Equal(t, added+1, got.pos)
	case <-time.After(time.Second):
		t.Fatal("typing notification never expired")
	}
	assert.Empty(t, cache.GetTypingUsers(typingRoom))
}

func TestTypingRemovedBeforeTimeout(t *testing.T) {
	cache := NewTypingCache()
	fired := atomic.NewBool(false)
	cache.SetTimeoutCallback(func(string, string, int64) {
		fired.Store(true)
	})

	soon := time.Now().Add(20 * time.Millisecond)
	cache.AddTypingUser(typingAlice, typingRoom, &soon)
	pos := cache.RemoveUser(typingAlice, typingRoom)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load(), "stopped timers must not call back")
	assert.Equal(t, pos, cache.GetLatestSyncPosition())
}

func TestTypingRefreshOutlivesFirstExpiry(t *testing.T) {
	cache := NewTypingCache()

	soon := time.Now().Add(20 * time.Millisecond)
	cache.AddTypingUser(typingAlice, typingRoom, &soon)
	later := time.Now().Add(10 * time.Second)
	pos := cache.AddTypingUser(typingAlice, typingRoom, &later)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []string{typingAlice}, cache.GetTypingUsers(typingRoom))
	assert.Equal(t, pos, cache.GetLatestSyncPosition())
}
