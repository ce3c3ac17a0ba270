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
)

func TestCaches_LazyLoading_StoresAndRetrievesEventID(t *testing.T) {
	t.Parallel()

	cache := NewLazyLoadCache(time.Hour)
	cache.StoreLazyLoadedUser("@user:server", "DEVICE123", "!room:server", "@target:server", "$event123")

	eventID, ok := cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room:server", "@target:server")

	assert.True(t, ok)
	assert.Equal(t, "$event123", eventID)
}

func TestCaches_LazyLoading_DifferentDevicesDifferentCache(t *testing.T) {
	t.Parallel()

	cache := NewLazyLoadCache(time.Hour)
	cache.StoreLazyLoadedUser("@user:server", "DEVICE1", "!room:server", "@target:server", "$event1")
	cache.StoreLazyLoadedUser("@user:server", "DEVICE2", "!room:server", "@target:server", "$event2")

	eventID1, ok1 := cache.IsLazyLoadedUserCached("@user:server", "DEVICE1", "!room:server", "@target:server")
	eventID2, ok2 := cache.IsLazyLoadedUserCached("@user:server", "DEVICE2", "!room:server", "@target:server")

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "$event1", eventID1)
	assert.Equal(t, "$event2", eventID2)
}

func TestCaches_LazyLoading_InvalidateClearsCache(t *testing.T) {
	t.Parallel()

	cache := NewLazyLoadCache(time.Hour)
	cache.StoreLazyLoadedUser("@user:server", "DEVICE123", "!room:server", "@target:server", "$event123")

	// Verify it's there
	_, ok := cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room:server", "@target:server")
	assert.True(t, ok)

	cache.InvalidateLazyLoadedUser("@user:server", "DEVICE123", "!room:server", "@target:server")

	_, ok = cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room:server", "@target:server")
	assert.False(t, ok)
}

func TestCaches_LazyLoading_DifferentRoomsSeparate(t *testing.T) {
	t.Parallel()

	cache := NewLazyLoadCache(time.Hour)
	cache.StoreLazyLoadedUser("@user:server", "DEVICE123", "!room1:server", "@target:server", "$event1")
	cache.StoreLazyLoadedUser("@user:server", "DEVICE123", "!room2:server", "@target:server", "$event2")

	eventID1, ok1 := cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room1:server", "@target:server")
	eventID2, ok2 := cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room2:server", "@target:server")

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "$event1", eventID1)
	assert.Equal(t, "$event2", eventID2)
}

func TestCaches_LazyLoading_Expires(t *testing.T) {
	t.Parallel()

	cache := NewLazyLoadCache(20 * time.Millisecond)
	cache.StoreLazyLoadedUser("@user:server", "DEVICE123", "!room:server", "@target:server", "$event123")

	require.Eventually(t, func() bool {
		_, ok := cache.IsLazyLoadedUserCached("@user:server", "DEVICE123", "!room:server", "@target:server")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
