// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// LazyLoadCache remembers which member events a device has already been
// sent in a room, so that lazy-loading syncs can leave them out.
type LazyLoadCache struct {
	cache *cache.Cache
}

// NewLazyLoadCache returns a cache whose entries expire after ttl.
func NewLazyLoadCache(ttl time.Duration) *LazyLoadCache {
	return &LazyLoadCache{
		cache: cache.New(ttl, ttl*2),
	}
}

func lazyLoadingKey(userID, deviceID, roomID, targetUserID string) string {
	return strings.Join([]string{userID, deviceID, roomID, targetUserID}, "\x1f")
}

func (c *LazyLoadCache) StoreLazyLoadedUser(userID, deviceID, roomID, targetUserID, eventID string) {
	c.cache.Set(lazyLoadingKey(userID, deviceID, roomID, targetUserID), eventID, cache.DefaultExpiration)
}

func (c *LazyLoadCache) IsLazyLoadedUserCached(userID, deviceID, roomID, targetUserID string) (string, bool) {
	v, ok := c.cache.Get(lazyLoadingKey(userID, deviceID, roomID, targetUserID))
	if !ok {
		return "", false
	}
	eventID, ok := v.(string)
	return eventID, ok
}

func (c *LazyLoadCache) InvalidateLazyLoadedUser(userID, deviceID, roomID, targetUserID string) {
	c.cache.Delete(lazyLoadingKey(userID, deviceID, roomID, targetUserID))
}
