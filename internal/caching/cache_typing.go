// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2017, 2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"time"
)

const defaultTypingTimeout = 10 * time.Second

type typingUser struct {
	timer  *time.Timer
	expiry time.Time
}

// userSet is a map of user IDs to a timer, timer fires at expiry.
type userSet map[string]typingUser

// TimeoutCallbackFn is a function called right after the removal of a user
// from the typing user list due to timeout.
// latestSyncPosition is the typing sync position after the removal.
type TimeoutCallbackFn func(userID, roomID string, latestSyncPosition int64)

type roomData struct {
	syncPosition int64
	userSet      userSet
}

// EDUCache maintains a list of users typing in each room.
type EDUCache struct {
	sync.RWMutex
	latestSyncPosition int64
	data               map[string]*roomData
	timeoutCallback    TimeoutCallbackFn
}

// NewTypingCache returns a new EDUCache initialised for use.
func NewTypingCache() *EDUCache {
	return &EDUCache{data: make(map[string]*roomData)}
}

// SetTimeoutCallback sets a callback function that is called right after
// a user is removed from the typing user list due to timeout.
func (t *EDUCache) SetTimeoutCallback(fn TimeoutCallbackFn) {
	t.Lock()
	defer t.Unlock()
	t.timeoutCallback = fn
}

// GetTypingUsers returns the list of users typing in a room.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	users, _ := t.GetTypingUsersIfUpdatedAfter(roomID, 0)
	// 0 should work above because the first position used will be 1.
	return users
}

// GetTypingUsersIfUpdatedAfter returns all users typing in this room with
// updated == true if the typing sync position of the room is after the given
// position. Otherwise, returns an empty slice with updated == false.
func (t *EDUCache) GetTypingUsersIfUpdatedAfter(
	roomID string, position int64,
) (users []string, updated bool) {
	t.RLock()
	defer t.RUnlock()

	users = []string{}
	if roomData, ok := t.data[roomID]; ok {
		updated = roomData.syncPosition > position
		if updated {
			for userID := range roomData.userSet {
				users = append(users, userID)
			}
		}
	}
	return
}

// AddTypingUser sets an user as typing in a room.
// expire is the time when the user typing should time out.
// if expire is nil, defaultTypingTimeout is assumed.
// Returns the latest sync position for typing after update.
func (t *EDUCache) AddTypingUser(
	userID, roomID string, expire *time.Time,
) int64 {
	expireTime := getExpireTime(expire)
	if until := time.Until(expireTime); until > 0 {
		timer := time.AfterFunc(until, func() {
			t.removeUser(userID, roomID, expireTime)
		})
		return t.addUser(userID, roomID, typingUser{timer: timer, expiry: expireTime})
	}
	return t.GetLatestSyncPosition()
}

// addUser with mutex lock & replace the previous timer.
// Returns the latest typing sync position after update.
func (t *EDUCache) addUser(
	userID, roomID string, user typingUser,
) int64 {
	t.Lock()
	defer t.Unlock()

	t.latestSyncPosition++

	if t.data[roomID] == nil {
		t.data[roomID] = &roomData{
			userSet: make(userSet),
		}
	}

	// Stop the timer to cancel the call to timeoutCallback
	if existing, ok := t.data[roomID].userSet[userID]; ok {
		existing.timer.Stop()
	}

	t.data[roomID].userSet[userID] = user
	t.data[roomID].syncPosition = t.latestSyncPosition

	return t.latestSyncPosition
}

// RemoveUser with mutex lock & stop the timer.
// Returns the latest sync position for typing after update.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.Lock()
	defer t.Unlock()

	roomData, ok := t.data[roomID]
	if !ok {
		return t.latestSyncPosition
	}

	user, ok := roomData.userSet[userID]
	if !ok {
		return t.latestSyncPosition
	}

	user.timer.Stop()
	delete(roomData.userSet, userID)

	t.latestSyncPosition++
	t.data[roomID].syncPosition = t.latestSyncPosition

	return t.latestSyncPosition
}

// removeUser is called by the expiry timer. If the user has since been
// re-added with a later expiry the stale timer is ignored.
func (t *EDUCache) removeUser(userID, roomID string, expireTime time.Time) {
	t.Lock()
	roomData, ok := t.data[roomID]
	if !ok {
		t.Unlock()
		return
	}
	if user, ok := roomData.userSet[userID]; !ok || !user.expiry.Equal(expireTime) {
		t.Unlock()
		return
	}
	delete(roomData.userSet, userID)
	t.latestSyncPosition++
	roomData.syncPosition = t.latestSyncPosition
	latestSyncPosition := t.latestSyncPosition
	callback := t.timeoutCallback
	t.Unlock()

	if callback != nil {
		callback(userID, roomID, latestSyncPosition)
	}
}

// GetLatestSyncPosition returns the most recent typing sync position.
func (t *EDUCache) GetLatestSyncPosition() int64 {
	t.RLock()
	defer t.RUnlock()
	return t.latestSyncPosition
}

func getExpireTime(expire *time.Time) time.Time {
	if expire != nil {
		return *expire
	}
	return time.Now().Add(defaultTypingTimeout)
}
