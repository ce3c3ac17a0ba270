// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/syncstream/syncapi/types"
)

// UserStream represents a communication mechanism between the /sync request goroutine
// and the underlying sync server goroutines.
// Goroutines can get a listener for this stream by calling AddListener with the
// position they last saw, and wait on it for the stream to move on.
type UserStream struct {
	UserID string
	// mu guards everything below
	mu sync.Mutex
	// The set of rooms this user is joined to, used for room keyed fan-out
	rooms map[string]struct{}
	// The token the stream has most recently advanced to
	current types.StreamingToken
	// The token last released to waiters. Only ever moves forward.
	lastNotified types.StreamingToken
	// When the stream last released its waiters
	lastNotifiedAt time.Time
	notifier       *UpdateNotifier
	// Number of successful notifications, for diagnostics
	notifyCount atomic.Int64
}

// NewUserStream creates a new user stream positioned at currentPosition.
func NewUserStream(userID string, currentPosition types.StreamingToken) *UserStream {
	return &UserStream{
		UserID:         userID,
		rooms:          make(map[string]struct{}),
		current:        currentPosition,
		lastNotified:   currentPosition,
		lastNotifiedAt: time.Now(),
		notifier:       NewUpdateNotifier(),
	}
}

// Notify advances the stream's token for key to pos and wakes anyone
// waiting on the stream. Returns false without waking anyone if pos does not
// advance the token.
func (s *UserStream) Notify(key types.StreamKey, pos types.StreamPosition, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.current.Advance(key, pos)
	if !ok {
		rejectedAdvances.WithLabelValues(key.String()).Inc()
		logrus.WithFields(logrus.Fields{
			"user_id":    s.UserID,
			"stream_key": key.String(),
			"position":   pos,
		}).Debug("Not notifying user stream, position did not advance")
		return false
	}
	s.current = next
	s.lastNotified = next
	s.lastNotifiedAt = now
	s.notifyCount.Inc()
	// Released under s.mu so that waiters observe tokens in order.
	s.notifier.Notify(next)
	return true
}

// UserStreamListener waits for a user stream to move past the position it
// was created at. It is bound to the notifier generation that was current
// when it was created, so a Notify landing before the wait still wakes it.
type UserStreamListener struct {
	notifier *UpdateNotifier
	gen      *generation
}

// WaitForNextEvent blocks until the stream has moved past the listener's
// position or ctx is done, in which case ctx.Err() is returned.
func (l *UserStreamListener) WaitForNextEvent(ctx context.Context) (types.StreamingToken, error) {
	return l.notifier.waitOn(ctx, l.gen)
}

// AddListener returns a listener that waits for the stream to move past
// since. If the stream has already moved past since, the listener is
// released already and yields the stream's latest token straight away.
func (s *UserStream) AddListener(since types.StreamingToken) *UserStreamListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastNotified.IsAfter(since) {
		return &UserStreamListener{notifier: s.notifier, gen: releasedGeneration(s.lastNotified)}
	}
	return &UserStreamListener{notifier: s.notifier, gen: s.notifier.generation()}
}

// CurrentToken returns the token the stream has advanced to.
func (s *UserStream) CurrentToken() types.StreamingToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastNotified returns the last released token and when it was released.
func (s *UserStream) LastNotified() (types.StreamingToken, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastNotified, s.lastNotifiedAt
}

// NotifyCount returns how many times the stream has released its waiters.
func (s *UserStream) NotifyCount() int64 {
	return s.notifyCount.Load()
}

// Waiters returns the number of goroutines waiting on the live notifier.
func (s *UserStream) Waiters() int {
	return s.notifier.Waiters()
}

// Rooms returns the rooms the user is joined to, sorted.
func (s *UserStream) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsInRoom reports whether the user is joined to the room.
func (s *UserStream) IsInRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// addRoom and removeRoom are only called by the Notifier while it holds its
// own lock, so that the room index and the stream agree.
func (s *UserStream) addRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

func (s *UserStream) removeRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
