// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/syncapi/types"
)

// ErrUserStreamNotFound is returned when there is no stream for a user. It
// means there is nobody to notify rather than that anything went wrong.
var ErrUserStreamNotFound = errors.New("user stream not found")

// StreamLoader is the part of the sync storage the notifier is seeded from.
type StreamLoader interface {
	AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error)
	MaxStreamToken(ctx context.Context) (types.StreamingToken, error)
}

// Notifier will wake up sleeping requests when there is some new data.
// It does not tell requests what that data is, only the sync position which
// they can use to get at it. This is done to prevent races whereby we tell the caller
// the event, but the token has already advanced by the time they fetch it, resulting
// in missed events.
type Notifier struct {
	lock *sync.RWMutex
	// A map of user_id => UserStream which can be used to wake a given user's /sync request.
	userStreams map[string]*UserStream
	// A map of room_id => set of UserStream for the users joined to the room.
	// Every stream in here is also in userStreams under its own user ID.
	roomStreams map[string]map[*UserStream]struct{}
	// The latest sync position
	currPos types.StreamingToken
	clock   func() time.Time
	notify  func(s *UserStream, key types.StreamKey, pos types.StreamPosition, now time.Time) bool
}

// NewNotifier creates a new notifier set to the given sync position.
// In order for this to be of any use, the Notifier needs to be told all rooms and
// the joined users within each of them by calling Notifier.Load.
func NewNotifier(currPos types.StreamingToken) *Notifier {
	return &Notifier{
		lock:        &sync.RWMutex{},
		userStreams: make(map[string]*UserStream),
		roomStreams: make(map[string]map[*UserStream]struct{}),
		currPos:     currPos,
		clock:       time.Now,
		notify:      (*UserStream).Notify,
	}
}

// Load the membership states required to notify users correctly.
func (n *Notifier) Load(ctx context.Context, db StreamLoader) error {
	roomToUsers, err := db.AllJoinedUsersInRooms(ctx)
	if err != nil {
		return fmt.Errorf("db.AllJoinedUsersInRooms: %w", err)
	}
	pos, err := db.MaxStreamToken(ctx)
	if err != nil {
		return fmt.Errorf("db.MaxStreamToken: %w", err)
	}

	n.lock.Lock()
	defer n.lock.Unlock()
	n.currPos.ApplyUpdates(pos)
	for roomID, userIDs := range roomToUsers {
		for _, userID := range userIDs {
			n._joinRoom(userID, roomID)
		}
	}
	log.WithFields(log.Fields{
		"rooms":    len(roomToUsers),
		"users":    len(n.userStreams),
		"position": n.currPos.String(),
	}).Info("Loaded sync notifier state")
	return nil
}

// CurrentPosition returns the current sync position
func (n *Notifier) CurrentPosition() types.StreamingToken {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.currPos
}

// OnNewEvent is called when a new position is reached on one of the sync
// streams. Every stream belonging to one of userIDs, or to a user joined to
// one of roomIDs, is advanced and woken. A stream reachable both ways is
// only notified once. Returns the number of streams that advanced.
func (n *Notifier) OnNewEvent(
	key types.StreamKey, pos types.StreamPosition, userIDs, roomIDs []string,
) int {
	n.lock.Lock()
	n.currPos, _ = n.currPos.AdvanceQuietly(key, pos)
	targets := make(map[*UserStream]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if stream, ok := n.userStreams[userID]; ok {
			targets[stream] = struct{}{}
		}
	}
	for _, roomID := range roomIDs {
		for stream := range n.roomStreams[roomID] {
			targets[stream] = struct{}{}
		}
	}
	n.lock.Unlock()

	now := n.clock()
	advanced := 0
	for stream := range targets {
		if n.notifyStream(stream, key, pos, now) {
			advanced++
		}
	}
	if advanced > 0 {
		notificationsSent.WithLabelValues(key.String()).Add(float64(advanced))
	}
	return advanced
}

// notifyStream isolates each stream so that one misbehaving stream doesn't
// stop the rest from being woken.
func (n *Notifier) notifyStream(
	stream *UserStream, key types.StreamKey, pos types.StreamPosition, now time.Time,
) (advanced bool) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.WithFields(log.Fields{
				"user_id":    stream.UserID,
				"stream_key": key.String(),
				"position":   pos,
				"panic":      r,
			}).Error("Failed to notify user stream")
			advanced = false
		}
	}()
	return n.notify(stream, key, pos, now)
}

// OnNewTyping wakes users joined to the room.
func (n *Notifier) OnNewTyping(roomID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyTyping, pos, nil, []string{roomID})
}

// OnNewReceipt wakes users joined to the room.
func (n *Notifier) OnNewReceipt(roomID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyReceipt, pos, nil, []string{roomID})
}

// OnNewPresence wakes the user and everybody sharing a room with them.
func (n *Notifier) OnNewPresence(userID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyPresence, pos, append(n.SharedUsers(userID), userID), nil)
}

// OnNewDeviceList wakes the user and everybody sharing a room with them.
func (n *Notifier) OnNewDeviceList(userID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyDeviceList, pos, append(n.SharedUsers(userID), userID), nil)
}

// OnNewAccountData wakes the user whose account data changed.
func (n *Notifier) OnNewAccountData(userID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyAccountData, pos, []string{userID}, nil)
}

// OnNewPushRules wakes the user whose push rules changed.
func (n *Notifier) OnNewPushRules(userID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyPushRules, pos, []string{userID}, nil)
}

// OnNewSendToDevice wakes the user receiving send-to-device messages.
func (n *Notifier) OnNewSendToDevice(userID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyToDevice, pos, []string{userID}, nil)
}

// OnNewUnPartialStatedRoom wakes users of a room that finished its partial state resync.
func (n *Notifier) OnNewUnPartialStatedRoom(roomID string, pos types.StreamPosition) int {
	return n.OnNewEvent(types.StreamKeyUnPartialStatedRooms, pos, nil, []string{roomID})
}

// GetUserStream returns the stream for the user, or ErrUserStreamNotFound.
func (n *Notifier) GetUserStream(userID string) (*UserStream, error) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	stream, ok := n.userStreams[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserStreamNotFound, userID)
	}
	return stream, nil
}

// GetOrCreateUserStream returns the stream for the user, creating one at the
// current position if the user has none yet.
func (n *Notifier) GetOrCreateUserStream(userID string) *UserStream {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n._fetchUserStream(userID)
}

// DeleteUserStream removes the user's stream from the user index and from
// every room it was subscribed to.
func (n *Notifier) DeleteUserStream(userID string) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	stream, ok := n.userStreams[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserStreamNotFound, userID)
	}
	for _, roomID := range stream.Rooms() {
		n._unsubscribe(stream, roomID)
	}
	delete(n.userStreams, userID)
	userStreamsGauge.Set(float64(len(n.userStreams)))
	return nil
}

// JoinRoom subscribes the user's stream to the room, creating the stream if
// needed.
func (n *Notifier) JoinRoom(userID, roomID string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n._joinRoom(userID, roomID)
}

// LeaveRoom unsubscribes the user's stream from the room. The stream itself is kept.
func (n *Notifier) LeaveRoom(userID, roomID string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if stream, ok := n.userStreams[userID]; ok {
		n._unsubscribe(stream, roomID)
	}
}

// JoinedUsers returns the users subscribed to the room, sorted.
func (n *Notifier) JoinedUsers(roomID string) []string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	users := make([]string, 0, len(n.roomStreams[roomID]))
	for stream := range n.roomStreams[roomID] {
		users = append(users, stream.UserID)
	}
	sort.Strings(users)
	return users
}

// SharedUsers returns every other user sharing at least one room with the user.
func (n *Notifier) SharedUsers(userID string) []string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	stream, ok := n.userStreams[userID]
	if !ok {
		return nil
	}
	shared := make(map[string]struct{})
	for _, roomID := range stream.Rooms() {
		for other := range n.roomStreams[roomID] {
			if other != stream {
				shared[other.UserID] = struct{}{}
			}
		}
	}
	users := make([]string, 0, len(shared))
	for userID := range shared {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// The following functions expect the lock to be held.

func (n *Notifier) _fetchUserStream(userID string) *UserStream {
	stream, ok := n.userStreams[userID]
	if !ok {
		stream = NewUserStream(userID, n.currPos)
		n.userStreams[userID] = stream
		userStreamsGauge.Set(float64(len(n.userStreams)))
	}
	return stream
}

func (n *Notifier) _joinRoom(userID, roomID string) {
	stream := n._fetchUserStream(userID)
	streams, ok := n.roomStreams[roomID]
	if !ok {
		streams = make(map[*UserStream]struct{})
		n.roomStreams[roomID] = streams
	}
	streams[stream] = struct{}{}
	stream.addRoom(roomID)
}

func (n *Notifier) _unsubscribe(stream *UserStream, roomID string) {
	if streams, ok := n.roomStreams[roomID]; ok {
		delete(streams, stream)
		if len(streams) == 0 {
			delete(n.roomStreams, roomID)
		}
	}
	stream.removeRoom(roomID)
}
