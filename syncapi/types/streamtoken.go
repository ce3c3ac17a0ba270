// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMalformedSyncToken is wrapped by every parse failure of a sync
	// token, so that callers can map it onto a client error.
	ErrMalformedSyncToken = errors.New("malformed sync token")
)

// StreamPosition represents the offset in the sync stream a client is at.
type StreamPosition int64

// Range represents a (from, to] window of stream positions.
type Range struct {
	From      StreamPosition
	To        StreamPosition
	Backwards bool
}

// Low returns the exclusive lower bound of the range.
func (r *Range) Low() StreamPosition {
	if !r.Backwards {
		return r.From
	}
	return r.To
}

// High returns the inclusive upper bound of the range.
func (r *Range) High() StreamPosition {
	if !r.Backwards {
		return r.To
	}
	return r.From
}

// StreamKey names one of the positions held in a StreamingToken.
type StreamKey int

const (
	StreamKeyRoom StreamKey = iota
	StreamKeyPresence
	StreamKeyTyping
	StreamKeyReceipt
	StreamKeyAccountData
	StreamKeyPushRules
	StreamKeyToDevice
	StreamKeyDeviceList
	StreamKeyUnPartialStatedRooms
)

var streamKeyNames = [...]string{
	StreamKeyRoom:                 "room_key",
	StreamKeyPresence:             "presence_key",
	StreamKeyTyping:               "typing_key",
	StreamKeyReceipt:              "receipt_key",
	StreamKeyAccountData:          "account_data_key",
	StreamKeyPushRules:            "push_rules_key",
	StreamKeyToDevice:             "to_device_key",
	StreamKeyDeviceList:           "device_list_key",
	StreamKeyUnPartialStatedRooms: "un_partial_stated_rooms_key",
}

func (k StreamKey) String() string {
	if k < 0 || int(k) >= len(streamKeyNames) {
		return fmt.Sprintf("StreamKey(%d)", int(k))
	}
	return streamKeyNames[k]
}

// ParseStreamKey is the inverse of StreamKey.String.
func ParseStreamKey(s string) (StreamKey, error) {
	for k, name := range streamKeyNames {
		if name == s {
			return StreamKey(k), nil
		}
	}
	return 0, fmt.Errorf("unknown stream key %q", s)
}

// RoomStreamToken is a position in the room event stream. A live token is
// a plain stream ordering ("s5"). A historical token is qualified by a
// topological depth ("t3-5") and identifies a point in the past of one room,
// so it can never be moved forward.
type RoomStreamToken struct {
	Topological StreamPosition
	Stream      StreamPosition
	historical  bool
}

// NewRoomStreamToken returns a live room token at the given stream ordering.
func NewRoomStreamToken(stream StreamPosition) RoomStreamToken {
	return RoomStreamToken{Stream: stream}
}

// NewHistoricalRoomStreamToken returns a room token qualified by depth.
func NewHistoricalRoomStreamToken(topological, stream StreamPosition) RoomStreamToken {
	return RoomStreamToken{Topological: topological, Stream: stream, historical: true}
}

// IsHistorical reports whether the token carries a topological ordering.
func (t RoomStreamToken) IsHistorical() bool {
	return t.historical
}

func (t RoomStreamToken) String() string {
	if t.historical {
		return fmt.Sprintf("t%d-%d", t.Topological, t.Stream)
	}
	return fmt.Sprintf("s%d", t.Stream)
}

// Advance moves a live token to pos if pos is further along the stream.
// The second return value is false, and the receiver is returned, when no
// advance took place.
func (t RoomStreamToken) Advance(pos StreamPosition) (RoomStreamToken, bool) {
	if t.historical {
		logrus.WithFields(logrus.Fields{
			"token":    t.String(),
			"position": pos,
		}).Warn("Cannot advance historical room token")
		return t, false
	}
	if pos > t.Stream {
		return NewRoomStreamToken(pos), true
	}
	return t, false
}

// NewRoomStreamTokenFromString parses "s<stream>" or "t<depth>-<stream>".
func NewRoomStreamTokenFromString(s string) (RoomStreamToken, error) {
	if len(s) < 2 {
		return RoomStreamToken{}, fmt.Errorf("%w: room token %q too short", ErrMalformedSyncToken, s)
	}
	switch s[0] {
	case 's':
		pos, err := parsePosition(s[1:])
		if err != nil {
			return RoomStreamToken{}, err
		}
		return NewRoomStreamToken(pos), nil
	case 't':
		depth, stream, ok := strings.Cut(s[1:], "-")
		if !ok {
			return RoomStreamToken{}, fmt.Errorf("%w: room token %q has no stream ordering", ErrMalformedSyncToken, s)
		}
		topo, err := parsePosition(depth)
		if err != nil {
			return RoomStreamToken{}, err
		}
		pos, err := parsePosition(stream)
		if err != nil {
			return RoomStreamToken{}, err
		}
		return NewHistoricalRoomStreamToken(topo, pos), nil
	default:
		return RoomStreamToken{}, fmt.Errorf("%w: room token %q has unknown prefix %q", ErrMalformedSyncToken, s, s[0])
	}
}

func parsePosition(s string) (StreamPosition, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a position: %s", ErrMalformedSyncToken, s, err)
	}
	if i < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrMalformedSyncToken, i)
	}
	return StreamPosition(i), nil
}

// StreamingToken is the composite sync cursor handed to clients as
// next_batch and accepted back as since. Field order is fixed and matches
// the serialised form.
type StreamingToken struct {
	RoomPosition                 RoomStreamToken
	PresencePosition             StreamPosition
	TypingPosition               StreamPosition
	ReceiptPosition              StreamPosition
	AccountDataPosition          StreamPosition
	PushRulesPosition            StreamPosition
	SendToDevicePosition         StreamPosition
	DeviceListPosition           StreamPosition
	UnPartialStatedRoomsPosition StreamPosition
}

const streamingTokenParts = 9

// This will be used as a fallback by json.Marshal.
func (t StreamingToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// This will be used as a fallback by json.Unmarshal.
func (t *StreamingToken) UnmarshalText(text []byte) (err error) {
	*t, err = NewStreamTokenFromString(string(text))
	return err
}

func (t StreamingToken) String() string {
	return fmt.Sprintf(
		"%s_%d_%d_%d_%d_%d_%d_%d_%d",
		t.RoomPosition.String(),
		t.PresencePosition, t.TypingPosition, t.ReceiptPosition,
		t.AccountDataPosition, t.PushRulesPosition, t.SendToDevicePosition,
		t.DeviceListPosition, t.UnPartialStatedRoomsPosition,
	)
}

// NewStreamTokenFromString parses the output of StreamingToken.String.
func NewStreamTokenFromString(tok string) (token StreamingToken, err error) {
	parts := strings.Split(tok, "_")
	if len(parts) != streamingTokenParts {
		return token, fmt.Errorf("%w: invalid stream token length %d", ErrMalformedSyncToken, len(parts))
	}
	if token.RoomPosition, err = NewRoomStreamTokenFromString(parts[0]); err != nil {
		return StreamingToken{}, err
	}
	for i, part := range parts[1:] {
		pos, err := parsePosition(part)
		if err != nil {
			return StreamingToken{}, err
		}
		*token.position(StreamKey(i + 1)) = pos
	}
	return token, nil
}

// position returns the address of a non-room field.
func (t *StreamingToken) position(key StreamKey) *StreamPosition {
	switch key {
	case StreamKeyPresence:
		return &t.PresencePosition
	case StreamKeyTyping:
		return &t.TypingPosition
	case StreamKeyReceipt:
		return &t.ReceiptPosition
	case StreamKeyAccountData:
		return &t.AccountDataPosition
	case StreamKeyPushRules:
		return &t.PushRulesPosition
	case StreamKeyToDevice:
		return &t.SendToDevicePosition
	case StreamKeyDeviceList:
		return &t.DeviceListPosition
	case StreamKeyUnPartialStatedRooms:
		return &t.UnPartialStatedRoomsPosition
	}
	return nil
}

// Position returns the value of one field. For the room key this is the
// stream ordering of the room token.
func (t StreamingToken) Position(key StreamKey) StreamPosition {
	if key == StreamKeyRoom {
		return t.RoomPosition.Stream
	}
	if p := t.position(key); p != nil {
		return *p
	}
	return 0
}

// Advance returns a copy of the token with the field for key moved to pos.
// Positions only move forward: if pos is not after the current value the
// original token is returned with false.
func (t StreamingToken) Advance(key StreamKey, pos StreamPosition) (StreamingToken, bool) {
	next, ok := t.advance(key, pos)
	logger := logrus.WithFields(logrus.Fields{
		"stream_key": key.String(),
		"position":   pos,
		"token":      t.String(),
	})
	if !ok {
		logger.Warn("Failed to advance stream token")
		return t, false
	}
	logger.Debug("Advanced stream token")
	return next, true
}

// advance is Advance without logging, for callers folding many positions
// together where going backwards is expected.
func (t StreamingToken) advance(key StreamKey, pos StreamPosition) (StreamingToken, bool) {
	if key == StreamKeyRoom {
		room, ok := t.RoomPosition.Advance(pos)
		if !ok {
			return t, false
		}
		t.RoomPosition = room
		return t, true
	}
	p := t.position(key)
	if p == nil || pos <= *p {
		return t, false
	}
	*p = pos
	return t, true
}

// AdvanceQuietly is Advance without the diagnostics, used when merging
// positions from several sources where most are expected to be stale.
func (t StreamingToken) AdvanceQuietly(key StreamKey, pos StreamPosition) (StreamingToken, bool) {
	return t.advance(key, pos)
}

// IsAfter returns true if any position in this token is greater than the
// corresponding position in other.
func (t StreamingToken) IsAfter(other StreamingToken) bool {
	for k := range streamKeyNames {
		if t.Position(StreamKey(k)) > other.Position(StreamKey(k)) {
			return true
		}
	}
	return false
}

// IsEmpty returns true if every position is zero.
func (t StreamingToken) IsEmpty() bool {
	return t == StreamingToken{}
}

// ApplyUpdates takes the highest of every position from other. A historical
// room position on either side is left alone.
func (t *StreamingToken) ApplyUpdates(other StreamingToken) {
	if !other.RoomPosition.IsHistorical() {
		*t, _ = t.advance(StreamKeyRoom, other.RoomPosition.Stream)
	}
	for k := StreamKeyPresence; int(k) < len(streamKeyNames); k++ {
		*t, _ = t.advance(k, other.Position(k))
	}
}
