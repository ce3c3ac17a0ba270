// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncstream/syncapi/synctypes"
)

// StreamEvent is the same as synctypes.ClientEvent with the stream position
// it was written at.
type StreamEvent struct {
	*synctypes.ClientEvent
	StreamPosition StreamPosition
}

// Membership is a user's latest membership in a room.
type Membership struct {
	RoomID         string
	Membership     string
	StreamPosition StreamPosition
}

// OutputReceiptEvent is an entry in the receipt output kafka log
type OutputReceiptEvent struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// ReceiptMRead is the content of one user's receipt inside an m.receipt
// event.
type ReceiptMRead struct {
	User map[string]ReceiptTS `json:"m.read"`
}

type ReceiptTS struct {
	TS spec.Timestamp `json:"ts"`
}

// ClientEvents wraps a list of serialised events. They are kept as raw
// JSON so that event_fields projection can remove keys.
type ClientEvents struct {
	Events []json.RawMessage `json:"events"`
}

func NewClientEvents() ClientEvents {
	return ClientEvents{Events: []json.RawMessage{}}
}

// Timeline is the timeline section of a room in a sync response.
type Timeline struct {
	ClientEvents
	Limited   bool   `json:"limited"`
	PrevBatch string `json:"prev_batch,omitempty"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' or 'peek' key.
type JoinResponse struct {
	State     ClientEvents `json:"state"`
	Timeline  Timeline     `json:"timeline"`
	Ephemeral ClientEvents `json:"ephemeral"`
}

// NewJoinResponse creates an empty response with initialised arrays.
func NewJoinResponse() *JoinResponse {
	return &JoinResponse{
		State:     NewClientEvents(),
		Timeline:  Timeline{ClientEvents: NewClientEvents()},
		Ephemeral: NewClientEvents(),
	}
}

// IsEmpty reports whether there is nothing to tell the client about.
func (jr *JoinResponse) IsEmpty() bool {
	return len(jr.State.Events) == 0 &&
		len(jr.Timeline.Events) == 0 &&
		len(jr.Ephemeral.Events) == 0
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type LeaveResponse struct {
	State    ClientEvents `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// NewLeaveResponse creates an empty response with initialised arrays.
func NewLeaveResponse() *LeaveResponse {
	return &LeaveResponse{
		State:    NewClientEvents(),
		Timeline: Timeline{ClientEvents: NewClientEvents()},
	}
}

type RoomsResponse struct {
	Join  map[string]*JoinResponse  `json:"join,omitempty"`
	Leave map[string]*LeaveResponse `json:"leave,omitempty"`
}

// Response represents a /sync API response. See https://matrix.org/docs/spec/client_server/r0.2.0.html#get-matrix-client-r0-sync
type Response struct {
	NextBatch StreamingToken `json:"next_batch"`
	Rooms     *RoomsResponse `json:"rooms,omitempty"`
}

// NewResponse creates an empty response with initialised maps.
func NewResponse() *Response {
	return &Response{
		Rooms: &RoomsResponse{
			Join:  map[string]*JoinResponse{},
			Leave: map[string]*LeaveResponse{},
		},
	}
}

// HasUpdates reports whether any room has something in it.
func (r *Response) HasUpdates() bool {
	if r.Rooms == nil {
		return false
	}
	for _, jr := range r.Rooms.Join {
		if !jr.IsEmpty() {
			return true
		}
	}
	return len(r.Rooms.Leave) > 0
}
