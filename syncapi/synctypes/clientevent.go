// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// ClientEvent is an event which is fit for consumption by clients, as described by the Matrix client-server API.
type ClientEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"` // RoomID is omitted on /sync responses
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// IsMembership reports whether the event is an m.room.member state event.
func (e *ClientEvent) IsMembership() bool {
	return e.Type == spec.MRoomMember && e.StateKey != nil
}

// ContainsURL reports whether the event content has a string "url" key.
func (e *ClientEvent) ContainsURL() bool {
	return gjson.GetBytes(e.Content, "url").Type == gjson.String
}
