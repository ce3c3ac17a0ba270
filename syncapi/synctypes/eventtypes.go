// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"errors"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ErrInvalidEventType is returned when an event type does not belong to any
// of the well-known buckets used to pick a filter.
var ErrInvalidEventType = errors.New("invalid event type")

// Bucket is the top level section of a filter that applies to an event.
type Bucket int

const (
	BucketAccountData Bucket = iota
	BucketPresence
	BucketRoom
)

// RoomSection is the part of a room filter that applies to an event.
type RoomSection int

const (
	RoomSectionAccountData RoomSection = iota
	RoomSectionEphemeral
	RoomSectionState
	RoomSectionTimeline
)

func (s RoomSection) String() string {
	switch s {
	case RoomSectionAccountData:
		return "account_data"
	case RoomSectionEphemeral:
		return "ephemeral"
	case RoomSectionState:
		return "state"
	case RoomSectionTimeline:
		return "timeline"
	}
	return "unknown"
}

const (
	MRoomMessage      = "m.room.message"
	MRoomEncrypted    = "m.room.encrypted"
	MRoomPinnedEvents = "m.room.pinned_events"
	MRoomServerACL    = "m.room.server_acl"
	MRoomTombstone    = "m.room.tombstone"
	MSticker          = "m.sticker"
	MReaction         = "m.reaction"
	MSpaceChild       = "m.space.child"
	MSpaceParent      = "m.space.parent"
	MTag              = "m.tag"
	MFullyRead        = "m.fully_read"
	MMarkedUnread     = "m.marked_unread"
	MDirect           = "m.direct"
	MIgnoredUserList  = "m.ignored_user_list"
	MPushRules        = "m.push_rules"
	MIdentityServer   = "m.identity_server"
	MSecretStorageKey = "m.secret_storage.default_key"
	MAcceptedTerms    = "m.accepted_terms"
)

var presenceEventTypes = map[string]struct{}{
	spec.MPresence: {},
}

// Global account data; per-room account data lives in roomAccountDataEventTypes.
var accountDataEventTypes = map[string]struct{}{
	MDirect:           {},
	MIgnoredUserList:  {},
	MPushRules:        {},
	MIdentityServer:   {},
	MSecretStorageKey: {},
	MAcceptedTerms:    {},
}

var roomAccountDataEventTypes = map[string]struct{}{
	MTag:          {},
	MFullyRead:    {},
	MMarkedUnread: {},
}

var ephemeralEventTypes = map[string]struct{}{
	spec.MTyping:  {},
	spec.MReceipt: {},
}

var stateEventTypes = map[string]struct{}{
	spec.MRoomCreate:            {},
	spec.MRoomMember:            {},
	spec.MRoomPowerLevels:       {},
	spec.MRoomJoinRules:         {},
	spec.MRoomHistoryVisibility: {},
	spec.MRoomName:              {},
	spec.MRoomTopic:             {},
	spec.MRoomAvatar:            {},
	spec.MRoomCanonicalAlias:    {},
	spec.MRoomAliases:           {},
	spec.MRoomGuestAccess:       {},
	spec.MRoomEncryption:        {},
	MRoomServerACL:              {},
	MRoomTombstone:              {},
	spec.MRoomThirdPartyInvite:  {},
	MRoomPinnedEvents:           {},
	MSpaceChild:                 {},
	MSpaceParent:                {},
}

var messageEventTypes = map[string]struct{}{
	MRoomMessage:           {},
	MRoomEncrypted:         {},
	spec.MRoomRedaction:    {},
	MSticker:               {},
	MReaction:              {},
	"m.call.invite":        {},
	"m.call.candidates":    {},
	"m.call.answer":        {},
	"m.call.hangup":        {},
	"m.call.reject":        {},
	"m.call.select_answer": {},
	"m.call.negotiate":     {},
	"m.poll.start":         {},
	"m.poll.response":      {},
	"m.poll.end":           {},
}

func inTable(table map[string]struct{}, eventType string) bool {
	_, ok := table[eventType]
	return ok
}

// IsStateEventType reports whether the type is a well-known state event type.
func IsStateEventType(eventType string) bool {
	return inTable(stateEventTypes, eventType)
}

// ClassifyEventType returns the top level filter bucket for an event type.
func ClassifyEventType(eventType string) (Bucket, error) {
	switch {
	case inTable(presenceEventTypes, eventType):
		return BucketPresence, nil
	case inTable(accountDataEventTypes, eventType):
		return BucketAccountData, nil
	case inTable(roomAccountDataEventTypes, eventType),
		inTable(ephemeralEventTypes, eventType),
		inTable(stateEventTypes, eventType),
		inTable(messageEventTypes, eventType):
		return BucketRoom, nil
	}
	return 0, ErrInvalidEventType
}

// ClassifyRoomEventType returns the room filter section for an event type.
// State changes are delivered in the timeline, so state types classify as
// timeline here; the state section is applied explicitly by the caller when
// it builds the state block of a room.
func ClassifyRoomEventType(eventType string) (RoomSection, error) {
	switch {
	case inTable(roomAccountDataEventTypes, eventType):
		return RoomSectionAccountData, nil
	case inTable(ephemeralEventTypes, eventType):
		return RoomSectionEphemeral, nil
	case inTable(stateEventTypes, eventType),
		inTable(messageEventTypes, eventType):
		return RoomSectionTimeline, nil
	}
	return 0, ErrInvalidEventType
}
