// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

type Database interface {
	// WriteEvent stores a room event and returns its stream position.
	// Writing the same event ID twice returns the original position.
	WriteEvent(ctx context.Context, ev *synctypes.ClientEvent) (types.StreamPosition, error)
	// RecentEvents returns the most recent events in the range that pass
	// the filter, oldest first, and whether older matching events were left out.
	RecentEvents(ctx context.Context, roomID string, r types.Range, filter *synctypes.RoomEventFilter) ([]types.StreamEvent, bool, error)
	// MemberEvent returns the user's latest m.room.member event at or before
	// maxPos, or nil if there is none.
	MemberEvent(ctx context.Context, roomID, userID string, maxPos types.StreamPosition) (*types.StreamEvent, error)
	// AllJoinedUsersInRooms returns a map of room ID to a list of all joined user IDs.
	AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error)
	MembershipsForUser(ctx context.Context, userID string) ([]types.Membership, error)

	// GetFilter looks up the filter associated with a given local user and filter ID
	// and populates the target filter. Otherwise returns an error if no such filter exists
	// or if there was an error talking to the database.
	GetFilter(ctx context.Context, target *synctypes.Filter, localpart string, filterID string) error
	// PutFilter puts the passed filter into the database.
	// Returns the filterID as a string. Otherwise returns an error if something
	// goes wrong.
	PutFilter(ctx context.Context, localpart string, filter *synctypes.Filter) (string, error)

	// StoreReceipt stores new receipt events
	StoreReceipt(ctx context.Context, roomId, receiptType, userId, eventId string, timestamp spec.Timestamp) (pos types.StreamPosition, err error)
	// RoomReceiptsAfter returns all receipts in the given rooms after the
	// given stream position, and the highest position seen.
	RoomReceiptsAfter(ctx context.Context, roomIDs []string, streamPos types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error)

	StoreUnPartialStatedRoom(ctx context.Context, roomID string, userIDs []string) (types.StreamPosition, error)
	UnPartialStatedRoomsInRange(ctx context.Context, userID string, r types.Range) ([]string, error)

	// MaxStreamToken returns the latest position of each stream stored here.
	MaxStreamToken(ctx context.Context) (types.StreamingToken, error)
}
