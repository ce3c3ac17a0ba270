// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

type Events interface {
	// InsertEvent stores the event and returns the stream position it was
	// given. Inserting an event ID a second time returns the original
	// position.
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *synctypes.ClientEvent) (types.StreamPosition, error)
	// SelectRecentEvents returns up to filter.Limit events in the range that
	// pass the filter, oldest first. limited is true when more matching
	// events exist in the range.
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, filter *synctypes.RoomEventFilter) (events []types.StreamEvent, limited bool, err error)
	// SelectStateEvent returns the latest state event with the given type and
	// state key at or before maxPos, or nil if there is none.
	SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, maxPos types.StreamPosition) (*types.StreamEvent, error)
	SelectMaxEventID(ctx context.Context, txn *sql.Tx) (int64, error)
}

type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomID, userID, membership string, pos types.StreamPosition) error
	// SelectJoinedUsers returns a map of room ID to the users joined to it.
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx) (map[string][]string, error)
	SelectMembershipsForUser(ctx context.Context, txn *sql.Tx, userID string) ([]types.Membership, error)
}

type Filter interface {
	SelectFilter(ctx context.Context, txn *sql.Tx, target *synctypes.Filter, localpart string, filterID string) error
	InsertFilter(ctx context.Context, txn *sql.Tx, filter *synctypes.Filter, localpart string) (filterID string, err error)
}

type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, roomId, receiptType, userId, eventId string, timestamp spec.Timestamp) (pos types.StreamPosition, err error)
	SelectRoomReceiptsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, streamPos types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error)
	SelectMaxReceiptID(ctx context.Context, txn *sql.Tx) (id int64, err error)
}

// UnPartialStatedRooms tracks rooms that finished a partial state resync.
// All users joined at the time share one stream position.
type UnPartialStatedRooms interface {
	InsertUnPartialStatedRoom(ctx context.Context, txn *sql.Tx, roomID string, userIDs []string) (types.StreamPosition, error)
	SelectUnPartialStatedRoomsInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]string, error)
	SelectMaxUnPartialStatedRoomID(ctx context.Context, txn *sql.Tx) (int64, error)
}
