// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/syncapi/storage/tables"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

// Database is a temporary struct until we have made syncserver.go the same for both pq/sqlite
// For now this contains the shared functions
type Database struct {
	DB                   *sql.DB
	Writer               sqlutil.Writer
	OutputEvents         tables.Events
	Memberships          tables.Memberships
	Filter               tables.Filter
	Receipts             tables.Receipts
	UnPartialStatedRooms tables.UnPartialStatedRooms
}

// WriteEvent stores the event. Membership events also update the
// memberships table in the same transaction.
func (d *Database) WriteEvent(ctx context.Context, ev *synctypes.ClientEvent) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.OutputEvents.InsertEvent(ctx, txn, ev)
		if err != nil {
			return fmt.Errorf("d.OutputEvents.InsertEvent: %w", err)
		}
		if !ev.IsMembership() {
			return nil
		}
		membership := gjson.GetBytes(ev.Content, "membership").String()
		if membership == "" {
			return nil
		}
		if err = d.Memberships.UpsertMembership(ctx, txn, ev.RoomID, *ev.StateKey, membership, pos); err != nil {
			return fmt.Errorf("d.Memberships.UpsertMembership: %w", err)
		}
		return nil
	})
	return
}

func (d *Database) RecentEvents(
	ctx context.Context, roomID string, r types.Range, filter *synctypes.RoomEventFilter,
) ([]types.StreamEvent, bool, error) {
	return d.OutputEvents.SelectRecentEvents(ctx, nil, roomID, r, filter)
}

// MemberEvent returns the latest m.room.member event for the user in the
// room at or before maxPos, or nil.
func (d *Database) MemberEvent(
	ctx context.Context, roomID, userID string, maxPos types.StreamPosition,
) (*types.StreamEvent, error) {
	return d.OutputEvents.SelectStateEvent(ctx, nil, roomID, spec.MRoomMember, userID, maxPos)
}

func (d *Database) AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error) {
	return d.Memberships.SelectJoinedUsers(ctx, nil)
}

func (d *Database) MembershipsForUser(ctx context.Context, userID string) ([]types.Membership, error) {
	return d.Memberships.SelectMembershipsForUser(ctx, nil, userID)
}

// GetFilter looks up the filter associated with a given local user and filter ID
// and populates the target filter. Otherwise returns an error if no such filter exists
// or if there was an error talking to the database.
func (d *Database) GetFilter(
	ctx context.Context, target *synctypes.Filter, localpart string, filterID string,
) error {
	// Filter IDs are always allocated from a numeric sequence.
	if _, err := strconv.ParseUint(filterID, 10, 64); err != nil {
		return sql.ErrNoRows
	}
	return d.Filter.SelectFilter(ctx, nil, target, localpart, filterID)
}

// PutFilter puts the passed filter into the database.
// Returns the filterID as a string. Otherwise returns an error if something
// goes wrong.
func (d *Database) PutFilter(
	ctx context.Context, localpart string, filter *synctypes.Filter,
) (string, error) {
	var filterID string
	var err error
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		filterID, err = d.Filter.InsertFilter(ctx, txn, filter, localpart)
		return err
	})
	return filterID, err
}

// StoreReceipt stores user receipts
func (d *Database) StoreReceipt(
	ctx context.Context, roomId, receiptType, userId, eventId string, timestamp spec.Timestamp,
) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.Receipts.UpsertReceipt(ctx, txn, roomId, receiptType, userId, eventId, timestamp)
		return err
	})
	return
}

func (d *Database) RoomReceiptsAfter(
	ctx context.Context, roomIDs []string, streamPos types.StreamPosition,
) (types.StreamPosition, []types.OutputReceiptEvent, error) {
	return d.Receipts.SelectRoomReceiptsAfter(ctx, nil, roomIDs, streamPos)
}

// StoreUnPartialStatedRoom records that the room finished its partial state
// resync for the given users. Nothing is stored, and 0 is returned, when
// there are no users.
func (d *Database) StoreUnPartialStatedRoom(
	ctx context.Context, roomID string, userIDs []string,
) (pos types.StreamPosition, err error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.UnPartialStatedRooms.InsertUnPartialStatedRoom(ctx, txn, roomID, userIDs)
		return err
	})
	return
}

func (d *Database) UnPartialStatedRoomsInRange(
	ctx context.Context, userID string, r types.Range,
) ([]string, error) {
	return d.UnPartialStatedRooms.SelectUnPartialStatedRoomsInRange(ctx, nil, userID, r)
}

// MaxStreamToken returns the latest position of every stream this
// database owns. Positions of streams owned elsewhere are zero.
func (d *Database) MaxStreamToken(ctx context.Context) (types.StreamingToken, error) {
	var token types.StreamingToken
	id, err := d.OutputEvents.SelectMaxEventID(ctx, nil)
	if err != nil {
		return token, fmt.Errorf("d.OutputEvents.SelectMaxEventID: %w", err)
	}
	token.RoomPosition = types.NewRoomStreamToken(types.StreamPosition(id))
	if id, err = d.Receipts.SelectMaxReceiptID(ctx, nil); err != nil {
		return token, fmt.Errorf("d.Receipts.SelectMaxReceiptID: %w", err)
	}
	token.ReceiptPosition = types.StreamPosition(id)
	if id, err = d.UnPartialStatedRooms.SelectMaxUnPartialStatedRoomID(ctx, nil); err != nil {
		return token, fmt.Errorf("d.UnPartialStatedRooms.SelectMaxUnPartialStatedRoomID: %w", err)
	}
	token.UnPartialStatedRoomsPosition = types.StreamPosition(id)
	return token, nil
}
