// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/syncstream/internal"
	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/syncapi/storage/tables"
	"github.com/element-hq/syncstream/syncapi/types"
)

const unPartialStatedRoomsSchema = `
-- Tracks rooms that have completed their partial state resync (MSC3706).
-- Every user joined to the room at that point gets a row at the same
-- stream position.
CREATE TABLE IF NOT EXISTS syncapi_unpartialstated_rooms (
	stream_pos INTEGER NOT NULL,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (stream_pos, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_unpartialstated_rooms_user_id_idx ON syncapi_unpartialstated_rooms(user_id, stream_pos);
`

const insertUnPartialStatedRoomSQL = "" +
	"INSERT INTO syncapi_unpartialstated_rooms (stream_pos, room_id, user_id)" +
	" VALUES ($1, $2, $3)"

const selectUnPartialStatedRoomsInRangeSQL = "" +
	"SELECT DISTINCT room_id FROM syncapi_unpartialstated_rooms" +
	" WHERE user_id = $1 AND stream_pos > $2 AND stream_pos <= $3"

const selectMaxUnPartialStatedRoomIDSQL = "" +
	"SELECT MAX(stream_pos) FROM syncapi_unpartialstated_rooms"

type unPartialStatedRoomsStatements struct {
	db                                 *sql.DB
	streamIDStatements                 *StreamIDStatements
	insertUnPartialStatedRoomStmt      *sql.Stmt
	selectUnPartialStatedRoomsInRange  *sql.Stmt
	selectMaxUnPartialStatedRoomIDStmt *sql.Stmt
}

func NewSqliteUnPartialStatedRoomsTable(db *sql.DB, streamID *StreamIDStatements) (tables.UnPartialStatedRooms, error) {
	_, err := db.Exec(unPartialStatedRoomsSchema)
	if err != nil {
		return nil, err
	}
	s := &unPartialStatedRoomsStatements{
		db:                 db,
		streamIDStatements: streamID,
	}
	return s, sqlutil.StatementList{
		{&s.insertUnPartialStatedRoomStmt, insertUnPartialStatedRoomSQL},
		{&s.selectUnPartialStatedRoomsInRange, selectUnPartialStatedRoomsInRangeSQL},
		{&s.selectMaxUnPartialStatedRoomIDStmt, selectMaxUnPartialStatedRoomIDSQL},
	}.Prepare(db)
}

func (s *unPartialStatedRoomsStatements) InsertUnPartialStatedRoom(
	ctx context.Context, txn *sql.Tx, roomID string, userIDs []string,
) (pos types.StreamPosition, err error) {
	pos, err = s.streamIDStatements.nextUnPartialStatedID(ctx, txn)
	if err != nil {
		return
	}
	stmt := sqlutil.TxStmt(txn, s.insertUnPartialStatedRoomStmt)
	for _, userID := range userIDs {
		if _, err = stmt.ExecContext(ctx, pos, roomID, userID); err != nil {
			return 0, fmt.Errorf("unable to insert un-partial-stated room for %s: %w", userID, err)
		}
	}
	return
}

func (s *unPartialStatedRoomsStatements) SelectUnPartialStatedRoomsInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectUnPartialStatedRoomsInRange).QueryContext(ctx, userID, r.Low(), r.High())
	if err != nil {
		return nil, fmt.Errorf("unable to query un-partial-stated rooms: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUnPartialStatedRoomsInRange: rows.close() failed")

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("unable to scan row: %w", err)
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *unPartialStatedRoomsStatements) SelectMaxUnPartialStatedRoomID(
	ctx context.Context, txn *sql.Tx,
) (id int64, err error) {
	var nullableID sql.NullInt64
	stmt := sqlutil.TxStmt(txn, s.selectMaxUnPartialStatedRoomIDStmt)
	err = stmt.QueryRowContext(ctx).Scan(&nullableID)
	if nullableID.Valid {
		id = nullableID.Int64
	}
	return
}
