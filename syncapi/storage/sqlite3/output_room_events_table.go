// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/syncapi/storage/sqlite3/deltas"
	"github.com/element-hq/syncstream/syncapi/storage/tables"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

const outputRoomEventsSchema = `
-- Stores output room events received from the roomserver.
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
  id INTEGER PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  room_id TEXT NOT NULL,
  type TEXT NOT NULL,
  sender TEXT NOT NULL,
  state_key TEXT,
  event_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_id_idx ON syncapi_output_room_events(room_id, id);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_state_idx ON syncapi_output_room_events(room_id, type, state_key);
`

const selectEventPositionSQL = "" +
	"SELECT id FROM syncapi_output_room_events WHERE event_id = $1"

const insertEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (" +
	"id, event_id, room_id, type, sender, state_key, event_json, contains_url" +
	") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

const selectRecentEventsSQL = "" +
	"SELECT id, event_json FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	" AND ( $4 IS NULL OR contains_url = $4 )" +
	" ORDER BY id DESC"

const selectStateEventSQL = "" +
	"SELECT id, event_json FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND type = $2 AND state_key = $3 AND id <= $4" +
	" ORDER BY id DESC LIMIT 1"

const selectMaxEventIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_output_room_events"

type outputRoomEventsStatements struct {
	db                      *sql.DB
	streamIDStatements      *StreamIDStatements
	selectEventPositionStmt *sql.Stmt
	insertEventStmt         *sql.Stmt
	selectRecentEventsStmt  *sql.Stmt
	selectStateEventStmt    *sql.Stmt
	selectMaxEventIDStmt    *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB, streamID *StreamIDStatements) (tables.Events, error) {
	s := &outputRoomEventsStatements{
		db:                 db,
		streamIDStatements: streamID,
	}
	_, err := db.Exec(outputRoomEventsSchema)
	if err != nil {
		return nil, err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncapi: add contains_url to output room events",
		Up:      deltas.UpAddContainsURL,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectEventPositionStmt, selectEventPositionSQL},
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectRecentEventsStmt, selectRecentEventsSQL},
		{&s.selectStateEventStmt, selectStateEventSQL},
		{&s.selectMaxEventIDStmt, selectMaxEventIDSQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, ev *synctypes.ClientEvent,
) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectEventPositionStmt).QueryRowContext(ctx, ev.EventID).Scan(&pos)
	if err == nil {
		return pos, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("json.Marshal: %w", err)
	}
	if pos, err = s.streamIDStatements.nextPDUID(ctx, txn); err != nil {
		return 0, err
	}
	_, err = sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(
		ctx, pos, ev.EventID, ev.RoomID, ev.Type, ev.Sender, ev.StateKey, eventJSON, ev.ContainsURL(),
	)
	return pos, err
}

func (s *outputRoomEventsStatements) SelectRecentEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, filter *synctypes.RoomEventFilter,
) ([]types.StreamEvent, bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRecentEventsStmt)
	rows, err := stmt.QueryContext(ctx, roomID, r.Low(), r.High(), filter.ContainsURL)
	if err != nil {
		return nil, false, fmt.Errorf("unable to query recent events: %w", err)
	}
	return tables.CollectRecentEvents(ctx, rows, filter)
}

func (s *outputRoomEventsStatements) SelectStateEvent(
	ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, maxPos types.StreamPosition,
) (*types.StreamEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStateEventStmt)
	ev, err := tables.ScanStreamEvent(stmt.QueryRowContext(ctx, roomID, evType, stateKey, maxPos))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *outputRoomEventsStatements) SelectMaxEventID(
	ctx context.Context, txn *sql.Tx,
) (id int64, err error) {
	var nullableID sql.NullInt64
	stmt := sqlutil.TxStmt(txn, s.selectMaxEventIDStmt)
	err = stmt.QueryRowContext(ctx).Scan(&nullableID)
	if nullableID.Valid {
		id = nullableID.Int64
	}
	return
}
