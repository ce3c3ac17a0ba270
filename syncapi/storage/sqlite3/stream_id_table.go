// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/syncapi/types"
)

const streamIDTableSchema = `
-- Global stream ID counter, used by other tables.
CREATE TABLE IF NOT EXISTS syncapi_stream_id (
  stream_name TEXT NOT NULL PRIMARY KEY,
  stream_id INT DEFAULT 0,

  UNIQUE(stream_name)
);
INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ('global', 0)
  ON CONFLICT DO NOTHING;
INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ('receipt', 0)
  ON CONFLICT DO NOTHING;
INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ('unpartialstated', 0)
  ON CONFLICT DO NOTHING;
`

const increaseStreamIDStmt = "" +
	"UPDATE syncapi_stream_id SET stream_id = stream_id + 1 WHERE stream_name = $1" +
	" RETURNING stream_id"

// StreamIDStatements hands out positions for the SQLite tables, which have
// no sequences. All writes go through the exclusive writer, so the
// counters never race.
type StreamIDStatements struct {
	db                   *sql.DB
	increaseStreamIDStmt *sql.Stmt
}

func (s *StreamIDStatements) Prepare(db *sql.DB) (err error) {
	s.db = db
	_, err = db.Exec(streamIDTableSchema)
	if err != nil {
		return
	}
	return sqlutil.StatementList{
		{&s.increaseStreamIDStmt, increaseStreamIDStmt},
	}.Prepare(db)
}

func (s *StreamIDStatements) nextStreamID(ctx context.Context, txn *sql.Tx, name string) (pos types.StreamPosition, err error) {
	increaseStmt := sqlutil.TxStmt(txn, s.increaseStreamIDStmt)
	err = increaseStmt.QueryRowContext(ctx, name).Scan(&pos)
	return
}

func (s *StreamIDStatements) nextPDUID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.nextStreamID(ctx, txn, "global")
}

func (s *StreamIDStatements) nextReceiptID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.nextStreamID(ctx, txn, "receipt")
}

func (s *StreamIDStatements) nextUnPartialStatedID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.nextStreamID(ctx, txn, "unpartialstated")
}
