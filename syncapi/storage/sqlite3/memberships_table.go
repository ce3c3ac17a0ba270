// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncstream/internal"
	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/syncapi/storage/tables"
	"github.com/element-hq/syncstream/syncapi/types"
)

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	stream_pos BIGINT NOT NULL,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_memberships_user_id ON syncapi_memberships(user_id);
`

const upsertMembershipSQL = "" +
	"INSERT INTO syncapi_memberships (room_id, user_id, membership, stream_pos)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, user_id)" +
	" DO UPDATE SET membership = $3, stream_pos = $4" +
	" WHERE stream_pos < $4"

const selectJoinedUsersSQL = "" +
	"SELECT room_id, user_id FROM syncapi_memberships WHERE membership = $1"

const selectMembershipsForUserSQL = "" +
	"SELECT room_id, membership, stream_pos FROM syncapi_memberships WHERE user_id = $1"

type membershipsStatements struct {
	db                           *sql.DB
	upsertMembershipStmt         *sql.Stmt
	selectJoinedUsersStmt        *sql.Stmt
	selectMembershipsForUserStmt *sql.Stmt
}

func NewSqliteMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipsStatements{
		db: db,
	}
	_, err := db.Exec(membershipsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectJoinedUsersStmt, selectJoinedUsersSQL},
		{&s.selectMembershipsForUserStmt, selectMembershipsForUserSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID, membership string, pos types.StreamPosition,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(ctx, roomID, userID, membership, pos)
	return err
}

func (s *membershipsStatements) SelectJoinedUsers(
	ctx context.Context, txn *sql.Tx,
) (map[string][]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedUsersStmt).QueryContext(ctx, spec.Join)
	if err != nil {
		return nil, fmt.Errorf("unable to query joined users: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsers: rows.close() failed")
	result := make(map[string][]string)
	var roomID, userID string
	for rows.Next() {
		if err = rows.Scan(&roomID, &userID); err != nil {
			return nil, err
		}
		result[roomID] = append(result[roomID], userID)
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectMembershipsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]types.Membership, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMembershipsForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unable to query memberships: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembershipsForUser: rows.close() failed")
	var result []types.Membership
	for rows.Next() {
		var m types.Membership
		if err = rows.Scan(&m.RoomID, &m.Membership, &m.StreamPosition); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
