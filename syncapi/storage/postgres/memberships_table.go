// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

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

// The memberships table is designed to track the last time that
// the user was a given state. This allows us to find out the
// most recent time that a user was invited to, joined or left
// a room, either by choice or otherwise. This is important for
// building history visibility and waking up listeners.

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_memberships (
	-- The 'room_id' key for the state event.
	room_id TEXT NOT NULL,
	-- The state event ID
	user_id TEXT NOT NULL,
	-- The status of the membership
	membership TEXT NOT NULL,
	-- The stream position of the change
	stream_pos BIGINT NOT NULL,
	CONSTRAINT syncapi_memberships_unique UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_memberships_user_id ON syncapi_memberships(user_id);
`

const upsertMembershipSQL = "" +
	"INSERT INTO syncapi_memberships (room_id, user_id, membership, stream_pos)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT ON CONSTRAINT syncapi_memberships_unique" +
	" DO UPDATE SET membership = $3, stream_pos = $4" +
	" WHERE syncapi_memberships.stream_pos < $4"

const selectJoinedUsersSQL = "" +
	"SELECT room_id, user_id FROM syncapi_memberships WHERE membership = $1"

const selectMembershipsForUserSQL = "" +
	"SELECT room_id, membership, stream_pos FROM syncapi_memberships WHERE user_id = $1"

type membershipsStatements struct {
	upsertMembershipStmt         *sql.Stmt
	selectJoinedUsersStmt        *sql.Stmt
	selectMembershipsForUserStmt *sql.Stmt
}

func NewPostgresMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipsStatements{}
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
