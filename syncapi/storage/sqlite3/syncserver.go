// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/syncapi/storage/shared"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
	db       *sql.DB
	writer   sqlutil.Writer
	streamID StreamIDStatements
}

// NewDatabase creates a new sync server database
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	var err error
	if d.db, d.writer, err = conMan.Connection(dbProperties); err != nil {
		return nil, err
	}
	if err = d.prepare(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *SyncServerDatasource) prepare() (err error) {
	if err = d.streamID.Prepare(d.db); err != nil {
		return err
	}
	events, err := NewSqliteEventsTable(d.db, &d.streamID)
	if err != nil {
		return err
	}
	memberships, err := NewSqliteMembershipsTable(d.db)
	if err != nil {
		return err
	}
	filter, err := NewSqliteFilterTable(d.db)
	if err != nil {
		return err
	}
	receipts, err := NewSqliteReceiptsTable(d.db, &d.streamID)
	if err != nil {
		return err
	}
	unPartialStated, err := NewSqliteUnPartialStatedRoomsTable(d.db, &d.streamID)
	if err != nil {
		return err
	}
	d.Database = shared.Database{
		DB:                   d.db,
		Writer:               d.writer,
		OutputEvents:         events,
		Memberships:          memberships,
		Filter:               filter,
		Receipts:             receipts,
		UnPartialStatedRooms: unPartialStated,
	}
	return nil
}
