// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

//go:build cgo
// +build cgo

package sqlutil

import (
	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriverName = "sqlite3"

// SQLiteDriverName returns the name of the registered SQLite driver.
func SQLiteDriverName() string {
	return sqliteDriverName
}
