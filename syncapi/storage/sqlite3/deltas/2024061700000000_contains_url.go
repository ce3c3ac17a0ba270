// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

func UpAddContainsURL(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('syncapi_output_room_events') WHERE name = 'contains_url'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect syncapi_output_room_events: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		ALTER TABLE syncapi_output_room_events ADD COLUMN contains_url BOOL NOT NULL DEFAULT false;
		UPDATE syncapi_output_room_events
		SET contains_url = COALESCE(json_type(event_json, '$.content.url') = 'text', false);
	`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
