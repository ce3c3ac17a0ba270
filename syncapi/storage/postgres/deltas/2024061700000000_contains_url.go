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
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE syncapi_output_room_events
		ADD COLUMN IF NOT EXISTS contains_url BOOLEAN NOT NULL DEFAULT false;

		UPDATE syncapi_output_room_events
		SET contains_url = COALESCE(jsonb_typeof(event_json::jsonb -> 'content' -> 'url') = 'string', false)
		WHERE NOT contains_url;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
