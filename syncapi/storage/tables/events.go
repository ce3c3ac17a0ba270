// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/syncstream/internal"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

// ScanStreamEvent reads an (id, event_json) row.
func ScanStreamEvent(row interface{ Scan(...any) error }) (types.StreamEvent, error) {
	var (
		pos       types.StreamPosition
		eventJSON []byte
	)
	if err := row.Scan(&pos, &eventJSON); err != nil {
		return types.StreamEvent{}, err
	}
	var ev synctypes.ClientEvent
	if err := json.Unmarshal(eventJSON, &ev); err != nil {
		return types.StreamEvent{}, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return types.StreamEvent{ClientEvent: &ev, StreamPosition: pos}, nil
}

// CollectRecentEvents reads (id, event_json) rows ordered newest first and
// keeps those passing the filter until filter.Limit is reached. The events
// are returned oldest first.
func CollectRecentEvents(
	ctx context.Context, rows *sql.Rows, filter *synctypes.RoomEventFilter,
) (events []types.StreamEvent, limited bool, err error) {
	defer internal.CloseAndLogIfError(ctx, rows, "CollectRecentEvents: rows.close() failed")
	for rows.Next() {
		ev, err := ScanStreamEvent(rows)
		if err != nil {
			return nil, false, err
		}
		if !filter.Check(ev.ClientEvent) {
			continue
		}
		if len(events) >= filter.Limit {
			limited = true
			break
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, false, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, limited, nil
}
