// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

const defaultSyncTimeout = time.Duration(0)

type syncRequest struct {
	ctx           context.Context
	log           *logrus.Entry
	device        *httputil.Device
	since         types.StreamingToken
	timeout       time.Duration
	wantFullState bool
	filter        synctypes.Filter
}

func newSyncRequest(
	req *http.Request, device *httputil.Device, filters *caching.FilterLoader, maxTimeout time.Duration,
) (*syncRequest, *util.JSONResponse) {
	query := req.URL.Query()
	since := types.StreamingToken{}
	if s := query.Get("since"); s != "" {
		var err error
		if since, err = types.NewStreamTokenFromString(s); err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(err.Error()),
			}
		}
		// Sync only moves along the stream ordering. A pagination token
		// handed in as since keeps its stream position and drops the depth.
		if since.RoomPosition.IsHistorical() {
			since.RoomPosition = types.NewRoomStreamToken(since.RoomPosition.Stream)
		}
	}

	timeout := getTimeout(query.Get("timeout"))
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	filter := synctypes.DefaultFilter()
	if filterQuery := query.Get("filter"); filterQuery != "" {
		if strings.HasPrefix(filterQuery, "{") {
			var err error
			if filter, err = synctypes.NewFilterFromJSON([]byte(filterQuery)); err != nil {
				return nil, &util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.BadJSON("The filter could not be decoded into valid JSON. " + err.Error()),
				}
			}
		} else {
			userID, err := spec.NewUserID(device.UserID, true)
			if err != nil {
				return nil, &util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam("Invalid user ID"),
				}
			}
			filter, err = filters.Load(req.Context(), userID.Local(), filterQuery)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, &util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam("No such filter"),
				}
			} else if err != nil {
				util.GetLogger(req.Context()).WithError(err).Error("filters.Load failed")
				return nil, &util.JSONResponse{
					Code: http.StatusInternalServerError,
					JSON: spec.InternalServerError{},
				}
			}
		}
		if err := filter.Validate(); err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(err.Error()),
			}
		}
	}

	logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"since":     since,
		"timeout":   timeout,
	})

	return &syncRequest{
		ctx:           req.Context(),
		log:           logger,
		device:        device,
		since:         since,
		timeout:       timeout,
		wantFullState: query.Get("full_state") == "true",
		filter:        filter,
	}, nil
}

// getTimeout parses a timeout in milliseconds, falling back to the default
// for anything that isn't a non-negative integer.
func getTimeout(timeoutMS string) time.Duration {
	if timeoutMS == "" {
		return defaultSyncTimeout
	}
	i, err := strconv.Atoi(timeoutMS)
	if err != nil || i < 0 {
		return defaultSyncTimeout
	}
	return time.Duration(i) * time.Millisecond
}

// isInitial reports whether the request has no usable since token.
func (r *syncRequest) isInitial() bool {
	return r.since.IsEmpty()
}
