// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/syncapi/storage"
	"github.com/element-hq/syncstream/syncapi/sync"
)

// Setup configures the given mux with sync-server listeners
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(
	csMux *mux.Router, authenticate httputil.AuthFunc, srp *sync.RequestPool,
	syncDB storage.Database, filters *caching.FilterLoader, rateLimits *httputil.RateLimits,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	v3mux.Handle("/sync", httputil.MakeAuthAPI("sync", authenticate, func(req *http.Request, device *httputil.Device) util.JSONResponse {
		return srp.OnIncomingSyncRequest(req, device)
	}, httputil.WithRateLimits(rateLimits))).Methods(http.MethodGet, http.MethodOptions)

	v3mux.Handle("/user/{userId}/filter",
		httputil.MakeAuthAPI("put_filter", authenticate, func(req *http.Request, device *httputil.Device) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return PutFilter(req, device, syncDB, vars["userId"])
		}, httputil.WithRateLimits(rateLimits)),
	).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/user/{userId}/filter/{filterId}",
		httputil.MakeAuthAPI("get_filter", authenticate, func(req *http.Request, device *httputil.Device) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return GetFilter(req, device, filters, vars["userId"], vars["filterId"])
		}, httputil.WithRateLimits(rateLimits)),
	).Methods(http.MethodGet, http.MethodOptions)
}
