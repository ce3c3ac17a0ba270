// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncstream/internal/httputil"
)

// headerAuth trusts the user ID a fronting proxy has placed in the given
// header once it has validated the access token. Only local users are
// accepted.
func headerAuth(header string, serverName spec.ServerName) httputil.AuthFunc {
	return func(req *http.Request) (*httputil.Device, *util.JSONResponse) {
		raw := req.Header.Get(header)
		if raw == "" {
			return nil, &util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.MissingToken("Missing access token"),
			}
		}
		userID, err := spec.NewUserID(raw, true)
		if err != nil || userID.Domain() != serverName {
			return nil, &util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.UnknownToken("Unknown user"),
			}
		}
		return &httputil.Device{
			UserID: userID.String(),
			ID:     req.Header.Get("X-Matrix-Device-ID"),
		}, nil
	}
}
