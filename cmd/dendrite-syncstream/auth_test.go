package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderAuth(t *testing.T) {
	auth := headerAuth("X-Matrix-User-ID", "localhost")

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{name: "missing header", wantCode: http.StatusUnauthorized},
		{name: "not a user ID", userID: "alice", wantCode: http.StatusUnauthorized},
		{name: "remote user", userID: "@alice:remote", wantCode: http.StatusUnauthorized},
		{name: "local user", userID: "@alice:localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", nil)
			if tt.userID != "" {
				req.Header.Set("X-Matrix-User-ID", tt.userID)
			}
			req.Header.Set("X-Matrix-Device-ID", "PHONE")
			device, resErr := auth(req)
			if tt.wantCode != 0 {
				require.NotNil(t, resErr)
				assert.Equal(t, tt.wantCode, resErr.Code)
				assert.Nil(t, device)
				return
			}
			require.Nil(t, resErr)
			assert.Equal(t, tt.userID, device.UserID)
			assert.Equal(t, "PHONE", device.ID)
		})
	}

	_, resErr := auth(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, resErr)
	assert.IsType(t, spec.MatrixError{}, resErr.JSON)
}
