// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncstream/setup/config"
)

func TestWrapHandlerInBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		configured BasicAuth
		sendCreds  bool
		want       int
	}{
		{name: "unprotected", want: http.StatusOK},
		{name: "username only leaves it open", configured: BasicAuth{Username: "metrics"}, want: http.StatusOK},
		{name: "password only leaves it open", configured: BasicAuth{Password: "metrics"}, want: http.StatusOK},
		{name: "matching credentials", configured: BasicAuth{Username: "metrics", Password: "metrics"}, sendCreds: true, want: http.StatusOK},
		{name: "mismatched credentials", configured: BasicAuth{Username: "prometheus", Password: "metrics"}, sendCreds: true, want: http.StatusForbidden},
		{name: "missing credentials", configured: BasicAuth{Username: "metrics", Password: "metrics"}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/metrics", nil)
			if tt.sendCreds {
				req.SetBasicAuth("metrics", "metrics")
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(ok, tt.configured)(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMakeHTTPAPIRecordsDurationHistogram(t *testing.T) {
	clientAPIRequestDuration.Reset()

	handler := MakeHTTPAPI("test_http_duration", true, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/_matrix/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	metrics := make(chan prometheus.Metric, 10)
	clientAPIRequestDuration.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		for _, label := range dtoMetric.GetLabel() {
			if label.GetName() == "handler" && label.GetValue() == "test_http_duration" {
				found = true
				require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single observed request")
				require.Greater(t, dtoMetric.GetHistogram().GetSampleSum(), float64(0), "expected positive observed duration")
			}
		}
	}
	require.True(t, found, "expected histogram metric for handler test_http_duration")
}

func TestMakeAuthAPI(t *testing.T) {
	authenticate := func(req *http.Request) (*Device, *util.JSONResponse) {
		if req.Header.Get("Authorization") != "Bearer good" {
			return nil, &util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.UnknownToken("Unknown token"),
			}
		}
		return &Device{UserID: "@alice:localhost", ID: "DEVICE"}, nil
	}
	var gotDevice *Device
	handler := MakeAuthAPI("test_auth", authenticate, func(req *http.Request, device *Device) util.JSONResponse {
		gotDevice = device
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	})

	t.Run("rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/client/v3/sync", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Body.String(), "M_UNKNOWN_TOKEN")
		require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/client/v3/sync", nil)
		req.Header.Set("Authorization", "Bearer good")
		req.Header.Set("X-Request-Id", "abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "abc", rec.Header().Get("X-Request-Id"))
		require.NotNil(t, gotDevice)
		require.Equal(t, "@alice:localhost", gotDevice.UserID)
	})
}

func TestMakeAuthAPIRateLimits(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 60000})
	authenticate := func(req *http.Request) (*Device, *util.JSONResponse) {
		return &Device{UserID: "@bob:localhost", ID: "DEVICE"}, nil
	}
	handler := MakeAuthAPI("test_limited", authenticate, func(req *http.Request, device *Device) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	}, WithRateLimits(limits))

	codes := []int{}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/client/v3/sync", nil))
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
