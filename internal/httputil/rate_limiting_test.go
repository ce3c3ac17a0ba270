// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncstream/setup/config"
)

var (
	aliceDevice = &Device{UserID: "@alice:localhost", ID: "PHONE"}
	aliceLaptop = &Device{UserID: "@alice:localhost", ID: "LAPTOP"}
)

func syncRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/client/v3/sync", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: false, Threshold: 1, CooloffMS: 60000})
	for i := 0; i < 5; i++ {
		assert.Nil(t, limits.Limit("sync", syncRequest("192.0.2.1:1000"), aliceDevice))
	}
}

func TestRateLimitsSeparateBucketPerRouteAndDevice(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 2, CooloffMS: 60000})
	req := syncRequest("192.0.2.1:1000")

	require.Nil(t, limits.Limit("sync", req, aliceDevice))
	require.Nil(t, limits.Limit("sync", req, aliceDevice))
	resp := limits.Limit("sync", req, aliceDevice)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	// Exhausting /sync leaves filter uploads and other devices untouched.
	assert.Nil(t, limits.Limit("put_filter", req, aliceDevice))
	assert.Nil(t, limits.Limit("sync", req, aliceLaptop))

	assert.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("sync")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("sync")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("put_filter")))
}

func TestRateLimitsRouteOverride(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{
		Enabled:   true,
		Threshold: 1,
		CooloffMS: 60000,
		PerEndpointOverrides: map[string]config.RateLimitEndpointOverride{
			"sync": {Threshold: 3, CooloffMS: 30000},
		},
	})
	req := syncRequest("192.0.2.1:1000")

	for i := 0; i < 3; i++ {
		require.Nil(t, limits.Limit("sync", req, aliceDevice), "request %d", i)
	}
	resp := limits.Limit("sync", req, aliceDevice)
	require.NotNil(t, resp)
	body, err := json.Marshal(resp.JSON)
	require.NoError(t, err)
	assert.Equal(t, "M_LIMIT_EXCEEDED", gjson.GetBytes(body, "errcode").String())
	assert.Equal(t, int64(30000), gjson.GetBytes(body, "retry_after_ms").Int())

	require.Nil(t, limits.Limit("put_filter", req, aliceDevice))
	resp = limits.Limit("put_filter", req, aliceDevice)
	require.NotNil(t, resp)
	body, err = json.Marshal(resp.JSON)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), gjson.GetBytes(body, "retry_after_ms").Int())
}

func TestRateLimitsRefill(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 50})
	req := syncRequest("192.0.2.1:1000")

	require.Nil(t, limits.Limit("sync", req, aliceDevice))
	require.NotNil(t, limits.Limit("sync", req, aliceDevice))
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, limits.Limit("sync", req, aliceDevice))
}

func TestRateLimitsExemptions(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         60000,
		ExemptUserIDs:     []string{"@bot:localhost"},
		ExemptIPAddresses: []string{"198.51.100.1", "203.0.113.0/24", "not-an-address"},
	})

	tests := []struct {
		name       string
		remoteAddr string
		device     *Device
		exempt     bool
	}{
		{name: "exempt device", remoteAddr: "192.0.2.1:1000", device: &Device{UserID: "@admin:localhost", ID: "A", Exempt: true}, exempt: true},
		{name: "exempt user", remoteAddr: "192.0.2.1:1000", device: &Device{UserID: "@bot:localhost", ID: "B"}, exempt: true},
		{name: "exempt address", remoteAddr: "198.51.100.1:1000", device: &Device{UserID: "@carol:localhost", ID: "C"}, exempt: true},
		{name: "exempt range", remoteAddr: "203.0.113.42:1000", device: &Device{UserID: "@dave:localhost", ID: "D"}, exempt: true},
		{name: "neighbouring address", remoteAddr: "198.51.100.2:1000", device: &Device{UserID: "@erin:localhost", ID: "E"}},
		{name: "unauthenticated", remoteAddr: "192.0.2.7:1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := syncRequest(tt.remoteAddr)
			require.Nil(t, limits.Limit("sync", req, tt.device))
			resp := limits.Limit("sync", req, tt.device)
			if tt.exempt {
				assert.Nil(t, resp)
			} else {
				require.NotNil(t, resp)
				assert.Equal(t, http.StatusTooManyRequests, resp.Code)
			}
		})
	}
}

func TestRateLimitsIdleBucketExpiry(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 5, CooloffMS: 50})
	req := syncRequest("192.0.2.1:1000")

	require.Nil(t, limits.Limit("sync", req, aliceDevice))
	items := limits.limiters.Items()
	require.Len(t, items, 1)
	var first int64
	for _, item := range items {
		first = item.Expiration
	}
	assert.LessOrEqual(t, first, time.Now().Add(time.Second).UnixNano())

	time.Sleep(10 * time.Millisecond)
	require.Nil(t, limits.Limit("sync", req, aliceDevice))
	items = limits.limiters.Items()
	require.Len(t, items, 1)
	for _, item := range items {
		assert.Greater(t, item.Expiration, first, "using a bucket pushes back its expiry")
	}
}

func TestRateLimitsConcurrentCallers(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 60000})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limits.Limit("sync", syncRequest("192.0.2.1:1000"), aliceDevice) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestRequestIP(t *testing.T) {
	tests := []struct {
		name         string
		remoteAddr   string
		forwardedFor string
		want         string
	}{
		{name: "direct", remoteAddr: "192.0.2.1:1000", want: "192.0.2.1"},
		{name: "no port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "ipv6", remoteAddr: "[2001:db8::1]:1000", want: "2001:db8::1"},
		{name: "header from remote peer ignored", remoteAddr: "192.0.2.1:1000", forwardedFor: "198.51.100.1", want: "192.0.2.1"},
		{name: "header from local proxy", remoteAddr: "127.0.0.1:1000", forwardedFor: "198.51.100.1, 10.0.0.1", want: "198.51.100.1"},
		{name: "loopback entries skipped", remoteAddr: "[::1]:1000", forwardedFor: "127.0.0.1, , 198.51.100.9", want: "198.51.100.9"},
		{name: "unusable header", remoteAddr: "127.0.0.1:1000", forwardedFor: "garbage", want: "127.0.0.1"},
		{name: "unparseable remote", remoteAddr: "pipe", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := syncRequest(tt.remoteAddr)
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			ip := requestIP(req)
			if tt.want == "" {
				assert.Nil(t, ip)
				return
			}
			require.NotNil(t, ip)
			assert.Equal(t, tt.want, ip.String())
		})
	}
}
