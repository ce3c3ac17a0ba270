// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/syncstream/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"route"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"route"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

// bucket is a token bucket holding up to threshold requests, refilled in
// full over cooloff.
type bucket struct {
	threshold int64
	cooloff   time.Duration
}

func (b bucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(b.threshold)/b.cooloff.Seconds()), int(b.threshold))
}

// RateLimits hands out one token bucket per caller and route. Callers are
// identified by user and device, or by address for unauthenticated
// requests. The route is the handler name given to MakeAuthAPI, so a
// client long-polling /sync does not spend its filter upload allowance.
type RateLimits struct {
	enabled  bool
	fallback bucket
	routes   map[string]bucket

	// Buckets left idle for the longest cooloff are full again, so they
	// are dropped rather than kept around.
	limiters *cache.Cache

	exemptUserIDs map[string]struct{}
	exemptNets    []*net.IPNet
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		enabled: cfg.Enabled,
		fallback: bucket{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		routes:        make(map[string]bucket, len(cfg.PerEndpointOverrides)),
		exemptUserIDs: make(map[string]struct{}, len(cfg.ExemptUserIDs)),
	}
	idle := l.fallback.cooloff
	for route, override := range cfg.PerEndpointOverrides {
		b := bucket{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
		l.routes[route] = b
		if b.cooloff > idle {
			idle = b.cooloff
		}
	}
	if idle < time.Second {
		idle = time.Second
	}
	l.limiters = cache.New(idle, idle*2)
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for _, addr := range cfg.ExemptIPAddresses {
		if network := parseExemptNet(addr); network != nil {
			l.exemptNets = append(l.exemptNets, network)
		}
	}
	return l
}

// parseExemptNet accepts a CIDR range or a single address, which becomes a
// network of one.
func parseExemptNet(addr string) *net.IPNet {
	if _, network, err := net.ParseCIDR(addr); err == nil {
		return network
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	bits := 8 * net.IPv6len
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 8*net.IPv4len
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// Limit returns a 429 response if the caller has used up its allowance on
// the named route, or nil if the request may go ahead.
func (l *RateLimits) Limit(route string, req *http.Request, device *Device) *util.JSONResponse {
	if !l.enabled || l.exempt(req, device) {
		rateLimitAllowed.WithLabelValues(route).Inc()
		return nil
	}

	b, ok := l.routes[route]
	if !ok {
		b = l.fallback
	}
	if b.threshold > 0 && b.cooloff > 0 && l.limiter(route+"\x1f"+callerKey(req, device), b).Allow() {
		rateLimitAllowed.WithLabelValues(route).Inc()
		return nil
	}

	rateLimitRejections.WithLabelValues(route).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", b.cooloff.Milliseconds()),
	}
}

// limiter returns the bucket stored under key, creating it if needed.
// Every use pushes back its expiry.
func (l *RateLimits) limiter(key string, b bucket) *rate.Limiter {
	if v, ok := l.limiters.Get(key); ok {
		l.limiters.Set(key, v, cache.DefaultExpiration)
		return v.(*rate.Limiter)
	}
	created := b.newLimiter()
	if err := l.limiters.Add(key, created, cache.DefaultExpiration); err != nil {
		// Lost a race with a concurrent request from the same caller.
		if v, ok := l.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return created
}

func (l *RateLimits) exempt(req *http.Request, device *Device) bool {
	if device != nil {
		if device.Exempt {
			return true
		}
		if _, ok := l.exemptUserIDs[device.UserID]; ok {
			return true
		}
	}
	ip := requestIP(req)
	if ip == nil {
		return false
	}
	for _, network := range l.exemptNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func callerKey(req *http.Request, device *Device) string {
	if device != nil {
		return device.UserID + "\x1f" + device.ID
	}
	if ip := requestIP(req); ip != nil {
		return ip.String()
	}
	return req.RemoteAddr
}

// requestIP returns the address of the client. X-Forwarded-For is only
// honoured when the connection itself comes from loopback, i.e. from a
// reverse proxy on the same host, and then the first non-loopback entry
// wins.
func requestIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remote := net.ParseIP(strings.TrimSpace(host))
	if remote == nil {
		return nil
	}
	forwarded := req.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remote
	}
	if !remote.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remote.String(),
			"x_forwarded_for": forwarded,
		}).Debug("Ignoring X-Forwarded-For from non-loopback peer")
		return remote
	}
	for _, part := range strings.Split(forwarded, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip
		}
	}
	return remote
}
