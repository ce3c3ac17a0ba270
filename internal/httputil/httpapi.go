// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/internal"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Device is the authenticated caller of a client API request.
type Device struct {
	UserID string
	ID     string
	// Exempt callers, such as server administrators, are never rate limited.
	Exempt bool
}

// AuthFunc authenticates a request. The embedding server supplies it, so
// access token handling stays outside of this module. A non-nil response is
// returned to the client as-is.
type AuthFunc func(req *http.Request) (*Device, *util.JSONResponse)

type AuthAPIOpts struct {
	RateLimits *RateLimits
}

// AuthAPIOption is an option to MakeAuthAPI to add additional checks
// (e.g. rate limiting) to the handler.
type AuthAPIOption func(*AuthAPIOpts)

// WithRateLimits applies the given limiter to the authenticated caller,
// using the handler's metrics name as the route.
func WithRateLimits(limits *RateLimits) AuthAPIOption {
	return func(opts *AuthAPIOpts) {
		opts.RateLimits = limits
	}
}

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dendrite",
		Subsystem: "syncapi",
		Name:      "http_request_duration_seconds",
		Help:      "Time spent handling sync API requests",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"handler", "method", "code"},
)

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(clientAPIRequestDuration)
	})
}

// MakeAuthAPI turns a util.JSONRequestHandler function into an http.Handler which authenticates the request.
func MakeAuthAPI(
	metricsName string, authenticate AuthFunc,
	f func(*http.Request, *Device) util.JSONResponse,
	checks ...AuthAPIOption,
) http.Handler {
	options := AuthAPIOpts{}
	for _, opt := range checks {
		opt(&options)
	}

	h := func(req *http.Request) util.JSONResponse {
		logger := util.GetLogger(req.Context())
		device, errRes := authenticate(req)
		if errRes != nil {
			logger.Debugf("VerifyUserFromRequest %s -> HTTP %d", req.RemoteAddr, errRes.Code)
			return *errRes
		}
		// add the user ID to the logger
		logger = logger.WithField("user_id", device.UserID)
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		// add the user to the sentry hub, if it exists
		if hub := sentry.GetHubFromContext(req.Context()); hub != nil {
			hub.Scope().SetTag("user_id", device.UserID)
			hub.Scope().SetTag("device_id", device.ID)
		}
		defer func() {
			if r := recover(); r != nil {
				if hub := sentry.GetHubFromContext(req.Context()); hub != nil {
					hub.Scope().SetLevel(sentry.LevelFatal)
				}
				// re-panic to return the 500
				panic(r)
			}
		}()

		if options.RateLimits != nil {
			if res := options.RateLimits.Limit(metricsName, req, device); res != nil {
				return *res
			}
		}

		jsonRes := f(req, device)
		// do not log 4xx as errors as they are client fails, not server fails
		if hub := sentry.GetHubFromContext(req.Context()); hub != nil && jsonRes.Code >= 500 {
			hub.Scope().SetExtra("response", jsonRes)
			hub.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, jsonRes.Code))
		}
		return jsonRes
	}
	return MakeExternalAPI(metricsName, h)
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an http.Handler.
// This is used for APIs that are called from the internet.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	withRequestID := func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		logger := util.GetLogger(req.Context()).WithField("request_id", requestID)
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		h.ServeHTTP(w, req)
	}

	return MakeHTTPAPI(metricsName, true, withRequestID)
}

// MakeHTTPAPI adds Span metrics to the HTML Handler function
// This is used to serve HTML alongside JSON error messages
func MakeHTTPAPI(metricsName string, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)
		f(w, req)
	}

	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		withSpan(rw, req)
		clientAPIRequestDuration.
			WithLabelValues(metricsName, strings.ToUpper(req.Method), fmt.Sprintf("%d", rw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets long-polling handlers push partial output through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
