// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/internal"
	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi"
)

var (
	configPath = flag.String("config", "dendrite-syncstream.yaml", "The path to the config file")
	userHeader = flag.String("user-header", "X-Matrix-User-ID", "Header carrying the user ID set by the authenticating proxy")
)

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("failed to load config %q", *configPath)
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("Dendrite sync stream version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	processCtx := process.NewProcessContext()
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	natsInstance := &jetstream.NATSInstance{}

	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Metrics.Enabled)
	caches.LazyLoading = caching.NewLazyLoadCache(cfg.SyncAPI.LazyLoadCacheTTL)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	csMux := router.PathPrefix("/_matrix/client").Subrouter()
	syncapi.AddPublicRoutes(
		processCtx, csMux, cfg, cm, natsInstance,
		headerAuth(*userHeader, cfg.Global.ServerName), caches,
	)

	if cfg.Global.Metrics.Enabled {
		go func() {
			logrus.Infof("Exposing metrics on %s", cfg.Global.Metrics.Listen)
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), cfg.Global.Metrics.BasicAuth))
			if err := http.ListenAndServe(cfg.Global.Metrics.Listen, metricsMux); err != nil {
				logrus.WithError(err).Error("failed to serve metrics")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.SyncAPI.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}
	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		logrus.Infof("Starting sync API listener on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
		logrus.Infof("Stopped sync API listener on %s", srv.Addr)
	}()

	waitForShutdown(processCtx, srv)
}

func waitForShutdown(processCtx *process.ProcessContext, srv *http.Server) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.ShutdownDendrite()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("failed to shut down HTTP listener")
	}
	processCtx.WaitForComponentsToFinish()

	logrus.Warnf("Dendrite sync stream is exiting now")
}
