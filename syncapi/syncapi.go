// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi/consumers"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/producers"
	"github.com/element-hq/syncstream/syncapi/routing"
	"github.com/element-hq/syncstream/syncapi/storage"
	"github.com/element-hq/syncstream/syncapi/sync"
	"github.com/element-hq/syncstream/syncapi/types"
)

// AddPublicRoutes sets up and registers HTTP handlers for the SyncAPI
// component, and starts the consumers that feed it. The returned producer
// publishes onto the same streams the consumers read from.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	csMux *mux.Router,
	dendriteCfg *config.Dendrite,
	cm *sqlutil.Connections,
	natsInstance *jetstream.NATSInstance,
	authenticate httputil.AuthFunc,
	caches *caching.Caches,
) *producers.SyncAPIProducer {
	cfg := &dendriteCfg.SyncAPI
	js, _ := natsInstance.Prepare(processContext, &cfg.Matrix.JetStream)

	syncDB, err := storage.NewSyncServerDatasource(cm, cfg.DatabaseOptions())
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}

	notifier := notifier.NewNotifier(types.StreamingToken{})
	if err = notifier.Load(processContext.Context(), syncDB); err != nil {
		logrus.WithError(err).Panicf("failed to load notifier")
	}

	roomConsumer := consumers.NewOutputRoomEventConsumer(
		processContext, cfg, js, syncDB, notifier,
	)
	if err = roomConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start room server consumer")
	}

	streamPositionConsumer := consumers.NewOutputStreamPositionConsumer(
		processContext, cfg, js, notifier,
	)
	if err = streamPositionConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start stream position consumer")
	}

	typingConsumer := consumers.NewOutputTypingEventConsumer(
		processContext, cfg, js, caches.Typing, notifier,
	)
	if err = typingConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start typing consumer")
	}

	receiptConsumer := consumers.NewOutputReceiptEventConsumer(
		processContext, cfg, js, syncDB, notifier,
	)
	if err = receiptConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start receipts consumer")
	}

	unPartialStateConsumer := consumers.NewOutputUnPartialStateConsumer(
		processContext, cfg, js, syncDB, notifier,
	)
	if err = unPartialStateConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start un-partial-state consumer")
	}

	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)

	filters := caching.NewFilterLoader(caches, syncDB)
	requestPool := sync.NewRequestPool(syncDB, cfg, filters, caches, notifier)
	routing.Setup(csMux, authenticate, requestPool, syncDB, filters, rateLimits)

	return &producers.SyncAPIProducer{
		TopicRoomEvent:      cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		TopicStreamPosition: cfg.Matrix.JetStream.Prefixed(jetstream.OutputStreamPosition),
		TopicReceiptEvent:   cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		TopicTypingEvent:    cfg.Matrix.JetStream.Prefixed(jetstream.OutputTypingEvent),
		TopicUnPartialState: cfg.Matrix.JetStream.Prefixed(jetstream.OutputUnPartialState),
		JetStream:           js,
	}
}
