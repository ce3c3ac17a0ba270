// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/storage"
)

// OutputUnPartialStateConsumer consumes notices that a room has finished
// its partial state resync.
type OutputUnPartialStateConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

func NewOutputUnPartialStateConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputUnPartialStateConsumer {
	return &OutputUnPartialStateConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputUnPartialState),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIUnPartialStateConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

func (s *OutputUnPartialStateConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputUnPartialStateConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	roomID := msg.Header.Get(jetstream.RoomID)
	if roomID == "" {
		log.Error("un-partial-state log: message has no room ID")
		return true
	}
	joined := s.notifier.JoinedUsers(roomID)
	pos, err := s.db.StoreUnPartialStatedRoom(ctx, roomID, joined)
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("un-partial-state log: failed to store room")
		sentry.CaptureException(err)
		return false
	}
	if pos == 0 {
		return true
	}
	s.notifier.OnNewUnPartialStatedRoom(roomID, pos)
	return true
}
