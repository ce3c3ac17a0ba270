// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/storage"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call Start() to begin consuming from room servers.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomServerConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming from room servers
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when the sync server receives a new event from the room server output log.
// It is not safe for this function to be called from multiple goroutines, or else the
// sync stream position may race and be incorrectly calculated.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var ev synctypes.ClientEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if ev.EventID == "" || ev.RoomID == "" || ev.Type == "" {
		log.WithFields(log.Fields{
			"event_id": ev.EventID,
			"room_id":  ev.RoomID,
			"type":     ev.Type,
		}).Warn("roomserver output log: ignoring incomplete event")
		return true
	}

	pos, err := s.db.WriteEvent(ctx, &ev)
	if err != nil {
		// nak so that the event is redelivered
		log.WithError(err).WithFields(log.Fields{
			"event_id": ev.EventID,
			"room_id":  ev.RoomID,
		}).Error("roomserver output log: write event failure")
		sentry.CaptureException(fmt.Errorf("s.db.WriteEvent: %w", err))
		return false
	}

	var userIDs []string
	if ev.IsMembership() {
		target := *ev.StateKey
		switch membership := gjson.GetBytes(ev.Content, "membership").String(); membership {
		case spec.Join:
			s.notifier.JoinRoom(target, ev.RoomID)
		case spec.Leave, spec.Ban:
			s.notifier.LeaveRoom(target, ev.RoomID)
		}
		// The target may not be joined, e.g. they were invited or kicked,
		// but should still hear about it.
		userIDs = append(userIDs, target)
	}

	woken := s.notifier.OnNewEvent(types.StreamKeyRoom, pos, userIDs, []string{ev.RoomID})
	log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"room_id":    ev.RoomID,
		"stream_pos": pos,
		"woken":      woken,
	}).Trace("Stored room event")
	return true
}
