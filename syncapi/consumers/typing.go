// Copyright 2024 New Vector Ltd.
// Copyright 2019 Alex Chen
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/types"
)

// OutputTypingEventConsumer consumes events that originated in the EDU server.
type OutputTypingEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	eduCache  *caching.EDUCache
	notifier  *notifier.Notifier
}

// NewOutputTypingEventConsumer creates a new OutputTypingEventConsumer.
// Call Start() to begin consuming from the EDU server.
func NewOutputTypingEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	eduCache *caching.EDUCache,
	notifier *notifier.Notifier,
) *OutputTypingEventConsumer {
	return &OutputTypingEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputTypingEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPITypingConsumer"),
		eduCache:  eduCache,
		notifier:  notifier,
	}
}

// Start consuming typing events.
func (s *OutputTypingEventConsumer) Start() error {
	s.eduCache.SetTimeoutCallback(func(userID, roomID string, latestSyncPosition int64) {
		s.notifier.OnNewTyping(roomID, types.StreamPosition(latestSyncPosition))
	})
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputTypingEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	roomID := msg.Header.Get(jetstream.RoomID)
	userID := msg.Header.Get(jetstream.UserID)
	typing, err := strconv.ParseBool(msg.Header.Get(jetstream.Typing))
	if err != nil {
		log.WithError(err).Errorf("output log: typing parse failure")
		return true
	}

	log.WithFields(log.Fields{
		"room_id": roomID,
		"user_id": userID,
		"typing":  typing,
	}).Debug("received data from EDU server")

	var typingPos types.StreamPosition
	if typing {
		var expiry *time.Time
		if expireAt := msg.Header.Get(jetstream.ExpireAt); expireAt != "" {
			ms, err := strconv.ParseInt(expireAt, 10, 64)
			if err != nil {
				log.WithError(err).Errorf("output log: typing expiry parse failure")
				return true
			}
			t := time.UnixMilli(ms)
			expiry = &t
		}
		typingPos = types.StreamPosition(
			s.eduCache.AddTypingUser(userID, roomID, expiry),
		)
	} else {
		typingPos = types.StreamPosition(
			s.eduCache.RemoveUser(userID, roomID),
		)
	}

	s.notifier.OnNewTyping(roomID, typingPos)
	return true
}
