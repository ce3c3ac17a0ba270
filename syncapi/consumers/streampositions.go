// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/types"
)

// OutputStreamPositionConsumer consumes position updates for the streams
// whose data lives in other components, e.g. presence or account data.
type OutputStreamPositionConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	notifier  *notifier.Notifier
}

func NewOutputStreamPositionConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	notifier *notifier.Notifier,
) *OutputStreamPositionConsumer {
	return &OutputStreamPositionConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputStreamPosition),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIStreamPositionConsumer"),
		notifier:  notifier,
	}
}

func (s *OutputStreamPositionConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// locallyOwned streams get their positions from this server's own storage
// and caches, so updates for them from outside are ignored.
var locallyOwned = map[types.StreamKey]struct{}{
	types.StreamKeyRoom:                 {},
	types.StreamKeyTyping:               {},
	types.StreamKeyReceipt:              {},
	types.StreamKeyUnPartialStatedRooms: {},
}

func (s *OutputStreamPositionConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	key, pos, err := parseStreamPosition(msg)
	if err != nil {
		log.WithError(err).Errorf("stream position log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if _, ok := locallyOwned[key]; ok {
		log.WithField("stream_key", key.String()).Warn("stream position log: ignoring update for a locally owned stream")
		return true
	}

	userID := msg.Header.Get(jetstream.UserID)
	roomID := msg.Header.Get(jetstream.RoomID)
	var woken int
	switch {
	case roomID != "":
		var userIDs []string
		if userID != "" {
			userIDs = []string{userID}
		}
		woken = s.notifier.OnNewEvent(key, pos, userIDs, []string{roomID})
	case userID != "":
		woken = s.notifyUser(key, userID, pos)
	default:
		log.WithField("stream_key", key.String()).Warn("stream position log: update has no user or room")
		return true
	}

	log.WithFields(log.Fields{
		"stream_key": key.String(),
		"stream_pos": pos,
		"woken":      woken,
	}).Trace("Stream position advanced")
	return true
}

// notifyUser wakes the streams a user-scoped update is visible to. Presence
// and device list changes are seen by everyone sharing a room with the user.
func (s *OutputStreamPositionConsumer) notifyUser(key types.StreamKey, userID string, pos types.StreamPosition) int {
	switch key {
	case types.StreamKeyPresence:
		return s.notifier.OnNewPresence(userID, pos)
	case types.StreamKeyDeviceList:
		return s.notifier.OnNewDeviceList(userID, pos)
	case types.StreamKeyAccountData:
		return s.notifier.OnNewAccountData(userID, pos)
	case types.StreamKeyPushRules:
		return s.notifier.OnNewPushRules(userID, pos)
	case types.StreamKeyToDevice:
		return s.notifier.OnNewSendToDevice(userID, pos)
	default:
		return s.notifier.OnNewEvent(key, pos, []string{userID}, nil)
	}
}

func parseStreamPosition(msg *nats.Msg) (types.StreamKey, types.StreamPosition, error) {
	key, err := types.ParseStreamKey(msg.Header.Get(jetstream.StreamKey))
	if err != nil {
		return 0, 0, err
	}
	pos, err := strconv.ParseInt(msg.Header.Get(jetstream.StreamPos), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream position: %w", err)
	}
	if pos < 0 {
		return 0, 0, fmt.Errorf("negative stream position %d", pos)
	}
	return key, types.StreamPosition(pos), nil
}
