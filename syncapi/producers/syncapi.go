// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

type JetStreamPublisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// SyncAPIProducer publishes the inputs the sync API consumes. It is used by
// the components that own rooms, receipts and typing, and by tests.
type SyncAPIProducer struct {
	TopicRoomEvent      string
	TopicStreamPosition string
	TopicReceiptEvent   string
	TopicTypingEvent    string
	TopicUnPartialState string
	JetStream           JetStreamPublisher
}

// SendRoomEvent publishes a room event to be stored and streamed.
func (p *SyncAPIProducer) SendRoomEvent(ev *synctypes.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	m := nats.NewMsg(p.TopicRoomEvent)
	m.Header.Set(jetstream.RoomID, ev.RoomID)
	m.Header.Set(jetstream.EventID, ev.EventID)
	m.Data = data
	_, err = p.JetStream.PublishMsg(m)
	return err
}

// SendStreamPosition announces a new position on a stream whose data is
// stored elsewhere. At least one of userID and roomID should be set.
func (p *SyncAPIProducer) SendStreamPosition(
	key types.StreamKey, pos types.StreamPosition, userID, roomID string,
) error {
	m := nats.NewMsg(p.TopicStreamPosition)
	m.Header.Set(jetstream.StreamKey, key.String())
	m.Header.Set(jetstream.StreamPos, strconv.FormatInt(int64(pos), 10))
	if userID != "" {
		m.Header.Set(jetstream.UserID, userID)
	}
	if roomID != "" {
		m.Header.Set(jetstream.RoomID, roomID)
	}
	log.WithFields(log.Fields{
		"stream_key": key.String(),
		"stream_pos": pos,
	}).Tracef("Producing to topic '%s'", p.TopicStreamPosition)
	_, err := p.JetStream.PublishMsg(m)
	return err
}

func (p *SyncAPIProducer) SendReceipt(
	userID, roomID, eventID, receiptType string, timestamp spec.Timestamp,
) error {
	m := nats.NewMsg(p.TopicReceiptEvent)
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.EventID, eventID)
	m.Header.Set(jetstream.EventType, receiptType)
	m.Header.Set(jetstream.Timestamp, strconv.FormatUint(uint64(timestamp), 10))

	log.WithFields(log.Fields{
		"user_id":  userID,
		"room_id":  roomID,
		"event_id": eventID,
	}).Tracef("Producing to topic '%s'", p.TopicReceiptEvent)
	_, err := p.JetStream.PublishMsg(m)
	return err
}

// SendTyping publishes a typing start or stop. expireAt is ignored when
// typing is false.
func (p *SyncAPIProducer) SendTyping(userID, roomID string, typing bool, expireAt time.Time) error {
	m := nats.NewMsg(p.TopicTypingEvent)
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.Typing, strconv.FormatBool(typing))
	if typing {
		m.Header.Set(jetstream.ExpireAt, strconv.FormatInt(expireAt.UnixMilli(), 10))
	}
	_, err := p.JetStream.PublishMsg(m)
	return err
}

func (p *SyncAPIProducer) SendUnPartialStatedRoom(roomID string) error {
	m := nats.NewMsg(p.TopicUnPartialState)
	m.Header.Set(jetstream.RoomID, roomID)
	_, err := p.JetStream.PublishMsg(m)
	return err
}
