package producers

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

type recordingPublisher struct {
	msgs []*nats.Msg
}

func (r *recordingPublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	r.msgs = append(r.msgs, msg)
	return &nats.PubAck{}, nil
}

func newProducer() (*SyncAPIProducer, *recordingPublisher) {
	pub := &recordingPublisher{}
	return &SyncAPIProducer{
		TopicRoomEvent:      "room",
		TopicStreamPosition: "position",
		TopicReceiptEvent:   "receipt",
		TopicTypingEvent:    "typing",
		TopicUnPartialState: "unpartial",
		JetStream:           pub,
	}, pub
}

func TestSendRoomEvent(t *testing.T) {
	p, pub := newProducer()
	err := p.SendRoomEvent(&synctypes.ClientEvent{
		EventID: "$ev",
		RoomID:  "!room:localhost",
		Type:    "m.room.message",
		Content: []byte(`{"body":"hello"}`),
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "room", msg.Subject)
	assert.Equal(t, "$ev", msg.Header.Get(jetstream.EventID))
	assert.Equal(t, "hello", gjson.GetBytes(msg.Data, "content.body").String())
}

func TestSendStreamPosition(t *testing.T) {
	p, pub := newProducer()
	require.NoError(t, p.SendStreamPosition(types.StreamKeyPresence, 42, "@alice:localhost", ""))
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "presence_key", msg.Header.Get(jetstream.StreamKey))
	assert.Equal(t, "42", msg.Header.Get(jetstream.StreamPos))
	assert.Equal(t, "@alice:localhost", msg.Header.Get(jetstream.UserID))
	assert.Empty(t, msg.Header.Values(jetstream.RoomID))
}

func TestSendReceiptAndTyping(t *testing.T) {
	p, pub := newProducer()
	require.NoError(t, p.SendReceipt("@alice:localhost", "!room:localhost", "$ev", "m.read", spec.Timestamp(99)))
	expiry := time.UnixMilli(1700000000000)
	require.NoError(t, p.SendTyping("@alice:localhost", "!room:localhost", true, expiry))
	require.NoError(t, p.SendTyping("@alice:localhost", "!room:localhost", false, expiry))
	require.NoError(t, p.SendUnPartialStatedRoom("!room:localhost"))
	require.Len(t, pub.msgs, 4)

	assert.Equal(t, "99", pub.msgs[0].Header.Get(jetstream.Timestamp))
	assert.Equal(t, "m.read", pub.msgs[0].Header.Get(jetstream.EventType))
	assert.Equal(t, "true", pub.msgs[1].Header.Get(jetstream.Typing))
	assert.Equal(t, "1700000000000", pub.msgs[1].Header.Get(jetstream.ExpireAt))
	assert.Equal(t, "false", pub.msgs[2].Header.Get(jetstream.Typing))
	assert.Empty(t, pub.msgs[2].Header.Values(jetstream.ExpireAt))
	assert.Equal(t, "unpartial", pub.msgs[3].Subject)
}
