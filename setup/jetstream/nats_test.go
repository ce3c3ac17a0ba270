package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/process"
)

func TestTokenise(t *testing.T) {
	assert.Equal(t, "_alice_localhost", Tokenise("@alice:localhost"))
	assert.Equal(t, "_room_localhost", Tokenise("!room:localhost"))
	assert.Equal(t, "$event", Tokenise("$event"))
}

func TestPrepareAndConsume(t *testing.T) {
	processCtx := process.NewProcessContext()
	defer func() {
		processCtx.ShutdownDendrite()
		processCtx.WaitForComponentsToFinish()
	}()
	cfg := &config.JetStream{
		StoragePath: config.Path(t.TempDir()),
		TopicPrefix: "Test",
		InMemory:    true,
		NoLog:       true,
	}

	var natsInstance NATSInstance
	js, nc := natsInstance.Prepare(processCtx, cfg)
	require.NotNil(t, js)
	require.NotNil(t, nc)

	_, again := natsInstance.Prepare(processCtx, cfg)
	assert.Same(t, nc, again, "connections are reused")

	info, err := js.StreamInfo(cfg.Prefixed(OutputStreamPosition))
	require.NoError(t, err)
	assert.Equal(t, nats.MemoryStorage, info.Config.Storage)

	got := make(chan string, 1)
	err = JetStreamConsumer(
		processCtx.Context(), js, cfg.Prefixed(OutputStreamPosition), cfg.Durable("TestConsumer"), 1,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			got <- msgs[0].Header.Get(StreamKey)
			return true
		}, nats.DeliverAll(), nats.ManualAck(),
	)
	require.NoError(t, err)

	msg := nats.NewMsg(cfg.Prefixed(OutputStreamPosition))
	msg.Header.Set(StreamKey, "typing_key")
	_, err = js.PublishMsg(msg)
	require.NoError(t, err)

	select {
	case key := <-got:
		assert.Equal(t, "typing_key", key)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestJetStreamConsumerRejectsEmptyBatch(t *testing.T) {
	err := JetStreamConsumer(context.Background(), nil, "subj", "durable", 0, nil)
	assert.Error(t, err)
}
