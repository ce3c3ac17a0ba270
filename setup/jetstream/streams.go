package jetstream

import (
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID    = "user_id"
	RoomID    = "room_id"
	EventID   = "event_id"
	StreamKey = "stream_key"
	StreamPos = "stream_pos"
	Timestamp = "timestamp"
	EventType = "type"
	ExpireAt  = "expire_at"
	Typing    = "typing"
)

var (
	OutputRoomEvent      = "OutputRoomEvent"
	OutputStreamPosition = "OutputStreamPosition"
	OutputReceiptEvent   = "OutputReceiptEvent"
	OutputTypingEvent    = "OutputTypingEvent"
	OutputUnPartialState = "OutputUnPartialState"
)

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputStreamPosition,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputReceiptEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputTypingEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Second * 60,
	},
	{
		Name:      OutputUnPartialState,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}
