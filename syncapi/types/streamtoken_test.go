package types

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomToken(r *rand.Rand) StreamingToken {
	pos := func() StreamPosition { return StreamPosition(r.Int63n(1 << 40)) }
	tok := StreamingToken{
		RoomPosition:                 NewRoomStreamToken(pos()),
		PresencePosition:             pos(),
		TypingPosition:               pos(),
		ReceiptPosition:              pos(),
		AccountDataPosition:          pos(),
		PushRulesPosition:            pos(),
		SendToDevicePosition:         pos(),
		DeviceListPosition:           pos(),
		UnPartialStatedRoomsPosition: pos(),
	}
	if r.Intn(2) == 0 {
		tok.RoomPosition = NewHistoricalRoomStreamToken(pos(), pos())
	}
	return tok
}

func TestStreamingTokenRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		tok := randomToken(r)
		parsed, err := NewStreamTokenFromString(tok.String())
		require.NoError(t, err, tok.String())
		assert.Equal(t, tok, parsed)
	}
}

func TestStreamingTokenString(t *testing.T) {
	tok := StreamingToken{
		RoomPosition:                 NewRoomStreamToken(478),
		PresencePosition:             1,
		TypingPosition:               100,
		ReceiptPosition:              50,
		AccountDataPosition:          2,
		PushRulesPosition:            13,
		SendToDevicePosition:         3,
		DeviceListPosition:           4,
		UnPartialStatedRoomsPosition: 5,
	}
	assert.Equal(t, "s478_1_100_50_2_13_3_4_5", tok.String())

	tok.RoomPosition = NewHistoricalRoomStreamToken(7, 478)
	assert.Equal(t, "t7-478_1_100_50_2_13_3_4_5", tok.String())
}

func TestNewStreamTokenFromStringInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"s1",
		"s1_2_3_4_5_6_7_8",
		"s1_2_3_4_5_6_7_8_9_10",
		"x1_2_3_4_5_6_7_8_9",
		"s_2_3_4_5_6_7_8_9",
		"sa_2_3_4_5_6_7_8_9",
		"t1_2_3_4_5_6_7_8_9",
		"tx-1_2_3_4_5_6_7_8_9",
		"s1_2_3_four_5_6_7_8_9",
		"s1_2_3_-4_5_6_7_8_9",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := NewStreamTokenFromString(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSyncToken), "error %q should wrap ErrMalformedSyncToken", err)
		})
	}
}

func TestInvalidLengthMessage(t *testing.T) {
	_, err := NewStreamTokenFromString("s1_2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stream token length")
}

func TestRoomStreamTokenAdvance(t *testing.T) {
	live := NewRoomStreamToken(5)

	next, ok := live.Advance(6)
	assert.True(t, ok)
	assert.Equal(t, NewRoomStreamToken(6), next)

	same, ok := live.Advance(5)
	assert.False(t, ok)
	assert.Equal(t, live, same)

	same, ok = live.Advance(4)
	assert.False(t, ok)
	assert.Equal(t, live, same)

	historical := NewHistoricalRoomStreamToken(3, 5)
	same, ok = historical.Advance(100)
	assert.False(t, ok)
	assert.Equal(t, historical, same)
	assert.True(t, same.IsHistorical())
}

func TestStreamingTokenAdvanceIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		tok := randomToken(r)
		tok.RoomPosition = NewRoomStreamToken(tok.RoomPosition.Stream)
		for k := StreamKeyRoom; k <= StreamKeyUnPartialStatedRooms; k++ {
			current := tok.Position(k)

			same, ok := tok.Advance(k, current)
			assert.False(t, ok)
			assert.Equal(t, tok, same)

			if current > 0 {
				same, ok = tok.Advance(k, current-1)
				assert.False(t, ok)
				assert.Equal(t, tok, same)
			}

			next, ok := tok.Advance(k, current+1)
			require.True(t, ok, "advancing %s", k)
			assert.Equal(t, current+1, next.Position(k))
			for other := StreamKeyRoom; other <= StreamKeyUnPartialStatedRooms; other++ {
				if other != k {
					assert.Equal(t, tok.Position(other), next.Position(other), "%s changed when advancing %s", other, k)
				}
			}
		}
	}
}

func TestStreamingTokenAdvanceHistoricalRoom(t *testing.T) {
	tok := StreamingToken{RoomPosition: NewHistoricalRoomStreamToken(2, 10)}
	same, ok := tok.Advance(StreamKeyRoom, 20)
	assert.False(t, ok)
	assert.Equal(t, tok, same)
}

func TestStreamingTokenIsAfterAndApplyUpdates(t *testing.T) {
	a := StreamingToken{RoomPosition: NewRoomStreamToken(10), TypingPosition: 1}
	b := StreamingToken{RoomPosition: NewRoomStreamToken(8), TypingPosition: 4, ReceiptPosition: 2}

	assert.True(t, a.IsAfter(b))
	assert.True(t, b.IsAfter(a))
	assert.False(t, a.IsAfter(a))

	a.ApplyUpdates(b)
	assert.Equal(t, StreamingToken{
		RoomPosition:    NewRoomStreamToken(10),
		TypingPosition:  4,
		ReceiptPosition: 2,
	}, a)
	assert.False(t, b.IsAfter(a))
}

func TestStreamKeyNames(t *testing.T) {
	for k := StreamKeyRoom; k <= StreamKeyUnPartialStatedRooms; k++ {
		parsed, err := ParseStreamKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseStreamKey("nope_key")
	assert.Error(t, err)
}

func TestStreamingTokenTextMarshalling(t *testing.T) {
	tok := StreamingToken{RoomPosition: NewRoomStreamToken(3), DeviceListPosition: 9}
	text, err := tok.MarshalText()
	require.NoError(t, err)

	var parsed StreamingToken
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, tok, parsed)
}
