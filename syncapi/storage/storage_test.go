package storage_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/syncapi/storage"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

const testRoomID = "!room:localhost"

func mustCreateDatabase(t *testing.T) storage.Database {
	t.Helper()
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	db, err := storage.NewSyncServerDatasource(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "syncapi.db")),
	})
	require.NoError(t, err)
	return db
}

func message(eventID, sender, body string) *synctypes.ClientEvent {
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return &synctypes.ClientEvent{
		EventID: eventID,
		RoomID:  testRoomID,
		Sender:  sender,
		Type:    "m.room.message",
		Content: content,
	}
}

func member(eventID, userID, membership string) *synctypes.ClientEvent {
	stateKey := userID
	return &synctypes.ClientEvent{
		EventID:  eventID,
		RoomID:   testRoomID,
		Sender:   userID,
		Type:     spec.MRoomMember,
		StateKey: &stateKey,
		Content:  json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
	}
}

func TestWriteEventAndRecentEvents(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	var positions []types.StreamPosition
	for i := 0; i < 5; i++ {
		pos, err := db.WriteEvent(ctx, message(fmt.Sprintf("$msg%d", i), "@alice:localhost", fmt.Sprintf("hello %d", i)))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	for i := 1; i < len(positions); i++ {
		assert.Greater(t, positions[i], positions[i-1])
	}

	again, err := db.WriteEvent(ctx, message("$msg2", "@alice:localhost", "hello 2"))
	require.NoError(t, err)
	assert.Equal(t, positions[2], again, "rewriting an event keeps its position")

	filter := synctypes.DefaultRoomEventFilter()
	filter.Limit = 3
	events, limited, err := db.RecentEvents(ctx, testRoomID, types.Range{From: 0, To: positions[4]}, &filter)
	require.NoError(t, err)
	assert.True(t, limited)
	require.Len(t, events, 3)
	assert.Equal(t, "$msg2", events[0].EventID)
	assert.Equal(t, "$msg4", events[2].EventID)
	assert.Equal(t, positions[4], events[2].StreamPosition)

	events, limited, err = db.RecentEvents(ctx, testRoomID, types.Range{From: positions[2], To: positions[4]}, &filter)
	require.NoError(t, err)
	assert.False(t, limited)
	require.Len(t, events, 2)
	assert.Equal(t, "$msg3", events[0].EventID)

	notAlice := synctypes.DefaultRoomEventFilter()
	notAlice.NotSenders = []string{"@alice:localhost"}
	events, limited, err = db.RecentEvents(ctx, testRoomID, types.Range{From: 0, To: positions[4]}, &notAlice)
	require.NoError(t, err)
	assert.False(t, limited)
	assert.Empty(t, events)
}

func TestRecentEventsContainsURL(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	_, err := db.WriteEvent(ctx, message("$text", "@alice:localhost", "hi"))
	require.NoError(t, err)
	image := message("$image", "@alice:localhost", "")
	image.Content = json.RawMessage(`{"msgtype":"m.image","url":"mxc://localhost/abc"}`)
	last, err := db.WriteEvent(ctx, image)
	require.NoError(t, err)

	withURL, withoutURL := true, false
	tests := []struct {
		name        string
		containsURL *bool
		want        []string
	}{
		{"unset", nil, []string{"$text", "$image"}},
		{"with url", &withURL, []string{"$image"}},
		{"without url", &withoutURL, []string{"$text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := synctypes.DefaultRoomEventFilter()
			filter.ContainsURL = tt.containsURL
			events, _, err := db.RecentEvents(ctx, testRoomID, types.Range{To: last}, &filter)
			require.NoError(t, err)
			var got []string
			for _, ev := range events {
				got = append(got, ev.EventID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	_, err := db.WriteEvent(ctx, member("$alice_join", "@alice:localhost", spec.Join))
	require.NoError(t, err)
	bobJoin, err := db.WriteEvent(ctx, member("$bob_join", "@bob:localhost", spec.Join))
	require.NoError(t, err)

	joined, err := db.AllJoinedUsersInRooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@alice:localhost", "@bob:localhost"}, joined[testRoomID])

	bobLeave, err := db.WriteEvent(ctx, member("$bob_leave", "@bob:localhost", spec.Leave))
	require.NoError(t, err)

	joined, err = db.AllJoinedUsersInRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost"}, joined[testRoomID])

	memberships, err := db.MembershipsForUser(ctx, "@bob:localhost")
	require.NoError(t, err)
	assert.Equal(t, []types.Membership{{RoomID: testRoomID, Membership: spec.Leave, StreamPosition: bobLeave}}, memberships)

	ev, err := db.MemberEvent(ctx, testRoomID, "@bob:localhost", bobLeave)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "$bob_leave", ev.EventID)

	ev, err = db.MemberEvent(ctx, testRoomID, "@bob:localhost", bobJoin)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "$bob_join", ev.EventID)

	ev, err = db.MemberEvent(ctx, testRoomID, "@charlie:localhost", bobLeave)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	filter := synctypes.DefaultFilter()
	filter.Room.Timeline.Types = &[]string{"m.room.message"}
	filter.Room.Timeline.Limit = 5

	id, err := db.PutFilter(ctx, "alice", &filter)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := db.PutFilter(ctx, "alice", &filter)
	require.NoError(t, err)
	assert.Equal(t, id, again, "identical filters share an ID")

	other := synctypes.DefaultFilter()
	otherID, err := db.PutFilter(ctx, "alice", &other)
	require.NoError(t, err)
	assert.NotEqual(t, id, otherID)

	var got synctypes.Filter
	require.NoError(t, db.GetFilter(ctx, &got, "alice", id))
	assert.Equal(t, filter, got)

	err = db.GetFilter(ctx, &got, "bob", id)
	assert.ErrorIs(t, err, sql.ErrNoRows, "filters are scoped to their owner")

	err = db.GetFilter(ctx, &got, "alice", "not-a-number")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	first, err := db.StoreReceipt(ctx, testRoomID, "m.read", "@alice:localhost", "$one", spec.Timestamp(1000))
	require.NoError(t, err)
	same, err := db.StoreReceipt(ctx, testRoomID, "m.read", "@alice:localhost", "$one", spec.Timestamp(1001))
	require.NoError(t, err)
	assert.Equal(t, first, same, "repeating a receipt keeps its position")

	second, err := db.StoreReceipt(ctx, testRoomID, "m.read", "@alice:localhost", "$two", spec.Timestamp(2000))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	lastPos, receipts, err := db.RoomReceiptsAfter(ctx, []string{testRoomID, "!other:localhost"}, 0)
	require.NoError(t, err)
	assert.Equal(t, second, lastPos)
	require.Len(t, receipts, 1)
	assert.Equal(t, "$two", receipts[0].EventID)
	assert.Equal(t, spec.Timestamp(2000), receipts[0].Timestamp)

	_, receipts, err = db.RoomReceiptsAfter(ctx, []string{testRoomID}, second)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestUnPartialStatedRooms(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	pos, err := db.StoreUnPartialStatedRoom(ctx, testRoomID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StreamPosition(0), pos, "nothing is stored without users")

	pos, err = db.StoreUnPartialStatedRoom(ctx, testRoomID, []string{"@alice:localhost", "@bob:localhost"})
	require.NoError(t, err)
	assert.Greater(t, pos, types.StreamPosition(0))

	rooms, err := db.UnPartialStatedRoomsInRange(ctx, "@bob:localhost", types.Range{From: 0, To: pos})
	require.NoError(t, err)
	assert.Equal(t, []string{testRoomID}, rooms)

	rooms, err = db.UnPartialStatedRoomsInRange(ctx, "@bob:localhost", types.Range{From: pos, To: pos + 10})
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestMaxStreamToken(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)

	token, err := db.MaxStreamToken(ctx)
	require.NoError(t, err)
	assert.True(t, token.IsEmpty())

	roomPos, err := db.WriteEvent(ctx, message("$msg", "@alice:localhost", "hi"))
	require.NoError(t, err)
	receiptPos, err := db.StoreReceipt(ctx, testRoomID, "m.read", "@alice:localhost", "$msg", spec.Timestamp(1))
	require.NoError(t, err)
	partialPos, err := db.StoreUnPartialStatedRoom(ctx, testRoomID, []string{"@alice:localhost"})
	require.NoError(t, err)

	token, err = db.MaxStreamToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, roomPos, token.RoomPosition.Stream)
	assert.Equal(t, receiptPos, token.ReceiptPosition)
	assert.Equal(t, partialPos, token.UnPartialStatedRoomsPosition)
}
