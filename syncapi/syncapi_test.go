package syncapi_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/internal/sqlutil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/jetstream"
	"github.com/element-hq/syncstream/setup/process"
	"github.com/element-hq/syncstream/syncapi"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

const (
	alice  = "@alice:localhost"
	roomID = "!room:localhost"
)

func authenticate(req *http.Request) (*httputil.Device, *util.JSONResponse) {
	userID := req.Header.Get("X-Test-User")
	if userID == "" {
		return nil, &util.JSONResponse{Code: http.StatusUnauthorized, JSON: spec.MissingToken("Missing access token")}
	}
	return &httputil.Device{UserID: userID, ID: "DEVICE"}, nil
}

func TestAddPublicRoutesEndToEnd(t *testing.T) {
	cfg := &config.Dendrite{}
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.ServerName = "localhost"
	cfg.Global.DatabaseOptions.ConnectionString = config.DataSource("file:" + filepath.Join(t.TempDir(), "syncapi.db"))
	cfg.Global.JetStream.InMemory = true
	cfg.Global.JetStream.StoragePath = config.Path(t.TempDir())
	cfg.Global.JetStream.TopicPrefix = "EndToEnd"

	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.ShutdownDendrite()
		processCtx.WaitForComponentsToFinish()
	})

	router := mux.NewRouter()
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, false)
	producer := syncapi.AddPublicRoutes(
		processCtx, router.PathPrefix("/_matrix/client").Subrouter(), cfg,
		sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions),
		&jetstream.NATSInstance{}, authenticate, caches,
	)

	sync := func(since string) (*types.Response, error) {
		target := "/_matrix/client/v3/sync?timeout=0"
		if since != "" {
			target += "&since=" + since
		}
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("X-Test-User", alice)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return nil, fmt.Errorf("sync returned %d: %s", rec.Code, rec.Body.String())
		}
		var res types.Response
		err := json.Unmarshal(rec.Body.Bytes(), &res)
		return &res, err
	}

	stateKey := alice
	require.NoError(t, producer.SendRoomEvent(&synctypes.ClientEvent{
		EventID:  "$join",
		RoomID:   roomID,
		Sender:   alice,
		Type:     spec.MRoomMember,
		StateKey: &stateKey,
		Content:  json.RawMessage(`{"membership":"join"}`),
	}))

	var since string
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		res, err := sync("")
		if err != nil {
			return poll.Error(err)
		}
		if res.Rooms == nil || res.Rooms.Join[roomID] == nil {
			return poll.Continue("room not synced yet")
		}
		since = res.NextBatch.String()
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(10*time.Millisecond))

	require.NoError(t, producer.SendRoomEvent(&synctypes.ClientEvent{
		EventID: "$hello",
		RoomID:  roomID,
		Sender:  alice,
		Type:    "m.room.message",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hello"}`),
	}))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		res, err := sync(since)
		if err != nil {
			return poll.Error(err)
		}
		if res.Rooms == nil || res.Rooms.Join[roomID] == nil {
			return poll.Continue("message not synced yet")
		}
		events := res.Rooms.Join[roomID].Timeline.Events
		if len(events) != 1 {
			return poll.Continue("got %d timeline events", len(events))
		}
		var ev synctypes.ClientEvent
		if err := json.Unmarshal(events[0], &ev); err != nil {
			return poll.Error(err)
		}
		if ev.EventID != "$hello" {
			return poll.Error(fmt.Errorf("unexpected event %s", ev.EventID))
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(10*time.Millisecond))
}
