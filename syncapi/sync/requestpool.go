// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/syncstream/internal"
	"github.com/element-hq/syncstream/internal/caching"
	"github.com/element-hq/syncstream/internal/httputil"
	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/syncapi/notifier"
	"github.com/element-hq/syncstream/syncapi/storage"
	"github.com/element-hq/syncstream/syncapi/synctypes"
	"github.com/element-hq/syncstream/syncapi/types"
)

// RequestPool manages HTTP long-poll connections for /sync
type RequestPool struct {
	db       storage.Database
	cfg      *config.SyncAPI
	filters  *caching.FilterLoader
	lazyLoad *caching.LazyLoadCache
	typing   *caching.EDUCache
	Notifier *notifier.Notifier
}

var waitingSyncRequests = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "syncapi",
		Name:      "waiting_syncs",
		Help:      "How many /sync requests are waiting for new data",
	},
)

func init() {
	prometheus.MustRegister(waitingSyncRequests)
}

// NewRequestPool makes a new RequestPool
func NewRequestPool(
	db storage.Database, cfg *config.SyncAPI, filters *caching.FilterLoader,
	caches *caching.Caches, n *notifier.Notifier,
) *RequestPool {
	return &RequestPool{
		db:       db,
		cfg:      cfg,
		filters:  filters,
		lazyLoad: caches.LazyLoading,
		typing:   caches.Typing,
		Notifier: n,
	}
}

// OnIncomingSyncRequest is called when a client makes a /sync request. This function MUST be
// called in a dedicated goroutine for this request. This function will block the goroutine
// until a response is ready, or it times out.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *httputil.Device) util.JSONResponse {
	trace, ctx := internal.StartRegion(req.Context(), "OnIncomingSyncRequest")
	defer trace.EndRegion()
	trace.SetTag("user_id", device.UserID)
	req = req.WithContext(ctx)

	syncReq, resErr := newSyncRequest(req, device, rp.filters, rp.cfg.MaxSyncTimeout)
	if resErr != nil {
		return *resErr
	}

	currentPos := rp.Notifier.CurrentPosition()
	if !syncReq.isInitial() && !syncReq.wantFullState && syncReq.timeout > 0 {
		stream := rp.Notifier.GetOrCreateUserStream(device.UserID)
		listener := stream.AddListener(syncReq.since)
		waitCtx, cancel := context.WithTimeout(ctx, syncReq.timeout)
		waitingSyncRequests.Inc()
		_, err := listener.WaitForNextEvent(waitCtx)
		waitingSyncRequests.Dec()
		cancel()
		switch {
		case err == nil:
			currentPos = rp.Notifier.CurrentPosition()
		case ctx.Err() != nil:
			// The client went away, so nobody will read the response.
			syncReq.log.WithError(ctx.Err()).Debug("Client gave up waiting for /sync")
			return util.JSONResponse{Code: http.StatusOK, JSON: types.Response{NextBatch: syncReq.since}}
		case errors.Is(err, context.DeadlineExceeded):
			syncReq.log.Trace("Timed out waiting for /sync")
			currentPos = rp.Notifier.CurrentPosition()
		}
	}

	// Never hand back a token behind the one the client already has.
	nextBatch := syncReq.since
	nextBatch.ApplyUpdates(currentPos)

	res, err := rp.buildResponse(syncReq, nextBatch)
	if err != nil {
		syncReq.log.WithError(err).Error("rp.buildResponse failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

func (rp *RequestPool) buildResponse(req *syncRequest, to types.StreamingToken) (*types.Response, error) {
	res := types.NewResponse()
	res.NextBatch = to

	memberships, err := rp.db.MembershipsForUser(req.ctx, req.device.UserID)
	if err != nil {
		return nil, fmt.Errorf("rp.db.MembershipsForUser: %w", err)
	}

	// Rooms that finished resyncing are sent to the client as if newly joined.
	unPartialStated := map[string]struct{}{}
	if !req.isInitial() {
		roomIDs, err := rp.db.UnPartialStatedRoomsInRange(req.ctx, req.device.UserID, types.Range{
			From: req.since.UnPartialStatedRoomsPosition,
			To:   to.UnPartialStatedRoomsPosition,
		})
		if err != nil {
			return nil, fmt.Errorf("rp.db.UnPartialStatedRoomsInRange: %w", err)
		}
		for _, roomID := range roomIDs {
			unPartialStated[roomID] = struct{}{}
		}
	}

	var joined []string
	for _, m := range memberships {
		if !req.filter.Room.AllowsRoom(m.RoomID) || m.StreamPosition > to.RoomPosition.Stream {
			continue
		}
		switch m.Membership {
		case spec.Join:
			_, resynced := unPartialStated[m.RoomID]
			full := req.isInitial() || req.wantFullState || resynced ||
				m.StreamPosition > req.since.RoomPosition.Stream
			jr, err := rp.joinResponse(req, m.RoomID, full, to)
			if err != nil {
				return nil, err
			}
			joined = append(joined, m.RoomID)
			if full || !jr.IsEmpty() {
				res.Rooms.Join[m.RoomID] = jr
			}
		case spec.Leave, spec.Ban:
			if !req.filter.Room.IncludeLeave {
				continue
			}
			if !req.isInitial() && m.StreamPosition <= req.since.RoomPosition.Stream {
				continue
			}
			lr, err := rp.leaveResponse(req, m)
			if err != nil {
				return nil, err
			}
			res.Rooms.Leave[m.RoomID] = lr
		}
	}

	if err = rp.addEphemeral(req, res, joined, to); err != nil {
		return nil, err
	}
	return res, nil
}

func (rp *RequestPool) joinResponse(
	req *syncRequest, roomID string, full bool, to types.StreamingToken,
) (*types.JoinResponse, error) {
	jr := types.NewJoinResponse()
	r := types.Range{From: req.since.RoomPosition.Stream, To: to.RoomPosition.Stream}
	if full {
		r.From = 0
	}
	events, limited, err := rp.timeline(req, roomID, r)
	if err != nil {
		return nil, err
	}
	if jr.Timeline.Events, err = rp.formatEvents(req, events); err != nil {
		return nil, err
	}
	jr.Timeline.Limited = limited
	if len(events) > 0 {
		jr.Timeline.PrevBatch = types.NewRoomStreamToken(events[0].StreamPosition).String()
	}

	members, err := rp.lazyLoadMembers(req, roomID, events, full, to.RoomPosition.Stream)
	if err != nil {
		return nil, err
	}
	if jr.State.Events, err = rp.formatEvents(req, members); err != nil {
		return nil, err
	}
	return jr, nil
}

func (rp *RequestPool) leaveResponse(req *syncRequest, m types.Membership) (*types.LeaveResponse, error) {
	lr := types.NewLeaveResponse()
	r := types.Range{From: req.since.RoomPosition.Stream, To: m.StreamPosition}
	events, limited, err := rp.timeline(req, m.RoomID, r)
	if err != nil {
		return nil, err
	}
	if lr.Timeline.Events, err = rp.formatEvents(req, events); err != nil {
		return nil, err
	}
	lr.Timeline.Limited = limited
	if len(events) > 0 {
		lr.Timeline.PrevBatch = types.NewRoomStreamToken(events[0].StreamPosition).String()
	}
	return lr, nil
}

func (rp *RequestPool) timeline(
	req *syncRequest, roomID string, r types.Range,
) ([]types.StreamEvent, bool, error) {
	filter := req.filter.Room.Timeline
	if filter.Limit > rp.cfg.MaxTimelineLimit {
		filter.Limit = rp.cfg.MaxTimelineLimit
	}
	events, limited, err := rp.db.RecentEvents(req.ctx, roomID, r, &filter)
	if err != nil {
		return nil, false, fmt.Errorf("rp.db.RecentEvents: %w", err)
	}
	return events, limited, nil
}

// lazyLoadMembers returns the membership events of the timeline's senders
// when the state filter asks for lazy loading. Members the device has already
// been sent are skipped unless redundant members were asked for.
func (rp *RequestPool) lazyLoadMembers(
	req *syncRequest, roomID string, timeline []types.StreamEvent, full bool, at types.StreamPosition,
) ([]types.StreamEvent, error) {
	stateFilter := &req.filter.Room.State
	if !stateFilter.LazyLoadMembers {
		return nil, nil
	}
	inTimeline := make(map[string]struct{}, len(timeline))
	for _, ev := range timeline {
		if ev.IsMembership() {
			inTimeline[*ev.StateKey] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(timeline))
	var members []types.StreamEvent
	for _, ev := range timeline {
		sender := ev.Sender
		if _, ok := seen[sender]; ok {
			continue
		}
		seen[sender] = struct{}{}
		if _, ok := inTimeline[sender]; ok {
			continue
		}
		member, err := rp.db.MemberEvent(req.ctx, roomID, sender, at)
		if err != nil {
			return nil, fmt.Errorf("rp.db.MemberEvent: %w", err)
		}
		if member == nil {
			continue
		}
		if !full && !stateFilter.IncludeRedundantMembers {
			cached, ok := rp.lazyLoad.IsLazyLoadedUserCached(req.device.UserID, req.device.ID, roomID, sender)
			if ok && cached == member.EventID {
				continue
			}
		}
		if !req.filter.Room.CheckSection(synctypes.RoomSectionState, member.ClientEvent) {
			continue
		}
		members = append(members, *member)
		rp.lazyLoad.StoreLazyLoadedUser(req.device.UserID, req.device.ID, roomID, sender, member.EventID)
	}
	return members, nil
}

// addEphemeral fills in typing notifications and read receipts for the
// joined rooms that changed since the request's token.
func (rp *RequestPool) addEphemeral(
	req *syncRequest, res *types.Response, joined []string, to types.StreamingToken,
) error {
	if len(joined) == 0 {
		return nil
	}
	ephemeral := func(roomID string, ev *synctypes.ClientEvent) error {
		if !req.filter.Room.CheckSection(synctypes.RoomSectionEphemeral, ev) {
			return nil
		}
		raw, err := rp.formatEvent(req, ev)
		if err != nil {
			return err
		}
		jr, ok := res.Rooms.Join[roomID]
		if !ok {
			jr = types.NewJoinResponse()
			res.Rooms.Join[roomID] = jr
		}
		jr.Ephemeral.Events = append(jr.Ephemeral.Events, raw)
		return nil
	}

	if to.TypingPosition > req.since.TypingPosition || req.isInitial() {
		for _, roomID := range joined {
			users, updated := rp.typing.GetTypingUsersIfUpdatedAfter(roomID, int64(req.since.TypingPosition))
			if !updated {
				continue
			}
			if users == nil {
				users = []string{}
			}
			content, err := json.Marshal(map[string][]string{"user_ids": users})
			if err != nil {
				return fmt.Errorf("json.Marshal: %w", err)
			}
			ev := &synctypes.ClientEvent{Type: spec.MTyping, RoomID: roomID, Content: content}
			if err = ephemeral(roomID, ev); err != nil {
				return err
			}
		}
	}

	if to.ReceiptPosition > req.since.ReceiptPosition {
		_, receipts, err := rp.db.RoomReceiptsAfter(req.ctx, joined, req.since.ReceiptPosition)
		if err != nil {
			return fmt.Errorf("rp.db.RoomReceiptsAfter: %w", err)
		}
		// room ID -> event ID -> receipt type -> user ID
		byRoom := map[string]map[string]map[string]map[string]types.ReceiptTS{}
		for _, receipt := range receipts {
			if receipt.Type == "m.read.private" && receipt.UserID != req.device.UserID {
				continue
			}
			events, ok := byRoom[receipt.RoomID]
			if !ok {
				events = map[string]map[string]map[string]types.ReceiptTS{}
				byRoom[receipt.RoomID] = events
			}
			receiptTypes, ok := events[receipt.EventID]
			if !ok {
				receiptTypes = map[string]map[string]types.ReceiptTS{}
				events[receipt.EventID] = receiptTypes
			}
			users, ok := receiptTypes[receipt.Type]
			if !ok {
				users = map[string]types.ReceiptTS{}
				receiptTypes[receipt.Type] = users
			}
			users[receipt.UserID] = types.ReceiptTS{TS: receipt.Timestamp}
		}
		for roomID, content := range byRoom {
			raw, err := json.Marshal(content)
			if err != nil {
				return fmt.Errorf("json.Marshal: %w", err)
			}
			ev := &synctypes.ClientEvent{Type: spec.MReceipt, RoomID: roomID, Content: raw}
			if err = ephemeral(roomID, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rp *RequestPool) formatEvents(req *syncRequest, events []types.StreamEvent) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := rp.formatEvent(req, ev.ClientEvent)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// formatEvent serialises an event for the response. Client format events
// don't carry their room ID as the room is implied by where they appear.
func (rp *RequestPool) formatEvent(req *syncRequest, ev *synctypes.ClientEvent) (json.RawMessage, error) {
	out := *ev
	if req.filter.EventFormat != synctypes.EventFormatFederation {
		out.RoomID = ""
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	if raw, err = req.filter.ApplyEventFields(raw); err != nil {
		return nil, fmt.Errorf("req.filter.ApplyEventFields: %w", err)
	}
	return raw, nil
}
