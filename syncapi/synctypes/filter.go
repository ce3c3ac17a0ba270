// Copyright 2024 New Vector Ltd.
// Copyright 2017 Jan Christian Grünhage
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultFilterLimit is the event limit of a filter that doesn't set one.
	DefaultFilterLimit = 10

	EventFormatClient     = "client"
	EventFormatFederation = "federation"
)

// Filter is used by clients to specify how the server should filter responses to e.g. sync requests
// Specified by: https://spec.matrix.org/v1.6/client-server-api/#filtering
type Filter struct {
	EventFields []string    `json:"event_fields,omitempty"`
	EventFormat string      `json:"event_format,omitempty"`
	Presence    EventFilter `json:"presence"`
	AccountData EventFilter `json:"account_data"`
	Room        RoomFilter  `json:"room"`
}

// EventFilter is used to define filtering rules for events
type EventFilter struct {
	Limit      int       `json:"limit"`
	NotSenders []string  `json:"not_senders,omitempty"`
	NotTypes   []string  `json:"not_types,omitempty"`
	Senders    *[]string `json:"senders,omitempty"`
	Types      *[]string `json:"types,omitempty"`
}

// RoomFilter is used to define filtering rules for room-related events
type RoomFilter struct {
	NotRooms     []string        `json:"not_rooms,omitempty"`
	Rooms        *[]string       `json:"rooms,omitempty"`
	Ephemeral    RoomEventFilter `json:"ephemeral"`
	IncludeLeave bool            `json:"include_leave,omitempty"`
	State        RoomEventFilter `json:"state"`
	Timeline     RoomEventFilter `json:"timeline"`
	AccountData  RoomEventFilter `json:"account_data"`
}

// RoomEventFilter is used to define filtering rules for events in rooms
type RoomEventFilter struct {
	EventFilter
	LazyLoadMembers           bool      `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers   bool      `json:"include_redundant_members,omitempty"`
	UnreadThreadNotifications bool      `json:"unread_thread_notifications,omitempty"`
	NotRooms                  []string  `json:"not_rooms,omitempty"`
	Rooms                     *[]string `json:"rooms,omitempty"`
	ContainsURL               *bool     `json:"contains_url,omitempty"`
}

// DefaultFilter returns the default filter used by the Matrix server if no filter is provided in
// the request
func DefaultFilter() Filter {
	return Filter{
		AccountData: DefaultEventFilter(),
		EventFormat: EventFormatClient,
		Presence:    DefaultEventFilter(),
		Room: RoomFilter{
			AccountData: DefaultRoomEventFilter(),
			Ephemeral:   DefaultRoomEventFilter(),
			State:       DefaultRoomEventFilter(),
			Timeline:    DefaultRoomEventFilter(),
		},
	}
}

// DefaultEventFilter returns the default event filter used by the Matrix server if no filter is
// provided in the request
func DefaultEventFilter() EventFilter {
	return EventFilter{
		Limit: DefaultFilterLimit,
	}
}

// DefaultRoomEventFilter returns the default room event filter used by the Matrix server if no
// filter is provided in the request
func DefaultRoomEventFilter() RoomEventFilter {
	return RoomEventFilter{
		EventFilter: DefaultEventFilter(),
	}
}

// NewFilterFromJSON builds a filter from a client supplied definition.
// Absent fields keep their defaults and unknown fields are ignored. The
// returned error is a JSON decoding error and should be reported to the
// client as bad JSON.
func NewFilterFromJSON(data []byte) (Filter, error) {
	filter := DefaultFilter()
	if err := json.Unmarshal(data, &filter); err != nil {
		return Filter{}, err
	}
	return filter, nil
}

// Validate checks the filter for values that cannot be honoured.
func (f *Filter) Validate() error {
	switch f.EventFormat {
	case EventFormatClient, EventFormatFederation:
	default:
		return fmt.Errorf("bad event_format value %q, must be %q or %q", f.EventFormat, EventFormatClient, EventFormatFederation)
	}
	limits := map[string]int{
		"account_data":      f.AccountData.Limit,
		"presence":          f.Presence.Limit,
		"room.account_data": f.Room.AccountData.Limit,
		"room.ephemeral":    f.Room.Ephemeral.Limit,
		"room.state":        f.Room.State.Limit,
		"room.timeline":     f.Room.Timeline.Limit,
	}
	for name, limit := range limits {
		if limit < 0 {
			return fmt.Errorf("%s.limit must not be negative", name)
		}
	}
	return nil
}

// CheckEvent reports whether the filter allows the event. An event whose
// type cannot be classified returns ErrInvalidEventType.
func (f *Filter) CheckEvent(ev *ClientEvent) (bool, error) {
	bucket, err := ClassifyEventType(ev.Type)
	if err != nil {
		return false, fmt.Errorf("%w: %q", err, ev.Type)
	}
	switch bucket {
	case BucketAccountData:
		return f.AccountData.Check(ev), nil
	case BucketPresence:
		return f.Presence.Check(ev), nil
	default:
		return f.Room.CheckEvent(ev)
	}
}

// Check is CheckEvent for callers building a response: events that can't
// be classified are logged and excluded.
func (f *Filter) Check(ev *ClientEvent) bool {
	ok, err := f.CheckEvent(ev)
	if err != nil {
		logExcluded(ev, err)
		return false
	}
	return ok
}

func logExcluded(ev *ClientEvent, err error) {
	logrus.WithError(err).WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"event_type": ev.Type,
		"room_id":    ev.RoomID,
	}).Debug("Excluding event from filtered response")
}

// ApplyEventFields projects a serialised event onto the filter's
// event_fields. A nil or empty field list returns the event unchanged.
// Fields use dotted paths, with "\." for a literal dot in a key.
func (f *Filter) ApplyEventFields(event []byte) ([]byte, error) {
	if len(f.EventFields) == 0 {
		return event, nil
	}
	out := []byte("{}")
	for _, field := range f.EventFields {
		path := escapeFieldPath(field)
		res := gjson.GetBytes(event, path)
		if !res.Exists() {
			continue
		}
		var err error
		if out, err = sjson.SetRawBytes(out, path, []byte(res.Raw)); err != nil {
			return nil, fmt.Errorf("sjson.SetRawBytes(%q): %w", field, err)
		}
	}
	return out, nil
}

// escapeFieldPath escapes characters that gjson and sjson would otherwise
// read as path syntax. Dots keep their meaning as separators.
func escapeFieldPath(field string) string {
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch c {
		case '\\':
			// "\." is already an escaped dot
			b.WriteByte(c)
			if i+1 < len(field) {
				i++
				b.WriteByte(field[i])
			}
			continue
		case '*', '?', '|', '#', '@', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CheckEvent applies the room allow and deny lists, then the section filter
// for the event's type.
func (f *RoomFilter) CheckEvent(ev *ClientEvent) (bool, error) {
	if !f.allowsRoom(ev.RoomID) {
		return false, nil
	}
	section, err := ClassifyRoomEventType(ev.Type)
	if err != nil {
		return false, fmt.Errorf("%w: %q", err, ev.Type)
	}
	return f.section(section).Check(ev), nil
}

// CheckSection applies the room allow and deny lists and then the filter for
// the given section, regardless of the event's type.
func (f *RoomFilter) CheckSection(section RoomSection, ev *ClientEvent) bool {
	if !f.allowsRoom(ev.RoomID) {
		return false
	}
	return f.section(section).Check(ev)
}

// AllowsRoom reports whether events from the room may be returned at all.
func (f *RoomFilter) AllowsRoom(roomID string) bool {
	return f.allowsRoom(roomID)
}

func (f *RoomFilter) allowsRoom(roomID string) bool {
	return checkDimensions(roomDimension(roomID, f.Rooms, f.NotRooms))
}

func (f *RoomFilter) section(section RoomSection) *RoomEventFilter {
	switch section {
	case RoomSectionAccountData:
		return &f.AccountData
	case RoomSectionEphemeral:
		return &f.Ephemeral
	case RoomSectionState:
		return &f.State
	default:
		return &f.Timeline
	}
}

// Check reports whether the event passes the sender and type rules.
func (f *EventFilter) Check(ev *ClientEvent) bool {
	return checkDimensions(f.dimensions(ev)...)
}

func (f *EventFilter) dimensions(ev *ClientEvent) []dimension {
	return []dimension{
		{value: ev.Sender, allow: f.Senders, deny: f.NotSenders, wildcard: true},
		{value: ev.Type, allow: f.Types, deny: f.NotTypes, wildcard: true},
	}
}

// Check reports whether the event passes the sender, type, room and
// contains_url rules. Membership events are always allowed when the client
// asked for lazy loading with redundant members.
func (f *RoomEventFilter) Check(ev *ClientEvent) bool {
	if f.LazyLoadMembers && f.IncludeRedundantMembers && ev.IsMembership() {
		return true
	}
	dims := append(f.EventFilter.dimensions(ev), roomDimension(ev.RoomID, f.Rooms, f.NotRooms))
	if !checkDimensions(dims...) {
		return false
	}
	if f.ContainsURL != nil && *f.ContainsURL != ev.ContainsURL() {
		return false
	}
	return true
}

// dimension is one field of an event checked against an allow list and a
// deny list. A nil allow list allows everything.
type dimension struct {
	value    string
	allow    *[]string
	deny     []string
	wildcard bool
}

func roomDimension(roomID string, allow *[]string, deny []string) dimension {
	return dimension{value: roomID, allow: allow, deny: deny}
}

func (d dimension) matches(patterns []string) bool {
	if d.wildcard {
		return matchesAnyWildcard(d.value, patterns)
	}
	return matchesAnyExact(d.value, patterns)
}

// checkDimensions evaluates every deny list before any allow list.
func checkDimensions(dims ...dimension) bool {
	for _, d := range dims {
		if d.matches(d.deny) {
			return false
		}
	}
	for _, d := range dims {
		if d.allow != nil && !d.matches(*d.allow) {
			return false
		}
	}
	return true
}

// IsInvalidEventType reports whether err came from classifying an event type.
func IsInvalidEventType(err error) bool {
	return errors.Is(err, ErrInvalidEventType)
}
