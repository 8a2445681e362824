// Package event defines the envelopes that travel through the notification
// pipeline, from the checkers through the render queues to the sender.
//
// Event is a closed set: DynamicEvent, LiveEvent and LiveCloseEvent. Consumers
// switch on Kind() (or a type switch) instead of calling per-type behaviour.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Kind int

const (
	KindDynamic Kind = iota + 1
	KindLive
	KindLiveClose
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindLive:
		return "live"
	case KindLiveClose:
		return "live_close"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is one detected remote change. Values are immutable once created.
type Event interface {
	Kind() Kind
	Creator() int64
	At() time.Time
	// Key uniquely identifies the event for logs and delivery audit.
	Key() string

	isEvent()
}

// Dynamic subtypes used by filters. Upstream subtypes not listed here pass
// through as opaque strings.
const (
	SubtypeLiveStart     = "live_start"
	SubtypeLiveRecommend = "live_recommend"
	SubtypeSeries        = "series"
)

// DynamicEvent is a single post published by a creator.
type DynamicEvent struct {
	CreatorID   int64
	CreatorName string
	ID          string
	Subtype     string
	Timestamp   time.Time
	// SeriesID is set for series (bangumi) episodes; those are matched against
	// series subscriptions instead of creator subscriptions.
	SeriesID int64
	URL      string
	Text     string
	Payload  json.RawMessage
}

func (e DynamicEvent) Kind() Kind     { return KindDynamic }
func (e DynamicEvent) Creator() int64 { return e.CreatorID }
func (e DynamicEvent) At() time.Time  { return e.Timestamp }
func (e DynamicEvent) Key() string    { return "dynamic:" + e.ID }
func (e DynamicEvent) IsSeries() bool { return e.SeriesID != 0 || e.Subtype == SubtypeSeries }
func (DynamicEvent) isEvent()         {}

// LiveEvent reports a room that went live.
type LiveEvent struct {
	RoomID      int64
	CreatorID   int64
	CreatorName string
	Title       string
	URL         string
	LiveTime    time.Time
	Payload     json.RawMessage
}

func (e LiveEvent) Kind() Kind     { return KindLive }
func (e LiveEvent) Creator() int64 { return e.CreatorID }
func (e LiveEvent) At() time.Time  { return e.LiveTime }
func (e LiveEvent) Key() string {
	return fmt.Sprintf("live:%d:%d", e.RoomID, e.LiveTime.Unix())
}
func (LiveEvent) isEvent() {}

// LiveCloseEvent reports a tracked room that is no longer live.
type LiveCloseEvent struct {
	RoomID      int64
	CreatorID   int64
	CreatorName string
	Started     time.Time
	Closed      time.Time
	Duration    time.Duration
}

func (e LiveCloseEvent) Kind() Kind     { return KindLiveClose }
func (e LiveCloseEvent) Creator() int64 { return e.CreatorID }
func (e LiveCloseEvent) At() time.Time  { return e.Closed }
func (e LiveCloseEvent) Key() string {
	return fmt.Sprintf("live_close:%d:%d", e.RoomID, e.Started.Unix())
}
func (LiveCloseEvent) isEvent() {}
