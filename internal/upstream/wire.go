package upstream

import (
	"encoding/json"
	"time"

	"dynbot/internal/event"
)

// Wire shapes. Unknown fields are ignored so upstream additions do not
// break polling; the raw item is kept as the render payload.

type dynamicsWire struct {
	Items []dynamicItem `json:"items"`
}

type author struct {
	ID   int64  `json:"mid"`
	Name string `json:"name"`
}

type dynamicItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Author   author `json:"author"`
	SeriesID int64  `json:"series_id,omitempty"`
	Time     int64  `json:"time"`
	URL      string `json:"url"`
	Text     string `json:"text"`

	raw json.RawMessage
}

func (d *dynamicItem) UnmarshalJSON(b []byte) error {
	type plain dynamicItem
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = dynamicItem(p)
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (d dynamicItem) event() event.DynamicEvent {
	return event.DynamicEvent{
		CreatorID:   d.Author.ID,
		CreatorName: d.Author.Name,
		ID:          d.ID,
		Subtype:     d.Type,
		Timestamp:   time.Unix(d.Time, 0),
		SeriesID:    d.SeriesID,
		URL:         d.URL,
		Text:        d.Text,
		Payload:     d.raw,
	}
}

type liveWire struct {
	Rooms []liveRoom `json:"rooms"`
}

type liveRoom struct {
	RoomID   int64  `json:"room_id"`
	UID      int64  `json:"uid"`
	Name     string `json:"uname"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	LiveTime int64  `json:"live_time"`

	raw json.RawMessage
}

func (r *liveRoom) UnmarshalJSON(b []byte) error {
	type plain liveRoom
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = liveRoom(p)
	r.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (r liveRoom) event() event.LiveEvent {
	return event.LiveEvent{
		RoomID:      r.RoomID,
		CreatorID:   r.UID,
		CreatorName: r.Name,
		Title:       r.Title,
		URL:         r.URL,
		LiveTime:    time.Unix(r.LiveTime, 0),
		Payload:     r.raw,
	}
}
