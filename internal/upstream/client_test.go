package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "dynbot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Options{
		BaseURL:     srv.URL,
		DynamicPath: "/dynamics/latest",
		LivePath:    "/live/rooms",
		Retries:     retries,
		RetryDelay:  time.Millisecond,
		Cookie:      "SESSDATA=x",
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchLatestDynamicsDecodes(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dynamics/latest" || r.Header.Get("Cookie") != "SESSDATA=x" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"items":[
			{"id":"abc123","type":"video","author":{"mid":7,"name":"alice"},"time":1700000000,"extra":{"k":1}},
			{"id":"","type":"video","author":{"mid":7},"time":1700000001},
			{"id":"ep1","type":"series","author":{"mid":9},"series_id":42,"time":1700000002}
		],"future":true}`))
	}, 0)

	b, err := c.FetchLatestDynamics(context.Background())
	if err != nil {
		t.Fatalf("FetchLatestDynamics: %v", err)
	}
	if len(b.Items) != 2 {
		t.Fatalf("items = %d, want 2 (blank id skipped)", len(b.Items))
	}
	first := b.Items[0]
	if first.ID != "abc123" || first.CreatorID != 7 || first.CreatorName != "alice" || first.Timestamp.Unix() != 1700000000 {
		t.Fatalf("first = %+v", first)
	}
	if !strings.Contains(string(first.Payload), `"extra"`) {
		t.Fatalf("payload lost raw fields: %s", first.Payload)
	}
	if !b.Items[1].IsSeries() || b.Items[1].SeriesID != 42 {
		t.Fatalf("series item = %+v", b.Items[1])
	}
}

func TestEmptyBatchIsNotAnError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, 0)
	b, err := c.FetchLiveRooms(context.Background())
	if err != nil || len(b.Rooms) != 0 {
		t.Fatalf("rooms = %v, err = %v", b.Rooms, err)
	}
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rooms":[{"room_id":1,"uid":7,"live_time":1700000000}]}`))
	}, 3)
	b, err := c.FetchLiveRooms(context.Background())
	if err != nil {
		t.Fatalf("FetchLiveRooms: %v", err)
	}
	if calls.Load() != 3 || len(b.Rooms) != 1 || b.Rooms[0].CreatorID != 7 {
		t.Fatalf("calls=%d rooms=%+v", calls.Load(), b.Rooms)
	}
}

func TestClientErrorsFailFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}, 5)
	if _, err := c.FetchLatestDynamics(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried %d times", calls.Load())
	}
}

func TestInvalidBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPClient(Options{BaseURL: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
