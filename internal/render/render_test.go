package render

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/queue"
	logx "dynbot/pkg/logx"
)

type staticSource struct{ data config.Data }

func (s staticSource) Subscriptions() config.Data { return s.data }

var (
	g1 = event.Contact{Kind: event.ContactGroup, ID: 1}
	p2 = event.Contact{Kind: event.ContactPrivate, ID: 2}
)

func testData() config.Data {
	return config.Data{
		Subscriptions: map[int64]config.Subscription{
			7: {Name: "alice", Contacts: []event.Contact{g1, p2}, Color: "#ff0000"},
		},
		Series: map[int64][]event.Contact{42: {p2}},
	}
}

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderResolvesTargetsAndDrawsQR(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := queue.New[Message]("messages", 4)
	r := New(staticSource{testData()}, out, Options{CacheDir: dir, Cards: Cards{QR: true}}, logx.Nop(), nil)

	ev := event.DynamicEvent{ID: "d1", CreatorID: 7, CreatorName: "a<b", Subtype: "video", Text: "hello", URL: "https://example.com/d1", Timestamp: time.Unix(1700000000, 0)}
	msg, err := r.Render(context.Background(), ev)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(msg.Targets) != 2 || msg.ID == "" {
		t.Fatalf("msg = %+v", msg)
	}
	if !strings.Contains(msg.Caption, "<b>a&lt;b</b>") || !strings.Contains(msg.Caption, `href="https://example.com/d1"`) {
		t.Fatalf("caption = %q", msg.Caption)
	}
	if !bytes.HasPrefix(msg.Image, pngMagic) {
		t.Fatal("image is not a PNG")
	}
	if _, err := os.Stat(msg.ImagePath); err != nil {
		t.Fatalf("cache file: %v", err)
	}

	series := event.DynamicEvent{ID: "ep", CreatorID: 99, SeriesID: 42, Timestamp: time.Unix(1700000001, 0)}
	msg, err = r.Render(context.Background(), series)
	if err != nil || len(msg.Targets) != 1 || msg.Targets[0] != p2 {
		t.Fatalf("series targets = %v, %v", msg.Targets, err)
	}
}

func TestRenderFailureIsIsolated(t *testing.T) {
	t.Parallel()
	in := queue.New[event.Event]("dynamic", 10)
	out := queue.New[Message]("messages", 10)
	r := New(staticSource{testData()}, out, Options{Workers: 1}, logx.Nop(), nil, in)
	r.Handle(event.KindDynamic, func(_ context.Context, ev event.Event, _ Style) (Card, error) {
		switch ev.(event.DynamicEvent).ID {
		case "bad":
			return Card{}, errors.New("font missing")
		case "panic":
			panic("boom")
		}
		return Card{Caption: "ok"}, nil
	})

	ctx := context.Background()
	for _, id := range []string{"a", "bad", "panic", "b"} {
		if err := in.Put(ctx, event.DynamicEvent{ID: id, CreatorID: 7}); err != nil {
			t.Fatal(err)
		}
	}
	_ = in.Put(ctx, event.DynamicEvent{ID: "nobody", CreatorID: 1000})
	in.Close()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	var ids []string
	out.Drain(ctx, func(m Message) { ids = append(ids, m.Event.(event.DynamicEvent).ID) })
	if strings.Join(ids, ",") != "a,b" {
		t.Fatalf("rendered = %v", ids)
	}
	if rendered, failed := r.Stats(); rendered != 2 || failed != 2 {
		t.Fatalf("stats = %d/%d", rendered, failed)
	}
}

func TestUnsupportedKind(t *testing.T) {
	t.Parallel()
	r := New(staticSource{testData()}, queue.New[Message]("m", 1), Options{}, logx.Nop(), nil)
	r.Handle(event.KindLive, nil)
	_, err := r.Render(context.Background(), event.LiveEvent{CreatorID: 7})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestLiveCloseCaption(t *testing.T) {
	t.Parallel()
	card, err := Cards{}.liveClose(context.Background(), event.LiveCloseEvent{CreatorID: 7, Duration: 62*time.Minute + 5*time.Second}, Style{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(card.Caption, "<code>1h02m</code>") || card.Image != nil {
		t.Fatalf("card = %+v", card)
	}
	if FormatDuration(90*time.Second) != "1m30s" {
		t.Fatal(FormatDuration(90 * time.Second))
	}
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()
	c, ok := parseHexColor("#0a0B0c")
	if !ok || c.R != 0x0a || c.G != 0x0b || c.B != 0x0c || c.A != 0xff {
		t.Fatalf("color = %+v, %v", c, ok)
	}
	for _, bad := range []string{"", "#fff", "zzzzzz"} {
		if _, ok := parseHexColor(bad); ok {
			t.Fatalf("%q accepted", bad)
		}
	}
}
