package render

import (
	"context"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"dynbot/internal/event"
	"dynbot/pkg/tgui"
)

const (
	captionTextLimit = 600
	qrSize           = 256
)

// Cards builds the default drawers. With qr set each card carries a QR code
// of the event link, tinted with the creator colour.
type Cards struct {
	QR           bool
	DefaultColor string
}

// Table returns the kind → drawer table.
func (c Cards) Table() map[event.Kind]DrawFunc {
	return map[event.Kind]DrawFunc{
		event.KindDynamic:   c.dynamic,
		event.KindLive:      c.live,
		event.KindLiveClose: c.liveClose,
	}
}

func (c Cards) dynamic(_ context.Context, ev event.Event, st Style) (Card, error) {
	e, ok := ev.(event.DynamicEvent)
	if !ok {
		return Card{}, fmt.Errorf("dynamic drawer got %T", ev)
	}
	name := displayName(e.CreatorName, e.CreatorID)
	head := tgui.JoinH(" ", tgui.B(name), tgui.Esc("posted"), tgui.I(subtypeLabel(e.Subtype)))
	parts := []tgui.H{head}
	if txt := strings.TrimSpace(e.Text); txt != "" {
		parts = append(parts, tgui.Quote(tgui.TruncRunes(txt, captionTextLimit)))
	}
	parts = append(parts, tgui.Esc(e.Timestamp.Format("2006-01-02 15:04")))
	if e.URL != "" {
		parts = append(parts, tgui.Link("open", e.URL))
	}
	img, err := c.qr(e.URL, st)
	if err != nil {
		return Card{}, err
	}
	return Card{Caption: tgui.JoinH("\n", parts...).String(), Image: img}, nil
}

func (c Cards) live(_ context.Context, ev event.Event, st Style) (Card, error) {
	e, ok := ev.(event.LiveEvent)
	if !ok {
		return Card{}, fmt.Errorf("live drawer got %T", ev)
	}
	parts := []tgui.H{
		tgui.JoinH(" ", tgui.Raw("🔴"), tgui.B(displayName(e.CreatorName, e.CreatorID)), tgui.Esc("is live")),
	}
	if t := strings.TrimSpace(e.Title); t != "" {
		parts = append(parts, tgui.Esc(tgui.TruncRunes(t, 200)))
	}
	if e.URL != "" {
		parts = append(parts, tgui.Link("watch", e.URL))
	}
	img, err := c.qr(e.URL, st)
	if err != nil {
		return Card{}, err
	}
	return Card{Caption: tgui.JoinH("\n", parts...).String(), Image: img}, nil
}

func (c Cards) liveClose(_ context.Context, ev event.Event, _ Style) (Card, error) {
	e, ok := ev.(event.LiveCloseEvent)
	if !ok {
		return Card{}, fmt.Errorf("live close drawer got %T", ev)
	}
	caption := tgui.JoinH(" ",
		tgui.B(displayName(e.CreatorName, e.CreatorID)),
		tgui.Esc("ended the live after"),
		tgui.Code(FormatDuration(e.Duration)),
	)
	return Card{Caption: caption.String()}, nil
}

func (c Cards) qr(url string, st Style) ([]byte, error) {
	if !c.QR || strings.TrimSpace(url) == "" {
		return nil, nil
	}
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("qr: %w", err)
	}
	hex := st.Color
	if hex == "" {
		hex = c.DefaultColor
	}
	if fg, ok := parseHexColor(hex); ok {
		q.ForegroundColor = fg
	}
	return q.PNG(qrSize)
}

func parseHexColor(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, true
}

func displayName(name string, id int64) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return "creator " + strconv.FormatInt(id, 10)
}

func subtypeLabel(s string) string {
	if s == "" {
		return "an update"
	}
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

// FormatDuration prints 1h02m / 5m30s style durations.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
