// Package render turns detected events into ready-to-send messages.
//
// Drawing is looked up in a table keyed by event kind, so checkers stay
// ignorant of presentation. One event failing to render never stops the
// workers.
package render

import (
	"context"
	"errors"
	"time"

	"dynbot/internal/event"
)

var (
	ErrUnsupported = errors.New("no drawer for event kind")
	ErrNoTargets   = errors.New("event has no subscribers")
)

// Message is one rendered card with the contacts it goes to. Targets are
// resolved at render time.
type Message struct {
	ID      string
	Event   event.Event
	Targets []event.Contact
	// Caption is Telegram HTML.
	Caption string
	// Image is a PNG; nil sends the caption as text.
	Image     []byte
	ImagePath string
	// Attempt is 0 for the first delivery and grows on retries.
	Attempt   int
	CreatedAt time.Time
}

// WithTargets returns a copy of m aimed at targets only.
func (m Message) WithTargets(targets []event.Contact) Message {
	m.Targets = append([]event.Contact(nil), targets...)
	return m
}

// Style carries per-creator presentation overrides.
type Style struct {
	// Color is "#rrggbb"; empty uses the renderer default.
	Color string
}

// Card is what a DrawFunc produces.
type Card struct {
	Caption string
	Image   []byte
}

type DrawFunc func(ctx context.Context, ev event.Event, style Style) (Card, error)
