package checker

import "time"

// Cursor is the last accepted timestamp of one stream. It never moves
// backwards.
type Cursor struct {
	last time.Time
}

func NewCursor(start time.Time) *Cursor { return &Cursor{last: start} }

func (c *Cursor) Last() time.Time { return c.last }

// Accept reports whether t is strictly after the cursor.
func (c *Cursor) Accept(t time.Time) bool { return t.After(c.last) }

// Advance moves the cursor to t if t is later.
func (c *Cursor) Advance(t time.Time) {
	if t.After(c.last) {
		c.last = t
	}
}
