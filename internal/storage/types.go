package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string        `json:"path" yaml:"path"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"` // sqlite only; 0 means default
	// Retention bounds the delivery audit. 0 keeps 30 days.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

func (c Config) retention() time.Duration {
	if c.Retention <= 0 {
		return 30 * 24 * time.Hour
	}
	return c.Retention
}

// Delivery statuses.
const (
	StatusSent    = "sent"
	StatusMissed  = "missed"
	StatusRetried = "retried"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Delivery records one delivery attempt of a message to one contact.
// Keep it compact and schema-stable.
type Delivery struct {
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id"`
	EventKey  string    `json:"event_key"`
	Kind      string    `json:"kind"`
	CreatorID int64     `json:"creator_id"`
	Contact   string    `json:"contact"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
