package storage

import (
	"context"
	"errors"
	"strings"

	logx "dynbot/pkg/logx"
)

// Store is the persistence API used by the checkers, sender and app.
type Store interface {
	PutKV(ctx context.Context, key string, value []byte) error
	GetKV(ctx context.Context, key string) (value []byte, ok bool, err error)
	DeleteKV(ctx context.Context, key string) error
	AppendDelivery(ctx context.Context, d Delivery) error
	// RecentDeliveries returns up to limit entries, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
