package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"heraldbot/pkg/logx"
)

// Config configures the durable side of the store.
//
// Driver values:
//   - "file" (or empty): one JSON document per dataset under Path (a directory)
//   - "sqlite": a SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	TTL         time.Duration // cache freshness window; 0 means the 60s default
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend stores raw dataset documents. Load reports found=false for a
// dataset that was never written, which the store treats as empty.
type Backend interface {
	Load(ctx context.Context, name string) (doc []byte, found bool, err error)
	Save(ctx context.Context, name string, doc []byte) error
	Close() error
}

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg)
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}
