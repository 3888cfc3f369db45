package storage

import (
	"context"
	"errors"
	"time"

	"livewatch/internal/channel"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API used by the poller.
//
// Load never fails on a single bad entry: malformed documents are logged
// and reported as Offline. Save and Remove must be durable when they return
// nil (except for the memory driver).
type Store interface {
	Load(ctx context.Context) (map[channel.ID]channel.State, error)
	Save(ctx context.Context, id channel.ID, st channel.State) error
	Remove(ctx context.Context, id channel.ID) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): directory of <channel>.json documents
//   - "sqlite": SQLite database file
//   - "postgres": Path is a lib/pq connection string
//   - "memory" or "none": in-memory map
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
