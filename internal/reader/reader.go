// Package reader defines the producer side of the ingest queue.
package reader

import (
	"context"
	"errors"

	"github.com/lsm/meterlog/internal/record"
)

// ErrNotStarted is returned by Stop on a reader that was never started.
var ErrNotStarted = errors.New("reader not started")

// Pusher accepts raw records. Push blocks while the destination is full.
type Pusher interface {
	Push(ctx context.Context, r record.Raw) error
}

// Reader produces raw records asynchronously.
type Reader interface {
	// Start begins producing into q and returns once production is under
	// way. An error means the reader could not start at all.
	Start(ctx context.Context, q Pusher) error

	// Stop halts production and releases resources. Safe to call once.
	Stop() error
}
