// Package sink defines the destinations decoded meter records are written to.
package sink

import (
	"context"

	"github.com/lsm/meterlog/internal/record"
)

// Sink durably persists decoded records.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Write persists one decoded record. An error is recoverable: the
	// pipeline logs it and moves on to the next sink and the next record.
	Write(ctx context.Context, rec record.Decoded) error

	// Close flushes and releases the sink's resources.
	Close() error
}
