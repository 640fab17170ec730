package ingestion

import (
	"context"
	"time"
)

// Record represents a single historical event replayed by the engine.
// Think of it as one row of the recorded export: a map of column names to
// values plus the instant the row happened.
type Record struct {
	ID        string
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Stats is a snapshot of named counters. Values are numbers, strings or nil.
type Stats map[string]interface{}

// Clone returns a shallow copy safe to hand to another goroutine.
func (s Stats) Clone() Stats {
	out := make(Stats, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Feed returns the full current snapshot of an underlying data export.
// There is no incremental API: every Fetch returns everything available,
// and the windowed source is responsible for trimming it to a window.
type Feed interface {
	// Name returns a human-readable identifier for logging/metrics.
	Name() string

	// Fetch reads the whole export. Records come back unstamped; the
	// windowed source derives Timestamp from the configured time column.
	Fetch(ctx context.Context) ([]Record, error)
}
