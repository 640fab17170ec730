package ingestion

import (
	"context"
	"sync"
	"time"
)

// Window is a half-open [StartMs, EndMs) interval in epoch milliseconds.
type Window struct {
	StartMs int64
	EndMs   int64
}

// StaticSource is a scripted source for demos and tests. Each call to
// Events returns the next batch in order, ignoring the window, and then
// empty results once the script is exhausted.
type StaticSource struct {
	size   time.Duration
	offset time.Duration

	mu      sync.Mutex
	batches [][]Record
	windows []Window
}

// NewStaticSource creates a source that replays batches one per call.
// Records must already carry their Timestamp.
func NewStaticSource(size, offset time.Duration, batches ...[]Record) *StaticSource {
	return &StaticSource{size: size, offset: offset, batches: batches}
}

func (s *StaticSource) Events(_ context.Context, startMs, endMs int64) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, Window{StartMs: startMs, EndMs: endMs})
	if len(s.batches) == 0 {
		return nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch
}

func (s *StaticSource) Date(rec Record) time.Time     { return rec.Timestamp }
func (s *StaticSource) WindowSize() time.Duration   { return s.size }
func (s *StaticSource) WindowOffset() time.Duration { return s.offset }

func (s *StaticSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{"fetches": len(s.windows), "batches_left": len(s.batches)}
}

// Windows returns every window requested so far.
func (s *StaticSource) Windows() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Window, len(s.windows))
	copy(out, s.windows)
	return out
}
