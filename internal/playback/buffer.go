package playback

import (
	"sync"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
)

// Buffer is an unbounded FIFO of records shared by the loader (producer)
// and the delivery loop (consumer). It never re-sorts: records leave in
// the order they were enqueued.
type Buffer struct {
	mu    sync.Mutex
	items []ingestion.Record
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Enqueue appends rec to the tail.
func (b *Buffer) Enqueue(rec ingestion.Record) {
	b.mu.Lock()
	b.items = append(b.items, rec)
	b.mu.Unlock()
}

// TryDequeue removes and returns the head without blocking. The boolean is
// false when the buffer is empty.
func (b *Buffer) TryDequeue() (ingestion.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return ingestion.Record{}, false
	}
	rec := b.items[0]
	b.items[0] = ingestion.Record{}
	b.items = b.items[1:]
	if len(b.items) == 0 {
		b.items = nil
	}
	return rec, true
}

// Len reports current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
