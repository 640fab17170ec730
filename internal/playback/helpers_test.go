package playback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

type delivery struct {
	record ingestion.Record
	at     time.Time
}

type recordingSink struct {
	clock Clock

	mu     sync.Mutex
	events []delivery
	debug  []string
	stats  []ingestion.Stats
}

func (r *recordingSink) OnEvent(rec ingestion.Record) {
	var at time.Time
	if r.clock != nil {
		at = r.clock.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, delivery{record: rec, at: at})
	r.mu.Unlock()
}

func (r *recordingSink) DebugMessage(msg string) {
	r.mu.Lock()
	r.debug = append(r.debug, msg)
	r.mu.Unlock()
}

func (r *recordingSink) PublishStats(stats ingestion.Stats) {
	r.mu.Lock()
	r.stats = append(r.stats, stats)
	r.mu.Unlock()
}

func (r *recordingSink) Events() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) Debug() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.debug))
	copy(out, r.debug)
	return out
}

func (r *recordingSink) StatsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

func at(id string, ts time.Time) ingestion.Record {
	return ingestion.Record{ID: id, Timestamp: ts}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
