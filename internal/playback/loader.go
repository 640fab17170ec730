package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
	"github.com/xxv/mqtt-log-replay/internal/metrics"
)

// Source is a time-windowed supplier of records.
type Source interface {
	// Events returns every record whose timestamp lies in [startMs, endMs),
	// sorted by timestamp and free of duplicates across calls.
	Events(ctx context.Context, startMs, endMs int64) []ingestion.Record
	// Date returns the instant rec happened.
	Date(rec ingestion.Record) time.Time
	// WindowSize is the duration of each fetch window.
	WindowSize() time.Duration
	// WindowOffset is the playback delay applied to every record.
	WindowOffset() time.Duration
	// Stats returns optional counters; nil is fine.
	Stats() ingestion.Stats
}

// Loader keeps the buffer supplied slightly ahead of playback time. It
// runs one fetch cycle each time the flag is raised and never advances the
// window by less than half its size.
type Loader struct {
	source  Source
	buffer  *Buffer
	flag    *Flag
	sink    Sink
	clock   Clock
	metrics *metrics.Collector

	interval int64 // window size in ms
	offset   time.Duration

	started bool
	lastEnd int64
}

func newLoader(source Source, buffer *Buffer, flag *Flag, sink Sink, clock Clock, collector *metrics.Collector) *Loader {
	return &Loader{
		source:   source,
		buffer:   buffer,
		flag:     flag,
		sink:     sink,
		clock:    clock,
		metrics:  collector,
		interval: source.WindowSize().Milliseconds(),
		offset:   source.WindowOffset(),
	}
}

// Run waits for the flag and runs fetch cycles until ctx is done.
func (l *Loader) Run(ctx context.Context) error {
	for {
		if err := l.flag.Wait(ctx); err != nil {
			return ignoreCanceled(err)
		}
		if err := l.cycle(ctx); err != nil {
			return ignoreCanceled(err)
		}
	}
}

// cycle computes the next window, fetches it and enqueues the result.
func (l *Loader) cycle(ctx context.Context) error {
	l.sink.DebugMessage("Loading events...")

	end := l.playbackNowMs() + l.interval
	var start int64
	if l.started {
		delay := l.lastEnd + l.interval/2 - end
		if delay > 0 {
			l.metrics.LoadThrottled()
			l.sink.DebugMessage("Reloading too fast. Waiting...")
			if err := l.clock.Sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
				return err
			}
			end = l.playbackNowMs() + l.interval
		}
		start = l.lastEnd
	} else {
		start = end - l.interval
	}

	fetchStart := l.clock.Now()
	events := l.source.Events(ctx, start, end)
	l.metrics.TrackStageDuration("fetch", l.clock.Now().Sub(fetchStart))
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, rec := range events {
		l.buffer.Enqueue(rec)
	}
	l.metrics.LoadCycle()
	l.metrics.EventsLoaded(int64(len(events)))
	l.sink.DebugMessage(fmt.Sprintf("Loaded %d events.", len(events)))

	l.started = true
	l.lastEnd = end
	l.flag.Clear()
	return nil
}

// playbackNowMs is the current wall clock shifted back by the offset.
func (l *Loader) playbackNowMs() int64 {
	return l.clock.Now().Add(-l.offset).UnixMilli()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
