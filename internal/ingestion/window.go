package ingestion

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetryDelay is how long a failed fetch waits before the window
// is given up and an empty result returned.
const DefaultRetryDelay = 60 * time.Second

// WindowConfig configures a WindowedSource.
type WindowConfig struct {
	// TimeColumn names the field that carries each record's timestamp.
	TimeColumn string
	// WindowSize is the duration of each fetch window.
	WindowSize time.Duration
	// WindowOffset is the playback delay applied to every record.
	WindowOffset time.Duration
}

// WindowOption customizes a WindowedSource.
type WindowOption func(*WindowedSource)

// WithBackOff replaces the fetch-failure backoff policy.
func WithBackOff(b backoff.BackOff) WindowOption {
	return func(s *WindowedSource) { s.backoff = b }
}

// WithSleep replaces the function used to wait out a backoff delay.
func WithSleep(sleep func(context.Context, time.Duration) error) WindowOption {
	return func(s *WindowedSource) { s.sleep = sleep }
}

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) WindowOption {
	return func(s *WindowedSource) { s.logger = logger }
}

// WindowedSource turns a snapshot Feed into a windowed event source.
//
// Each call to Events fetches the whole feed, merges it with the records
// carried over from the previous call, sorts and de-duplicates the union
// by timestamp and splits it around the requested window: earlier records
// are discarded, in-window records are returned and later records are
// carried into the next call.
//
// Two records with the same timestamp are duplicates even when their other
// fields differ, so distinct events sharing an instant collapse into one.
type WindowedSource struct {
	feed    Feed
	cfg     WindowConfig
	backoff backoff.BackOff
	sleep   func(context.Context, time.Duration) error
	logger  *slog.Logger

	// carry is only touched by Events, which the loader calls serially.
	carry []Record

	mu    sync.Mutex
	stats Stats
}

// NewWindowedSource wraps feed with the window merge policy.
func NewWindowedSource(feed Feed, cfg WindowConfig, opts ...WindowOption) *WindowedSource {
	s := &WindowedSource{
		feed:    feed,
		cfg:     cfg,
		backoff: backoff.NewConstantBackOff(DefaultRetryDelay),
		sleep:   sleepContext,
		stats:   Stats{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "source", "feed", feed.Name())
	return s
}

func (s *WindowedSource) WindowSize() time.Duration   { return s.cfg.WindowSize }
func (s *WindowedSource) WindowOffset() time.Duration { return s.cfg.WindowOffset }

// Date returns the timestamp stamped on rec when it was merged.
func (s *WindowedSource) Date(rec Record) time.Time { return rec.Timestamp }

// Stats returns a copy of the counters from the most recent fetch.
func (s *WindowedSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Clone()
}

// Events returns the records whose timestamp falls in [startMs, endMs),
// sorted and de-duplicated. A failed fetch is logged, waited out with the
// backoff policy and answered with an empty result; the carry-over set is
// left untouched so nothing is lost.
func (s *WindowedSource) Events(ctx context.Context, startMs, endMs int64) []Record {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "source.events",
		trace.WithAttributes(
			attribute.Int64("window.start_ms", startMs),
			attribute.Int64("window.end_ms", endMs),
		),
	)
	defer span.End()

	s.logger.Info("window",
		"start", time.UnixMilli(startMs).UTC(),
		"end", time.UnixMilli(endMs).UTC())

	fetched, err := s.feed.Fetch(ctx)
	if err != nil {
		span.RecordError(err)
		delay := s.backoff.NextBackOff()
		s.mu.Lock()
		s.stats["fetch_errors"] = s.counter("fetch_errors") + 1
		s.mu.Unlock()
		s.logger.Error("fetch failed, waiting before retry", "error", err, "delay", delay)
		if delay > 0 {
			_ = s.sleep(ctx, delay)
		}
		return nil
	}
	s.backoff.Reset()

	stamped, unparsed := s.stamp(fetched)
	merged := mergeOrdered(stamped, s.carry)

	var (
		inWindow []Record
		later    []Record
		earlier  int
	)
	for _, rec := range merged {
		ms := rec.Timestamp.UnixMilli()
		switch {
		case ms < startMs:
			earlier++
		case ms < endMs:
			inWindow = append(inWindow, rec)
		default:
			later = append(later, rec)
		}
	}
	s.carry = later

	s.mu.Lock()
	s.stats["events_total"] = len(merged)
	s.stats["events_in_window"] = len(inWindow)
	s.stats["events_before_window"] = earlier
	s.stats["events_after_window"] = len(later)
	s.stats["events_from_feed"] = len(fetched)
	s.stats["events_unparsed"] = s.counter("events_unparsed") + unparsed
	s.stats["event_date_first"] = nil
	s.stats["event_date_last"] = nil
	if len(merged) > 0 {
		s.stats["event_date_first"] = merged[0].Timestamp.Format(time.RFC3339Nano)
		s.stats["event_date_last"] = merged[len(merged)-1].Timestamp.Format(time.RFC3339Nano)
	}
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("events.total", len(merged)),
		attribute.Int("events.in_window", len(inWindow)),
	)
	s.logger.Info("events in window",
		"in_window", len(inWindow),
		"total", len(merged),
		"earlier", earlier,
		"later", len(later))
	return inWindow
}

// counter reads an integer stat; callers hold s.mu.
func (s *WindowedSource) counter(name string) int {
	n, _ := s.stats[name].(int)
	return n
}

// stamp derives each record's timestamp from the time column, dropping
// records whose value is missing or unparseable.
func (s *WindowedSource) stamp(records []Record) ([]Record, int) {
	out := make([]Record, 0, len(records))
	unparsed := 0
	for _, rec := range records {
		ts, err := ParseTimestamp(rec.Data[s.cfg.TimeColumn])
		if err != nil {
			unparsed++
			s.logger.Debug("dropping record without usable timestamp", "id", rec.ID, "error", err)
			continue
		}
		rec.Timestamp = ts
		out = append(out, rec)
	}
	return out, unparsed
}

// mergeOrdered merges two record sets, sorts them by timestamp and keeps
// the first record of every run sharing a timestamp.
func mergeOrdered(a, b []Record) []Record {
	all := make([]Record, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	out := all[:0]
	for i, rec := range all {
		if i > 0 && rec.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
