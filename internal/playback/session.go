package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
	"github.com/xxv/mqtt-log-replay/internal/metrics"
)

const (
	DefaultMinBufferSize = 40
	DefaultStatsInterval = time.Second
	DefaultTickInterval  = time.Millisecond
)

// Config tunes a playback session. Zero values take the defaults.
type Config struct {
	// MinBufferSize is the low-water mark below which the loader is signaled.
	MinBufferSize int
	// StatsInterval is the minimum time between stats snapshots.
	StatsInterval time.Duration
	// TickInterval is the cadence Run drives Tick at.
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBufferSize <= 0 {
		c.MinBufferSize = DefaultMinBufferSize
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for pacing.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithCollector shares a metrics collector with the caller.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

type pendingEvent struct {
	record    ingestion.Record
	releaseAt time.Time
}

// Session replays one source into one sink. All mutable playback state
// lives here; two sessions in the same process share nothing.
//
// The loader runs in its own goroutine. Tick is the non-blocking delivery
// step and must be called from a single goroutine.
type Session struct {
	cfg    Config
	source Source
	sink   Sink
	clock  Clock
	logger *slog.Logger

	buffer  *Buffer
	flag    *Flag
	loader  *Loader
	metrics *metrics.Collector
	offset  time.Duration

	// Owned by the goroutine calling Tick.
	pending   *pendingEvent
	lastStats time.Time

	started atomic.Bool
}

// New creates a session. Nothing runs until Start or Run is called.
func New(source Source, sink Sink, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg.withDefaults(),
		source: source,
		sink:   sink,
		clock:  RealClock{},
		buffer: NewBuffer(),
		flag:   NewFlag(),
		offset: source.WindowOffset(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "playback")
	s.loader = newLoader(source, s.buffer, s.flag, sink, s.clock, s.metrics)
	return s
}

// Start launches the loader goroutine. It stops when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("playback: session already started")
	}
	go func() {
		if err := s.loader.Run(ctx); err != nil {
			s.logger.Error("loader stopped", "error", err)
		}
	}()
	return nil
}

// Run starts the loader and drives Tick at the configured cadence until
// ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("playback: session already started")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loader.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.Tick()
			}
		}
	})
	return g.Wait()
}

// Tick runs one delivery step: signal the loader when the buffer is low,
// pull the next record if none is pending, deliver it once its release
// instant has passed, and publish stats when the interval has elapsed.
// At most one record is delivered per call.
func (s *Session) Tick() {
	if s.buffer.Len() < s.cfg.MinBufferSize && !s.flag.IsSet() {
		s.flag.Set()
	}

	if s.pending == nil {
		if rec, ok := s.buffer.TryDequeue(); ok {
			s.pending = &pendingEvent{
				record:    rec,
				releaseAt: s.source.Date(rec).Add(s.offset),
			}
		}
	}

	now := s.clock.Now()
	if s.pending != nil && !now.Before(s.pending.releaseAt) {
		s.sink.OnEvent(s.pending.record)
		s.metrics.EventDelivered()
		s.pending = nil
	}

	if s.lastStats.IsZero() || now.Sub(s.lastStats) > s.cfg.StatsInterval {
		s.sink.PublishStats(s.Stats())
		s.lastStats = now
	}
}

// Stats assembles the session snapshot: buffer occupancy, the low-water
// mark, the source counters and the playback counters.
func (s *Session) Stats() ingestion.Stats {
	source := map[string]interface{}{}
	for k, v := range s.source.Stats() {
		source[k] = v
	}
	return ingestion.Stats{
		"buffer_size":     s.buffer.Len(),
		"min_buffer_size": s.cfg.MinBufferSize,
		"source":          source,
		"playback":        s.metrics.Snapshot().Fields(),
	}
}
