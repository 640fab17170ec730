package playback

import (
	"context"
	"testing"
	"time"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
	"github.com/xxv/mqtt-log-replay/internal/metrics"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLoader(src Source, clock Clock) (*Loader, *recordingSink) {
	sink := &recordingSink{clock: clock}
	return newLoader(src, NewBuffer(), NewFlag(), sink, clock, metrics.NewCollector()), sink
}

func TestLoaderFirstWindow(t *testing.T) {
	clock := newFakeClock(base)
	src := ingestion.NewStaticSource(5*time.Second, 30*time.Second)
	l, _ := newTestLoader(src, clock)

	if err := l.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	windows := src.Windows()
	wantEnd := base.Add(-30 * time.Second).Add(5 * time.Second).UnixMilli()
	if len(windows) != 1 || windows[0].EndMs != wantEnd || windows[0].StartMs != wantEnd-5000 {
		t.Fatalf("unexpected first window %+v, want end %d", windows, wantEnd)
	}
}

func TestLoaderWindowsAreContiguous(t *testing.T) {
	clock := newFakeClock(base)
	src := ingestion.NewStaticSource(5*time.Second, 0)
	l, _ := newTestLoader(src, clock)

	for i := 0; i < 4; i++ {
		if err := l.cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		clock.Advance(5 * time.Second)
	}

	windows := src.Windows()
	for i := 1; i < len(windows); i++ {
		if windows[i].StartMs != windows[i-1].EndMs {
			t.Fatalf("window %d starts at %d, previous ended at %d", i, windows[i].StartMs, windows[i-1].EndMs)
		}
		if windows[i].EndMs-windows[i].StartMs != 5000 {
			t.Fatalf("window %d spans %dms", i, windows[i].EndMs-windows[i].StartMs)
		}
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 0 {
		t.Fatalf("steady state should not throttle, slept %v", sleeps)
	}
}

func TestLoaderThrottlesFastReloads(t *testing.T) {
	clock := newFakeClock(base)
	src := ingestion.NewStaticSource(5*time.Second, 0)
	l, sink := newTestLoader(src, clock)

	if err := l.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	clock.Advance(time.Second)
	if err := l.cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 1500*time.Millisecond {
		t.Fatalf("expected one 1.5s throttle sleep, got %v", sleeps)
	}

	windows := src.Windows()
	if gap := windows[1].EndMs - windows[0].EndMs; gap < 2500 {
		t.Fatalf("consecutive ends only %dms apart", gap)
	}
	if windows[1].StartMs != windows[0].EndMs {
		t.Fatalf("throttled window not contiguous: %+v", windows)
	}

	found := false
	for _, msg := range sink.Debug() {
		if msg == "Reloading too fast. Waiting..." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected throttle debug message, got %v", sink.Debug())
	}
	if snap := l.metrics.Snapshot(); snap.LoadThrottled != 1 || snap.LoadCycles != 2 {
		t.Fatalf("unexpected loader metrics: %+v", snap)
	}
}

func TestLoaderEnqueuesInSourceOrder(t *testing.T) {
	clock := newFakeClock(base)
	batch := []ingestion.Record{at("a", base), at("b", base.Add(time.Second)), at("c", base.Add(2*time.Second))}
	src := ingestion.NewStaticSource(5*time.Second, 0, batch)
	l, sink := newTestLoader(src, clock)
	l.flag.Set()

	if err := l.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if l.flag.IsSet() {
		t.Fatal("flag should be cleared after a cycle")
	}
	for _, want := range []string{"a", "b", "c"} {
		rec, ok := l.buffer.TryDequeue()
		if !ok || rec.ID != want {
			t.Fatalf("got %q ok=%v, want %q", rec.ID, ok, want)
		}
	}
	debug := sink.Debug()
	if len(debug) != 2 || debug[0] != "Loading events..." || debug[1] != "Loaded 3 events." {
		t.Fatalf("unexpected debug messages: %v", debug)
	}
}

func TestLoaderRunWaitsForSignal(t *testing.T) {
	src := ingestion.NewStaticSource(time.Second, 0, []ingestion.Record{at("a", base)})
	l, _ := newTestLoader(src, RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if n := len(src.Windows()); n != 0 {
		t.Fatalf("loader fetched %d times without a signal", n)
	}

	l.flag.Set()
	deadline := time.Now().Add(2 * time.Second)
	for l.buffer.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loader never ran after signal")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loader did not stop on cancel")
	}
}

// slowSource takes fetch of the fake clock's time per Events call.
type slowSource struct {
	*ingestion.StaticSource
	clock *fakeClock
	fetch time.Duration
}

func (s slowSource) Events(ctx context.Context, startMs, endMs int64) []ingestion.Record {
	s.clock.Advance(s.fetch)
	return s.StaticSource.Events(ctx, startMs, endMs)
}

func TestLoaderTracksFetchDurationOnClock(t *testing.T) {
	clock := newFakeClock(base)
	src := slowSource{
		StaticSource: ingestion.NewStaticSource(5*time.Second, 0, []ingestion.Record{at("a", base)}),
		clock:        clock,
		fetch:        250 * time.Millisecond,
	}
	l, _ := newTestLoader(src, clock)

	if err := l.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := l.metrics.Snapshot().AvgStageDuration["fetch"]; got != "250.00ms" {
		t.Fatalf("fetch duration = %q, want 250.00ms", got)
	}
}
