package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type scriptedFeed struct {
	results [][]Record
	errs    []error
	calls   int
}

func (f *scriptedFeed) Name() string { return "scripted" }

func (f *scriptedFeed) Fetch(context.Context) ([]Record, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func row(id string, offsetMs int64) Record {
	ts := base.Add(time.Duration(offsetMs) * time.Millisecond)
	return Record{ID: id, Data: map[string]interface{}{
		"id":         id,
		"created_at": ts.Format("2006-01-02 15:04:05.000"),
	}}
}

func ms(offsetMs int64) int64 {
	return base.Add(time.Duration(offsetMs) * time.Millisecond).UnixMilli()
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}

func equalIDs(t *testing.T, got []Record, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got ids %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got ids %v, want %v", g, want)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSource(feed Feed, opts ...WindowOption) *WindowedSource {
	opts = append([]WindowOption{WithLogger(quietLogger())}, opts...)
	return NewWindowedSource(feed, WindowConfig{
		TimeColumn: "created_at",
		WindowSize: 5 * time.Second,
	}, opts...)
}

func TestEventsPartitionsAroundWindow(t *testing.T) {
	feed := &scriptedFeed{results: [][]Record{{
		row("late", 9000),
		row("early", -1000),
		row("in-b", 3000),
		row("in-a", 0),
		row("edge", 5000),
	}}}
	src := newTestSource(feed)

	got := src.Events(context.Background(), ms(0), ms(5000))
	equalIDs(t, got, "in-a", "in-b")

	stats := src.Stats()
	checks := map[string]int{
		"events_total":         5,
		"events_in_window":     2,
		"events_before_window": 1,
		"events_after_window":  2,
		"events_from_feed":     5,
	}
	for name, want := range checks {
		if stats[name] != want {
			t.Errorf("stats[%s] = %v, want %d", name, stats[name], want)
		}
	}
	if stats["event_date_first"] != base.Add(-time.Second).Format(time.RFC3339Nano) {
		t.Errorf("unexpected first date: %v", stats["event_date_first"])
	}
	if stats["event_date_last"] != base.Add(9*time.Second).Format(time.RFC3339Nano) {
		t.Errorf("unexpected last date: %v", stats["event_date_last"])
	}
}

func TestEventsCarriesLaterRecordsIntoNextWindow(t *testing.T) {
	feed := &scriptedFeed{results: [][]Record{
		{row("a", 1000), row("b", 6000)},
		{},
	}}
	src := newTestSource(feed)

	equalIDs(t, src.Events(context.Background(), ms(0), ms(5000)), "a")
	// The feed no longer lists b, but the carry-over set still does.
	equalIDs(t, src.Events(context.Background(), ms(5000), ms(10000)), "b")
}

func TestEventsDeduplicatesByTimestamp(t *testing.T) {
	feed := &scriptedFeed{results: [][]Record{
		{row("t10", 10), row("t20", 20), row("t30", 30), row("t20-next", 20020)},
		{row("t20-again", 20020), row("t40", 20040)},
	}}
	src := newTestSource(feed)

	equalIDs(t, src.Events(context.Background(), ms(0), ms(20000)), "t10", "t20", "t30")
	got := src.Events(context.Background(), ms(20000), ms(40000))
	if len(got) != 2 {
		t.Fatalf("expected duplicate timestamp to collapse, got %v", ids(got))
	}
	if !got[0].Timestamp.Equal(base.Add(20020 * time.Millisecond)) {
		t.Fatalf("unexpected first timestamp: %v", got[0].Timestamp)
	}
}

func TestEventsCollapsesDistinctRecordsSharingTimestamp(t *testing.T) {
	feed := &scriptedFeed{results: [][]Record{{row("x", 100), row("y", 100)}}}
	src := newTestSource(feed)

	got := src.Events(context.Background(), ms(0), ms(1000))
	equalIDs(t, got, "x")
}

func TestEventsFetchFailureKeepsCarryOver(t *testing.T) {
	feed := &scriptedFeed{
		results: [][]Record{{row("now", 100), row("next", 7000)}, nil, {}},
		errs:    []error{nil, errors.New("connection refused"), nil},
	}
	var slept []time.Duration
	src := newTestSource(feed,
		WithBackOff(backoff.NewConstantBackOff(time.Minute)),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	equalIDs(t, src.Events(context.Background(), ms(0), ms(5000)), "now")

	if got := src.Events(context.Background(), ms(5000), ms(10000)); len(got) != 0 {
		t.Fatalf("expected empty result on failure, got %v", ids(got))
	}
	if len(slept) != 1 || slept[0] != time.Minute {
		t.Fatalf("expected one 1m backoff sleep, got %v", slept)
	}
	if src.Stats()["fetch_errors"] != 1 {
		t.Fatalf("fetch_errors = %v", src.Stats()["fetch_errors"])
	}

	equalIDs(t, src.Events(context.Background(), ms(5000), ms(10000)), "next")
}

func TestEventsDropsUnparseableTimestamps(t *testing.T) {
	bad := Record{ID: "bad", Data: map[string]interface{}{"created_at": "not a date"}}
	missing := Record{ID: "missing", Data: map[string]interface{}{}}
	feed := &scriptedFeed{results: [][]Record{{bad, missing, row("ok", 10)}}}
	src := newTestSource(feed)

	equalIDs(t, src.Events(context.Background(), ms(0), ms(1000)), "ok")
	if src.Stats()["events_unparsed"] != 2 {
		t.Fatalf("events_unparsed = %v", src.Stats()["events_unparsed"])
	}
}

func TestEventsEmptyMergeClearsDates(t *testing.T) {
	src := newTestSource(&scriptedFeed{})
	if got := src.Events(context.Background(), ms(0), ms(1000)); len(got) != 0 {
		t.Fatalf("expected no events, got %v", ids(got))
	}
	stats := src.Stats()
	if stats["event_date_first"] != nil || stats["event_date_last"] != nil {
		t.Fatalf("expected nil dates, got %v / %v", stats["event_date_first"], stats["event_date_last"])
	}
}

func TestMergeOrderedIsSortedAndUnique(t *testing.T) {
	stamp := func(id string, off int64) Record {
		return Record{ID: id, Timestamp: base.Add(time.Duration(off) * time.Millisecond)}
	}
	merged := mergeOrdered(
		[]Record{stamp("c", 30), stamp("a", 10), stamp("b2", 20)},
		[]Record{stamp("b", 20), stamp("d", 40)},
	)
	equalIDs(t, merged, "a", "b2", "c", "d")
}
