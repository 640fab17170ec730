package playback

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
)

func TestDebugSinkLogsEverything(t *testing.T) {
	var buf bytes.Buffer
	sink := DebugSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	sink.OnEvent(ingestion.Record{ID: "evt-1", Timestamp: base, Data: map[string]interface{}{"room": "kitchen"}})
	sink.DebugMessage("Loaded 1 events.")
	sink.PublishStats(ingestion.Stats{"buffer_size": 3})

	out := buf.String()
	for _, want := range []string{"msg=event", "id=evt-1", "room:kitchen", `msg="Loaded 1 events."`, "msg=stats", "buffer_size:3"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestDebugSinkDefaultsToSlogDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	DebugSink{}.DebugMessage("Reloading too fast. Waiting...")
	if !strings.Contains(buf.String(), "Reloading too fast") {
		t.Fatalf("expected message on default logger, got %q", buf.String())
	}
}

func TestNopSinkDiscards(t *testing.T) {
	var s Sink = NopSink{}
	s.OnEvent(at("x", base))
	s.DebugMessage("ignored")
	s.PublishStats(ingestion.Stats{})
}
