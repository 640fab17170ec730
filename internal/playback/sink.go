package playback

import (
	"log/slog"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
)

// Sink receives replayed records. Implementations must return promptly:
// they are called from the delivery loop, which never blocks.
type Sink interface {
	// OnEvent delivers one record downstream.
	OnEvent(rec ingestion.Record)
	// DebugMessage is best-effort diagnostic text.
	DebugMessage(msg string)
	// PublishStats is a best-effort observability snapshot.
	PublishStats(stats ingestion.Stats)
}

// DebugSink logs everything it receives.
type DebugSink struct {
	Logger *slog.Logger
}

func (d DebugSink) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d DebugSink) OnEvent(rec ingestion.Record) {
	d.logger().Info("event", "id", rec.ID, "timestamp", rec.Timestamp, "data", rec.Data)
}

func (d DebugSink) DebugMessage(msg string) {
	d.logger().Info(msg)
}

func (d DebugSink) PublishStats(stats ingestion.Stats) {
	d.logger().Info("stats", "stats", map[string]interface{}(stats))
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnEvent(ingestion.Record)     {}
func (NopSink) DebugMessage(string)          {}
func (NopSink) PublishStats(ingestion.Stats) {}
