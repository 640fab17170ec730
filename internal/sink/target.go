package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/xxv/mqtt-log-replay/internal/ingestion"
	"github.com/xxv/mqtt-log-replay/internal/metrics"
	"github.com/xxv/mqtt-log-replay/internal/transform"
)

// Topics routes the three kinds of playback output. Empty Stats or Debug
// topics keep that output local (logs and metrics only).
type Topics struct {
	Events string
	Stats  string
	Debug  string
}

// TargetOption customizes a Target.
type TargetOption func(*Target)

// WithTransforms runs every record through p before publishing.
func WithTransforms(p *transform.Pipeline) TargetOption {
	return func(t *Target) { t.transforms = p }
}

// WithExporter mirrors stats snapshots and sink outcomes into Prometheus.
func WithExporter(e *metrics.Exporter) TargetOption {
	return func(t *Target) { t.exporter = e }
}

// WithCollector counts dropped and failed messages.
func WithCollector(c *metrics.Collector) TargetOption {
	return func(t *Target) { t.collector = c }
}

// WithLogger sets the target logger.
func WithLogger(l *slog.Logger) TargetOption {
	return func(t *Target) { t.logger = l }
}

// Target is the playback sink that encodes records as JSON objects and
// hands them to a Writer. Give it a non-blocking writer (AsyncWriter):
// every method is called from the delivery loop.
type Target struct {
	writer     Writer
	topics     Topics
	transforms *transform.Pipeline
	exporter   *metrics.Exporter
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewTarget creates a Target publishing through w.
func NewTarget(w Writer, topics Topics, opts ...TargetOption) *Target {
	t := &Target{writer: w, topics: topics}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "sink")
	return t
}

func (t *Target) OnEvent(rec ingestion.Record) {
	ctx := context.Background()
	if t.transforms != nil {
		shaped, keep, err := t.transforms.Apply(ctx, rec)
		if err != nil {
			t.result("event", "transform_error")
			return
		}
		if !keep {
			t.result("event", "filtered")
			return
		}
		rec = shaped
	}

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		t.logger.Error("encoding event", "id", rec.ID, "error", err)
		t.result("event", "encode_error")
		return
	}
	t.publish(ctx, "event", Message{
		Topic: t.topics.Events,
		Key:   []byte(rec.Timestamp.UTC().Format(time.RFC3339Nano)),
		Value: payload,
	})
}

func (t *Target) DebugMessage(msg string) {
	t.logger.Info(msg)
	if t.topics.Debug == "" {
		return
	}
	payload, _ := json.Marshal(msg)
	t.publish(context.Background(), "debug", Message{Topic: t.topics.Debug, Value: payload})
}

func (t *Target) PublishStats(stats ingestion.Stats) {
	if t.exporter != nil {
		t.exporter.Observe(stats)
	}
	t.logger.Debug("stats", "stats", map[string]interface{}(stats))
	if t.topics.Stats == "" {
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		t.logger.Error("encoding stats", "error", err)
		return
	}
	t.publish(context.Background(), "stats", Message{Topic: t.topics.Stats, Value: payload})
}

func (t *Target) publish(ctx context.Context, kind string, msg Message) {
	err := t.writer.Write(ctx, msg)
	switch {
	case err == nil:
		t.result(kind, "ok")
	case errors.Is(err, ErrQueueFull):
		if t.collector != nil {
			t.collector.SinkDropped()
		}
		t.result(kind, "dropped")
	default:
		if t.collector != nil {
			t.collector.SinkFailed()
		}
		t.logger.Error("publish failed", "kind", kind, "topic", msg.Topic, "error", err)
		t.result(kind, "error")
	}
}

func (t *Target) result(kind, result string) {
	if t.exporter != nil {
		t.exporter.SinkResult(kind, result)
	}
}
