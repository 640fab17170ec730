package ingestion

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xxv/mqtt-log-replay/internal/ingestion"

func startFetchSpan(ctx context.Context, feed, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "feed.fetch",
		trace.WithAttributes(
			attribute.String("feed.name", feed),
			attribute.String("feed.kind", kind),
		),
	)
}
