package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xxv/mqtt-log-replay/internal/config"
	"github.com/xxv/mqtt-log-replay/internal/ingestion"
	"github.com/xxv/mqtt-log-replay/internal/metrics"
	"github.com/xxv/mqtt-log-replay/internal/playback"
	"github.com/xxv/mqtt-log-replay/internal/sink"
	"github.com/xxv/mqtt-log-replay/internal/telemetry"
	"github.com/xxv/mqtt-log-replay/internal/transform"
)

const serviceName = "mqtt-log-replay"

func main() {
	configPath := flag.String("config", "playback.yaml", "path to playback config")
	dryRun := flag.Bool("dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	sessionID := uuid.NewString()
	logger := newLogger(cfg.Log.Level).With("session", sessionID)
	logger.Info("loaded config",
		"source", cfg.Source.Name,
		"source_type", cfg.Source.Type,
		"sink_type", cfg.Sink.Type,
		"window_size", cfg.Source.WindowSizeDuration(),
		"window_offset", cfg.Source.WindowOffsetDuration(),
		"transforms", len(cfg.Sink.Transforms))

	if *dryRun {
		fmt.Println("Config validation passed.")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sessionID, logger); err != nil {
		logger.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, sessionID string, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, sessionID, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	collector := metrics.NewCollector()
	exporter := metrics.NewExporter()

	feed, closeFeed, err := buildFeed(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("initializing source %s: %w", cfg.Source.Name, err)
	}
	defer closeFeed()

	source := ingestion.NewWindowedSource(feed, ingestion.WindowConfig{
		TimeColumn:   cfg.Source.TimeColumn,
		WindowSize:   cfg.Source.WindowSizeDuration(),
		WindowOffset: cfg.Source.WindowOffsetDuration(),
	},
		ingestion.WithBackOff(backoff.NewConstantBackOff(cfg.Source.RetryDelay)),
		ingestion.WithLogger(logger),
	)

	writer, err := buildWriter(cfg.Sink, sessionID, collector, logger)
	if err != nil {
		return fmt.Errorf("initializing sink: %w", err)
	}
	if err := writer.Open(ctx); err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := writer.Flush(flushCtx); err != nil {
			logger.Warn("final flush", "error", err)
		}
		if err := writer.Close(); err != nil {
			logger.Warn("closing sink", "error", err)
		}
	}()

	target := sink.NewTarget(writer, sink.Topics{
		Events: cfg.Sink.Topic,
		Stats:  cfg.Sink.StatsTopic,
		Debug:  cfg.Sink.DebugTopic,
	},
		sink.WithTransforms(buildTransforms(cfg.Sink.Transforms, logger)),
		sink.WithExporter(exporter),
		sink.WithCollector(collector),
		sink.WithLogger(logger),
	)

	session := playback.New(source, target, playback.Config{
		MinBufferSize: cfg.Playback.MinBufferSize,
		StatsInterval: cfg.Playback.StatsInterval,
		TickInterval:  cfg.Playback.TickInterval,
	},
		playback.WithCollector(collector),
		playback.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, exporter, logger) })
	}
	g.Go(func() error {
		reportMetrics(gctx, collector, logger)
		return nil
	})
	err = g.Wait()

	if snap, jerr := collector.JSON(); jerr == nil {
		logger.Info("final metrics", "metrics", snap)
	}
	return err
}

// buildFeed returns the configured Feed and a function releasing it.
func buildFeed(ctx context.Context, cfg config.SourceConfig) (ingestion.Feed, func(), error) {
	noop := func() {}
	switch cfg.Type {
	case "http":
		return ingestion.NewHTTPFeed(cfg.Name, cfg.URL, cfg.HTTPTimeout), noop, nil
	case "file":
		return ingestion.NewFileFeed(cfg.Name, cfg.Path), noop, nil
	case "s3":
		feed, err := ingestion.NewS3Feed(ctx, cfg.Name, ingestion.S3Config{
			Bucket:          cfg.Bucket,
			Key:             cfg.Key,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			ForcePathStyle:  cfg.PathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return feed, noop, nil
	case "sqlite":
		feed, err := ingestion.OpenSQLiteFeed(cfg.Name, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() { _ = feed.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}

// buildWriter stacks the broker writer under retry and a non-blocking queue.
func buildWriter(cfg config.SinkConfig, sessionID string, collector *metrics.Collector, logger *slog.Logger) (sink.Writer, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = serviceName + "-" + sessionID
	}

	var base sink.Writer
	switch cfg.Type {
	case "kafka":
		base = sink.NewKafkaWriter(cfg.Brokers, clientID)
	case "mqtt":
		base = sink.NewMQTTWriter(sink.MQTTConfig{
			Broker:   cfg.Brokers[0],
			ClientID: clientID,
			Username: cfg.Username,
			Password: cfg.Password,
			QoS:      byte(cfg.QoS),
		}, logger)
	case "file":
		base = sink.NewFileWriter(cfg.Path)
	case "debug":
		base = sink.NewLogWriter(logger)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}

	maxRetries := 3
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}
	retry := sink.NewRetryWriter(base, maxRetries, cfg.RetryDelay, logger)
	retry.SetDeadLetterHandler(func(msg sink.Message, err error) {
		logger.Error("message dead-lettered", "topic", msg.Topic, "error", err)
	})

	async := sink.NewAsyncWriter(retry, cfg.QueueSize, logger)
	async.SetErrorHandler(func(sink.Message, error) { collector.SinkFailed() })
	return async, nil
}

func buildTransforms(rules []config.TransformRule, logger *slog.Logger) *transform.Pipeline {
	tp := transform.NewPipeline()
	tp.SetErrorHandler(func(err error, rec ingestion.Record) {
		logger.Warn("transform error", "record", rec.ID, "error", err)
	})

	for _, rule := range rules {
		switch rule.Operation {
		case "filter":
			tp.AddStage(rule.Name, transform.FilterTransform(rule.Field, rule.Operator, rule.Value))
		case "map":
			tp.AddStage(rule.Name, transform.MapTransform(rule.Mappings))
		case "normalize":
			tp.AddStage(rule.Name, transform.NormalizeTransform(rule.Fields))
		default:
			logger.Warn("unknown transform operation, skipping", "name", rule.Name, "operation", rule.Operation)
		}
	}
	return tp
}

func serveMetrics(ctx context.Context, addr string, exporter *metrics.Exporter, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func reportMetrics(ctx context.Context, collector *metrics.Collector, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := collector.Snapshot()
			logger.Info("playback stats",
				"loaded", snap.EventsLoaded,
				"delivered", snap.EventsDelivered,
				"load_cycles", snap.LoadCycles,
				"dropped", snap.SinkDropped,
				"failed", snap.SinkFailed)
		case <-ctx.Done():
			return
		}
	}
}

func newLogger(levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
