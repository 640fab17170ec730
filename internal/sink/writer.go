package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrQueueFull is returned by AsyncWriter when the queue has no room.
	ErrQueueFull = errors.New("sink: queue full")
	// ErrClosed is returned when writing to a closed writer.
	ErrClosed = errors.New("sink: writer closed")
)

// Message is one payload addressed to a topic.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Writer delivers messages to a downstream system (broker, file, ...).
type Writer interface {
	Open(ctx context.Context) error
	Write(ctx context.Context, msg Message) error
	Flush(ctx context.Context) error
	Close() error
}

// ---- File-based Writer Implementation ----

// FileWriter appends messages as newline-delimited JSON (NDJSON).
// Used for local development and recording a replay.
type FileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

type fileLine struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (w *FileWriter) Open(ctx context.Context) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	w.file = f
	return nil
}

func (w *FileWriter) Write(ctx context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	value := json.RawMessage(msg.Value)
	if !json.Valid(value) {
		quoted, err := json.Marshal(string(msg.Value))
		if err != nil {
			return fmt.Errorf("quoting value: %w", err)
		}
		value = quoted
	}
	data, err := json.Marshal(fileLine{Topic: msg.Topic, Key: string(msg.Key), Value: value})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (w *FileWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// ---- Log Writer ----

// LogWriter logs every message instead of sending it anywhere.
type LogWriter struct {
	logger *slog.Logger
}

func NewLogWriter(logger *slog.Logger) *LogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogWriter{logger: logger.With("component", "debug-sink")}
}

func (w *LogWriter) Open(context.Context) error { return nil }

func (w *LogWriter) Write(_ context.Context, msg Message) error {
	w.logger.Info("message", "topic", msg.Topic, "key", string(msg.Key), "value", string(msg.Value))
	return nil
}

func (w *LogWriter) Flush(context.Context) error { return nil }
func (w *LogWriter) Close() error                { return nil }

// ---- Retry Wrapper ----

// RetryWriter wraps a Writer with exponential backoff retry logic.
type RetryWriter struct {
	inner        Writer
	maxRetries   int
	baseDelay    time.Duration
	logger       *slog.Logger
	deadLetterFn func(Message, error) // callback for messages that exhausted retries
}

func NewRetryWriter(inner Writer, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *RetryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWriter{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

func (rw *RetryWriter) SetDeadLetterHandler(fn func(Message, error)) {
	rw.deadLetterFn = fn
}

func (rw *RetryWriter) Open(ctx context.Context) error {
	return rw.inner.Open(ctx)
}

func (rw *RetryWriter) Write(ctx context.Context, msg Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rw.baseDelay
	b.MaxInterval = 30 * rw.baseDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, rw.inner.Write(ctx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(rw.maxRetries+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			rw.logger.Warn("write attempt failed, retrying",
				"topic", msg.Topic,
				"attempt", attempt,
				"max_attempts", rw.maxRetries+1,
				"delay", delay,
				"error", err)
		}),
	)
	if err == nil {
		return nil
	}

	// All retries exhausted; hand off to the dead letter handler.
	if rw.deadLetterFn != nil {
		rw.deadLetterFn(msg, err)
	}
	return fmt.Errorf("write failed after %d attempts: %w", attempt, err)
}

func (rw *RetryWriter) Flush(ctx context.Context) error {
	return rw.inner.Flush(ctx)
}

func (rw *RetryWriter) Close() error {
	return rw.inner.Close()
}
