package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncWriter decouples callers from a slow downstream. Write only
// enqueues; a single goroutine drains the queue into the inner writer.
// When the queue is full the message is dropped and ErrQueueFull returned,
// so Write never blocks the delivery loop.
type AsyncWriter struct {
	inner  Writer
	queue  chan Message
	logger *slog.Logger

	mu           sync.RWMutex
	opened       bool
	closed       bool
	done         chan struct{}
	stop         context.CancelFunc
	closeTimeout time.Duration

	pending atomic.Int64
	dropped atomic.Int64
	onError func(Message, error)
}

// NewAsyncWriter wraps inner with a queue of the given capacity.
func NewAsyncWriter(inner Writer, queueSize int, logger *slog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncWriter{
		inner:        inner,
		queue:        make(chan Message, queueSize),
		logger:       logger,
		done:         make(chan struct{}),
		stop:         func() {},
		closeTimeout: 5 * time.Second,
	}
}

// SetErrorHandler is called from the drain goroutine for every failed write.
func (aw *AsyncWriter) SetErrorHandler(fn func(Message, error)) {
	aw.onError = fn
}

func (aw *AsyncWriter) Open(ctx context.Context) error {
	if err := aw.inner.Open(ctx); err != nil {
		return err
	}
	drainCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	aw.mu.Lock()
	aw.opened = true
	aw.stop = stop
	aw.mu.Unlock()
	go aw.drain(drainCtx)
	return nil
}

func (aw *AsyncWriter) Write(_ context.Context, msg Message) error {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return ErrClosed
	}

	aw.pending.Add(1)
	select {
	case aw.queue <- msg:
		return nil
	default:
		aw.pending.Add(-1)
		aw.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many messages were rejected because the queue was full.
func (aw *AsyncWriter) Dropped() int64 { return aw.dropped.Load() }

// Flush waits until every queued message has been written, then flushes
// the inner writer.
func (aw *AsyncWriter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for aw.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return aw.inner.Flush(ctx)
}

func (aw *AsyncWriter) drain(ctx context.Context) {
	defer close(aw.done)
	for msg := range aw.queue {
		if ctx.Err() != nil {
			aw.pending.Add(-1)
			aw.dropped.Add(1)
			continue
		}
		if err := aw.inner.Write(ctx, msg); err != nil {
			aw.logger.Error("async write failed", "topic", msg.Topic, "error", err)
			if aw.onError != nil {
				aw.onError(msg, err)
			}
		}
		aw.pending.Add(-1)
	}
}

// Close stops accepting messages and gives the queue up to five seconds to
// drain. Messages still queued after that are discarded and counted as
// dropped. The inner writer is closed only once the drain goroutine has
// returned.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	close(aw.queue)
	opened := aw.opened
	aw.mu.Unlock()
	if !opened {
		return aw.inner.Close()
	}

	timer := time.NewTimer(aw.closeTimeout)
	defer timer.Stop()
	select {
	case <-aw.done:
	case <-timer.C:
		aw.logger.Warn("async writer closing with messages still queued", "pending", aw.pending.Load())
		aw.stop()
		<-aw.done
	}
	aw.stop()
	return aw.inner.Close()
}
