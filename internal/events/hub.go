package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the capacity of the intake channel (default 4096).
	BufferSize int
	// MaxBatchEvents flushes a batch once it reaches this size (default 1000).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long (default 500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call during a flush (default 10s).
	SinkTimeout time.Duration
	// BaseContext is the parent context for sink calls (default Background).
	BaseContext context.Context
	// Logger receives drop and sink warnings.
	Logger *zap.Logger
}

func (c *Config) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = 1000
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
}

// dropLogEvery rate-limits the backpressure warning.
const dropLogEvery = 5 * time.Second

// Hub fans events out to its sinks in batches. Emit never blocks the
// caller; when the intake buffer is full, events are dropped and counted.
// A nil *Hub is a valid no-op emitter.
type Hub struct {
	cfg    Config
	sinks  []Sink
	intake chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closing     atomic.Bool
	stopOnce    sync.Once
	closeCtx    context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg.defaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		intake: make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.pump()
	return h
}

// Emit enqueues an event for batching. Invalid events are discarded; when
// the intake buffer is full the event is dropped with a rate-limited warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid pipeline event", zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastDropLog.Load()
		if now-last >= dropLogEvery.Nanoseconds() && h.lastDropLog.CompareAndSwap(last, now) {
			h.logger.Warn("pipeline events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains buffered events, closes the sinks, and waits for the pump
// goroutine to exit. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) pump() {
	defer close(h.done)

	var batch []Event
	flush := time.NewTimer(h.cfg.MaxBatchWait)
	if !flush.Stop() {
		<-flush.C
	}
	armed := false
	disarm := func() {
		if armed && !flush.Stop() {
			<-flush.C
		}
		armed = false
	}

	for {
		select {
		case evt := <-h.intake:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.dispatch(batch)
				batch = nil
				disarm()
				continue
			}
			// The timer runs from the first event of a batch.
			if !armed {
				flush.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-flush.C:
			armed = false
			h.dispatch(batch)
			batch = nil
		case <-h.quit:
			disarm()
			h.drain(batch)
			return
		}
	}
}

// drain empties the intake channel, flushes everything, and closes the
// sinks. Runs once, during shutdown.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.intake:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.dispatch(batch)
				batch = nil
			}
		default:
			h.dispatch(batch)
			h.shutdownSinks()
			return
		}
	}
}

func (h *Hub) dispatch(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) shutdownSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
