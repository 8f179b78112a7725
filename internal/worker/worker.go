// Package worker implements the lease-resolve-archive execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/orchestrator"
	"github.com/stashd-io/stashd/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	// WorkerID identifies this worker as a lease owner.
	WorkerID string
	// BlobPrefix is prepended to archived object paths.
	BlobPrefix string
	// DefaultContentType labels archived bodies whose fetch result
	// carried no content type.
	DefaultContentType string
	// Topic is the completion topic; empty disables publishing.
	Topic string
	// LeaseTTL is requested on every lease and heartbeat.
	LeaseTTL time.Duration
	// HeartbeatInterval defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration
	// PollInterval is the idle sleep when the queue is empty.
	PollInterval time.Duration
}

// Worker consumes queue items and drives them to a terminal state.
type Worker struct {
	queue        pipeline.WorkQueue
	captures     pipeline.CaptureStore
	orchestrator *orchestrator.Orchestrator
	blobStore    pipeline.BlobStore
	publisher    pipeline.Publisher
	hasher       pipeline.Hasher
	clock        pipeline.Clock
	emitter      events.Emitter
	cfg          Config
	logger       *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.WorkQueue,
	captures pipeline.CaptureStore,
	orch *orchestrator.Orchestrator,
	blobStore pipeline.BlobStore,
	publisher pipeline.Publisher,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        queue,
		captures:     captures,
		orchestrator: orch,
		blobStore:    blobStore,
		publisher:    publisher,
		hasher:       hasher,
		clock:        clock,
		emitter:      emitter,
		cfg:          cfg,
		logger:       logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run blocks, leasing and processing items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok, err := w.queue.Lease(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("lease failed", zap.Error(err))
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if !ok {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		w.logger.Debug("item leased", zap.String("capture_id", item.CaptureID))
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item pipeline.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	w.emit(events.Event{
		CaptureID: item.CaptureID,
		TS:        start,
		Stage:     events.StageItemLeased,
	})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, item.CaptureID)

	result, err := w.resolve(ctx, item)
	elapsed := w.clock.Now().Sub(start)
	switch {
	case err == nil:
		if err := w.complete(ctx, item, result, elapsed); err != nil {
			w.logger.Error("complete item failed",
				zap.String("capture_id", item.CaptureID), zap.Error(err))
		}
	case errors.Is(err, pipeline.ErrNoEligibleSource):
		// No source can ever handle this input; retrying is pointless.
		w.fail(ctx, item, pipeline.ClassNoEligibleSource, false, elapsed)
	case isExhausted(err):
		w.fail(ctx, item, pipeline.ClassFetchExhausted, true, elapsed)
	case ctx.Err() != nil:
		// Shutdown mid-item: leave the lease to expire and be reaped.
		w.logger.Info("shutdown during item, lease left to reaper",
			zap.String("capture_id", item.CaptureID))
	default:
		w.fail(ctx, item, pipeline.ClassAttemptFailed, true, elapsed)
	}
}

// resolve loads the capture and runs the failover loop against it. The fetch
// input is the source hint when one was submitted; otherwise the payload
// itself is the content and resolves through the inline strategy.
func (w *Worker) resolve(ctx context.Context, item pipeline.QueueItem) (pipeline.FetchResult, error) {
	record, err := w.captures.Record(ctx, item.CaptureID)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("load capture record: %w", err)
	}
	input := record.SourceHint
	if input == "" {
		payload, err := w.captures.Payload(ctx, item.CaptureID)
		if err != nil {
			return pipeline.FetchResult{}, fmt.Errorf("load capture payload: %w", err)
		}
		input = string(payload)
	}
	return w.orchestrator.Resolve(ctx, item.CaptureID, input)
}

func (w *Worker) complete(ctx context.Context, item pipeline.QueueItem, result pipeline.FetchResult, elapsed time.Duration) error {
	hash, err := w.hasher.Hash(result.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	blobPath := w.buildBlobPath(item.CaptureID, hash)
	contentType := result.ContentType
	if contentType == "" {
		contentType = w.cfg.DefaultContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := w.blobStore.PutObject(ctx, blobPath, contentType, bytes.NewReader(result.Body))
	if err != nil {
		return fmt.Errorf("archive body: %w", err)
	}

	if err := w.publishResult(ctx, item.CaptureID, uri, hash, result); err != nil {
		return err
	}

	if err := w.queue.Complete(ctx, item.CaptureID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.ObserveTransition(string(pipeline.StateCompleted))
	w.emit(events.Event{
		CaptureID: item.CaptureID,
		TS:        w.clock.Now(),
		Stage:     events.StageItemCompleted,
		Source:    result.Source,
		Bytes:     int64(len(result.Body)),
		Dur:       elapsed,
	})
	w.logger.Info("item completed",
		zap.String("capture_id", item.CaptureID),
		zap.String("source", result.Source),
		zap.String("blob_uri", uri),
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, item pipeline.QueueItem, errorClass string, retryable bool, elapsed time.Duration) {
	if err := w.queue.Fail(ctx, item.CaptureID, errorClass, retryable); err != nil {
		w.logger.Error("mark failed",
			zap.String("capture_id", item.CaptureID), zap.Error(err))
		return
	}
	// The queue decides whether the item got another retry or went dead.
	status, err := w.queue.Status(ctx, item.CaptureID)
	if err != nil {
		w.logger.Error("status after fail",
			zap.String("capture_id", item.CaptureID), zap.Error(err))
		return
	}
	evt := events.Event{
		CaptureID:  item.CaptureID,
		TS:         w.clock.Now(),
		ErrorClass: errorClass,
		Dur:        elapsed,
	}
	if status.State == pipeline.StateDead {
		evt.Stage = events.StageItemDead
		metrics.ObserveTransition(string(pipeline.StateDead))
		w.logger.Warn("item dead",
			zap.String("capture_id", item.CaptureID),
			zap.String("error_class", errorClass),
			zap.Int("retry_count", status.RetryCount),
		)
	} else {
		evt.Stage = events.StageItemRetry
		metrics.ObserveTransition(string(status.State))
	}
	w.emit(evt)
}

// heartbeat extends the lease until the item finishes or the lease is lost.
func (w *Worker) heartbeat(ctx context.Context, captureID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, w.cfg.WorkerID, captureID, w.cfg.LeaseTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, pipeline.ErrNotLeaseOwner) {
				w.logger.Warn("lease lost mid-item",
					zap.String("capture_id", captureID))
				return
			}
			if ctx.Err() == nil {
				w.logger.Error("heartbeat failed",
					zap.String("capture_id", captureID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) publishResult(ctx context.Context, captureID, uri, hash string, result pipeline.FetchResult) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"capture_id": captureID,
		"source":     result.Source,
		"blob_uri":   uri,
		"hash":       hash,
		"final_url":  result.FinalURL,
		"status":     result.StatusCode,
		"timestamp":  w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

func (w *Worker) buildBlobPath(captureID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", captureID, hash)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, captureID, hash)
}

func (w *Worker) emit(evt events.Event) {
	if w.emitter != nil {
		w.emitter.Emit(evt)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isExhausted(err error) bool {
	var exhausted *pipeline.ExhaustedError
	return errors.As(err, &exhausted)
}
