package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/hash/sha256"
	"github.com/stashd-io/stashd/internal/orchestrator"
	"github.com/stashd-io/stashd/internal/pipeline"
	"github.com/stashd-io/stashd/internal/queue/memory"
	"github.com/stashd-io/stashd/internal/registry"
)

// stalledStrategy never answers; every attempt runs into its deadline.
type stalledStrategy struct {
	name string

	mu    sync.Mutex
	calls int
}

func (s *stalledStrategy) Name() string                { return s.name }
func (s *stalledStrategy) CanHandle(input string) bool { return strings.HasPrefix(input, "http") }
func (s *stalledStrategy) Probe(context.Context) error { return nil }

func (s *stalledStrategy) Fetch(ctx context.Context, _ string) (pipeline.FetchResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return pipeline.FetchResult{}, ctx.Err()
}

func (s *stalledStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakyStrategy fails its first N fetches, then succeeds.
type flakyStrategy struct {
	name     string
	failures int
	body     []byte

	mu    sync.Mutex
	calls int
}

func (s *flakyStrategy) Name() string                { return s.name }
func (s *flakyStrategy) CanHandle(input string) bool { return strings.HasPrefix(input, "http") }
func (s *flakyStrategy) Probe(context.Context) error { return nil }

func (s *flakyStrategy) Fetch(_ context.Context, input string) (pipeline.FetchResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call <= s.failures {
		return pipeline.FetchResult{}, errors.New("origin unavailable")
	}
	return pipeline.FetchResult{
		Source:      s.name,
		Body:        s.body,
		ContentType: "text/html",
		FinalURL:    input,
		StatusCode:  200,
	}, nil
}

func (s *flakyStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Drives queue, registry, and orchestrator together across retry passes: a
// high-priority source that keeps timing out gets disabled after two
// passes, and the third pass completes through the lower-priority one.
func TestRetriesDisableStalledSourceAndFailOver(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	ctx := context.Background()

	q := memory.New(clock, 3)
	captures := &fakeCaptures{
		records:  map[string]pipeline.CaptureRecord{},
		payloads: map[string][]byte{},
	}
	blobs := &fakeBlobStore{}
	publisher := &fakePublisher{}
	emitter := &captureEmitter{}

	specs := []pipeline.SourceSpec{
		{Name: "wayback", Pattern: `^https?://`, Priority: 100, Timeout: 20 * time.Millisecond, MaxFailuresBeforeDisable: 2},
		{Name: "direct", Pattern: `^https?://`, Priority: 50, Timeout: time.Second, MaxFailuresBeforeDisable: 10},
	}
	reg, err := registry.New(registry.Config{CooldownBase: time.Minute}, specs, clock, nil)
	require.NoError(t, err)

	stalled := &stalledStrategy{name: "wayback"}
	flaky := &flakyStrategy{name: "direct", failures: 2, body: []byte("<html>rescued</html>")}
	orch := orchestrator.New(reg, map[string]pipeline.FetchStrategy{
		"wayback": stalled,
		"direct":  flaky,
	}, clock, emitter, nil)

	w := New(q, captures, orch, blobs, publisher, sha256.New(), clock, emitter, Config{
		WorkerID:          "w-int",
		BlobPrefix:        "archive",
		Topic:             "completions",
		LeaseTTL:          time.Minute,
		HeartbeatInterval: time.Minute,
		PollInterval:      time.Millisecond,
	}, nil)

	captures.records["cap-x"] = pipeline.CaptureRecord{
		CaptureID:  "cap-x",
		SourceHint: "https://example.com/x",
	}
	require.NoError(t, q.Enqueue(ctx, "cap-x", 10))

	// First two passes: wayback times out, direct is still failing, the
	// item earns a retry each time.
	for pass := 1; pass <= 2; pass++ {
		item, ok, err := q.Lease(ctx, "w-int", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		w.processItem(ctx, item)

		status, err := q.Status(ctx, "cap-x")
		require.NoError(t, err)
		require.Equal(t, pipeline.StateFailedRetryable, status.State)
		require.Equal(t, pass, status.RetryCount)
		require.Equal(t, pipeline.ClassFetchExhausted, status.LastErrorClass)
	}

	// Two timeouts reached the disable threshold; wayback is cooling off.
	require.Equal(t, 1, reg.DisabledCount())
	var wb pipeline.SourceStatus
	for _, s := range reg.Snapshot() {
		if s.Name == "wayback" {
			wb = s
		}
	}
	require.False(t, wb.Enabled)
	require.Equal(t, 1, wb.DisableCount)
	require.True(t, wb.CooldownUntil.After(clock.Now()))

	// Third pass skips wayback entirely and completes through direct.
	item, ok, err := q.Lease(ctx, "w-int", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	w.processItem(ctx, item)

	status, err := q.Status(ctx, "cap-x")
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, status.State)
	require.Equal(t, 2, status.RetryCount)
	require.Equal(t, 2, stalled.callCount(), "disabled sources must not be tried again")
	require.Equal(t, 3, flaky.callCount())
	require.Len(t, blobs.paths, 1)
	require.Equal(t, []string{"completions"}, publisher.topics)

	stages := emitter.stages()
	require.Contains(t, stages, events.StageSourceDisabled)
	require.Contains(t, stages, events.StageItemRetry)
	require.Contains(t, stages, events.StageItemCompleted)
}
