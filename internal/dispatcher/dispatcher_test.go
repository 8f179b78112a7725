package dispatcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stashd-io/stashd/internal/clock/system"
	"github.com/stashd-io/stashd/internal/hash/sha256"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/orchestrator"
	"github.com/stashd-io/stashd/internal/pipeline"
	"github.com/stashd-io/stashd/internal/queue"
	"github.com/stashd-io/stashd/internal/queue/memory"
	"github.com/stashd-io/stashd/internal/registry"
	"github.com/stashd-io/stashd/internal/worker"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func TestRunStopsAllLoopsOnCancel(t *testing.T) {
	t.Parallel()
	clock := system.New()
	q := memory.New(clock, 3)

	reg, err := registry.New(registry.Config{}, nil, clock, nil)
	require.NoError(t, err)
	orch := orchestrator.New(reg, nil, clock, nil, nil)

	workers := make([]*worker.Worker, 0, 2)
	for i := 0; i < 2; i++ {
		workers = append(workers, worker.New(
			q, noopCaptures{}, orch, nil, nil, sha256.New(), clock, nil,
			worker.Config{WorkerID: "w", PollInterval: 5 * time.Millisecond}, nil,
		))
	}
	reaper := queue.NewReaper(q, clock, 5*time.Millisecond, nil)
	health := registry.NewHealthChecker(reg, nil, clock, 5*time.Millisecond, nil, nil)

	d := New(workers, reaper, health)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain after cancel")
	}
}

type noopCaptures struct{}

func (noopCaptures) Submit(context.Context, []byte, string) pipeline.Receipt {
	return pipeline.Receipt{}
}

func (noopCaptures) Payload(context.Context, string) ([]byte, error) {
	return nil, pipeline.ErrNotFound
}

func (noopCaptures) Record(context.Context, string) (pipeline.CaptureRecord, error) {
	return pipeline.CaptureRecord{}, pipeline.ErrNotFound
}
