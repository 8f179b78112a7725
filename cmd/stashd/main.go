// Command stashd runs the content intake and resilient fetch service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/api"
	"github.com/stashd-io/stashd/internal/capture"
	"github.com/stashd-io/stashd/internal/clock/system"
	"github.com/stashd-io/stashd/internal/config"
	"github.com/stashd-io/stashd/internal/dispatcher"
	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/events/sinks"
	"github.com/stashd-io/stashd/internal/fetch/direct"
	"github.com/stashd-io/stashd/internal/fetch/headless"
	"github.com/stashd-io/stashd/internal/fetch/inline"
	"github.com/stashd-io/stashd/internal/fetch/wayback"
	"github.com/stashd-io/stashd/internal/hash/sha256"
	"github.com/stashd-io/stashd/internal/id/uuid"
	"github.com/stashd-io/stashd/internal/logging"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/orchestrator"
	"github.com/stashd-io/stashd/internal/pipeline"
	pubpublisher "github.com/stashd-io/stashd/internal/publisher/pubsub"
	"github.com/stashd-io/stashd/internal/queue"
	memqueue "github.com/stashd-io/stashd/internal/queue/memory"
	pgqueue "github.com/stashd-io/stashd/internal/queue/postgres"
	"github.com/stashd-io/stashd/internal/registry"
	"github.com/stashd-io/stashd/internal/storage/gcs"
	"github.com/stashd-io/stashd/internal/storage/local"
	memblob "github.com/stashd-io/stashd/internal/storage/memory"
	"github.com/stashd-io/stashd/internal/telemetry"
	"github.com/stashd-io/stashd/internal/worker"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stashd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync is best-effort
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, "stashd", version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	metrics.Init()

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.New()

	workQueue, closeQueue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	captureStore, err := capture.New(capture.Config{
		PrimaryDir:      cfg.Capture.PrimaryDir,
		BackupDir:       cfg.Capture.BackupDir,
		IndexPath:       cfg.Capture.IndexPath,
		DefaultPriority: cfg.Queue.DefaultPriority,
	}, workQueue, hasher, clock, logger.Named("capture"))
	if err != nil {
		return fmt.Errorf("open capture store: %w", err)
	}
	defer captureStore.Close() //nolint:errcheck // index handle close on exit

	if err := captureStore.Recover(ctx); err != nil {
		return fmt.Errorf("capture recovery: %w", err)
	}

	reg, err := registry.New(registry.Config{
		EWMAAlpha:    cfg.Registry.EWMAAlpha,
		CooldownBase: time.Duration(cfg.Registry.CooldownBaseSeconds) * time.Second,
		CooldownMax:  time.Duration(cfg.Registry.CooldownMaxSeconds) * time.Second,
		PriorityStep: cfg.Registry.PriorityStep,
		PriorityMax:  cfg.Registry.PriorityMax,
		StatePath:    cfg.Registry.StatePath,
	}, cfg.Sources, clock, logger.Named("registry"))
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	strategies, closeStrategies, err := buildStrategies(cfg)
	if err != nil {
		return err
	}
	defer closeStrategies()

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("build prometheus sink: %w", err)
	}
	hub := events.NewHub(events.Config{
		BaseContext: context.Background(),
		Logger:      logger.Named("events"),
	}, sinks.NewLogSink(logger.Named("pipeline")), promSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("event hub close failed", zap.Error(err))
		}
	}()

	orch := orchestrator.New(reg, strategies, clock, hub, logger)

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	workers := make([]*worker.Worker, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		workerID, err := idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
		workers = append(workers, worker.New(
			workQueue, captureStore, orch, blobStore, publisher, hasher, clock, hub,
			worker.Config{
				WorkerID:           workerID,
				BlobPrefix:         cfg.Archive.Prefix,
				DefaultContentType: cfg.Archive.ContentType,
				Topic:              cfg.PubSub.TopicName,
				LeaseTTL:           cfg.LeaseTTL(),
				HeartbeatInterval:  cfg.HeartbeatInterval(),
				PollInterval:       time.Duration(cfg.Workers.PollIntervalMs) * time.Millisecond,
			},
			logger.Named("worker"),
		))
	}

	reaper := queue.NewReaper(workQueue, clock,
		time.Duration(cfg.Queue.ReaperIntervalSecond)*time.Second, logger.Named("reaper"))
	health := registry.NewHealthChecker(reg, strategies, clock,
		time.Duration(cfg.Registry.HealthIntervalSeconds)*time.Second, hub, logger.Named("health"))

	pool := dispatcher.New(workers, reaper, health)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	server := api.NewServer(captureStore, workQueue, reg, clock, hub, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	wg.Wait()
	logger.Info("stashd stopped")
	return nil
}

func buildQueue(ctx context.Context, cfg config.Config) (pipeline.WorkQueue, func(), error) {
	switch cfg.Queue.Backend {
	case "postgres":
		q, err := pgqueue.New(ctx, pgqueue.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.Queue.Table,
			MaxRetries:      cfg.Queue.MaxRetries,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres queue: %w", err)
		}
		if err := q.EnsureSchema(ctx); err != nil {
			q.Close()
			return nil, nil, fmt.Errorf("ensure queue schema: %w", err)
		}
		return q, q.Close, nil
	case "memory", "":
		q := memqueue.New(system.New(), cfg.Queue.MaxRetries)
		return q, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildStrategies(cfg config.Config) (map[string]pipeline.FetchStrategy, func(), error) {
	strategies := map[string]pipeline.FetchStrategy{
		direct.Name:  direct.New(direct.Config{UserAgent: cfg.HTTP.UserAgent}),
		wayback.Name: wayback.New(wayback.Config{UserAgent: cfg.HTTP.UserAgent}),
		inline.Name:  inline.New(),
	}
	closeFn := func() {}
	if cfg.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel: cfg.Headless.MaxParallel,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			UserAgent:   cfg.Headless.UserAgent,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build headless fetcher: %w", err)
		}
		strategies[headless.Name] = hf
		closeFn = hf.Close
	}
	return strategies, closeFn, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (pipeline.BlobStore, error) {
	switch cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, nil
	case "local", "":
		store, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil
	case "memory":
		return memblob.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (pipeline.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubpublisher.New(client), nil
}
