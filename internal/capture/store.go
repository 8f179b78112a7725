// Package capture implements the durable, append-only intake store. A
// submission is either fully captured (payload in both storage areas plus
// an index entry) or rejected with a reason; there is no partially-visible
// state, and accepted payloads are never mutated or deleted.
package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/pipeline"
)

const tmpDirName = ".tmp"

// Config captures the storage layout for the intake areas.
type Config struct {
	// PrimaryDir and BackupDir are the two redundant payload areas. They
	// must live on paths that fail independently for the redundancy to
	// mean anything, but the store does not enforce that.
	PrimaryDir string
	BackupDir  string
	// IndexPath is the append-only JSON-line log of accepted captures.
	IndexPath string
	// DefaultPriority is assigned to queue items created on acceptance.
	DefaultPriority int
}

// Store is the durable capture store. It owns the payload areas and the
// index log, and creates the queue item atomically with acceptance.
type Store struct {
	cfg    Config
	queue  pipeline.WorkQueue
	hasher pipeline.Hasher
	clock  pipeline.Clock
	logger *zap.Logger

	mu            sync.Mutex
	index         *os.File
	byFingerprint map[string]string
	records       map[string]pipeline.CaptureRecord
	seq           uint64

	// rename is swappable for fault injection in tests.
	rename func(oldpath, newpath string) error
}

// New opens (or initializes) the capture areas and replays the index log.
func New(
	cfg Config,
	queue pipeline.WorkQueue,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	logger *zap.Logger,
) (*Store, error) {
	if cfg.PrimaryDir == "" || cfg.BackupDir == "" || cfg.IndexPath == "" {
		return nil, fmt.Errorf("primary dir, backup dir, and index path are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{
		cfg.PrimaryDir,
		cfg.BackupDir,
		filepath.Join(cfg.PrimaryDir, tmpDirName),
		filepath.Join(cfg.BackupDir, tmpDirName),
		filepath.Dir(cfg.IndexPath),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create capture dir: %w", err)
		}
	}

	s := &Store{
		cfg:           cfg,
		queue:         queue,
		hasher:        hasher,
		clock:         clock,
		logger:        logger,
		byFingerprint: make(map[string]string),
		records:       make(map[string]pipeline.CaptureRecord),
		rename:        os.Rename,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	idx, err := os.OpenFile(cfg.IndexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open index log: %w", err)
	}
	s.index = idx
	return s, nil
}

// Close releases the index log handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil
	}
	if err := s.index.Close(); err != nil {
		return fmt.Errorf("close index log: %w", err)
	}
	s.index = nil
	return nil
}

// Submit durably captures payload and returns a Receipt. It never returns
// an error: any unrecoverable storage fault becomes a rejected Receipt so
// the caller knows the input was NOT captured.
func (s *Store) Submit(ctx context.Context, payload []byte, sourceHint string) pipeline.Receipt {
	if len(payload) == 0 {
		return rejected("empty payload")
	}
	fingerprint, err := s.hasher.Hash(payload)
	if err != nil {
		return rejected(fmt.Sprintf("fingerprint payload: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byFingerprint[fingerprint]; ok {
		if !s.isDeadLocked(ctx, existing) {
			return pipeline.Receipt{
				CaptureID: existing,
				Status:    pipeline.AcceptAccepted,
				Duplicate: true,
			}
		}
		// A dead item means every source and retry was exhausted; a fresh
		// resubmission starts a new capture lifecycle.
	}

	seq := s.seq + 1
	captureID := fmt.Sprintf("%s-%06d", fingerprint[:12], seq)

	primaryRef, backupRef, err := s.writeAreas(captureID, payload)
	if err != nil {
		return rejected(err.Error())
	}

	record := pipeline.CaptureRecord{
		CaptureID:   captureID,
		Fingerprint: fingerprint,
		Seq:         seq,
		PrimaryRef:  primaryRef,
		BackupRef:   backupRef,
		SourceHint:  sourceHint,
		ReceivedAt:  s.clock.Now(),
	}
	if err := s.appendIndexLocked(record); err != nil {
		// The renamed payload files are orphaned but harmless; the index
		// entry is what makes a capture visible.
		s.discard(primaryRef, backupRef)
		return rejected(err.Error())
	}
	s.seq = seq
	s.byFingerprint[fingerprint] = captureID
	s.records[captureID] = record

	if err := s.queue.Enqueue(ctx, captureID, s.cfg.DefaultPriority); err != nil {
		// Capture is durable; the recovery sweep reconciles the missing
		// queue item on next startup.
		s.logger.Warn("enqueue after capture failed",
			zap.String("capture_id", captureID), zap.Error(err))
	}
	return pipeline.Receipt{CaptureID: captureID, Status: pipeline.AcceptAccepted}
}

// Payload reads the captured bytes, falling back to the backup area when
// the primary copy is unreadable.
func (s *Store) Payload(_ context.Context, captureID string) ([]byte, error) {
	s.mu.Lock()
	record, ok := s.records[captureID]
	s.mu.Unlock()
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	data, err := os.ReadFile(record.PrimaryRef)
	if err == nil {
		return data, nil
	}
	s.logger.Warn("primary payload read failed, trying backup",
		zap.String("capture_id", captureID), zap.Error(err))
	data, backupErr := os.ReadFile(record.BackupRef)
	if backupErr != nil {
		return nil, fmt.Errorf("read payload (primary: %v): %w", err, backupErr)
	}
	return data, nil
}

// Record returns the index entry for a capture.
func (s *Store) Record(_ context.Context, captureID string) (pipeline.CaptureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[captureID]
	if !ok {
		return pipeline.CaptureRecord{}, pipeline.ErrNotFound
	}
	return record, nil
}

// Recover sweeps leftover temp files (never authoritative) and reconciles
// captures that were accepted but never enqueued. Call once on startup
// before workers begin leasing.
func (s *Store) Recover(ctx context.Context) error {
	for _, dir := range []string{s.cfg.PrimaryDir, s.cfg.BackupDir} {
		tmpDir := filepath.Join(dir, tmpDirName)
		entries, err := os.ReadDir(tmpDir)
		if err != nil {
			return fmt.Errorf("scan temp dir: %w", err)
		}
		for _, entry := range entries {
			path := filepath.Join(tmpDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("remove stale temp file failed",
					zap.String("path", path), zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	records := make([]pipeline.CaptureRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	s.mu.Unlock()

	reconciled := 0
	for _, record := range records {
		_, err := s.queue.Status(ctx, record.CaptureID)
		if err == nil {
			continue
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			return fmt.Errorf("queue status during recovery: %w", err)
		}
		if err := s.queue.Enqueue(ctx, record.CaptureID, s.cfg.DefaultPriority); err != nil {
			return fmt.Errorf("reconcile enqueue: %w", err)
		}
		reconciled++
	}
	if reconciled > 0 {
		s.logger.Info("recovery reconciled captures without queue items",
			zap.Int("count", reconciled))
	}
	return nil
}

func (s *Store) writeAreas(captureID string, payload []byte) (string, string, error) {
	primaryTmp := filepath.Join(s.cfg.PrimaryDir, tmpDirName, captureID)
	backupTmp := filepath.Join(s.cfg.BackupDir, tmpDirName, captureID)
	primaryFinal := filepath.Join(s.cfg.PrimaryDir, captureID)
	backupFinal := filepath.Join(s.cfg.BackupDir, captureID)

	cleanup := func() {
		s.discard(primaryTmp, backupTmp, primaryFinal, backupFinal)
	}

	if err := writeDurable(primaryTmp, payload); err != nil {
		cleanup()
		return "", "", fmt.Errorf("write primary: %w", err)
	}
	if err := writeDurable(backupTmp, payload); err != nil {
		cleanup()
		return "", "", fmt.Errorf("write backup: %w", err)
	}
	// Both copies are durable; flip them into their final addressable
	// locations. Rename is atomic within a filesystem.
	if err := s.rename(primaryTmp, primaryFinal); err != nil {
		cleanup()
		return "", "", fmt.Errorf("finalize primary: %w", err)
	}
	if err := s.rename(backupTmp, backupFinal); err != nil {
		cleanup()
		return "", "", fmt.Errorf("finalize backup: %w", err)
	}
	return primaryFinal, backupFinal, nil
}

func (s *Store) appendIndexLocked(record pipeline.CaptureRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	if _, err := s.index.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("sync index log: %w", err)
	}
	return nil
}

func (s *Store) loadIndex() error {
	f, err := os.Open(s.cfg.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record pipeline.CaptureRecord
		if err := json.Unmarshal(line, &record); err != nil {
			// A torn final line can only come from a crash mid-append;
			// the entry was never acknowledged, so skip it.
			s.logger.Warn("skipping unparsable index line", zap.Error(err))
			continue
		}
		s.records[record.CaptureID] = record
		s.byFingerprint[record.Fingerprint] = record.CaptureID
		if record.Seq > s.seq {
			s.seq = record.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan index log: %w", err)
	}
	return nil
}

func (s *Store) isDeadLocked(ctx context.Context, captureID string) bool {
	item, err := s.queue.Status(ctx, captureID)
	if err != nil {
		// Unknown queue state: treat the capture as live so the dedupe
		// stays idempotent rather than double-storing.
		return false
	}
	return item.State == pipeline.StateDead
}

func (s *Store) discard(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("discard temp artifact failed",
				zap.String("path", path), zap.Error(err))
		}
	}
}

func writeDurable(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

func rejected(reason string) pipeline.Receipt {
	return pipeline.Receipt{Status: pipeline.AcceptRejected, Reason: reason}
}
