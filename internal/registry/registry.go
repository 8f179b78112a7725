// Package registry tracks the ranked, health-monitored set of fetch
// sources. Each source's runtime state is owned by its own mutex so
// concurrent attempt results never interleave into an inconsistent state.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Config exposes the scoring and cooldown tunables.
type Config struct {
	// EWMAAlpha is the smoothing factor for the rolling success rate.
	EWMAAlpha float64
	// CooldownBase grows exponentially per successive disable cycle,
	// capped at CooldownMax.
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// PriorityStep is the bounded nudge applied per success.
	PriorityStep int
	PriorityMax  int
	// StatePath, when set, persists runtime source state as a JSON
	// snapshot that is reloaded at startup. Without it a restart would
	// silently re-enable disabled sources at full score.
	StatePath string
}

func (c *Config) defaults() {
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.2
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = time.Hour
	}
	if c.PriorityStep <= 0 {
		c.PriorityStep = 1
	}
	if c.PriorityMax <= 0 {
		c.PriorityMax = 1000
	}
}

type source struct {
	spec    pipeline.SourceSpec
	pattern *regexp.Regexp

	// Mutable aggregate state, guarded by the owning sourceGuard mutex.
	priority            int
	successRate         float64
	consecutiveFailures int
	enabled             bool
	cooldownUntil       time.Time
	disableCount        int
}

// Candidate is one eligible source for an input, in try order.
type Candidate struct {
	Name        string
	Priority    int
	SuccessRate float64
	Timeout     time.Duration
}

// Registry is an injected, explicitly-owned instance; tests may construct
// as many independent registries as they like.
type Registry struct {
	cfg     Config
	clock   pipeline.Clock
	logger  *zap.Logger
	sources map[string]*sourceGuard
	order   []string

	stateMu sync.Mutex
}

type sourceGuard struct {
	mu  sync.Mutex
	src source
}

// New compiles the source patterns and builds a registry. Sources start
// enabled with a full success rate; real traffic corrects that quickly.
func New(cfg Config, specs []pipeline.SourceSpec, clock pipeline.Clock, logger *zap.Logger) (*Registry, error) {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		sources: make(map[string]*sourceGuard, len(specs)),
	}
	for _, spec := range specs {
		pattern, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for source %s: %w", spec.Name, err)
		}
		if _, dup := r.sources[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate source name %q", spec.Name)
		}
		guard := &sourceGuard{}
		guard.src = source{
			spec:        spec,
			pattern:     pattern,
			priority:    spec.Priority,
			successRate: 1,
			enabled:     true,
		}
		r.sources[spec.Name] = guard
		r.order = append(r.order, spec.Name)
	}
	if cfg.StatePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o750); err != nil {
			return nil, fmt.Errorf("create registry state dir: %w", err)
		}
		if err := r.loadState(); err != nil {
			logger.Warn("source state snapshot unreadable, starting fresh", zap.Error(err))
		}
	}
	return r, nil
}

// Candidates returns the enabled, non-cooling sources whose pattern matches
// the input, sorted by priority descending then success rate descending.
func (r *Registry) Candidates(input string) []Candidate {
	now := r.clock.Now()
	out := make([]Candidate, 0, len(r.order))
	for _, name := range r.order {
		guard := r.sources[name]
		guard.mu.Lock()
		src := guard.src
		guard.mu.Unlock()
		if !src.enabled || now.Before(src.cooldownUntil) {
			continue
		}
		if !src.pattern.MatchString(input) {
			continue
		}
		out = append(out, Candidate{
			Name:        name,
			Priority:    src.priority,
			SuccessRate: src.successRate,
			Timeout:     src.spec.Timeout,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SuccessRate > out[j].SuccessRate
	})
	return out
}

// RecordSuccess folds a successful attempt into the source aggregates.
func (r *Registry) RecordSuccess(name string) {
	guard, ok := r.sources[name]
	if !ok {
		return
	}
	guard.mu.Lock()
	src := &guard.src
	src.successRate = src.successRate*(1-r.cfg.EWMAAlpha) + r.cfg.EWMAAlpha
	src.consecutiveFailures = 0
	// Bounded nudge; prevents one hot source from running away.
	src.priority += r.cfg.PriorityStep
	if src.priority > r.cfg.PriorityMax {
		src.priority = r.cfg.PriorityMax
	}
	guard.mu.Unlock()
	r.persist()
}

// RecordFailure folds a failed or timed-out attempt into the aggregates.
// It reports whether this failure disabled the source.
func (r *Registry) RecordFailure(name string) bool {
	guard, ok := r.sources[name]
	if !ok {
		return false
	}
	guard.mu.Lock()
	src := &guard.src
	src.successRate = src.successRate * (1 - r.cfg.EWMAAlpha)
	src.consecutiveFailures++
	disabled := src.enabled && src.consecutiveFailures >= src.spec.MaxFailuresBeforeDisable
	if disabled {
		src.enabled = false
		src.disableCount++
		src.cooldownUntil = r.clock.Now().Add(r.cooldown(src.disableCount))
	}
	failures := src.consecutiveFailures
	cooldownUntil := src.cooldownUntil
	guard.mu.Unlock()

	if disabled {
		r.logger.Warn("source disabled after consecutive failures",
			zap.String("source", name),
			zap.Int("consecutive_failures", failures),
			zap.Time("cooldown_until", cooldownUntil),
		)
	}
	r.persist()
	return disabled
}

// Restore re-enables a source after a successful health probe. The restored
// priority is conservative (never above the configured base) to avoid
// flapping on marginal sources.
func (r *Registry) Restore(name string) {
	guard, ok := r.sources[name]
	if !ok {
		return
	}
	guard.mu.Lock()
	src := &guard.src
	src.enabled = true
	src.consecutiveFailures = 0
	src.cooldownUntil = time.Time{}
	if src.priority > src.spec.Priority {
		src.priority = src.spec.Priority
	}
	guard.mu.Unlock()
	r.logger.Info("source restored", zap.String("source", name))
	r.persist()
}

// DisabledPastCooldown lists disabled sources whose cooldown has elapsed
// and which are therefore due for a health probe.
func (r *Registry) DisabledPastCooldown(now time.Time) []string {
	var due []string
	for _, name := range r.order {
		guard := r.sources[name]
		guard.mu.Lock()
		src := guard.src
		guard.mu.Unlock()
		if !src.enabled && !now.Before(src.cooldownUntil) {
			due = append(due, name)
		}
	}
	return due
}

// DisabledCount reports how many sources are currently disabled.
func (r *Registry) DisabledCount() int {
	count := 0
	for _, name := range r.order {
		guard := r.sources[name]
		guard.mu.Lock()
		if !guard.src.enabled {
			count++
		}
		guard.mu.Unlock()
	}
	return count
}

// Timeout returns the configured per-attempt timeout for a source.
func (r *Registry) Timeout(name string) time.Duration {
	guard, ok := r.sources[name]
	if !ok {
		return 0
	}
	guard.mu.Lock()
	defer guard.mu.Unlock()
	return guard.src.spec.Timeout
}

// Snapshot returns a point-in-time view of every source for the API.
func (r *Registry) Snapshot() []pipeline.SourceStatus {
	out := make([]pipeline.SourceStatus, 0, len(r.order))
	for _, name := range r.order {
		guard := r.sources[name]
		guard.mu.Lock()
		src := guard.src
		guard.mu.Unlock()
		out = append(out, pipeline.SourceStatus{
			Name:                name,
			Pattern:             src.spec.Pattern,
			Priority:            src.priority,
			SuccessRate:         src.successRate,
			ConsecutiveFailures: src.consecutiveFailures,
			Enabled:             src.enabled,
			CooldownUntil:       src.cooldownUntil,
			DisableCount:        src.disableCount,
		})
	}
	return out
}

// savedSource is the on-disk form of one source's runtime state.
type savedSource struct {
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Enabled             bool      `json:"enabled"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	DisableCount        int       `json:"disable_count"`
}

// loadState applies a previously persisted snapshot. Entries for sources no
// longer configured are dropped; newly configured sources keep their
// startup defaults.
func (r *Registry) loadState() error {
	data, err := os.ReadFile(r.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved []savedSource
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decode source state: %w", err)
	}
	for _, s := range saved {
		guard, ok := r.sources[s.Name]
		if !ok {
			continue
		}
		guard.mu.Lock()
		guard.src.priority = s.Priority
		guard.src.successRate = s.SuccessRate
		guard.src.consecutiveFailures = s.ConsecutiveFailures
		guard.src.enabled = s.Enabled
		guard.src.cooldownUntil = s.CooldownUntil
		guard.src.disableCount = s.DisableCount
		guard.mu.Unlock()
	}
	return nil
}

// persist writes the source state snapshot via temp file and rename so a
// crash mid-write never leaves a truncated snapshot. Write failures are
// logged, not fatal; the scores are advisory.
func (r *Registry) persist() {
	if r.cfg.StatePath == "" {
		return
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	saved := make([]savedSource, 0, len(r.order))
	for _, name := range r.order {
		guard := r.sources[name]
		guard.mu.Lock()
		src := guard.src
		guard.mu.Unlock()
		saved = append(saved, savedSource{
			Name:                name,
			Priority:            src.priority,
			SuccessRate:         src.successRate,
			ConsecutiveFailures: src.consecutiveFailures,
			Enabled:             src.enabled,
			CooldownUntil:       src.cooldownUntil,
			DisableCount:        src.disableCount,
		})
	}
	data, err := json.Marshal(saved)
	if err != nil {
		r.logger.Warn("encode source state", zap.Error(err))
		return
	}
	tmp := r.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		r.logger.Warn("write source state", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, r.cfg.StatePath); err != nil {
		r.logger.Warn("replace source state", zap.Error(err))
	}
}

func (r *Registry) cooldown(disableCount int) time.Duration {
	d := r.cfg.CooldownBase
	for i := 1; i < disableCount; i++ {
		d *= 2
		if d >= r.cfg.CooldownMax {
			return r.cfg.CooldownMax
		}
	}
	if d > r.cfg.CooldownMax {
		return r.cfg.CooldownMax
	}
	return d
}
