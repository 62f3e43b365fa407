// Package reconcile backfills the vector index: knowledge entries and
// skill rows written while the embedding service was down get their
// vectors computed later by this job. Partial completion is always safe;
// a row without a vector is simply invisible to the vector stage until
// the next run.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/skills"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

// embedBatchSize bounds one embedding request.
const embedBatchSize = 32

// Config configures the reconciler.
type Config struct {
	// StartupDelay defers the first run so the triggering action's own
	// writes settle first. Default: 10 seconds.
	StartupDelay time.Duration

	// Interval between periodic runs when the reconciler is resident.
	// Default: 10 minutes.
	Interval time.Duration

	// DaemonWait bounds how long a run waits for the embedding daemon
	// to come up. Default: 15 seconds.
	DaemonWait time.Duration

	// BusyTimeout replaces the store's lock wait for the duration of
	// the job; batch work tolerates longer stalls than the hook path.
	// Default: 10 seconds.
	BusyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartupDelay <= 0 {
		c.StartupDelay = 10 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.DaemonWait <= 0 {
		c.DaemonWait = 15 * time.Second
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 10 * time.Second
	}
}

// EmbeddingClient is the embedding service surface the reconciler needs.
// Implemented by *embedding.Client.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	IsRunning() bool
}

// Stats summarizes one run.
type Stats struct {
	SkillsRefreshed   int
	KnowledgeEmbedded int
	SkillsEmbedded    int
	Skipped           int
}

// Reconciler embeds pending rows and refreshes skill records.
type Reconciler struct {
	cfg    Config
	store  *store.Store
	client EmbeddingClient
	loader skills.Loader
	logger *zap.Logger

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
	dirty  chan struct{}
}

// New creates a reconciler. loader may be nil when skill indexing is not
// configured.
func New(cfg Config, s *store.Store, client EmbeddingClient, loader skills.Loader, logger *zap.Logger) *Reconciler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:    cfg,
		store:  s,
		client: client,
		loader: loader,
		logger: logger.Named("reconcile"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		dirty:  make(chan struct{}, 1),
	}
}

// Start begins periodic reconciliation in the background. Returns
// immediately; the first run happens after the startup delay.
func (r *Reconciler) Start(ctx context.Context, watchDirs []string) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("starting reconciler",
		zap.Duration("startup_delay", r.cfg.StartupDelay),
		zap.Duration("interval", r.cfg.Interval))

	watcher := r.watchSkillDirs(watchDirs)
	go r.run(ctx, watcher)
}

// Stop halts the reconciler and waits for the current run to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info("stopping reconciler")
	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// IsRunning reports whether the background loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(r.doneCh)
	if watcher != nil {
		defer watcher.Close()
	}

	select {
	case <-time.After(r.cfg.StartupDelay):
	case <-r.stopCh:
		return
	case <-ctx.Done():
		return
	}

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("reconcile run failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.dirty:
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("reconcile run failed", zap.Error(err))
		}
	}
}

// watchSkillDirs marks the next run dirty when a skill definition
// changes. Watch failures are logged and ignored; the interval still
// picks up changes.
func (r *Reconciler) watchSkillDirs(dirs []string) *fsnotify.Watcher {
	if len(dirs) == 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("skill directory watching unavailable", zap.Error(err))
		return nil
	}
	watched := 0
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			r.logger.Debug("not watching skill directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case r.dirty <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Debug("skill watcher error", zap.Error(err))
			}
		}
	}()
	return watcher
}

// RunOnce performs one reconciliation pass: refresh skill records from
// their definition files, then embed every row missing a vector, in both
// collections. Safe to invoke concurrently with the hook path and safe
// to re-run; already-embedded rows are untouched.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := r.store.SetBusyTimeout(ctx, r.cfg.BusyTimeout); err != nil {
		r.logger.Warn("raising busy timeout failed", zap.Error(err))
	}

	if r.loader != nil {
		n, err := r.refreshSkills(ctx)
		if err != nil {
			r.logger.Warn("skill refresh failed", zap.Error(err))
		}
		stats.SkillsRefreshed = n
	}

	if !r.waitForDaemon(ctx) {
		r.logger.Info("embedding daemon unavailable, leaving rows pending")
		return stats, nil
	}

	n, skipped, err := r.embedPending(ctx, store.CollectionKnowledge)
	if err != nil {
		return stats, fmt.Errorf("embedding knowledge vectors: %w", err)
	}
	stats.KnowledgeEmbedded = n
	stats.Skipped += skipped

	n, skipped, err = r.embedPending(ctx, store.CollectionSkills)
	if err != nil {
		return stats, fmt.Errorf("embedding skill vectors: %w", err)
	}
	stats.SkillsEmbedded = n
	stats.Skipped += skipped

	r.logger.Info("reconcile run complete",
		zap.Int("skills_refreshed", stats.SkillsRefreshed),
		zap.Int("knowledge_embedded", stats.KnowledgeEmbedded),
		zap.Int("skills_embedded", stats.SkillsEmbedded),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// waitForDaemon polls for the embedding daemon, nudging it awake with a
// warmup request that triggers the client's spawn path.
func (r *Reconciler) waitForDaemon(ctx context.Context) bool {
	if r.client.IsRunning() {
		return true
	}

	// The embed call spawns the daemon if it is down.
	warmupCtx, cancel := context.WithTimeout(ctx, r.cfg.DaemonWait)
	defer cancel()
	if _, err := r.client.Embed(warmupCtx, []string{"warmup"}); err == nil {
		return true
	}

	deadline := time.Now().Add(r.cfg.DaemonWait)
	for time.Now().Before(deadline) {
		if r.client.IsRunning() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return r.client.IsRunning()
}

func (r *Reconciler) refreshSkills(ctx context.Context) (int, error) {
	loaded, err := r.loader.Load(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, skill := range loaded {
		triggers, err := skill.EncodeTriggers()
		if err != nil {
			r.logger.Warn("skipping skill with unserializable triggers",
				zap.String("name", skill.Name), zap.Error(err))
			continue
		}
		_, err = r.store.UpsertSkill(ctx, &store.SkillRecord{
			Name:        skill.Name,
			Scope:       skill.Scope,
			SourcePath:  skill.SourcePath,
			Description: skill.Description,
			Triggers:    triggers,
			UpdatedAt:   skill.UpdatedAt,
		})
		if err != nil {
			r.logger.Warn("skill upsert failed", zap.String("name", skill.Name), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// embedPending embeds rows missing vectors in batches. Rows whose text
// embeds to nothing (blank or rejected by the model) are skipped and
// stay pending.
func (r *Reconciler) embedPending(ctx context.Context, c store.Collection) (embedded, skipped int, err error) {
	pending, err := r.store.PendingVectors(ctx, c)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}
		vectors, err := r.client.Embed(ctx, texts)
		if err != nil {
			return embedded, skipped, err
		}
		if len(vectors) != len(batch) {
			return embedded, skipped, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(batch), len(vectors))
		}

		for i, vec := range vectors {
			if vec == nil {
				skipped++
				continue
			}
			if err := r.store.UpsertVector(ctx, c, batch[i].OwnerID, vec); err != nil {
				r.logger.Warn("vector upsert failed",
					zap.String("collection", c.Name),
					zap.Int64("owner_id", batch[i].OwnerID),
					zap.Error(err))
				skipped++
				continue
			}
			embedded++
		}
	}
	return embedded, skipped, nil
}
