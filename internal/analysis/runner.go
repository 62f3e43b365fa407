package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

// Analyzer is the external analysis function. It receives the rendered
// prompt and returns an opaque result document. Invoking it is the
// expensive step the cache exists to avoid.
type Analyzer func(ctx context.Context, prompt string) (string, error)

// Outcome tags for a run.
const (
	OutcomeCached       = "cached"
	OutcomeComputed     = "computed"
	OutcomeInsufficient = "insufficient_data"
)

// Result is what one analysis run produced.
type Result struct {
	// RunID identifies this invocation in logs.
	RunID string

	// Outcome is one of the Outcome tags.
	Outcome string

	// Document is the analysis result; empty when Outcome is
	// insufficient_data.
	Document string

	// InputHash is the digest of the event window analyzed.
	InputHash string

	// Events is how many events were in the window.
	Events int
}

// Runner drives cached analysis over an event window.
type Runner struct {
	cfg      config.AnalysisConfig
	store    *store.Store
	analyzer Analyzer
	logger   *zap.Logger
}

// NewRunner creates a runner. The analyzer is required: the runner's job
// is deciding whether to call it.
func NewRunner(cfg config.AnalysisConfig, s *store.Store, analyzer Analyzer, logger *zap.Logger) (*Runner, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, store: s, analyzer: analyzer, logger: logger.Named("analysis")}, nil
}

// Run analyzes the scope's recent event window. It queries the window,
// hashes it, and consults the cache before invoking the analyzer.
// Windows with too few prompt events are reported as insufficient
// without invoking the analyzer or touching the cache.
func (r *Runner) Run(ctx context.Context, scopeKey string) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	logger := r.logger.With(zap.String("run_id", result.RunID), zap.String("scope", scopeKey))

	since := time.Now().UTC().AddDate(0, 0, -r.cfg.WindowDays)
	events, err := r.store.QueryEvents(ctx, store.EventFilter{
		Project: scopeKey,
		Since:   since,
	})
	if err != nil {
		return nil, fmt.Errorf("querying event window: %w", err)
	}
	// QueryEvents returns newest first; the hash and the analyzer both
	// want chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	result.Events = len(events)

	prompts := 0
	for _, ev := range events {
		if ev.Type == store.EventPrompt {
			prompts++
		}
	}
	if prompts < r.cfg.MinPrompts {
		logger.Info("window has too few prompts",
			zap.Int("prompts", prompts),
			zap.Int("min_prompts", r.cfg.MinPrompts))
		result.Outcome = OutcomeInsufficient
		return result, nil
	}

	result.InputHash = HashEvents(events)

	cached, err := r.store.GetAnalysis(ctx, scopeKey, r.cfg.WindowDays, result.InputHash)
	if err == nil {
		logger.Info("analysis cache hit", zap.String("input_hash", result.InputHash))
		result.Outcome = OutcomeCached
		result.Document = cached.Result
		return result, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		// A broken cache read costs a recomputation, not the run.
		logger.Warn("analysis cache read failed", zap.Error(err))
	}

	prompt, err := BuildPrompt(Summarize(events), scopeKey, r.cfg.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("building analysis prompt: %w", err)
	}
	doc, err := r.analyzer(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("running analyzer: %w", err)
	}
	if err := r.store.PutAnalysis(ctx, scopeKey, r.cfg.WindowDays, result.InputHash, doc); err != nil {
		logger.Warn("caching analysis result failed", zap.Error(err))
	}

	result.Outcome = OutcomeComputed
	result.Document = doc
	return result, nil
}

// Latest returns the newest cached result for a scope within the
// configured max age, or store.ErrNotFound. Session-start consumers use
// this to show whatever the last background run produced.
func (r *Runner) Latest(ctx context.Context, scopeKey string) (*store.AnalysisEntry, error) {
	return r.store.LatestAnalysis(ctx, scopeKey, r.cfg.CacheMaxAge)
}
