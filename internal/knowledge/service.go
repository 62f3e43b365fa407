// Package knowledge implements the error knowledge base: a store of
// (error signature -> fix) records with a three-stage match algorithm,
// exact then prefix then vector.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/knowledge"

// vectorCandidates is how many neighbors the vector stage considers.
const vectorCandidates = 3

// Embedder produces query vectors. Implemented by *embedding.Client; an
// injected fake keeps tests hermetic.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is a successful knowledge lookup.
type Match struct {
	Entry      *store.KnowledgeEntry
	Stage      Stage
	Confidence Confidence

	// Distance is set for vector-stage matches only.
	Distance float64
}

// LookupResult is the outcome of a knowledge lookup. The knowledge base
// is advisory enrichment: a lookup never fails, it degrades. Degraded
// lists the stages that were skipped and why.
type LookupResult struct {
	Match    *Match
	Degraded []string
}

// Service is the knowledge base over a shared store.
type Service struct {
	cfg      config.MatcherConfig
	store    *store.Store
	index    *vectorindex.Index
	embedder Embedder
	logger   *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	matchCounter  metric.Int64Counter
	recordCounter metric.Int64Counter
}

// NewService creates a knowledge service. embedder may be nil, in which
// case the vector stage always degrades.
func NewService(cfg config.MatcherConfig, s *store.Store, ix *vectorindex.Index, embedder Embedder, logger *zap.Logger) (*Service, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if ix == nil {
		return nil, errors.New("vector index is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		cfg:      cfg,
		store:    s,
		index:    ix,
		embedder: embedder,
		logger:   logger.Named("knowledge"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	svc.initMetrics()
	return svc, nil
}

func (s *Service) initMetrics() {
	var err error

	s.matchCounter, err = s.meter.Int64Counter(
		"recalld.knowledge.matches_total",
		metric.WithDescription("Total knowledge lookups by outcome stage"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		s.logger.Warn("failed to create match counter", zap.Error(err))
	}

	s.recordCounter, err = s.meter.Int64Counter(
		"recalld.knowledge.resolutions_total",
		metric.WithDescription("Total resolutions recorded"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		s.logger.Warn("failed to create record counter", zap.Error(err))
	}
}

// Lookup finds the best existing entry with a fix for the normalized
// key. Stages run in order and later stages run only on a miss:
//
//  1. exact key equality
//  2. shared 30-char prefix with the candidate length inside the
//     configured ratio band
//  3. nearest-neighbor vector search
//
// On any hit the entry's use_count is incremented and last_used_at
// stamped before returning. Medium-confidence vector matches
// (high_confidence_distance <= d < accept_distance) are accepted and
// labeled so callers may corroborate; see DESIGN.md.
func (s *Service) Lookup(ctx context.Context, key string) LookupResult {
	ctx, span := s.tracer.Start(ctx, "knowledge.lookup")
	defer span.End()

	var result LookupResult
	if key == "" {
		result.Degraded = append(result.Degraded, "empty key")
		return result
	}

	// Stage 1: exact.
	entry, err := s.store.ExactKnowledge(ctx, key)
	switch {
	case err == nil:
		result.Match = s.hit(ctx, entry, StageExact, ConfidenceHigh, 0)
		if result.Match != nil {
			return result
		}
		result.Degraded = append(result.Degraded, "exact stage: bump failed")
	case !errors.Is(err, store.ErrNotFound):
		span.RecordError(err)
		result.Degraded = append(result.Degraded, fmt.Sprintf("exact stage: %v", err))
	}

	// Stage 2: prefix.
	if m, reason := s.prefixStage(ctx, key); m != nil {
		result.Match = m
		return result
	} else if reason != "" {
		result.Degraded = append(result.Degraded, reason)
	}

	// Stage 3: vector.
	m, reason := s.vectorStage(ctx, key)
	if m != nil {
		result.Match = m
		return result
	}
	if reason != "" {
		result.Degraded = append(result.Degraded, reason)
	}

	s.count(ctx, "miss")
	return result
}

// prefixStage matches candidates sharing the query's leading prefix
// whose length sits inside the ratio band. The band guards against false
// positives from short shared prefixes on much longer or shorter keys.
func (s *Service) prefixStage(ctx context.Context, key string) (*Match, string) {
	runes := []rune(key)
	prefix := key
	if len(runes) > s.cfg.PrefixLength {
		prefix = string(runes[:s.cfg.PrefixLength])
	}
	minLen := int(math.Floor(float64(len(runes)) * s.cfg.LengthRatio))
	maxLen := int(math.Ceil(float64(len(runes)) / s.cfg.LengthRatio))

	candidates, err := s.store.PrefixKnowledge(ctx, prefix, minLen, maxLen)
	if err != nil {
		return nil, fmt.Sprintf("prefix stage: %v", err)
	}
	if len(candidates) == 0 {
		return nil, ""
	}
	return s.hit(ctx, candidates[0], StagePrefix, ConfidenceHigh, 0), ""
}

// vectorStage embeds the query and searches the knowledge collection.
func (s *Service) vectorStage(ctx context.Context, key string) (*Match, string) {
	if s.embedder == nil {
		return nil, "vector stage: no embedder configured"
	}

	vectors, err := s.embedder.Embed(ctx, []string{key})
	if err != nil {
		return nil, fmt.Sprintf("vector stage: embed: %v", err)
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, "vector stage: query produced no vector"
	}

	matches, err := s.index.Search(ctx, store.CollectionKnowledge, vectors[0], vectorCandidates)
	if err != nil {
		return nil, fmt.Sprintf("vector stage: search: %v", err)
	}
	if len(matches) == 0 {
		return nil, ""
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.SourceID
	}
	resolved, err := s.store.KnowledgeByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Sprintf("vector stage: fetch: %v", err)
	}

	// Closest candidate with a fix, preserving ascending distance.
	for _, m := range matches {
		entry, ok := resolved[m.SourceID]
		if !ok {
			continue
		}
		if m.Distance >= s.cfg.AcceptDistance {
			// Candidates are ordered; the rest are farther still.
			return nil, ""
		}
		confidence := ConfidenceMedium
		if m.Distance < s.cfg.HighConfidenceDistance {
			confidence = ConfidenceHigh
		}
		return s.hit(ctx, entry, StageVector, confidence, m.Distance), ""
	}
	return nil, ""
}

// hit bumps usage stats and assembles the match. A failed bump degrades
// to a miss: returning an entry whose stats were not updated would break
// the use-count ordering guarantees.
func (s *Service) hit(ctx context.Context, entry *store.KnowledgeEntry, stage Stage, confidence Confidence, distance float64) *Match {
	updated, err := s.store.TouchKnowledge(ctx, entry.ID)
	if err != nil {
		s.logger.Warn("failed to bump entry usage", zap.Int64("id", entry.ID), zap.Error(err))
		return nil
	}
	s.count(ctx, string(stage))
	return &Match{Entry: updated, Stage: stage, Confidence: confidence, Distance: distance}
}

// RecordResolution writes or updates the fix for a normalized key.
// Repeat writes for the same key keep one row, increment use_count, and
// let the newest fix payload win.
func (s *Service) RecordResolution(ctx context.Context, key string, res Resolution) error {
	ctx, span := s.tracer.Start(ctx, "knowledge.record_resolution")
	defer span.End()

	if key == "" {
		return errors.New("normalized key is required")
	}
	if res.ResolvedBy == "" {
		return errors.New("resolved_by tag is required")
	}

	payload, err := res.Encode()
	if err != nil {
		return fmt.Errorf("encoding resolution: %w", err)
	}
	seq, err := encodeToolSequence(res.ToolSequence)
	if err != nil {
		return fmt.Errorf("encoding tool sequence: %w", err)
	}

	entry := &store.KnowledgeEntry{
		NormalizedKey: key,
		RawSample:     res.ErrorRaw,
		Resolution:    payload,
		ResolvedBy:    res.ResolvedBy,
		ToolSequence:  seq,
	}
	if err := s.store.UpsertKnowledge(ctx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	if s.recordCounter != nil {
		s.recordCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("resolved_by", res.ResolvedBy)))
	}
	return nil
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.matchCounter != nil {
		s.matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", outcome)))
	}
}
