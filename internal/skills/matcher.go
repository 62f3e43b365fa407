package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

// minKeywordLength filters noise words out of trigger phrases before
// overlap scoring.
const minKeywordLength = 3

// Match methods reported in suggestions.
const (
	ViaVector  = "vector"
	ViaKeyword = "keyword"
)

// Embedder produces query vectors. Implemented by *embedding.Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Suggestion is one matched skill.
type Suggestion struct {
	Skill *store.SkillRecord

	// Via is how the match was made: vector or keyword.
	Via string

	// Distance is set for vector matches only.
	Distance float64
}

// Matcher suggests skills relevant to a query.
type Matcher struct {
	cfg      config.SkillsConfig
	store    *store.Store
	index    *vectorindex.Index
	embedder Embedder
	logger   *zap.Logger
}

// NewMatcher creates a matcher. embedder may be nil, which forces the
// keyword fallback.
func NewMatcher(cfg config.SkillsConfig, s *store.Store, ix *vectorindex.Index, embedder Embedder, logger *zap.Logger) (*Matcher, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if ix == nil {
		return nil, errors.New("vector index is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		cfg:      cfg,
		store:    s,
		index:    ix,
		embedder: embedder,
		logger:   logger.Named("skills"),
	}, nil
}

// Suggest returns skills matching the query text, closest first. Vector
// search is preferred; the keyword fallback runs only when no embedding
// endpoint is reachable. An empty result is normal, not an error.
func (m *Matcher) Suggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	if m.embedder != nil {
		suggestions, err := m.vectorSuggest(ctx, query, limit)
		if err == nil {
			return suggestions, nil
		}
		m.logger.Debug("vector skill match unavailable, falling back to keywords", zap.Error(err))
	}
	return m.keywordSuggest(ctx, query, limit)
}

func (m *Matcher) vectorSuggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, errors.New("query produced no vector")
	}

	matches, err := m.index.Search(ctx, store.CollectionSkills, vectors[0], limit)
	if err != nil {
		return nil, err
	}

	var suggestions []Suggestion
	for _, match := range matches {
		if match.Distance >= m.cfg.MatchDistance {
			break
		}
		rec, err := m.store.SkillByID(ctx, match.SourceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("fetching skill %d: %w", match.SourceID, err)
		}
		suggestions = append(suggestions, Suggestion{Skill: rec, Via: ViaVector, Distance: match.Distance})
	}
	return suggestions, nil
}

// keywordSuggest matches skills whose declared trigger phrases overlap
// the query: a phrase matches when at least the configured fraction of
// its significant words appear in the query text.
func (m *Matcher) keywordSuggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	recs, err := m.store.ListSkills(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing skills: %w", err)
	}

	queryWords := wordSet(query)
	var suggestions []Suggestion
	for _, rec := range recs {
		if len(suggestions) >= limit {
			break
		}
		for _, phrase := range DecodeTriggers(rec.Triggers) {
			if phraseMatches(phrase, queryWords, m.cfg.KeywordOverlap) {
				suggestions = append(suggestions, Suggestion{Skill: rec, Via: ViaKeyword})
				break
			}
		}
	}
	return suggestions, nil
}

func phraseMatches(phrase string, queryWords map[string]struct{}, overlap float64) bool {
	words := significantWords(phrase)
	if len(words) == 0 {
		return false
	}
	hits := 0
	for _, w := range words {
		if _, ok := queryWords[w]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(words)) >= overlap
}

func significantWords(s string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= minKeywordLength {
			words = append(words, w)
		}
	}
	return words
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range significantWords(s) {
		set[w] = struct{}{}
	}
	return set
}
