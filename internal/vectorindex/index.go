// Package vectorindex provides k-nearest-neighbor lookup over the named
// vector collections in the store.
//
// Vectors live in SQLite alongside their source rows; search is a
// cosine-distance scan in Go. Collections here are small (hundreds of
// error signatures, dozens of skills), so a scan beats shipping rows to
// an external vector database.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/store"
)

// Match is one nearest-neighbor hit.
type Match struct {
	// SourceID identifies the owner row in the collection's source table.
	SourceID int64

	// Distance is the cosine distance to the query, in [0, 2]; smaller
	// is more similar.
	Distance float64
}

// Index searches the store's vector collections.
type Index struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates an index over the given store.
func New(s *store.Store, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{store: s, logger: logger.Named("vectorindex")}
}

// Search returns up to k nearest neighbors in ascending distance order.
// A collection with no populated vectors returns an empty result and no
// error: vector population is best-effort and search degrades to "no
// candidates" rather than failing.
func (ix *Index) Search(ctx context.Context, c store.Collection, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		k = 1
	}

	var matches []Match
	err := ix.store.VectorRows(ctx, c, func(row store.VectorRow) error {
		if len(row.Vector) != len(query) {
			// Dimension drift after a model change; stale rows are
			// invisible until re-embedded.
			return nil
		}
		matches = append(matches, Match{
			SourceID: row.OwnerID,
			Distance: cosineDistance(query, row.Vector),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s vectors: %w", c.Name, err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineDistance returns 1 - cosine similarity. Degenerate (zero-norm)
// vectors are treated as maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
