package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AnalysisEntry is one cached analysis result, addressed by the hash of
// the exact event window it was computed from.
type AnalysisEntry struct {
	ID         int64
	CreatedAt  time.Time
	ScopeKey   string
	WindowDays int
	InputHash  string
	Result     string
}

// GetAnalysis returns the cached result for the key triple, or
// ErrNotFound.
func (s *Store) GetAnalysis(ctx context.Context, scopeKey string, windowDays int, inputHash string) (*AnalysisEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, scope_key, window_days, input_hash, result
		FROM analysis_cache
		WHERE scope_key = ? AND window_days = ? AND input_hash = ?
	`, scopeKey, windowDays, inputHash)
	return scanAnalysis(row)
}

// PutAnalysis upserts a result for the key triple, overwriting any prior
// result and bumping its timestamp.
func (s *Store) PutAnalysis(ctx context.Context, scopeKey string, windowDays int, inputHash, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (created_at, scope_key, window_days, input_hash, result)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope_key, window_days, input_hash)
		DO UPDATE SET created_at = excluded.created_at, result = excluded.result
	`, time.Now().UTC().Format(time.RFC3339Nano), scopeKey, windowDays, inputHash, result)
	if err != nil {
		return fmt.Errorf("upserting analysis cache entry: %w", err)
	}
	return nil
}

// LatestAnalysis returns the newest cached result for a scope no older
// than maxAge, regardless of input hash. Session-start consumers read
// whatever the last background analysis produced.
func (s *Store) LatestAnalysis(ctx context.Context, scopeKey string, maxAge time.Duration) (*AnalysisEntry, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, scope_key, window_days, input_hash, result
		FROM analysis_cache
		WHERE scope_key = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, scopeKey, cutoff)
	return scanAnalysis(row)
}

func scanAnalysis(row rowScanner) (*AnalysisEntry, error) {
	var (
		e         AnalysisEntry
		createdAt string
	)
	err := row.Scan(&e.ID, &createdAt, &e.ScopeKey, &e.WindowDays, &e.InputHash, &e.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning analysis cache entry: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
