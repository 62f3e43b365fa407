package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// KnowledgeEntry is one (error signature -> fix) record.
type KnowledgeEntry struct {
	ID            int64
	CreatedAt     time.Time
	NormalizedKey string

	// RawSample is one raw error text that produced the key.
	RawSample string

	// Resolution is the serialized fix payload (JSON); empty when the
	// failure has been seen but never resolved.
	Resolution string

	// ResolvedBy tags how the fix was discovered: same_tool or cross_tool.
	ResolvedBy string

	// ToolSequence is a JSON array of tool names used between failure
	// and success.
	ToolSequence string

	UseCount   int64
	LastUsedAt time.Time
}

const knowledgeColumns = "id, created_at, normalized_key, raw_sample, resolution, resolved_by, tool_sequence, use_count, last_used_at"

// UpsertKnowledge writes a fix for a normalized key. A later write for
// the same key updates the row in place (last writer wins on the fix
// payload) while incrementing use_count.
func (s *Store) UpsertKnowledge(ctx context.Context, e *KnowledgeEntry) error {
	if e.NormalizedKey == "" {
		return fmt.Errorf("normalized key is required")
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge (created_at, normalized_key, raw_sample, resolution, resolved_by, tool_sequence, use_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(normalized_key) DO UPDATE SET
			created_at = excluded.created_at,
			raw_sample = excluded.raw_sample,
			resolution = excluded.resolution,
			resolved_by = excluded.resolved_by,
			tool_sequence = excluded.tool_sequence,
			use_count = use_count + 1
	`, createdAt.Format(time.RFC3339Nano), e.NormalizedKey,
		nullable(e.RawSample), nullable(e.Resolution), nullable(e.ResolvedBy), nullable(e.ToolSequence))
	if err != nil {
		return fmt.Errorf("upserting knowledge entry: %w", err)
	}
	return nil
}

// ExactKnowledge returns the resolved entry whose key equals the query,
// preferring proven entries.
func (s *Store) ExactKnowledge(ctx context.Context, key string) (*KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+knowledgeColumns+` FROM knowledge
		WHERE normalized_key = ? AND resolution IS NOT NULL
		ORDER BY use_count DESC, created_at DESC
		LIMIT 1
	`, key)
	return scanKnowledge(row)
}

// PrefixKnowledge returns resolved entries whose key starts with prefix
// and whose key length lies in [minLen, maxLen], best first.
func (s *Store) PrefixKnowledge(ctx context.Context, prefix string, minLen, maxLen int) ([]*KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+knowledgeColumns+` FROM knowledge
		WHERE normalized_key LIKE ? || '%' ESCAPE '\'
			AND resolution IS NOT NULL
			AND LENGTH(normalized_key) BETWEEN ? AND ?
		ORDER BY use_count DESC, created_at DESC
	`, escapeLike(prefix), minLen, maxLen)
	if err != nil {
		return nil, fmt.Errorf("querying prefix candidates: %w", err)
	}
	defer rows.Close()
	return collectKnowledge(rows)
}

// KnowledgeByIDs returns the resolved entries among ids, keyed by id.
func (s *Store) KnowledgeByIDs(ctx context.Context, ids []int64) (map[int64]*KnowledgeEntry, error) {
	if len(ids) == 0 {
		return map[int64]*KnowledgeEntry{}, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+knowledgeColumns+" FROM knowledge WHERE id IN ("+placeholders+") AND resolution IS NOT NULL", args...)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge by ids: %w", err)
	}
	defer rows.Close()

	entries, err := collectKnowledge(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*KnowledgeEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	return byID, nil
}

// TouchKnowledge increments use_count and stamps last_used_at, returning
// the updated entry.
func (s *Store) TouchKnowledge(ctx context.Context, id int64) (*KnowledgeEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge SET use_count = use_count + 1, last_used_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("touching knowledge entry: %w", err)
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+knowledgeColumns+" FROM knowledge WHERE id = ?", id)
	return scanKnowledge(row)
}

// GetKnowledge returns the entry for a normalized key regardless of
// resolution state.
func (s *Store) GetKnowledge(ctx context.Context, key string) (*KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+knowledgeColumns+" FROM knowledge WHERE normalized_key = ?", key)
	return scanKnowledge(row)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// escapeLike neutralizes LIKE wildcards in prefix text. Normalized keys
// may legitimately contain % or _ from collapsed error output.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(row rowScanner) (*KnowledgeEntry, error) {
	var (
		e            KnowledgeEntry
		createdAt    string
		rawSample    sql.NullString
		resolution   sql.NullString
		resolvedBy   sql.NullString
		toolSequence sql.NullString
		lastUsed     sql.NullString
	)
	err := row.Scan(&e.ID, &createdAt, &e.NormalizedKey, &rawSample, &resolution, &resolvedBy, &toolSequence, &e.UseCount, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning knowledge entry: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			e.LastUsedAt = t
		}
	}
	e.RawSample = rawSample.String
	e.Resolution = resolution.String
	e.ResolvedBy = resolvedBy.String
	e.ToolSequence = toolSequence.String
	return &e, nil
}

func collectKnowledge(rows *sql.Rows) ([]*KnowledgeEntry, error) {
	var entries []*KnowledgeEntry
	for rows.Next() {
		e, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
