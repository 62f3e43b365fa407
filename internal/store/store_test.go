package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StorageConfig{
		Path:        filepath.Join(t.TempDir(), "recalld.db"),
		BusyTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEvent(t *testing.T, s *Store, evType, sessionID, payload string, ts time.Time) *Event {
	t.Helper()
	ev := &Event{
		Type:      evType,
		SessionID: sessionID,
		Project:   "demo",
		Timestamp: ts,
		Payload:   json.RawMessage(payload),
	}
	require.NoError(t, s.AppendEvent(context.Background(), ev))
	return ev
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recalld.db")
	cfg := config.StorageConfig{Path: path, BusyTimeout: time.Second}

	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not re-run migrations destructively.
	s, err = Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	appendEvent(t, s, EventPrompt, "s1", `{"text":"fix the build"}`, base)
	appendEvent(t, s, EventToolError, "s1", `{"tool":"Bash","error":"exit status 1"}`, base.Add(time.Minute))
	appendEvent(t, s, EventToolUse, "s2", `{"tool":"Edit"}`, base.Add(2*time.Minute))

	all, err := s.QueryEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventToolUse, all[0].Type, "newest first")

	bySession, err := s.QueryEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	since, err := s.QueryEvents(ctx, EventFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, EventToolUse, since[0].Type)

	limited, err := s.QueryEvents(ctx, EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAppendEventValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendEvent(ctx, &Event{SessionID: "s1"})
	assert.Error(t, err, "missing type")

	err = s.AppendEvent(ctx, &Event{Type: EventPrompt})
	assert.Error(t, err, "missing session")

	err = s.AppendEvent(ctx, &Event{Type: EventPrompt, SessionID: "s1", Payload: json.RawMessage(`{broken`)})
	assert.Error(t, err, "invalid payload")
}

func TestEventFullTextSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendEvent(t, s, EventPrompt, "s1", `{"text":"please refactor the parser"}`, now)
	appendEvent(t, s, EventToolError, "s1", `{"tool":"Bash","error":"connection refused on socket"}`, now.Add(time.Second))
	appendEvent(t, s, EventToolUse, "s1", `{"tool":"Edit"}`, now.Add(2*time.Second))

	hits, err := s.QueryEvents(ctx, EventFilter{Search: "refused"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, EventToolError, hits[0].Type)

	hits, err = s.QueryEvents(ctx, EventFilter{Search: "parser"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, EventPrompt, hits[0].Type)
}

func TestEventsAreInsertOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := appendEvent(t, s, EventPrompt, "s1", `{"text":"original"}`, time.Now().UTC())

	_, err := s.db.ExecContext(ctx, "UPDATE events SET session_id = 'tampered' WHERE id = ?", ev.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert-only")
}

func TestUpsertKnowledgeKeepsOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &KnowledgeEntry{NormalizedKey: "key", Resolution: `{"fix":"one"}`, ResolvedBy: "same_tool"}
	require.NoError(t, s.UpsertKnowledge(ctx, first))

	second := &KnowledgeEntry{NormalizedKey: "key", Resolution: `{"fix":"two"}`, ResolvedBy: "cross_tool"}
	require.NoError(t, s.UpsertKnowledge(ctx, second))

	entry, err := s.GetKnowledge(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, `{"fix":"two"}`, entry.Resolution, "last writer wins")
	assert.Equal(t, "cross_tool", entry.ResolvedBy)
	assert.Equal(t, int64(1), entry.UseCount, "second write increments")

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge WHERE normalized_key = 'key'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestExactKnowledgeRequiresResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "unresolved"}))

	_, err := s.ExactKnowledge(ctx, "unresolved")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "resolved", Resolution: `{"fix":"x"}`}))
	entry, err := s.ExactKnowledge(ctx, "resolved")
	require.NoError(t, err)
	assert.Equal(t, "resolved", entry.NormalizedKey)
}

func TestPrefixKnowledgeLengthBand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := "Connection timeout after <N>ms"
	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: key, Resolution: `{"fix":"retry"}`}))

	prefix := key // query shares the whole stored key as prefix
	inBand, err := s.PrefixKnowledge(ctx, prefix[:30], 25, 40)
	require.NoError(t, err)
	require.Len(t, inBand, 1)
	assert.Equal(t, key, inBand[0].NormalizedKey)

	outOfBand, err := s.PrefixKnowledge(ctx, prefix[:30], 40, 60)
	require.NoError(t, err)
	assert.Empty(t, outOfBand)
}

func TestPrefixKnowledgeEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "100% failure", Resolution: `{"fix":"x"}`}))
	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "100x failure", Resolution: `{"fix":"y"}`}))

	hits, err := s.PrefixKnowledge(ctx, "100%", 1, 100)
	require.NoError(t, err)
	require.Len(t, hits, 1, "%% must not act as a wildcard")
	assert.Equal(t, "100% failure", hits[0].NormalizedKey)
}

func TestTouchKnowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "key", Resolution: `{"fix":"x"}`}))
	entry, err := s.GetKnowledge(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.UseCount)

	touched, err := s.TouchKnowledge(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched.UseCount)
	assert.False(t, touched.LastUsedAt.IsZero())
}

func TestPrunePreservesUsedKnowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -120)

	appendEvent(t, s, EventPrompt, "s1", `{"text":"old"}`, old)
	appendEvent(t, s, EventPrompt, "s1", `{"text":"new"}`, time.Now().UTC())

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{
		NormalizedKey: "old-unused", Resolution: `{"fix":"x"}`, CreatedAt: old,
	}))
	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{
		NormalizedKey: "old-used", Resolution: `{"fix":"y"}`, CreatedAt: old,
	}))
	used, err := s.GetKnowledge(ctx, "old-used")
	require.NoError(t, err)
	_, err = s.TouchKnowledge(ctx, used.ID)
	require.NoError(t, err)

	unused, err := s.GetKnowledge(ctx, "old-unused")
	require.NoError(t, err)
	require.NoError(t, s.UpsertVector(ctx, CollectionKnowledge, unused.ID, []float32{1, 0}))

	events, entries, err := s.Prune(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)
	assert.Equal(t, int64(1), entries)

	_, err = s.GetKnowledge(ctx, "old-unused")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetKnowledge(ctx, "old-used")
	assert.NoError(t, err, "used entries survive the horizon")

	// The pruned entry's vector must not linger.
	var vectors int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_vectors").Scan(&vectors))
	assert.Zero(t, vectors)
}

func TestVectorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnowledge(ctx, &KnowledgeEntry{NormalizedKey: "a", Resolution: `{"fix":"x"}`}))
	entry, err := s.GetKnowledge(ctx, "a")
	require.NoError(t, err)

	pending, err := s.PendingVectors(ctx, CollectionKnowledge)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].OwnerID)
	assert.Equal(t, "a", pending[0].Text)

	vec := []float32{0.25, -1, 3.5}
	require.NoError(t, s.UpsertVector(ctx, CollectionKnowledge, entry.ID, vec))

	pending, err = s.PendingVectors(ctx, CollectionKnowledge)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var rows []VectorRow
	require.NoError(t, s.VectorRows(ctx, CollectionKnowledge, func(r VectorRow) error {
		rows = append(rows, r)
		return nil
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, entry.ID, rows[0].OwnerID)
	assert.Equal(t, vec, rows[0].Vector)
}

func TestUpsertSkillRefreshDropsVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	id, err := s.UpsertSkill(ctx, &SkillRecord{
		Name: "deploy", Scope: "global", SourcePath: "/skills/deploy.md",
		Description: "Deploy the service", UpdatedAt: base,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertVector(ctx, CollectionSkills, id, []float32{1, 2}))

	// Stale write: same mtime, no refresh, vector kept.
	again, err := s.UpsertSkill(ctx, &SkillRecord{Name: "deploy", UpdatedAt: base})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	pending, err := s.PendingVectors(ctx, CollectionSkills)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Newer definition: row refreshed and vector dropped for re-embedding.
	_, err = s.UpsertSkill(ctx, &SkillRecord{
		Name: "deploy", Scope: "global", SourcePath: "/skills/deploy.md",
		Description: "Deploy the service safely", UpdatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	pending, err = s.PendingVectors(ctx, CollectionSkills)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].OwnerID)

	rec, err := s.SkillByName(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "Deploy the service safely", rec.Description)
}

func TestAnalysisCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAnalysis(ctx, "proj", 7, "digest1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutAnalysis(ctx, "proj", 7, "digest1", "result one"))
	entry, err := s.GetAnalysis(ctx, "proj", 7, "digest1")
	require.NoError(t, err)
	assert.Equal(t, "result one", entry.Result)

	// Overwrite for the same key triple.
	require.NoError(t, s.PutAnalysis(ctx, "proj", 7, "digest1", "result two"))
	entry, err = s.GetAnalysis(ctx, "proj", 7, "digest1")
	require.NoError(t, err)
	assert.Equal(t, "result two", entry.Result)

	latest, err := s.LatestAnalysis(ctx, "proj", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "result two", latest.Result)

	_, err = s.LatestAnalysis(ctx, "proj", time.Nanosecond)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LatestAnalysis(ctx, "other", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}
