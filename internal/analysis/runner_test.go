package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

func newTestRunner(t *testing.T, analyzer Analyzer) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.Open(config.StorageConfig{
		Path:        filepath.Join(t.TempDir(), "recalld.db"),
		BusyTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r, err := NewRunner(config.AnalysisConfig{
		WindowDays:  7,
		MinPrompts:  3,
		CacheMaxAge: 24 * time.Hour,
	}, s, analyzer, zap.NewNop())
	require.NoError(t, err)
	return r, s
}

func seedPrompts(t *testing.T, s *store.Store, scope string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(map[string]any{"text": "prompt", "seq": i})
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(context.Background(), &store.Event{
			Type:      store.EventPrompt,
			SessionID: "s1",
			Project:   scope,
			Payload:   payload,
		}))
	}
}

func TestHashEventsDeterministic(t *testing.T) {
	events := []*store.Event{
		{Type: store.EventPrompt, Timestamp: time.Unix(100, 0), SessionID: "s1", Payload: json.RawMessage(`{"text":"a"}`)},
		{Type: store.EventToolUse, Timestamp: time.Unix(200, 0), SessionID: "s1", Payload: json.RawMessage(`{"tool":"Bash"}`)},
	}

	assert.Equal(t, HashEvents(events), HashEvents(events))

	// Changing one payload changes the digest.
	changed := []*store.Event{
		events[0],
		{Type: store.EventToolUse, Timestamp: time.Unix(200, 0), SessionID: "s1", Payload: json.RawMessage(`{"tool":"Edit"}`)},
	}
	assert.NotEqual(t, HashEvents(events), HashEvents(changed))

	// Order matters.
	swapped := []*store.Event{events[1], events[0]}
	assert.NotEqual(t, HashEvents(events), HashEvents(swapped))
}

func TestRunInsufficientData(t *testing.T) {
	calls := 0
	r, s := newTestRunner(t, func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "doc", nil
	})
	seedPrompts(t, s, "proj", 2)

	result, err := r.Run(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficient, result.Outcome)
	assert.Empty(t, result.Document)
	assert.Zero(t, calls, "analyzer must not run on thin windows")
}

func TestRunComputesThenCaches(t *testing.T) {
	calls := 0
	var gotPrompt string
	r, s := newTestRunner(t, func(ctx context.Context, prompt string) (string, error) {
		calls++
		gotPrompt = prompt
		return "the analysis document", nil
	})
	seedPrompts(t, s, "proj", 4)

	first, err := r.Run(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, first.Outcome)
	assert.Equal(t, "the analysis document", first.Document)
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, first.RunID)
	assert.NotEmpty(t, first.InputHash)

	// The analyzer sees the rendered prompt, not raw events.
	assert.Contains(t, gotPrompt, `scope "proj"`)
	assert.Contains(t, gotPrompt, `"prompts"`)

	// Identical window: cache hit, analyzer not invoked again.
	second, err := r.Run(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, second.Outcome)
	assert.Equal(t, first.Document, second.Document)
	assert.Equal(t, first.InputHash, second.InputHash)
	assert.Equal(t, 1, calls)

	// New event changes the window, forcing recomputation.
	seedPrompts(t, s, "proj", 1)
	third, err := r.Run(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, third.Outcome)
	assert.NotEqual(t, first.InputHash, third.InputHash)
	assert.Equal(t, 2, calls)
}

func TestRunScopesAreIndependent(t *testing.T) {
	r, s := newTestRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return "doc", nil
	})
	seedPrompts(t, s, "busy", 4)

	result, err := r.Run(context.Background(), "idle")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficient, result.Outcome, "other scopes' events are invisible")
}

func TestRunAnalyzerFailure(t *testing.T) {
	r, s := newTestRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("model overloaded")
	})
	seedPrompts(t, s, "proj", 4)

	_, err := r.Run(context.Background(), "proj")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestLatest(t *testing.T) {
	r, s := newTestRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return "fresh doc", nil
	})
	seedPrompts(t, s, "proj", 4)

	_, err := r.Latest(context.Background(), "proj")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.Run(context.Background(), "proj")
	require.NoError(t, err)

	entry, err := r.Latest(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, "fresh doc", entry.Result)
}
