package embedding

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// stubProvider returns a fixed-dimension vector derived from text length.
type stubProvider struct {
	dimension int
	vectors   map[string][]float32
}

func (p *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := p.vectors[text]; ok {
			out[i] = vec
			continue
		}
		vec := make([]float32, p.dimension)
		vec[0] = float32(len(text))
		out[i] = vec
	}
	return out, nil
}

func (p *stubProvider) Dimension() int { return p.dimension }
func (p *stubProvider) Close() error   { return nil }

func daemonConfig(t *testing.T) config.EmbeddingConfig {
	t.Helper()
	return config.EmbeddingConfig{
		SocketPath:    filepath.Join(t.TempDir(), "embed.sock"),
		Dimension:     4,
		ClientTimeout: 2 * time.Second,
		HealthTimeout: 500 * time.Millisecond,
		StartupSettle: 50 * time.Millisecond,
		IdleTimeout:   time.Minute,
	}
}

// startTestDaemon serves in the background until the test ends.
func startTestDaemon(t *testing.T, cfg config.EmbeddingConfig, provider Provider) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewDaemon(cfg, provider, zap.NewNop()).Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for !probeHealth(cfg.SocketPath, cfg.HealthTimeout) {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// rawRequest sends one line and reads one line, mimicking a foreign
// client.
func rawRequest(t *testing.T, socketPath, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	response, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(response)
}

func TestDaemonHealth(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{dimension: cfg.Dimension})

	response := rawRequest(t, cfg.SocketPath, `{"action":"health"}`)
	assert.JSONEq(t, `{"status":"ok"}`, response)
}

func TestDaemonEmbedBlankTexts(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{dimension: cfg.Dimension})

	client := NewClient(cfg, zap.NewNop())
	vectors, err := client.Embed(context.Background(), []string{"", "  ", "valid"})
	require.NoError(t, err)
	require.Len(t, vectors, 3, "one entry per input, in order")
	assert.Nil(t, vectors[0])
	assert.Nil(t, vectors[1])
	require.NotNil(t, vectors[2])
	assert.Len(t, vectors[2], cfg.Dimension)
}

func TestDaemonReplacesNonFiniteWithNull(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{
		dimension: cfg.Dimension,
		vectors:   map[string][]float32{"bad": {float32(math.NaN()), 0, 0, 0}},
	})

	client := NewClient(cfg, zap.NewNop())
	vectors, err := client.Embed(context.Background(), []string{"bad", "good"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Nil(t, vectors[0])
	assert.NotNil(t, vectors[1])
}

func TestDaemonUnknownAction(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{dimension: cfg.Dimension})

	response := rawRequest(t, cfg.SocketPath, `{"action":"frobnicate"}`)
	assert.JSONEq(t, `{"error":"unknown action"}`, response)
}

func TestDaemonMalformedRequest(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{dimension: cfg.Dimension})

	response := rawRequest(t, cfg.SocketPath, `{broken json`)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(response), &parsed))
	assert.Contains(t, parsed["error"], "malformed request")

	// The daemon survives and keeps serving.
	assert.True(t, probeHealth(cfg.SocketPath, cfg.HealthTimeout))
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := daemonConfig(t)
	startTestDaemon(t, cfg, &stubProvider{dimension: cfg.Dimension})

	err := NewDaemon(cfg, &stubProvider{dimension: cfg.Dimension}, zap.NewNop()).Serve(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDaemonIdleShutdown(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.IdleTimeout = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- NewDaemon(cfg, &stubProvider{dimension: cfg.Dimension}, zap.NewNop()).Serve(context.Background())
	}()

	select {
	case err := <-done:
		assert.NoError(t, err, "idle shutdown is clean")
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down on idle timeout")
	}
}

func TestClientIsRunningWithoutSocket(t *testing.T) {
	cfg := daemonConfig(t)
	client := NewClient(cfg, zap.NewNop())
	assert.False(t, client.IsRunning())
}

func TestClientEmptyInput(t *testing.T) {
	cfg := daemonConfig(t)
	client := NewClient(cfg, zap.NewNop())

	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestClientStartsDaemonAndRetriesOnce(t *testing.T) {
	cfg := daemonConfig(t)
	provider := &stubProvider{dimension: cfg.Dimension}

	client := NewClient(cfg, zap.NewNop())
	starts := 0
	client.start = func() error {
		starts++
		startTestDaemon(t, cfg, provider)
		return nil
	}

	vectors, err := client.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.NotNil(t, vectors[0])
	assert.Equal(t, 1, starts)
}

func TestClientPropagatesFailureAfterRetry(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.StartupSettle = 10 * time.Millisecond

	client := NewClient(cfg, zap.NewNop())
	starts := 0
	client.start = func() error {
		starts++
		return nil // pretend to start, daemon never appears
	}

	_, err := client.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, starts, "exactly one retry")
}
