// Package embedding provides the local embedding daemon, its wire
// protocol, and the client used by the knowledge and skill matchers.
//
// The daemon is the one long-lived process in recalld: it loads a single
// embedding model, keeps it resident, and serves one-shot requests over a
// unix socket until an idle timeout shuts it down.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

var (
	// ErrUnavailable indicates the daemon could not be reached and a
	// start attempt did not help.
	ErrUnavailable = errors.New("embedding daemon unavailable")

	// ErrInvalidConfig indicates invalid embedding configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")
)

// Provider is the capability interface for embedding model backends.
// The backend is selected at construction time; code paths that can run
// without a model receive the none provider rather than probing for one
// at call time.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector length.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates the configured provider backend.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return newFastEmbedProvider(cfg)
	case "none":
		return noneProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// noneProvider is the no-op default used when models are disabled. Every
// embed call fails, which the callers treat as "daemon unreachable" and
// degrade from.
type noneProvider struct{}

func (noneProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: embedding provider disabled", ErrUnavailable)
}

func (noneProvider) Dimension() int { return 0 }
func (noneProvider) Close() error   { return nil }

// allFinite reports whether every component of vec is a finite number.
func allFinite(vec []float32) bool {
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
