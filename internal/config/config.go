// Package config provides configuration loading for recalld.
//
// Configuration precedence (highest to lowest):
//  1. RECALLD_* environment variables
//  2. YAML config file (~/.config/recalld/config.yaml)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

// Config holds the complete recalld configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Matcher   MatcherConfig   `koanf:"matcher"`
	Analysis  AnalysisConfig  `koanf:"analysis"`
	Skills    SkillsConfig    `koanf:"skills"`
	Logging   logging.Config  `koanf:"logging"`
}

// StorageConfig holds the SQLite store configuration.
type StorageConfig struct {
	// Path is the database file location.
	Path string `koanf:"path"`

	// BusyTimeout bounds the wait on a locked database. Many short-lived
	// writer processes share the file, so writes block-and-retry up to
	// this long instead of failing immediately.
	BusyTimeout time.Duration `koanf:"busy_timeout"`

	// RetentionDays is the event retention horizon for pruning.
	RetentionDays int `koanf:"retention_days"`
}

// EmbeddingConfig holds embedding daemon and client configuration.
type EmbeddingConfig struct {
	// Provider selects the model backend: "fastembed" or "none".
	Provider string `koanf:"provider"`

	// SocketPath is the unix socket the daemon binds.
	SocketPath string `koanf:"socket_path"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// CacheDir is where model files are cached.
	CacheDir string `koanf:"cache_dir"`

	// Dimension is the embedding vector length.
	Dimension int `koanf:"dimension"`

	// ClientTimeout bounds one embed round-trip.
	ClientTimeout time.Duration `koanf:"client_timeout"`

	// HealthTimeout bounds the fast liveness probe.
	HealthTimeout time.Duration `koanf:"health_timeout"`

	// StartupSettle is how long the client waits after spawning the
	// daemon before its single retry.
	StartupSettle time.Duration `koanf:"startup_settle"`

	// IdleTimeout is how long the daemon stays resident with no
	// connections before shutting down.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// MatcherConfig holds knowledge matcher thresholds.
type MatcherConfig struct {
	// PrefixLength is the shared-prefix length for the prefix stage.
	PrefixLength int `koanf:"prefix_length"`

	// LengthRatio is the lower bound of the candidate/query length band
	// for the prefix stage; the upper bound is its reciprocal.
	LengthRatio float64 `koanf:"length_ratio"`

	// AcceptDistance is the vector-stage rejection threshold: candidates
	// at or beyond this distance are too dissimilar.
	AcceptDistance float64 `koanf:"accept_distance"`

	// HighConfidenceDistance splits accepted vector matches into high
	// (below) and medium (at or above) confidence tiers.
	HighConfidenceDistance float64 `koanf:"high_confidence_distance"`
}

// AnalysisConfig holds analysis job configuration.
type AnalysisConfig struct {
	// WindowDays is the default event window for analysis.
	WindowDays int `koanf:"window_days"`

	// MinPrompts is the minimum prompt events required before the
	// analysis function is worth invoking.
	MinPrompts int `koanf:"min_prompts"`

	// CacheMaxAge bounds how old a cached result may be when read back
	// without recomputation.
	CacheMaxAge time.Duration `koanf:"cache_max_age"`
}

// SkillsConfig holds skill matching configuration.
type SkillsConfig struct {
	// GlobalDir holds globally available skill definitions.
	GlobalDir string `koanf:"global_dir"`

	// MatchDistance is the vector acceptance threshold for skill matches.
	MatchDistance float64 `koanf:"match_distance"`

	// KeywordOverlap is the fraction of a trigger phrase's words that
	// must appear in the query for the keyword fallback to match.
	KeywordOverlap float64 `koanf:"keyword_overlap"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			Path:          filepath.Join(home, ".local", "share", "recalld", "recalld.db"),
			BusyTimeout:   5 * time.Second,
			RetentionDays: 90,
		},
		Embedding: EmbeddingConfig{
			Provider:      "fastembed",
			SocketPath:    filepath.Join(os.TempDir(), "recalld-embed.sock"),
			Model:         "BAAI/bge-small-en-v1.5",
			CacheDir:      filepath.Join(home, ".cache", "recalld", "models"),
			Dimension:     384,
			ClientTimeout: 10 * time.Second,
			HealthTimeout: 500 * time.Millisecond,
			StartupSettle: 5 * time.Second,
			IdleTimeout:   30 * time.Minute,
		},
		Matcher: MatcherConfig{
			PrefixLength:           30,
			LengthRatio:            0.7,
			AcceptDistance:         0.85,
			HighConfidenceDistance: 0.76,
		},
		Analysis: AnalysisConfig{
			WindowDays:  7,
			MinPrompts:  5,
			CacheMaxAge: 24 * time.Hour,
		},
		Skills: SkillsConfig{
			GlobalDir:      filepath.Join(home, ".config", "recalld", "skills"),
			MatchDistance:  0.76,
			KeywordOverlap: 0.5,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.BusyTimeout <= 0 {
		return fmt.Errorf("storage.busy_timeout must be > 0")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be > 0")
	}
	if c.Embedding.SocketPath == "" {
		return fmt.Errorf("embedding.socket_path is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0")
	}
	if c.Matcher.LengthRatio <= 0 || c.Matcher.LengthRatio > 1 {
		return fmt.Errorf("matcher.length_ratio must be in (0, 1], got %v", c.Matcher.LengthRatio)
	}
	if c.Matcher.HighConfidenceDistance > c.Matcher.AcceptDistance {
		return fmt.Errorf("matcher.high_confidence_distance must not exceed matcher.accept_distance")
	}
	if c.Analysis.WindowDays <= 0 {
		return fmt.Errorf("analysis.window_days must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
