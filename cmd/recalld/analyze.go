package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/analysis"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

var (
	analyzeScope  string
	analyzeExec   string
	analyzeLatest bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the windowed pattern analysis through the cache",
	Long: `Run pattern analysis over the recent event window.

The window is hashed and looked up in the analysis cache first; the
external analyzer runs only on a miss. The analyzer is an external
command that receives the rendered analysis prompt on stdin and writes
the result document to stdout.

With --latest, print the newest cached result for the scope instead of
running anything.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeScope, "scope", "", "project scope to analyze (required)")
	analyzeCmd.Flags().StringVar(&analyzeExec, "exec", "", "analyzer command (required unless --latest)")
	analyzeCmd.Flags().BoolVar(&analyzeLatest, "latest", false, "print the newest cached result and exit")
	analyzeCmd.MarkFlagRequired("scope")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if analyzeLatest {
		entry, err := s.LatestAnalysis(cmd.Context(), analyzeScope, cfg.Analysis.CacheMaxAge)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no cached analysis for scope %q within %s", analyzeScope, cfg.Analysis.CacheMaxAge)
		}
		if err != nil {
			return err
		}
		fmt.Println(entry.Result)
		return nil
	}

	if analyzeExec == "" {
		return errors.New("--exec is required unless --latest is set")
	}

	runner, err := analysis.NewRunner(cfg.Analysis, s, execAnalyzer(analyzeExec), logger)
	if err != nil {
		return err
	}
	result, err := runner.Run(cmd.Context(), analyzeScope)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case analysis.OutcomeInsufficient:
		fmt.Printf("insufficient data: %d events in window\n", result.Events)
	default:
		fmt.Println(result.Document)
	}
	return nil
}

// execAnalyzer adapts a shell command into an analysis.Analyzer: the
// rendered prompt goes to stdin, the result document comes back on
// stdout.
func execAnalyzer(command string) analysis.Analyzer {
	return func(ctx context.Context, prompt string) (string, error) {
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Stdin = strings.NewReader(prompt)
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr
		if err := c.Run(); err != nil {
			return "", fmt.Errorf("analyzer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
