package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/embedding"
	"github.com/fyrsmithlabs/recalld/internal/reconcile"
	"github.com/fyrsmithlabs/recalld/internal/skills"
)

var reconcileProjectDir string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Embed pending rows and refresh skill records, then exit",
	Long: `Run one vector reconciliation pass.

Knowledge entries and skill rows written while the embedding daemon was
down are missing their vectors; this job computes them. It also refreshes
skill records from their definition files. Re-running is always safe.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileProjectDir, "project-skills", "", "per-project skill definition directory")
}

func runReconcile(cmd *cobra.Command, args []string) error {
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

	client := embedding.NewClient(cfg.Embedding, logger)
	loader := skills.NewDirLoader(cfg.Skills.GlobalDir, reconcileProjectDir, logger)

	r := reconcile.New(reconcile.Config{StartupDelay: 0}, s, client, loader, logger)
	stats, err := r.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("skills refreshed: %d\nknowledge embedded: %d\nskills embedded: %d\nskipped: %d\n",
		stats.SkillsRefreshed, stats.KnowledgeEmbedded, stats.SkillsEmbedded, stats.Skipped)
	return nil
}
