package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneRetentionDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events and unused knowledge past the retention horizon",
	Long: `Apply the retention sweep.

Events older than the retention horizon are deleted. Knowledge entries
past the horizon are deleted only if they have never been used in a
match; entries with any use count are kept regardless of age.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().IntVar(&pruneRetentionDays, "retention-days", 0, "override configured retention horizon")
}

func runPrune(cmd *cobra.Command, args []string) error {
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

	days := cfg.Storage.RetentionDays
	if pruneRetentionDays > 0 {
		days = pruneRetentionDays
	}

	events, entries, err := s.Prune(cmd.Context(), days)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d events and %d unused knowledge entries (retention %d days)\n", events, entries, days)
	return nil
}
