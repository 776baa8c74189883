package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired orphan pages and release stalled claims",
	Long: `Cleanup deletes pages that have had no project association for longer
than the configured grace period, removes them from the search index, and
returns expired registry claims to the pending state.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, done, err := loadConfig(cmd)
	if err != nil || done {
		return err
	}

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, syncer, _, err := buildPipeline(cmd.Context(), cfg, store)
	if err != nil {
		return err
	}
	if syncer != nil {
		defer syncer.Stop()
	}

	released, err := svc.ReleaseStalled()
	if err != nil {
		return err
	}
	deleted, err := svc.CleanupOrphans()
	if err != nil {
		return err
	}

	fmt.Printf("Released stalled claims: %d\n", released)
	fmt.Printf("Deleted orphan pages:    %d\n", deleted)
	return nil
}
