package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hfujita/kasane/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy per-project pages into the shared store",
	Long: `Migrate walks the legacy page table in batches, collapsing duplicate
captures into shared pages with one association per project. Each batch
commits in its own transaction, so an interrupted run resumes safely.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("force", false, "Run even if a previous migration completed")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, done, err := loadConfig(cmd)
	if err != nil || done {
		return err
	}

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	engine := migrate.NewEngine(store, cfg.BatchSize)

	if force, _ := cmd.Flags().GetBool("force"); !force {
		migrated, err := engine.AlreadyMigrated()
		if err != nil {
			return err
		}
		if migrated {
			fmt.Println("Migration already completed. Use --force to run again.")
			return nil
		}
	}

	report, err := engine.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Migration report:\n")
	fmt.Printf("  Legacy records:        %d\n", report.LegacyCount)
	fmt.Printf("  Migrated:              %d\n", report.Migrated)
	fmt.Printf("  Pages created:         %d\n", report.PagesCreated)
	fmt.Printf("  Associations created:  %d\n", report.AssociationsCreated)
	fmt.Printf("  Duplicates collapsed:  %d\n", report.DuplicatesCollapsed)
	fmt.Printf("  Skipped invalid:       %d\n", report.SkippedInvalid)
	fmt.Printf("  Batches:               %d\n", report.Batches)
	fmt.Printf("  Elapsed:               %v\n", report.Elapsed.Round(time.Millisecond))
	fmt.Printf("  Integrity:             %s\n", integrityLabel(report.IntegrityOK))

	if !report.IntegrityOK {
		return fmt.Errorf("migration finished with integrity check failures")
	}
	return nil
}

func integrityLabel(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}
