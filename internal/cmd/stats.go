package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cross-project sharing statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, done, err := loadConfig(cmd)
	if err != nil || done {
		return err
	}

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := store.GetSharingStatistics()
	if err != nil {
		return err
	}

	fmt.Printf("Pages:                 %d\n", stats.TotalPages)
	fmt.Printf("Associations:          %d\n", stats.TotalAssociations)
	fmt.Printf("Shared pages:          %d\n", stats.SharedPages)
	fmt.Printf("Duplicates collapsed:  %d\n", stats.DuplicatesCollapsed)
	fmt.Printf("Orphan candidates:     %d\n", stats.OrphanCandidates)

	if len(stats.RegistryByStatus) > 0 {
		fmt.Printf("Registry:\n")
		statuses := make([]string, 0, len(stats.RegistryByStatus))
		for s := range stats.RegistryByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-12s %d\n", s, stats.RegistryByStatus[s])
		}
	}
	return nil
}
