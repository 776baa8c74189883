package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/pipeline"
	"github.com/hfujita/kasane/internal/scraper"
	"github.com/hfujita/kasane/internal/search"
	"github.com/hfujita/kasane/internal/storage"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest CDX record files into a project",
	Long: `Ingest reads CDX records (JSON array or newline-delimited JSON) from
the given files, or stdin when none are given, and processes them for the
target project. Records resolving to pages already in the store reuse
those pages; new pages get a scrape task dispatched.`,
	Args: cobra.ArbitraryArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().Int64P("project", "p", 0, "Target project id (required)")
	_ = ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, done, err := loadConfig(cmd)
	if err != nil || done {
		return err
	}
	projectID, _ := cmd.Flags().GetInt64("project")

	records, err := readRecordFiles(args)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No CDX records to ingest.")
		return nil
	}

	store, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, syncer, queue, err := buildPipeline(cmd.Context(), cfg, store)
	if err != nil {
		return err
	}
	if syncer != nil {
		defer syncer.Stop()
	}

	// Stalled claims from a crashed run become retryable before this one.
	if _, err := svc.ReleaseStalled(); err != nil {
		return err
	}

	for start := 0; start < len(records); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		result := svc.ProcessBatch(cmd.Context(), projectID, records[start:end])
		printBatchResult(result)
		if err := cmd.Context().Err(); err != nil {
			return err
		}
	}

	// Without an external worker fleet the dispatched tasks are drained
	// in-process before the command exits.
	if queue != nil {
		fetcher := scraper.NewFetcher(userAgent(), cfg.Dispatch.RequestTimeout)
		defer fetcher.Close()
		worker := scraper.NewWorker(fetcher, svc, queue.Tasks(), cfg.Concurrency, cfg.Dispatch.RatePerSecond)
		queue.Close()
		worker.Run(cmd.Context())
	}
	return nil
}

func readRecordFiles(paths []string) ([]cdx.Record, error) {
	if len(paths) == 0 {
		return cdx.ReadRecords(os.Stdin)
	}

	var all []cdx.Record
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		records, err := cdx.ReadRecords(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, records...)
	}
	return all, nil
}

// buildPipeline wires the dedup service with its dispatcher and, when
// enabled, the search synchronizer. The returned queue is non-nil when no
// worker endpoint is configured; the caller drains it with a local worker.
func buildPipeline(ctx context.Context, cfg *config.Config, store *storage.Store) (*pipeline.Service, *search.Synchronizer, *pipeline.QueueDispatcher, error) {
	var (
		dispatcher pipeline.Dispatcher
		queue      *pipeline.QueueDispatcher
	)
	if cfg.Dispatch.WorkerEndpoint != "" {
		dispatcher = pipeline.NewHTTPDispatcher(cfg.Dispatch.WorkerEndpoint, cfg.Dispatch.AuthToken, cfg.Dispatch.RequestTimeout)
	} else {
		queue = pipeline.NewQueueDispatcher(cfg.BatchSize * 2)
		dispatcher = queue
	}

	var (
		notifier pipeline.IndexNotifier
		syncer   *search.Synchronizer
	)
	if cfg.Search.Enabled {
		client, err := search.NewClient(cfg.Search)
		if err != nil {
			return nil, nil, nil, err
		}
		syncer = search.NewSynchronizer(client, store, cfg.Search)
		if err := syncer.Start(ctx); err != nil {
			return nil, nil, nil, err
		}
		notifier = syncer
	}

	return pipeline.New(cfg, store, dispatcher, notifier), syncer, queue, nil
}

func printBatchResult(r *pipeline.BatchResult) {
	fmt.Printf("Batch: %d records in %v\n", r.Processed, r.Elapsed.Round(time.Millisecond))
	fmt.Printf("  Created:   %d\n", r.Created)
	fmt.Printf("  Resolved:  %d (already linked: %d)\n", r.Resolved, r.AlreadyLinked)
	fmt.Printf("  Skipped:   %d\n", r.Skipped)
	fmt.Printf("  Rejected:  %d\n", r.Rejected)
	fmt.Printf("  Failed:    %d\n", r.Failed)
}
