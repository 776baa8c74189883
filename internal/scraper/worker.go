package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/pipeline"
)

// defaultArchiveBase is the replay endpoint captures are fetched from. The
// id_ flag requests the original body without replay chrome injected.
const defaultArchiveBase = "https://web.archive.org/web"

// ResultHandler receives completed scrape results. *pipeline.Service
// satisfies it.
type ResultHandler interface {
	HandleScrapeResult(ctx context.Context, res pipeline.ScrapeResult) error
}

// Worker drains dispatched scrape tasks with a fixed goroutine pool,
// throttling fetches so the archive host is not hammered.
type Worker struct {
	fetcher     *Fetcher
	handler     ResultHandler
	tasks       <-chan pipeline.Task
	concurrency int
	limiter     *rate.Limiter
	archiveBase string
}

// NewWorker creates a scrape worker over a task channel. ratePerSecond
// zero or negative disables throttling.
func NewWorker(fetcher *Fetcher, handler ResultHandler, tasks <-chan pipeline.Task, concurrency int, ratePerSecond float64) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Worker{
		fetcher:     fetcher,
		handler:     handler,
		tasks:       tasks,
		concurrency: concurrency,
		limiter:     limiter,
		archiveBase: defaultArchiveBase,
	}
}

// SetArchiveBase overrides the replay endpoint. Tests point it at a local
// server.
func (w *Worker) SetArchiveBase(base string) {
	w.archiveBase = base
}

// Run processes tasks until the channel closes or the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case task, open := <-w.tasks:
					if !open {
						return
					}
					w.process(ctx, workerID, task)
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func (w *Worker) process(ctx context.Context, workerID int, task pipeline.Task) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}

	result := w.scrape(ctx, task)
	if err := w.handler.HandleScrapeResult(ctx, result); err != nil {
		slog.Error("Failed to apply scrape result", "worker_id", workerID, "task_id", task.TaskID, "error", err)
	}
}

// scrape fetches the archived capture for a task. Fetch errors and non-2xx
// replies become failed results so the registry's retry logic takes over.
func (w *Worker) scrape(ctx context.Context, task pipeline.Task) pipeline.ScrapeResult {
	captureURL := fmt.Sprintf("%s/%sid_/%s",
		w.archiveBase, task.Timestamp.UTC().Format(cdx.CompactTimeLayout), task.URL)

	start := time.Now()
	fetched, err := w.fetcher.Fetch(ctx, captureURL)
	if err != nil {
		return pipeline.ScrapeResult{
			TaskID:      task.TaskID,
			PageID:      task.PageID,
			ErrorReason: err.Error(),
		}
	}
	if fetched.StatusCode < 200 || fetched.StatusCode >= 300 {
		return pipeline.ScrapeResult{
			TaskID:      task.TaskID,
			PageID:      task.PageID,
			ErrorReason: fmt.Sprintf("archive returned status %d", fetched.StatusCode),
		}
	}

	slog.Debug("Fetched capture", "task_id", task.TaskID, "url", task.URL,
		"bytes", len(fetched.Body), "elapsed", time.Since(start))

	return pipeline.ScrapeResult{
		TaskID:      task.TaskID,
		PageID:      task.PageID,
		Success:     true,
		RawBody:     fetched.Body,
		ContentType: fetched.ContentType,
	}
}
