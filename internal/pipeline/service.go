// Package pipeline implements the shared-page deduplication service: it
// resolves incoming CDX records against the content-addressed page store,
// creates project associations, tracks per-record state in the registry,
// and dispatches scrape work for genuinely new pages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/extract"
	"github.com/hfujita/kasane/internal/storage"
)

// Record outcome statuses reported per item in a batch.
const (
	OutcomeCreated  = "created"  // new page, scrape dispatched
	OutcomeResolved = "resolved" // page already existed, no scrape
	OutcomeSkipped  = "skipped"  // registry entry done or held by another worker
	OutcomeRejected = "rejected" // malformed record, never retried
	OutcomeFailed   = "failed"   // storage failure after retries
)

// transientAttempts bounds the in-process retry of a storage hiccup before
// the record is handed to the registry's retry logic.
const transientAttempts = 3

// IndexNotifier receives page change notifications for the search index.
// Implementations must never block: indexing backpressure is absorbed by
// the reconcile sweep, not by ingestion.
type IndexNotifier interface {
	QueuePage(pageID int64)
	QueueRemoval(pageID int64)
}

// NoopNotifier discards notifications. Used when search sync is disabled;
// the reconcile sweep state still accumulates in the store.
type NoopNotifier struct{}

// QueuePage implements IndexNotifier.
func (NoopNotifier) QueuePage(int64) {}

// QueueRemoval implements IndexNotifier.
func (NoopNotifier) QueueRemoval(int64) {}

// Outcome reports how one CDX record fared.
type Outcome struct {
	URL           string
	RecordKey     string
	PageID        int64
	Status        string
	AlreadyLinked bool   // association existed before this run
	Reason        string // rejection or failure detail
}

// BatchResult aggregates per-record outcomes for one ingestion batch.
type BatchResult struct {
	Processed     int
	Created       int
	Resolved      int
	AlreadyLinked int
	Skipped       int
	Rejected      int
	Failed        int
	Outcomes      []Outcome
	Elapsed       time.Duration
}

// errSystemic marks a storage failure at the very front of record
// processing, before any claim is held. It aborts the remainder of the
// batch: if the ledger itself is unreachable, every record would fail.
var errSystemic = errors.New("systemic storage failure")

// Service orchestrates ingestion.
type Service struct {
	cfg        *config.Config
	store      *storage.Store
	dispatcher Dispatcher
	notifier   IndexNotifier
	cache      *keyCache
	limiter    *rate.Limiter
}

// New creates a deduplication service. A nil notifier disables index
// notifications.
func New(cfg *config.Config, store *storage.Store, dispatcher Dispatcher, notifier IndexNotifier) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	var limiter *rate.Limiter
	if cfg.Dispatch.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSecond), 1)
	}

	return &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		cache:      newKeyCache(cfg.CacheTTL, cfg.CacheSize),
		limiter:    limiter,
	}
}

// ProcessBatch ingests a batch of CDX records for a project. Records are
// fanned out to a bounded worker pool; each record's outcome is independent
// and reported individually. Only a systemic storage failure aborts the
// batch early; unclaimed records are simply left pending for a later run.
func (s *Service) ProcessBatch(ctx context.Context, projectID int64, records []cdx.Record) *BatchResult {
	start := time.Now()
	result := &BatchResult{Outcomes: make([]Outcome, len(records))}
	if len(records) == 0 {
		return result
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("Processing CDX batch", "project_id", projectID, "records", len(records))

	workers := s.cfg.Concurrency
	if workers > len(records) {
		workers = len(records)
	}

	type job struct {
		idx int
		rec cdx.Record
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range jobs {
				outcome, err := s.processRecord(batchCtx, projectID, j.rec)
				result.Outcomes[j.idx] = outcome
				if errors.Is(err, errSystemic) {
					slog.Error("Aborting batch on systemic failure", "worker_id", workerID, "url", j.rec.URL, "error", err)
					cancel()
					return
				}
			}
		}(w)
	}

feed:
	for i, rec := range records {
		select {
		case jobs <- job{idx: i, rec: rec}:
		case <-batchCtx.Done():
			// Unfed records stay untouched; their registry entries (if
			// any) remain pending for a later run.
			for k := i; k < len(records); k++ {
				if result.Outcomes[k].Status == "" {
					result.Outcomes[k] = Outcome{URL: records[k].URL, Status: OutcomeSkipped, Reason: "batch aborted"}
				}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for _, o := range result.Outcomes {
		result.Processed++
		switch o.Status {
		case OutcomeCreated:
			result.Created++
		case OutcomeResolved:
			result.Resolved++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeRejected:
			result.Rejected++
		case OutcomeFailed:
			result.Failed++
		}
		if o.AlreadyLinked {
			result.AlreadyLinked++
		}
	}
	result.Elapsed = time.Since(start)

	slog.Info("CDX batch done",
		"project_id", projectID,
		"created", result.Created,
		"resolved", result.Resolved,
		"skipped", result.Skipped,
		"rejected", result.Rejected,
		"failed", result.Failed,
		"elapsed", result.Elapsed)

	return result
}

// processRecord runs one record through the full pipeline. The returned
// error is non-nil only for systemic failures.
func (s *Service) processRecord(ctx context.Context, projectID int64, rec cdx.Record) (Outcome, error) {
	key, err := cdx.KeyForRecord(rec)
	if err != nil {
		slog.Warn("Rejected CDX record", "url", rec.URL, "timestamp", rec.Timestamp, "error", err)
		return Outcome{URL: rec.URL, Status: OutcomeRejected, Reason: err.Error()}, nil
	}
	recordKey := key.String()
	outcome := Outcome{URL: rec.URL, RecordKey: recordKey}

	if err := s.store.EnsureRegistryEntry(recordKey); err != nil {
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome, fmt.Errorf("%w: %v", errSystemic, err)
	}

	entry, err := s.store.ClaimRegistryEntry(recordKey, s.cfg.Lease)
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome, fmt.Errorf("%w: %v", errSystemic, err)
	}
	if entry == nil {
		resolved, reopened := s.unclaimedOutcome(projectID, recordKey, outcome)
		if !reopened {
			return resolved, nil
		}
		// The done entry was reopened because its page is gone; claim it
		// again and run the record through the full path.
		entry, err = s.store.ClaimRegistryEntry(recordKey, s.cfg.Lease)
		if err != nil {
			outcome.Status = OutcomeFailed
			outcome.Reason = err.Error()
			return outcome, fmt.Errorf("%w: %v", errSystemic, err)
		}
		if entry == nil {
			outcome.Status = OutcomeSkipped
			outcome.Reason = "claimed by another worker"
			return outcome, nil
		}
	}

	pageID, created, scrapeNeeded, err := s.claimedPage(key, rec)
	if err != nil {
		s.failRecord(recordKey, err)
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome, nil
	}
	outcome.PageID = pageID
	if created {
		outcome.Status = OutcomeCreated
	} else {
		outcome.Status = OutcomeResolved
	}

	if scrapeNeeded {
		if err := s.dispatchScrape(ctx, recordKey, pageID, key); err != nil {
			// The page row stays; the registry returns the record to
			// pending so dispatch is retried later.
			s.failRecord(recordKey, err)
			outcome.Status = OutcomeFailed
			outcome.Reason = err.Error()
			return outcome, nil
		}
	}

	s.ensureAssociation(projectID, pageID, &outcome)
	if outcome.Status == OutcomeFailed {
		return outcome, nil
	}

	// A page that needs no scrape completes immediately. Pages awaiting a
	// scrape complete via the worker callback.
	if !scrapeNeeded {
		if err := s.store.CompleteRegistryEntry(recordKey, pageID); err != nil {
			s.failRecord(recordKey, err)
			outcome.Status = OutcomeFailed
			outcome.Reason = err.Error()
		}
	}

	return outcome, nil
}

// claimedPage resolves the page for a claimed registry entry and decides
// whether a scrape must be dispatched. A pre-existing page without content
// under a fresh claim means an earlier dispatch failed, so it is scraped
// again rather than completed empty. A cached id pointing at a page that
// orphan cleanup deleted is dropped and the page recreated.
func (s *Service) claimedPage(key cdx.Key, rec cdx.Record) (pageID int64, created, scrapeNeeded bool, err error) {
	recordKey := key.String()
	for attempt := 0; attempt < 2; attempt++ {
		pageID, created, err = s.resolvePage(key, rec)
		if err != nil {
			return 0, false, false, err
		}
		if created {
			return pageID, true, true, nil
		}

		page, perr := s.store.GetPageByID(pageID)
		if perr == nil {
			return pageID, false, page.ContentUpdatedAt == nil, nil
		}
		if !errors.Is(perr, storage.ErrNotFound) {
			return 0, false, false, perr
		}
		s.cache.Remove(recordKey)
	}
	return 0, false, false, fmt.Errorf("page %d deleted during resolve", pageID)
}

// resolvePage resolves a dedup key to a page id, consulting the cache
// before the store, with bounded retries for transient storage errors.
func (s *Service) resolvePage(key cdx.Key, rec cdx.Record) (int64, bool, error) {
	recordKey := key.String()
	if pageID, ok := s.cache.Get(recordKey); ok {
		return pageID, false, nil
	}

	hints := storage.PageHints{
		Digest:     rec.Digest,
		Mimetype:   rec.Mimetype,
		StatusCode: rec.StatusCode,
		Length:     rec.Length,
	}

	var lastErr error
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		pageID, created, err := s.store.ResolveOrCreatePage(key, hints)
		if err == nil {
			s.cache.Put(recordKey, pageID)
			return pageID, created, nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return 0, false, fmt.Errorf("resolve page: %w", lastErr)
}

// ensureAssociation creates the project link, treating an existing link as
// success. Sets AlreadyLinked only when the link genuinely existed; an
// exhausted retry marks the outcome failed instead.
func (s *Service) ensureAssociation(projectID, pageID int64, outcome *Outcome) {
	var lastErr error
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		_, err := s.store.CreateAssociation(projectID, pageID, storage.AssociationDefaults{})
		if err == nil {
			return
		}
		if errors.Is(err, storage.ErrAlreadyAssociated) {
			outcome.AlreadyLinked = true
			return
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}

	slog.Error("Failed to create association", "project_id", projectID, "page_id", pageID, "error", lastErr)
	outcome.Status = OutcomeFailed
	outcome.Reason = fmt.Sprintf("create association: %v", lastErr)
	if outcome.RecordKey != "" {
		s.failRecord(outcome.RecordKey, lastErr)
	}
}

// dispatchScrape enqueues a scrape task for a newly created page and records
// the handle on the registry entry. Throttled so a large batch of new pages
// cannot flood the worker.
func (s *Service) dispatchScrape(ctx context.Context, recordKey string, pageID int64, key cdx.Key) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch throttle: %w", err)
		}
	}

	task := Task{
		TaskID:    uuid.NewString(),
		PageID:    pageID,
		URL:       key.URL,
		Timestamp: key.CaptureTS,
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		return fmt.Errorf("dispatch scrape: %w", err)
	}
	if err := s.store.SetRegistryTask(recordKey, pageID, task.TaskID); err != nil {
		return fmt.Errorf("record task handle: %w", err)
	}

	slog.Debug("Dispatched scrape task", "task_id", task.TaskID, "page_id", pageID, "url", key.URL)
	return nil
}

// HandleScrapeResult applies a scrape worker's completion callback. A
// second callback for an already-done entry is a no-op; failures go through
// the registry's retry logic.
func (s *Service) HandleScrapeResult(ctx context.Context, res ScrapeResult) error {
	entry, err := s.store.FindRegistryEntryByTask(res.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("unknown scrape task %q: %w", res.TaskID, err)
		}
		return err
	}

	if entry.Status == storage.StatusDone {
		slog.Debug("Ignoring duplicate scrape callback", "task_id", res.TaskID, "record_key", entry.RecordKey)
		return nil
	}

	if !res.Success {
		slog.Warn("Scrape failed", "task_id", res.TaskID, "page_id", res.PageID, "reason", res.ErrorReason)
		return s.store.FailRegistryEntry(entry.RecordKey, res.ErrorReason, s.cfg.MaxRetries)
	}

	fields := s.contentFields(res)
	if err := s.store.SavePageContent(res.PageID, fields); err != nil {
		return fmt.Errorf("save page content: %w", err)
	}
	if err := s.store.CompleteRegistryEntry(entry.RecordKey, res.PageID); err != nil {
		return fmt.Errorf("complete registry entry: %w", err)
	}

	s.notifier.QueuePage(res.PageID)
	slog.Info("Scrape completed", "task_id", res.TaskID, "page_id", res.PageID, "words", fields.WordCount)
	return nil
}

// contentFields uses the worker's pre-extracted fields when present, or
// extracts them locally from the raw body.
func (s *Service) contentFields(res ScrapeResult) storage.ContentFields {
	if res.Content != nil {
		fields := *res.Content
		if fields.QualityScore == 0 {
			fields.QualityScore = extract.QualityScore(fields.Title, fields.WordCount)
		}
		return fields
	}

	extracted := extract.FromHTML(res.RawBody)
	return storage.ContentFields{
		Title:        extracted.Title,
		TextContent:  extracted.Text,
		WordCount:    extracted.WordCount,
		QualityScore: extract.QualityScore(extracted.Title, extracted.WordCount),
		ContentType:  res.ContentType,
		Language:     extracted.Language,
	}
}

// ReleaseStalled returns expired registry claims to pending. Run
// periodically so a crashed worker's claims become retryable.
func (s *Service) ReleaseStalled() (int64, error) {
	released, err := s.store.ReleaseExpiredClaims(s.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		slog.Info("Released stalled registry claims", "count", released)
	}
	return released, nil
}

// CleanupOrphans deletes pages orphaned longer than the configured grace
// period and drops them from the search index.
func (s *Service) CleanupOrphans() (int64, error) {
	deleted, err := s.store.DeleteOrphanPages(s.cfg.OrphanGrace)
	if err != nil {
		return 0, err
	}
	for _, pageID := range deleted {
		s.notifier.QueueRemoval(pageID)
	}
	if len(deleted) > 0 {
		slog.Info("Deleted orphan pages", "count", len(deleted))
	}
	return int64(len(deleted)), nil
}

// failRecord routes a per-record failure into the registry's retry logic.
func (s *Service) failRecord(recordKey string, cause error) {
	if err := s.store.FailRegistryEntry(recordKey, cause.Error(), s.cfg.MaxRetries); err != nil {
		slog.Error("Failed to record registry failure", "record_key", recordKey, "error", err)
	}
}

// unclaimedOutcome classifies a record whose registry entry could not be
// claimed. A done entry still gets its association ensured: the page may be
// new to this project even though the record was processed before. When a
// done entry's page was deleted by orphan cleanup, the entry is reopened
// and the second return value tells the caller to reprocess the record.
func (s *Service) unclaimedOutcome(projectID int64, recordKey string, outcome Outcome) (Outcome, bool) {
	current, err := s.store.GetRegistryEntry(recordKey)
	if err != nil {
		outcome.Status = OutcomeSkipped
		outcome.Reason = "registry entry unavailable"
		return outcome, false
	}

	switch {
	case current.Status == storage.StatusDone && current.PageID != nil:
		if _, perr := s.store.GetPageByID(*current.PageID); errors.Is(perr, storage.ErrNotFound) {
			reopened, rerr := s.store.ReopenRegistryEntry(recordKey)
			if rerr != nil {
				outcome.Status = OutcomeFailed
				outcome.Reason = rerr.Error()
				return outcome, false
			}
			s.cache.Remove(recordKey)
			if reopened {
				slog.Info("Reopened registry entry for deleted page", "record_key", recordKey, "page_id", *current.PageID)
				return outcome, true
			}
			outcome.Status = OutcomeSkipped
			outcome.Reason = "claimed by another worker"
			return outcome, false
		}
		outcome.PageID = *current.PageID
		s.ensureAssociation(projectID, *current.PageID, &outcome)
		if outcome.Status == "" {
			outcome.Status = OutcomeResolved
		}
	case current.Status == storage.StatusFailed:
		outcome.Status = OutcomeFailed
		outcome.Reason = current.LastError
	default:
		outcome.Status = OutcomeSkipped
		outcome.Reason = "claimed by another worker"
	}
	return outcome, false
}
