// Package migrate moves legacy per-project page records into the shared
// page store. Legacy records that point at the same capture collapse into
// one page with one association per project.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/extract"
	"github.com/hfujita/kasane/internal/storage"
)

// metaKeyDone marks a completed migration in the store's metadata table so
// a rerun is refused unless forced.
const metaKeyDone = "migration_completed_at"

// Report summarizes one migration run.
type Report struct {
	LegacyCount         int64
	Migrated            int64
	PagesCreated        int64
	AssociationsCreated int64
	DuplicatesCollapsed int64
	SkippedInvalid      int64
	Batches             int
	Elapsed             time.Duration
	IntegrityOK         bool
}

// Engine walks the legacy table in batches, each batch in its own
// transaction. A failed batch rolls back alone; completed batches stay
// committed, and the run can resume because every step is idempotent.
type Engine struct {
	store     *storage.Store
	batchSize int
}

// NewEngine creates a migration engine.
func NewEngine(store *storage.Store, batchSize int) *Engine {
	if batchSize < 1 {
		batchSize = 250
	}
	return &Engine{store: store, batchSize: batchSize}
}

// AlreadyMigrated reports whether a previous run completed.
func (e *Engine) AlreadyMigrated() (bool, error) {
	v, err := e.store.GetMeta(metaKeyDone)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// Run migrates all legacy records. Cancellation is honored between
// batches, never inside one.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	total, err := e.store.CountLegacyPages()
	if err != nil {
		return nil, err
	}
	report.LegacyCount = total

	slog.Info("Starting legacy migration", "legacy_records", total, "batch_size", e.batchSize)

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("migration interrupted: %w", err)
		}

		batch, err := e.store.ListLegacyPages(cursor, e.batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		err = e.store.MigrateLegacyBatch(func(tx *sql.Tx) error {
			for _, lp := range batch {
				e.migrateRecord(tx, lp, report)
			}
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("batch after id %d: %w", cursor, err)
		}

		cursor = batch[len(batch)-1].ID
		report.Batches++
		slog.Debug("Migrated batch", "batch", report.Batches, "cursor", cursor)
	}

	report.DuplicatesCollapsed = report.Migrated - report.PagesCreated
	report.Elapsed = time.Since(start)
	report.IntegrityOK = e.validate(report)

	if report.IntegrityOK {
		if err := e.store.SetMeta(metaKeyDone, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return report, err
		}
	}

	slog.Info("Legacy migration done",
		"migrated", report.Migrated,
		"pages_created", report.PagesCreated,
		"duplicates_collapsed", report.DuplicatesCollapsed,
		"skipped_invalid", report.SkippedInvalid,
		"batches", report.Batches,
		"integrity_ok", report.IntegrityOK,
		"elapsed", report.Elapsed)

	return report, nil
}

// migrateRecord applies one legacy record inside the batch transaction.
// Invalid records are counted and skipped; they never fail the batch.
func (e *Engine) migrateRecord(tx *sql.Tx, lp storage.LegacyPage, report *Report) {
	key, err := e.recordKey(lp)
	if err != nil {
		slog.Warn("Skipping invalid legacy record", "legacy_id", lp.ID, "capture_url", lp.CaptureURL, "error", err)
		report.SkippedInvalid++
		return
	}

	hints := storage.PageHints{Mimetype: lp.Mimetype}
	pageID, created, err := storage.ResolveOrCreatePageTx(tx, key.String(), key.URL, key.CaptureTS, hints)
	if err != nil {
		slog.Warn("Skipping legacy record on storage error", "legacy_id", lp.ID, "error", err)
		report.SkippedInvalid++
		return
	}
	if created {
		report.PagesCreated++
		if lp.Title != "" || lp.Text != "" {
			fields := storage.ContentFields{
				Title:        lp.Title,
				TextContent:  lp.Text,
				WordCount:    len(strings.Fields(lp.Text)),
				ContentType:  lp.Mimetype,
				QualityScore: extract.QualityScore(lp.Title, len(strings.Fields(lp.Text))),
			}
			if err := storage.SavePageContentTx(tx, pageID, fields); err != nil {
				slog.Warn("Failed to carry legacy content", "legacy_id", lp.ID, "page_id", pageID, "error", err)
			}
		}
	}

	switch err := storage.CreateAssociationTx(tx, lp.ProjectID, pageID); {
	case err == nil:
		report.AssociationsCreated++
	case errors.Is(err, storage.ErrAlreadyAssociated):
		// Same project imported the same capture twice; one association
		// is the correct end state.
	default:
		slog.Warn("Skipping legacy record on association error", "legacy_id", lp.ID, "error", err)
		report.SkippedInvalid++
		return
	}

	report.Migrated++
}

// recordKey derives the dedup key for a legacy record. The stored url and
// timestamp columns are preferred; when either is missing or unparsable
// the key is re-derived from the wayback capture URL.
func (e *Engine) recordKey(lp storage.LegacyPage) (cdx.Key, error) {
	if lp.URL != "" && lp.Timestamp != "" {
		key, err := cdx.KeyForRecord(cdx.Record{URL: lp.URL, Timestamp: lp.Timestamp})
		if err == nil {
			return key, nil
		}
	}

	ts, ok := cdx.TimestampFromCaptureURL(lp.CaptureURL)
	if !ok {
		return cdx.Key{}, fmt.Errorf("no capture timestamp in %q", lp.CaptureURL)
	}
	target := cdx.TargetFromCaptureURL(lp.CaptureURL)
	return cdx.KeyForRecord(cdx.Record{
		URL:       target,
		Timestamp: ts.Format(cdx.CompactTimeLayout),
	})
}

// validate cross-checks the report against the migrated tables.
func (e *Engine) validate(report *Report) bool {
	if report.Migrated+report.SkippedInvalid != report.LegacyCount {
		return false
	}
	if report.DuplicatesCollapsed < 0 {
		return false
	}
	pages, err := e.store.CountPages()
	if err != nil {
		return false
	}
	// Other ingestion paths may have created pages too, so the migrated
	// page count is a floor, not an exact match.
	return pages >= report.PagesCreated
}
