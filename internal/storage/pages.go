package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hfujita/kasane/internal/cdx"
)

// ResolveOrCreatePage returns the page id for a dedup key, creating the row
// when it does not exist. Safe under concurrent calls with the same key:
// INSERT OR IGNORE lets the UNIQUE(dedup_key) constraint decide the race,
// losers re-read the winning row. Exactly one row is ever created per key.
func (s *Store) ResolveOrCreatePage(key cdx.Key, hints PageHints) (pageID int64, created bool, err error) {
	dedupKey := key.String()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO pages (dedup_key, url, capture_ts, digest, mimetype, status_code, length)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, dedupKey, key.URL, key.CaptureTS.UTC(), hints.Digest, hints.Mimetype, hints.StatusCode, hints.Length)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert page: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	if affected > 0 {
		id, err := result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to get inserted page id: %w", err)
		}
		// A re-claimed key un-orphans the row if a prior sweep never ran;
		// new inserts have orphaned_at NULL already.
		return id, true, nil
	}

	// Another caller won the insert; read the surviving row.
	var id int64
	err = s.db.QueryRow("SELECT id FROM pages WHERE dedup_key = ?", dedupKey).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get existing page id after race: %w", err)
	}

	// Resolving an orphan candidate revives it.
	if _, err := s.db.Exec("UPDATE pages SET orphaned_at = NULL WHERE id = ? AND orphaned_at IS NOT NULL", id); err != nil {
		return 0, false, fmt.Errorf("failed to revive orphan candidate: %w", err)
	}

	return id, false, nil
}

// GetPageByID fetches a single page. Returns ErrNotFound when absent.
func (s *Store) GetPageByID(id int64) (*Page, error) {
	return s.scanPage(s.db.QueryRow(pageSelect+" WHERE id = ?", id))
}

// GetPageByKey fetches a page by its dedup key. Returns ErrNotFound when absent.
func (s *Store) GetPageByKey(key cdx.Key) (*Page, error) {
	return s.scanPage(s.db.QueryRow(pageSelect+" WHERE dedup_key = ?", key.String()))
}

// SavePageContent applies the scrape worker's extracted content fields.
// Only the scrape-completion path mutates these columns.
func (s *Store) SavePageContent(pageID int64, c ContentFields) error {
	res, err := s.db.Exec(`
		UPDATE pages SET
			title = ?,
			text_content = ?,
			word_count = ?,
			quality_score = ?,
			content_type = ?,
			language = ?,
			content_updated_at = ?
		WHERE id = ?
	`, c.Title, c.TextContent, c.WordCount, c.QualityScore, c.ContentType, c.Language, time.Now().UTC(), pageID)
	if err != nil {
		return fmt.Errorf("failed to save page content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPageIndexed stamps the search-index bookkeeping column.
func (s *Store) MarkPageIndexed(pageID int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE pages SET indexed_at = ? WHERE id = ?", at.UTC(), pageID)
	if err != nil {
		return fmt.Errorf("failed to mark page indexed: %w", err)
	}
	return nil
}

// PagesNeedingIndex returns ids of pages whose content changed after their
// last indexing. The search synchronizer's reconcile sweep consumes this.
func (s *Store) PagesNeedingIndex(limit int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT id FROM pages
		WHERE content_updated_at IS NOT NULL
		  AND (indexed_at IS NULL OR content_updated_at > indexed_at)
		  AND orphaned_at IS NULL
		ORDER BY content_updated_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages needing index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan page id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProjectIDsForPage returns the ids of all projects holding an association
// to the page, the visibility facet pushed into the search index.
func (s *Store) ProjectIDsForPage(pageID int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT project_id FROM project_pages WHERE page_id = ? ORDER BY project_id", pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query project ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOrphanPages deletes pages that were orphaned before the grace cutoff
// and still have zero associations. Pages that regained an association in
// the meantime are revived instead. Returns deleted ids so callers can drop
// the pages from the search index.
func (s *Store) DeleteOrphanPages(grace time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-grace)

	rows, err := s.db.Query(`
		SELECT id FROM pages
		WHERE orphaned_at IS NOT NULL AND orphaned_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan candidates: %w", err)
	}
	candidates := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan orphan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var deleted []int64
	for _, id := range candidates {
		// Re-check inside the delete: a page with any remaining
		// association is never deleted.
		res, err := s.db.Exec(`
			DELETE FROM pages
			WHERE id = ?
			  AND NOT EXISTS (SELECT 1 FROM project_pages WHERE page_id = ?)
		`, id, id)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete orphan page %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("failed to read delete result: %w", err)
		}
		if affected > 0 {
			deleted = append(deleted, id)
			continue
		}
		// Page regained an association; clear the orphan mark.
		if _, err := s.db.Exec("UPDATE pages SET orphaned_at = NULL WHERE id = ?", id); err != nil {
			return deleted, fmt.Errorf("failed to revive page %d: %w", id, err)
		}
	}

	return deleted, nil
}

// CountPages returns the number of page rows.
func (s *Store) CountPages() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

const pageSelect = `
	SELECT id, dedup_key, url, capture_ts, digest, mimetype, status_code, length,
	       title, text_content, word_count, quality_score, content_type, language,
	       content_updated_at, indexed_at, orphaned_at, created_at
	FROM pages`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPage(row rowScanner) (*Page, error) {
	var p Page
	var digest, mimetype, title, text, contentType, language sql.NullString
	var statusCode, wordCount, qualityScore sql.NullInt64
	var length sql.NullInt64
	var contentUpdatedAt, indexedAt, orphanedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.DedupKey, &p.URL, &p.CaptureTS, &digest, &mimetype, &statusCode, &length,
		&title, &text, &wordCount, &qualityScore, &contentType, &language,
		&contentUpdatedAt, &indexedAt, &orphanedAt, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}

	p.Digest = digest.String
	p.Mimetype = mimetype.String
	p.StatusCode = int(statusCode.Int64)
	p.Length = length.Int64
	p.Title = title.String
	p.TextContent = text.String
	p.WordCount = int(wordCount.Int64)
	p.QualityScore = int(qualityScore.Int64)
	p.ContentType = contentType.String
	p.Language = language.String
	if contentUpdatedAt.Valid {
		t := contentUpdatedAt.Time
		p.ContentUpdatedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		p.IndexedAt = &t
	}
	if orphanedAt.Valid {
		t := orphanedAt.Time
		p.OrphanedAt = &t
	}
	return &p, nil
}
