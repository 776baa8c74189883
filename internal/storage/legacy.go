package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CountLegacyPages returns the number of legacy records awaiting migration.
func (s *Store) CountLegacyPages() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM legacy_pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count legacy pages: %w", err)
	}
	return n, nil
}

// ListLegacyPages reads legacy records ordered by id, starting after the
// given cursor, up to limit rows. The migration engine pages through the
// table with this.
func (s *Store) ListLegacyPages(afterID int64, limit int) ([]LegacyPage, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, capture_url, url, timestamp, title, text_content, mimetype
		FROM legacy_pages
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LegacyPage
	for rows.Next() {
		var lp LegacyPage
		var url, ts, title, text, mimetype sql.NullString
		if err := rows.Scan(&lp.ID, &lp.ProjectID, &lp.CaptureURL, &url, &ts, &title, &text, &mimetype); err != nil {
			return nil, fmt.Errorf("failed to scan legacy page: %w", err)
		}
		lp.URL = url.String
		lp.Timestamp = ts.String
		lp.Title = title.String
		lp.Text = text.String
		lp.Mimetype = mimetype.String
		out = append(out, lp)
	}
	return out, rows.Err()
}

// InsertLegacyPage seeds a legacy record. Used by migration setup and tests.
func (s *Store) InsertLegacyPage(lp LegacyPage) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO legacy_pages (project_id, capture_url, url, timestamp, title, text_content, mimetype)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, lp.ProjectID, lp.CaptureURL, lp.URL, lp.Timestamp, lp.Title, lp.Text, lp.Mimetype)
	if err != nil {
		return 0, fmt.Errorf("failed to insert legacy page: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get legacy page id: %w", err)
	}
	return id, nil
}

// MigrateLegacyBatch runs fn inside one transaction. The migration engine
// uses it so a batch failure rolls back only that batch.
func (s *Store) MigrateLegacyBatch(fn func(tx *sql.Tx) error) error {
	return s.inTx(fn)
}

// ResolveOrCreatePageTx is the transactional variant of ResolveOrCreatePage,
// used by the migration engine inside per-batch transactions.
func ResolveOrCreatePageTx(tx *sql.Tx, dedupKey, url string, captureTS time.Time, hints PageHints) (pageID int64, created bool, err error) {
	result, err := tx.Exec(`
		INSERT OR IGNORE INTO pages (dedup_key, url, capture_ts, digest, mimetype, status_code, length)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, dedupKey, url, captureTS, hints.Digest, hints.Mimetype, hints.StatusCode, hints.Length)
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
		return id, true, nil
	}
	var id int64
	if err := tx.QueryRow("SELECT id FROM pages WHERE dedup_key = ?", dedupKey).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to get existing page id: %w", err)
	}
	return id, false, nil
}

// CreateAssociationTx is the transactional variant of CreateAssociation.
// Returns ErrAlreadyAssociated on an existing (project, page) pair.
func CreateAssociationTx(tx *sql.Tx, projectID, pageID int64) error {
	result, err := tx.Exec(`
		INSERT OR IGNORE INTO project_pages (project_id, page_id) VALUES (?, ?)
	`, projectID, pageID)
	if err != nil {
		return fmt.Errorf("failed to insert association: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyAssociated
	}
	return nil
}

// SavePageContentTx sets content fields inside a migration transaction so
// migrated legacy content is indexable without a scrape round-trip.
func SavePageContentTx(tx *sql.Tx, pageID int64, c ContentFields) error {
	_, err := tx.Exec(`
		UPDATE pages SET
			title = ?, text_content = ?, word_count = ?, quality_score = ?,
			content_type = ?, language = ?, content_updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND content_updated_at IS NULL
	`, c.Title, c.TextContent, c.WordCount, c.QualityScore, c.ContentType, c.Language, pageID)
	if err != nil {
		return fmt.Errorf("failed to save page content: %w", err)
	}
	return nil
}
