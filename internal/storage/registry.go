package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EnsureRegistryEntry inserts a pending ledger entry for a record key if one
// does not already exist.
func (s *Store) EnsureRegistryEntry(recordKey string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO cdx_registry (record_key, status, updated_at)
		VALUES (?, 'pending', ?)
	`, recordKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure registry entry: %w", err)
	}
	return nil
}

// ClaimRegistryEntry atomically transitions an entry to processing and
// returns it. Claimable entries are pending ones, plus processing entries
// whose claim predates the lease window (a stalled worker's claim expires
// and another worker may retry). Returns nil when nothing is claimable:
// the entry is done, failed, or actively held by another worker.
func (s *Store) ClaimRegistryEntry(recordKey string, lease time.Duration) (*RegistryEntry, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-lease)

	var e RegistryEntry
	var pageID sql.NullInt64
	var taskID, lastError sql.NullString
	var claimedAt sql.NullTime

	err := s.db.QueryRow(`
		UPDATE cdx_registry
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE record_key = ?
		  AND (status = 'pending'
		       OR (status = 'processing' AND claimed_at < ?))
		RETURNING record_key, status, page_id, task_id, retry_count, last_error, claimed_at, updated_at
	`, now, now, recordKey, staleCutoff).Scan(
		&e.RecordKey, &e.Status, &pageID, &taskID, &e.RetryCount, &lastError, &claimedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // already claimed, done, or terminally failed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim registry entry: %w", err)
	}

	if pageID.Valid {
		id := pageID.Int64
		e.PageID = &id
	}
	e.TaskID = taskID.String
	e.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	return &e, nil
}

// SetRegistryTask records the dispatch handle and resolved page on a
// processing entry.
func (s *Store) SetRegistryTask(recordKey string, pageID int64, taskID string) error {
	_, err := s.db.Exec(`
		UPDATE cdx_registry SET page_id = ?, task_id = ?, updated_at = ?
		WHERE record_key = ?
	`, pageID, taskID, time.Now().UTC(), recordKey)
	if err != nil {
		return fmt.Errorf("failed to set registry task: %w", err)
	}
	return nil
}

// CompleteRegistryEntry transitions an entry to done. Idempotent: a done
// entry stays done, so a second completion callback is a no-op.
func (s *Store) CompleteRegistryEntry(recordKey string, pageID int64) error {
	_, err := s.db.Exec(`
		UPDATE cdx_registry
		SET status = 'done', page_id = ?, last_error = NULL, updated_at = ?
		WHERE record_key = ? AND status != 'done'
	`, pageID, time.Now().UTC(), recordKey)
	if err != nil {
		return fmt.Errorf("failed to complete registry entry: %w", err)
	}
	return nil
}

// FailRegistryEntry records a failure. The entry returns to pending while
// retries remain, and becomes terminally failed once maxRetries is reached.
// Done entries are left untouched.
func (s *Store) FailRegistryEntry(recordKey, reason string, maxRetries int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE cdx_registry
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    claimed_at = NULL,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    updated_at = ?
		WHERE record_key = ? AND status != 'done'
	`, reason, maxRetries, now, recordKey)
	if err != nil {
		return fmt.Errorf("failed to fail registry entry: %w", err)
	}
	return nil
}

// ReopenRegistryEntry returns a done entry to pending and clears its page
// linkage. Used when orphan cleanup deleted the entry's page: a fresh
// sighting of the record must recreate it. Reports whether the entry was
// reopened; false means another worker got there first.
func (s *Store) ReopenRegistryEntry(recordKey string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE cdx_registry
		SET status = 'pending', page_id = NULL, task_id = NULL,
		    retry_count = 0, last_error = NULL, claimed_at = NULL, updated_at = ?
		WHERE record_key = ? AND status = 'done'
	`, time.Now().UTC(), recordKey)
	if err != nil {
		return false, fmt.Errorf("failed to reopen registry entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reopen result: %w", err)
	}
	return affected > 0, nil
}

// ReleaseExpiredClaims returns stalled processing entries to pending so
// another worker can retry them. Crash-resume safety: a worker that died
// mid-batch loses its claims after the lease elapses.
func (s *Store) ReleaseExpiredClaims(lease time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-lease)
	result, err := s.db.Exec(`
		UPDATE cdx_registry
		SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?
	`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired claims: %w", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read release result: %w", err)
	}
	return released, nil
}

// GetRegistryEntry fetches one ledger entry. Returns ErrNotFound when absent.
func (s *Store) GetRegistryEntry(recordKey string) (*RegistryEntry, error) {
	var e RegistryEntry
	var pageID sql.NullInt64
	var taskID, lastError sql.NullString
	var claimedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT record_key, status, page_id, task_id, retry_count, last_error, claimed_at, updated_at
		FROM cdx_registry WHERE record_key = ?
	`, recordKey).Scan(&e.RecordKey, &e.Status, &pageID, &taskID, &e.RetryCount, &lastError, &claimedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registry entry: %w", err)
	}

	if pageID.Valid {
		id := pageID.Int64
		e.PageID = &id
	}
	e.TaskID = taskID.String
	e.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	return &e, nil
}

// FindRegistryEntryByTask resolves a scrape callback's task handle back to
// its ledger entry.
func (s *Store) FindRegistryEntryByTask(taskID string) (*RegistryEntry, error) {
	var recordKey string
	err := s.db.QueryRow("SELECT record_key FROM cdx_registry WHERE task_id = ?", taskID).Scan(&recordKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find registry entry by task: %w", err)
	}
	return s.GetRegistryEntry(recordKey)
}

// CountRegistryByStatus returns ledger entry counts per status.
func (s *Store) CountRegistryByStatus() (map[string]int64, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM cdx_registry GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count registry entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan registry count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
