package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// bulkBatchSize bounds the number of rows touched by one bulk-update
// transaction to keep write-lock hold times short.
const bulkBatchSize = 500

// CreateAssociation links a page to a project with the given defaults.
// Returns ErrAlreadyAssociated when the (project, page) pair exists;
// ingestion callers treat that as success, not an error.
func (s *Store) CreateAssociation(projectID, pageID int64, defaults AssociationDefaults) (int64, error) {
	tags := defaults.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tags: %w", err)
	}

	review := defaults.ReviewStatus
	if review == "" {
		review = ReviewUnreviewed
	}
	priority := defaults.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO project_pages (project_id, page_id, tags, review_status, priority, category, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, projectID, pageID, string(tagsJSON), review, priority, defaults.Category, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert association: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return 0, ErrAlreadyAssociated
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get association id: %w", err)
	}

	// A new claim revives an orphan candidate.
	if _, err := s.db.Exec("UPDATE pages SET orphaned_at = NULL WHERE id = ? AND orphaned_at IS NOT NULL", pageID); err != nil {
		return 0, fmt.Errorf("failed to revive page: %w", err)
	}

	return id, nil
}

// GetAssociation fetches the link between a project and a page.
func (s *Store) GetAssociation(projectID, pageID int64) (*Association, error) {
	return s.scanAssociation(s.db.QueryRow(assocSelect+" WHERE project_id = ? AND page_id = ?", projectID, pageID))
}

// GetAssociationsByIDs fetches associations keyed by id. Missing ids are
// simply absent from the result.
func (s *Store) GetAssociationsByIDs(ids []int64) (map[int64]*Association, error) {
	out := make(map[int64]*Association, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := assocSelect + " WHERE id IN (" + placeholders(len(ids)) + ")"
	rows, err := s.db.Query(query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		a, err := s.scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// BulkUpdateAssociations applies a metadata patch to many associations.
// Work is chunked into transactions of at most bulkBatchSize rows; outcomes
// are reported per item, so one bad id never poisons its batch.
func (s *Store) BulkUpdateAssociations(ids []int64, patch AssociationPatch) []BulkItemResult {
	results := make([]BulkItemResult, 0, len(ids))

	for start := 0; start < len(ids); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		batchResults := make([]BulkItemResult, len(batch))
		err := s.inTx(func(tx *sql.Tx) error {
			for i, id := range batch {
				batchResults[i] = applyPatch(tx, id, patch)
			}
			return nil
		})
		if err != nil {
			// Transaction-level failure: every item in the batch failed.
			for i, id := range batch {
				batchResults[i] = BulkItemResult{AssociationID: id, Err: err.Error()}
			}
		}
		results = append(results, batchResults...)
	}

	return results
}

// applyPatch updates one association inside a bulk transaction.
func applyPatch(tx *sql.Tx, id int64, patch AssociationPatch) BulkItemResult {
	res := BulkItemResult{AssociationID: id}

	var tagsJSON string
	err := tx.QueryRow("SELECT tags FROM project_pages WHERE id = ?", id).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		res.Err = ErrNotFound.Error()
		return res
	}
	if err != nil {
		res.Err = err.Error()
		return res
	}

	sets := []string{}
	args := []any{}

	if len(patch.AddTags) > 0 || len(patch.RemoveTags) > 0 {
		var tags []string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			tags = nil
		}
		merged, err := json.Marshal(mergeTags(tags, patch.AddTags, patch.RemoveTags))
		if err != nil {
			res.Err = err.Error()
			return res
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(merged))
	}
	if patch.ReviewStatus != nil {
		if !validReviewStatus(*patch.ReviewStatus) {
			res.Err = fmt.Sprintf("invalid review status %q", *patch.ReviewStatus)
			return res
		}
		sets = append(sets, "review_status = ?")
		args = append(args, *patch.ReviewStatus)
	}
	if patch.Starred != nil {
		sets = append(sets, "starred = ?")
		args = append(args, boolToInt(*patch.Starred))
	}
	if patch.Priority != nil {
		if !validPriority(*patch.Priority) {
			res.Err = fmt.Sprintf("invalid priority %q", *patch.Priority)
			return res
		}
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Category != nil {
		if !validCategory(*patch.Category) {
			res.Err = fmt.Sprintf("invalid category %q", *patch.Category)
			return res
		}
		sets = append(sets, "category = ?")
		args = append(args, *patch.Category)
	}

	if len(sets) == 0 {
		res.OK = true
		return res
	}

	args = append(args, id)
	if _, err := tx.Exec("UPDATE project_pages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		res.Err = err.Error()
		return res
	}

	res.OK = true
	return res
}

// RemoveAssociation deletes the (project, page) link and marks the page an
// orphan candidate when no associations remain. Actual deletion is deferred
// to the cleanup sweep.
func (s *Store) RemoveAssociation(projectID, pageID int64) error {
	result, err := s.db.Exec("DELETE FROM project_pages WHERE project_id = ? AND page_id = ?", projectID, pageID)
	if err != nil {
		return fmt.Errorf("failed to remove association: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	_, err = s.db.Exec(`
		UPDATE pages SET orphaned_at = ?
		WHERE id = ?
		  AND orphaned_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM project_pages WHERE page_id = ?)
	`, time.Now().UTC(), pageID, pageID)
	if err != nil {
		return fmt.Errorf("failed to mark orphan candidate: %w", err)
	}

	return nil
}

// ListPages returns a project's pages joined with association metadata,
// filtered and paginated. Ordered by added_at descending.
func (s *Store) ListPages(projectID int64, filters PageFilters, page Pagination) ([]ProjectPage, int64, error) {
	where := []string{"pp.project_id = ?"}
	args := []any{projectID}

	if filters.ReviewStatus != "" {
		where = append(where, "pp.review_status = ?")
		args = append(args, filters.ReviewStatus)
	}
	if filters.Priority != "" {
		where = append(where, "pp.priority = ?")
		args = append(args, filters.Priority)
	}
	if filters.Category != "" {
		where = append(where, "pp.category = ?")
		args = append(args, filters.Category)
	}
	if filters.Starred != nil {
		where = append(where, "pp.starred = ?")
		args = append(args, boolToInt(*filters.Starred))
	}
	if filters.Tag != "" {
		// Tags are stored as a JSON array of strings.
		where = append(where, `EXISTS (SELECT 1 FROM json_each(pp.tags) WHERE json_each.value = ?)`)
		args = append(args, filters.Tag)
	}
	if filters.URLContains != "" {
		where = append(where, "p.url LIKE ?")
		args = append(args, "%"+filters.URLContains+"%")
	}

	whereSQL := strings.Join(where, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM project_pages pp JOIN pages p ON p.id = pp.page_id WHERE " + whereSQL
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pages: %w", err)
	}

	query := `
		SELECT ` + pageColumns("p") + `,
		       pp.id, pp.project_id, pp.page_id, pp.tags, pp.review_status,
		       pp.starred, pp.priority, pp.category, pp.added_at
		FROM project_pages pp
		JOIN pages p ON p.id = pp.page_id
		WHERE ` + whereSQL + `
		ORDER BY pp.added_at DESC, pp.id DESC
		LIMIT ? OFFSET ?`
	args = append(args, page.limit(), page.offset())

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProjectPage
	for rows.Next() {
		pp, err := scanProjectPage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *pp)
	}
	return out, total, rows.Err()
}

// GetSharingStatistics summarizes cross-project reuse of the page store.
func (s *Store) GetSharingStatistics() (*SharingStatistics, error) {
	stats := &SharingStatistics{RegistryByStatus: map[string]int64{}}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM pages").Scan(&stats.TotalPages); err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM project_pages").Scan(&stats.TotalAssociations); err != nil {
		return nil, fmt.Errorf("failed to count associations: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT page_id FROM project_pages GROUP BY page_id HAVING COUNT(*) >= 2
		)
	`).Scan(&stats.SharedPages); err != nil {
		return nil, fmt.Errorf("failed to count shared pages: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pages WHERE orphaned_at IS NOT NULL").Scan(&stats.OrphanCandidates); err != nil {
		return nil, fmt.Errorf("failed to count orphan candidates: %w", err)
	}

	var linkedPages int64
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT page_id) FROM project_pages").Scan(&linkedPages); err != nil {
		return nil, fmt.Errorf("failed to count linked pages: %w", err)
	}
	stats.DuplicatesCollapsed = stats.TotalAssociations - linkedPages

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM cdx_registry GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count registry entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan registry count: %w", err)
		}
		stats.RegistryByStatus[status] = n
	}

	return stats, rows.Err()
}

const assocSelect = `
	SELECT id, project_id, page_id, tags, review_status, starred, priority, category, added_at
	FROM project_pages`

func (s *Store) scanAssociation(row rowScanner) (*Association, error) {
	var a Association
	var tagsJSON string
	var starred int

	err := row.Scan(&a.ID, &a.ProjectID, &a.PageID, &tagsJSON, &a.ReviewStatus, &starred, &a.Priority, &a.Category, &a.AddedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan association: %w", err)
	}

	a.Starred = starred != 0
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		a.Tags = []string{}
	}
	return &a, nil
}

func scanProjectPage(rows *sql.Rows) (*ProjectPage, error) {
	var pp ProjectPage
	var digest, mimetype, title, text, contentType, language sql.NullString
	var statusCode, wordCount, qualityScore, length sql.NullInt64
	var contentUpdatedAt, indexedAt, orphanedAt sql.NullTime
	var tagsJSON string
	var starred int

	err := rows.Scan(
		&pp.ID, &pp.DedupKey, &pp.URL, &pp.CaptureTS, &digest, &mimetype, &statusCode, &length,
		&title, &text, &wordCount, &qualityScore, &contentType, &language,
		&contentUpdatedAt, &indexedAt, &orphanedAt, &pp.CreatedAt,
		&pp.Association.ID, &pp.Association.ProjectID, &pp.Association.PageID, &tagsJSON,
		&pp.Association.ReviewStatus, &starred, &pp.Association.Priority,
		&pp.Association.Category, &pp.Association.AddedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan project page: %w", err)
	}

	pp.Digest = digest.String
	pp.Mimetype = mimetype.String
	pp.StatusCode = int(statusCode.Int64)
	pp.Length = length.Int64
	pp.Title = title.String
	pp.TextContent = text.String
	pp.WordCount = int(wordCount.Int64)
	pp.QualityScore = int(qualityScore.Int64)
	pp.ContentType = contentType.String
	pp.Language = language.String
	if contentUpdatedAt.Valid {
		t := contentUpdatedAt.Time
		pp.ContentUpdatedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		pp.IndexedAt = &t
	}
	if orphanedAt.Valid {
		t := orphanedAt.Time
		pp.OrphanedAt = &t
	}
	pp.Association.Starred = starred != 0
	if err := json.Unmarshal([]byte(tagsJSON), &pp.Association.Tags); err != nil {
		pp.Association.Tags = []string{}
	}
	return &pp, nil
}

// pageColumns renders the page column list with a table alias.
func pageColumns(alias string) string {
	cols := []string{
		"id", "dedup_key", "url", "capture_ts", "digest", "mimetype", "status_code", "length",
		"title", "text_content", "word_count", "quality_score", "content_type", "language",
		"content_updated_at", "indexed_at", "orphaned_at", "created_at",
	}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func mergeTags(tags, add, remove []string) []string {
	set := make(map[string]struct{}, len(tags)+len(add))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, t := range add {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range remove {
		delete(set, t)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func validReviewStatus(s string) bool {
	return s == ReviewUnreviewed || s == ReviewRelevant || s == ReviewIrrelevant
}

func validPriority(s string) bool {
	return s == PriorityLow || s == PriorityMedium || s == PriorityHigh || s == PriorityCritical
}

func validCategory(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range Categories {
		if s == c {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
