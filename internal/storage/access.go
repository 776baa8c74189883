package storage

import (
	"database/sql"
	"fmt"
)

// AddProjectMember grants a user membership in a project. Idempotent.
func (s *Store) AddProjectMember(userID, projectID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO project_members (user_id, project_id) VALUES (?, ?)
	`, userID, projectID)
	if err != nil {
		return fmt.Errorf("failed to add project member: %w", err)
	}
	return nil
}

// RemoveProjectMember revokes a user's membership in a project.
func (s *Store) RemoveProjectMember(userID, projectID int64) error {
	_, err := s.db.Exec("DELETE FROM project_members WHERE user_id = ? AND project_id = ?", userID, projectID)
	if err != nil {
		return fmt.Errorf("failed to remove project member: %w", err)
	}
	return nil
}

// UserProjects returns the ids of every project the user belongs to.
func (s *Store) UserProjects(userID int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT project_id FROM project_members WHERE user_id = ? ORDER BY project_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user projects: %w", err)
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

// IsProjectMember reports whether the user belongs to the project.
func (s *Store) IsProjectMember(userID, projectID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM project_members WHERE user_id = ? AND project_id = ? LIMIT 1
	`, userID, projectID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// UserCanAccessPage reports whether at least one of the user's projects
// holds an association to the page.
func (s *Store) UserCanAccessPage(userID, pageID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1
		FROM project_pages pp
		JOIN project_members pm ON pm.project_id = pp.project_id
		WHERE pm.user_id = ? AND pp.page_id = ?
		LIMIT 1
	`, userID, pageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check page access: %w", err)
	}
	return true, nil
}

// AccessiblePages filters pageIDs down to those the user can reach through
// project membership, in a single batched query.
func (s *Store) AccessiblePages(userID int64, pageIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(pageIDs))
	if len(pageIDs) == 0 {
		return out, nil
	}
	for _, id := range pageIDs {
		out[id] = false
	}

	query := `
		SELECT DISTINCT pp.page_id
		FROM project_pages pp
		JOIN project_members pm ON pm.project_id = pp.project_id
		WHERE pm.user_id = ? AND pp.page_id IN (` + placeholders(len(pageIDs)) + ")"
	args := append([]any{userID}, int64Args(pageIDs)...)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accessible pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan page id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
