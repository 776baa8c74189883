// Package access answers "may this user see this page" questions. A user
// sees a page when they are a member of at least one project associated
// with it; page content itself carries no ownership.
package access

import (
	"github.com/hfujita/kasane/internal/storage"
)

// Evaluator resolves page visibility through project membership.
type Evaluator struct {
	store *storage.Store
}

// NewEvaluator creates an evaluator over the store.
func NewEvaluator(store *storage.Store) *Evaluator {
	return &Evaluator{store: store}
}

// CanAccess reports whether the user can see the page through any of
// their project memberships.
func (e *Evaluator) CanAccess(userID, pageID int64) (bool, error) {
	return e.store.UserCanAccessPage(userID, pageID)
}

// CanAccessAll filters a set of page ids down to visibility in one query.
// Every requested id appears in the result map.
func (e *Evaluator) CanAccessAll(userID int64, pageIDs []int64) (map[int64]bool, error) {
	return e.store.AccessiblePages(userID, pageIDs)
}

// ProjectScope returns the projects the user belongs to. An empty scope
// means the user sees nothing; callers must not widen it.
func (e *Evaluator) ProjectScope(userID int64) ([]int64, error) {
	return e.store.UserProjects(userID)
}

// IsProjectMember reports direct membership in one project.
func (e *Evaluator) IsProjectMember(userID, projectID int64) (bool, error) {
	return e.store.IsProjectMember(userID, projectID)
}
