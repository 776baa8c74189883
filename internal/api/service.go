// Package api is the service facade callers integrate against. Every
// operation returns a uniform envelope; errors are classified, never raw.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hfujita/kasane/internal/access"
	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/pipeline"
	"github.com/hfujita/kasane/internal/search"
	"github.com/hfujita/kasane/internal/storage"
)

// Error codes carried in envelopes.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeForbidden  = "FORBIDDEN"
	CodeConflict   = "CONFLICT"
	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ok(data any) Envelope {
	return Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

func fail(code, msg string) Envelope {
	return Envelope{Success: false, ErrorCode: code, Error: msg, Timestamp: time.Now().UTC()}
}

// internalErr logs the cause and returns a generic envelope so storage
// details never leak to callers.
func internalErr(op string, err error) Envelope {
	slog.Error("Internal error", "op", op, "error", err)
	return fail(CodeInternal, "internal error")
}

// Searcher is the search surface the service needs. Nil when search sync
// is disabled.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// Service binds storage, access control, ingestion, and search behind the
// envelope contract.
type Service struct {
	store    *storage.Store
	eval     *access.Evaluator
	pipeline *pipeline.Service
	searcher Searcher
}

// NewService creates the facade. searcher may be nil.
func NewService(store *storage.Store, eval *access.Evaluator, pipe *pipeline.Service, searcher Searcher) *Service {
	return &Service{store: store, eval: eval, pipeline: pipe, searcher: searcher}
}

// GetPage returns one page with the requesting project's association
// metadata. A page the user cannot see answers NOT_FOUND, identical to a
// page that does not exist, so probing cannot distinguish the two.
func (s *Service) GetPage(userID, projectID, pageID int64) Envelope {
	allowed, err := s.eval.CanAccess(userID, pageID)
	if err != nil {
		return internalErr("get_page", err)
	}
	if !allowed {
		return fail(CodeNotFound, "page not found")
	}

	page, err := s.store.GetPageByID(pageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeNotFound, "page not found")
		}
		return internalErr("get_page", err)
	}

	assoc, err := s.store.GetAssociation(projectID, pageID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return internalErr("get_page", err)
	}

	return ok(storage.ProjectPage{Page: *page, Association: derefAssociation(assoc)})
}

// ListPages returns the project's pages with association metadata,
// filtered and paginated.
func (s *Service) ListPages(userID, projectID int64, filters storage.PageFilters, page storage.Pagination) Envelope {
	member, err := s.eval.IsProjectMember(userID, projectID)
	if err != nil {
		return internalErr("list_pages", err)
	}
	if !member {
		return fail(CodeNotFound, "project not found")
	}

	pages, total, err := s.store.ListPages(projectID, filters, page)
	if err != nil {
		return internalErr("list_pages", err)
	}

	return ok(map[string]any{
		"pages": pages,
		"total": total,
	})
}

// BulkAction applies a metadata patch to associations. Associations the
// user cannot reach through membership are rejected per item with
// FORBIDDEN; reachable items succeed or fail independently.
func (s *Service) BulkAction(userID int64, associationIDs []int64, patch storage.AssociationPatch) Envelope {
	if len(associationIDs) == 0 {
		return fail(CodeValidation, "no associations given")
	}

	assocs, err := s.store.GetAssociationsByIDs(associationIDs)
	if err != nil {
		return internalErr("bulk_action", err)
	}

	projects, err := s.eval.ProjectScope(userID)
	if err != nil {
		return internalErr("bulk_action", err)
	}
	memberOf := make(map[int64]bool, len(projects))
	for _, p := range projects {
		memberOf[p] = true
	}

	var allowed []int64
	results := make(map[int64]storage.BulkItemResult, len(associationIDs))
	for _, id := range associationIDs {
		assoc, found := assocs[id]
		switch {
		case !found:
			results[id] = storage.BulkItemResult{AssociationID: id, Err: "not found"}
		case !memberOf[assoc.ProjectID]:
			results[id] = storage.BulkItemResult{AssociationID: id, Err: "forbidden"}
		default:
			allowed = append(allowed, id)
		}
	}

	for _, r := range s.store.BulkUpdateAssociations(allowed, patch) {
		results[r.AssociationID] = r
	}

	ordered := make([]storage.BulkItemResult, 0, len(associationIDs))
	updated := 0
	for _, id := range associationIDs {
		r := results[id]
		if r.OK {
			updated++
		}
		ordered = append(ordered, r)
	}

	return ok(map[string]any{
		"updated": updated,
		"results": ordered,
	})
}

// BulkRemove drops a set of associations, one orphan check per item. The
// same per-item access rules as BulkAction apply; each removal succeeds or
// fails independently.
func (s *Service) BulkRemove(userID int64, associationIDs []int64) Envelope {
	if len(associationIDs) == 0 {
		return fail(CodeValidation, "no associations given")
	}

	assocs, err := s.store.GetAssociationsByIDs(associationIDs)
	if err != nil {
		return internalErr("bulk_remove", err)
	}

	projects, err := s.eval.ProjectScope(userID)
	if err != nil {
		return internalErr("bulk_remove", err)
	}
	memberOf := make(map[int64]bool, len(projects))
	for _, p := range projects {
		memberOf[p] = true
	}

	removed := 0
	results := make([]storage.BulkItemResult, 0, len(associationIDs))
	for _, id := range associationIDs {
		assoc, found := assocs[id]
		switch {
		case !found:
			results = append(results, storage.BulkItemResult{AssociationID: id, Err: "not found"})
		case !memberOf[assoc.ProjectID]:
			results = append(results, storage.BulkItemResult{AssociationID: id, Err: "forbidden"})
		default:
			if err := s.store.RemoveAssociation(assoc.ProjectID, assoc.PageID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					results = append(results, storage.BulkItemResult{AssociationID: id, Err: "not found"})
				} else {
					slog.Error("Failed to remove association", "association_id", id, "error", err)
					results = append(results, storage.BulkItemResult{AssociationID: id, Err: "internal error"})
				}
				continue
			}
			removed++
			results = append(results, storage.BulkItemResult{AssociationID: id, OK: true})
		}
	}

	return ok(map[string]any{
		"removed": removed,
		"results": results,
	})
}

// SearchPages runs a full-text query scoped to the user's projects. The
// scope is derived from membership, never taken from the caller. An empty
// scope yields empty results, not an error.
func (s *Service) SearchPages(ctx context.Context, userID int64, q search.Query) Envelope {
	if s.searcher == nil {
		return fail(CodeValidation, "search is not enabled")
	}

	scope, err := s.eval.ProjectScope(userID)
	if err != nil {
		return internalErr("search_pages", err)
	}
	if len(scope) == 0 {
		return ok(&search.Result{})
	}
	q.ProjectIDs = scope

	result, err := s.searcher.Search(ctx, q)
	if err != nil {
		return internalErr("search_pages", err)
	}
	return ok(result)
}

// ProcessCDXBatch ingests CDX records into a project the user belongs to.
func (s *Service) ProcessCDXBatch(ctx context.Context, userID, projectID int64, records []cdx.Record) Envelope {
	member, err := s.eval.IsProjectMember(userID, projectID)
	if err != nil {
		return internalErr("process_cdx_batch", err)
	}
	if !member {
		return fail(CodeForbidden, "not a member of project")
	}
	if len(records) == 0 {
		return fail(CodeValidation, "empty batch")
	}

	return ok(s.pipeline.ProcessBatch(ctx, projectID, records))
}

// RemovePage drops a page from one project. The page itself survives while
// any other project still holds it.
func (s *Service) RemovePage(userID, projectID, pageID int64) Envelope {
	member, err := s.eval.IsProjectMember(userID, projectID)
	if err != nil {
		return internalErr("remove_page", err)
	}
	if !member {
		return fail(CodeForbidden, "not a member of project")
	}

	if err := s.store.RemoveAssociation(projectID, pageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeNotFound, "page not found in project")
		}
		return internalErr("remove_page", err)
	}
	return ok(map[string]any{"removed": true})
}

// GetSharingStatistics reports cross-project reuse totals.
func (s *Service) GetSharingStatistics() Envelope {
	stats, err := s.store.GetSharingStatistics()
	if err != nil {
		return internalErr("sharing_statistics", err)
	}
	return ok(stats)
}

func derefAssociation(a *storage.Association) storage.Association {
	if a == nil {
		return storage.Association{}
	}
	return *a
}
