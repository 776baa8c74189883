package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hfujita/kasane/internal/access"
	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/pipeline"
	"github.com/hfujita/kasane/internal/search"
	"github.com/hfujita/kasane/internal/storage"
)

type fakeSearcher struct {
	lastQuery search.Query
	result    *search.Result
	err       error
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) (*search.Result, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &search.Result{}, nil
}

type testEnv struct {
	store    *storage.Store
	service  *Service
	searcher *fakeSearcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Concurrency = 1
	cfg.Dispatch.RatePerSecond = 0
	eval := access.NewEvaluator(store)
	queue := pipeline.NewQueueDispatcher(16)
	pipe := pipeline.New(cfg, store, queue, nil)
	searcher := &fakeSearcher{}

	return &testEnv{
		store:    store,
		service:  NewService(store, eval, pipe, searcher),
		searcher: searcher,
	}
}

func (env *testEnv) addMember(t *testing.T, userID, projectID int64) {
	t.Helper()
	if err := env.store.AddProjectMember(userID, projectID); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
}

// seedLinkedPage creates a page associated with the given project and
// returns the page and association ids.
func (env *testEnv) seedLinkedPage(t *testing.T, projectID int64, url string) (pageID, assocID int64) {
	t.Helper()
	key, err := cdx.KeyForRecord(cdx.Record{URL: url, Timestamp: "20200101000000"})
	if err != nil {
		t.Fatal(err)
	}
	pageID, _, err = env.store.ResolveOrCreatePage(key, storage.PageHints{})
	if err != nil {
		t.Fatal(err)
	}
	assocID, err = env.store.CreateAssociation(projectID, pageID, storage.AssociationDefaults{})
	if err != nil && !errors.Is(err, storage.ErrAlreadyAssociated) {
		t.Fatal(err)
	}
	return pageID, assocID
}

func TestGetPageHidesInaccessiblePages(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	env.addMember(t, 2, 20)
	pageID, _ := env.seedLinkedPage(t, 10, "https://example.com/private")

	t.Run("member sees the page", func(t *testing.T) {
		resp := env.service.GetPage(1, 10, pageID)
		if !resp.Success {
			t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
		}
		pp, ok := resp.Data.(storage.ProjectPage)
		if !ok {
			t.Fatalf("unexpected data type %T", resp.Data)
		}
		if pp.Page.ID != pageID {
			t.Errorf("page id = %d, want %d", pp.Page.ID, pageID)
		}
	})

	t.Run("outsider gets the same answer as for a missing page", func(t *testing.T) {
		denied := env.service.GetPage(2, 20, pageID)
		missing := env.service.GetPage(2, 20, 99999)

		for name, resp := range map[string]Envelope{"denied": denied, "missing": missing} {
			if resp.Success {
				t.Errorf("%s: expected failure", name)
			}
			if resp.ErrorCode != CodeNotFound {
				t.Errorf("%s: code = %s, want %s", name, resp.ErrorCode, CodeNotFound)
			}
		}
		if denied.Error != missing.Error {
			t.Errorf("denial %q is distinguishable from absence %q", denied.Error, missing.Error)
		}
	})
}

func TestListPagesRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	env.seedLinkedPage(t, 10, "https://example.com/a")
	env.seedLinkedPage(t, 10, "https://example.com/b")

	resp := env.service.ListPages(1, 10, storage.PageFilters{}, storage.Pagination{})
	if !resp.Success {
		t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
	}
	data := resp.Data.(map[string]any)
	if total := data["total"].(int64); total != 2 {
		t.Errorf("total = %d, want 2", total)
	}

	resp = env.service.ListPages(2, 10, storage.PageFilters{}, storage.Pagination{})
	if resp.Success || resp.ErrorCode != CodeNotFound {
		t.Errorf("outsider got %s, want %s", resp.ErrorCode, CodeNotFound)
	}
}

func TestBulkActionPerItemOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	_, mine := env.seedLinkedPage(t, 10, "https://example.com/mine")
	_, theirs := env.seedLinkedPage(t, 20, "https://example.com/theirs")

	starred := true
	ids := []int64{mine, theirs, 424242}
	resp := env.service.BulkAction(1, ids, storage.AssociationPatch{Starred: &starred})
	if !resp.Success {
		t.Fatalf("expected success envelope, got %s: %s", resp.ErrorCode, resp.Error)
	}

	data := resp.Data.(map[string]any)
	if updated := data["updated"].(int); updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}
	results := data["results"].([]storage.BulkItemResult)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Results come back in request order.
	if results[0].AssociationID != mine || !results[0].OK {
		t.Errorf("own association: %+v", results[0])
	}
	if results[1].Err != "forbidden" {
		t.Errorf("foreign association err = %q, want forbidden", results[1].Err)
	}
	if results[2].Err != "not found" {
		t.Errorf("unknown association err = %q, want not found", results[2].Err)
	}

	t.Run("empty request is rejected", func(t *testing.T) {
		resp := env.service.BulkAction(1, nil, storage.AssociationPatch{})
		if resp.Success || resp.ErrorCode != CodeValidation {
			t.Errorf("got %s, want %s", resp.ErrorCode, CodeValidation)
		}
	})
}

func TestBulkRemovePerItemOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	minePage, mine := env.seedLinkedPage(t, 10, "https://example.com/drop")
	_, theirs := env.seedLinkedPage(t, 20, "https://example.com/keep")

	ids := []int64{mine, theirs, 424242}
	resp := env.service.BulkRemove(1, ids)
	if !resp.Success {
		t.Fatalf("expected success envelope, got %s: %s", resp.ErrorCode, resp.Error)
	}

	data := resp.Data.(map[string]any)
	if removed := data["removed"].(int); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	results := data["results"].([]storage.BulkItemResult)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].AssociationID != mine || !results[0].OK {
		t.Errorf("own association: %+v", results[0])
	}
	if results[1].Err != "forbidden" {
		t.Errorf("foreign association err = %q, want forbidden", results[1].Err)
	}
	if results[2].Err != "not found" {
		t.Errorf("unknown association err = %q, want not found", results[2].Err)
	}

	// The removed link is gone and the now-unheld page became an orphan
	// candidate; the foreign project's link is untouched.
	if _, err := env.store.GetAssociation(10, minePage); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("association still present: %v", err)
	}
	page, err := env.store.GetPageByID(minePage)
	if err != nil {
		t.Fatal(err)
	}
	if page.OrphanedAt == nil {
		t.Error("expected orphan mark on the unheld page")
	}

	t.Run("empty request is rejected", func(t *testing.T) {
		resp := env.service.BulkRemove(1, nil)
		if resp.Success || resp.ErrorCode != CodeValidation {
			t.Errorf("got %s, want %s", resp.ErrorCode, CodeValidation)
		}
	})

	t.Run("second removal reports not found", func(t *testing.T) {
		resp := env.service.BulkRemove(1, []int64{mine})
		if !resp.Success {
			t.Fatalf("expected success envelope, got %s", resp.ErrorCode)
		}
		results := resp.Data.(map[string]any)["results"].([]storage.BulkItemResult)
		if results[0].Err != "not found" {
			t.Errorf("err = %q, want not found", results[0].Err)
		}
	})
}

func TestSearchPagesScopesToMembership(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	env.addMember(t, 1, 30)

	// The caller-supplied scope is overwritten with the real one.
	q := search.Query{Text: "archive", ProjectIDs: []int64{999}}
	resp := env.service.SearchPages(context.Background(), 1, q)
	if !resp.Success {
		t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
	}
	got := env.searcher.lastQuery.ProjectIDs
	if len(got) != 2 {
		t.Fatalf("scope = %v, want two projects", got)
	}
	scope := map[int64]bool{got[0]: true, got[1]: true}
	if !scope[10] || !scope[30] {
		t.Errorf("scope = %v, want projects 10 and 30", got)
	}

	t.Run("no memberships yields empty result without a backend call", func(t *testing.T) {
		env.searcher.err = errors.New("must not be called")
		resp := env.service.SearchPages(context.Background(), 7, search.Query{Text: "x"})
		if !resp.Success {
			t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
		}
		result := resp.Data.(*search.Result)
		if result.Total != 0 || len(result.Pages) != 0 {
			t.Errorf("expected empty result, got %+v", result)
		}
	})

	t.Run("disabled search is a validation error", func(t *testing.T) {
		svc := NewService(env.store, access.NewEvaluator(env.store), nil, nil)
		resp := svc.SearchPages(context.Background(), 1, search.Query{Text: "x"})
		if resp.Success || resp.ErrorCode != CodeValidation {
			t.Errorf("got %s, want %s", resp.ErrorCode, CodeValidation)
		}
	})
}

func TestProcessCDXBatchChecksMembership(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)

	records := []cdx.Record{{URL: "https://example.com/ingest", Timestamp: "20200101000000", StatusCode: 200}}

	resp := env.service.ProcessCDXBatch(context.Background(), 2, 10, records)
	if resp.Success || resp.ErrorCode != CodeForbidden {
		t.Errorf("outsider got %s, want %s", resp.ErrorCode, CodeForbidden)
	}

	resp = env.service.ProcessCDXBatch(context.Background(), 1, 10, nil)
	if resp.Success || resp.ErrorCode != CodeValidation {
		t.Errorf("empty batch got %s, want %s", resp.ErrorCode, CodeValidation)
	}

	resp = env.service.ProcessCDXBatch(context.Background(), 1, 10, records)
	if !resp.Success {
		t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
	}
	batch := resp.Data.(*pipeline.BatchResult)
	if batch.Processed != 1 || batch.Created != 1 {
		t.Errorf("batch result: %+v", batch)
	}
}

func TestRemovePage(t *testing.T) {
	env := newTestEnv(t)
	env.addMember(t, 1, 10)
	pageID, _ := env.seedLinkedPage(t, 10, "https://example.com/shared")
	env.seedLinkedPage(t, 20, "https://example.com/shared")

	resp := env.service.RemovePage(2, 10, pageID)
	if resp.Success || resp.ErrorCode != CodeForbidden {
		t.Errorf("outsider got %s, want %s", resp.ErrorCode, CodeForbidden)
	}

	resp = env.service.RemovePage(1, 10, pageID)
	if !resp.Success {
		t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
	}

	// The other project's hold keeps the page alive.
	if _, err := env.store.GetPageByID(pageID); err != nil {
		t.Errorf("shared page disappeared: %v", err)
	}

	resp = env.service.RemovePage(1, 10, pageID)
	if resp.Success || resp.ErrorCode != CodeNotFound {
		t.Errorf("second removal got %s, want %s", resp.ErrorCode, CodeNotFound)
	}
}

func TestGetSharingStatistics(t *testing.T) {
	env := newTestEnv(t)
	env.seedLinkedPage(t, 10, "https://example.com/s")
	env.seedLinkedPage(t, 20, "https://example.com/s")

	resp := env.service.GetSharingStatistics()
	if !resp.Success {
		t.Fatalf("expected success, got %s: %s", resp.ErrorCode, resp.Error)
	}
	stats := resp.Data.(*storage.SharingStatistics)
	if stats.TotalPages != 1 || stats.SharedPages != 1 {
		t.Errorf("stats: %+v", stats)
	}
}
