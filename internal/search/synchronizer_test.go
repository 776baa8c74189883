package search

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hfujita/kasane/internal/cdx"
	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/storage"
)

// fakeBackend is an in-memory index standing in for the cluster.
type fakeBackend struct {
	mu      sync.Mutex
	docs    map[int64]PageDocument
	ensured bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: map[int64]PageDocument{}}
}

func (f *fakeBackend) EnsureIndex(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = true
	return nil
}

func (f *fakeBackend) IndexPage(_ context.Context, doc PageDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.PageID] = doc
	return nil
}

func (f *fakeBackend) DeletePage(_ context.Context, pageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, pageID)
	return nil
}

func (f *fakeBackend) Search(context.Context, map[string]any) (*searchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resp searchResponse
	resp.Hits.Total.Value = int64(len(f.docs))
	for _, doc := range f.docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		resp.Hits.Hits = append(resp.Hits.Hits, struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		}{Source: raw})
	}
	return &resp, nil
}

func (f *fakeBackend) doc(pageID int64) (PageDocument, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[pageID]
	return doc, ok
}

func newTestSync(t *testing.T) (*Synchronizer, *fakeBackend, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	backend := newFakeBackend()
	cfg := config.SearchConfig{QueueSize: 16, SyncInterval: time.Hour}
	return NewSynchronizer(backend, store, cfg), backend, store
}

func seedContentPage(t *testing.T, store *storage.Store, projectIDs ...int64) int64 {
	t.Helper()
	key, err := cdx.KeyForRecord(cdx.Record{URL: "https://example.com/doc", Timestamp: "20200101000000"})
	if err != nil {
		t.Fatal(err)
	}
	pageID, _, err := store.ResolveOrCreatePage(key, storage.PageHints{})
	if err != nil {
		t.Fatal(err)
	}
	for _, projectID := range projectIDs {
		if _, err := store.CreateAssociation(projectID, pageID, storage.AssociationDefaults{}); err != nil {
			t.Fatal(err)
		}
	}
	err = store.SavePageContent(pageID, storage.ContentFields{
		Title: "Doc", TextContent: "body text", WordCount: 2, QualityScore: 40, Language: "en",
	})
	if err != nil {
		t.Fatal(err)
	}
	return pageID
}

func TestSyncPage(t *testing.T) {
	syncer, backend, store := newTestSync(t)
	ctx := context.Background()

	pageID := seedContentPage(t, store, 1, 2)

	if err := syncer.SyncPage(ctx, pageID); err != nil {
		t.Fatal(err)
	}

	doc, ok := backend.doc(pageID)
	if !ok {
		t.Fatal("expected document indexed")
	}
	if doc.Title != "Doc" || doc.Language != "en" {
		t.Errorf("document fields: %+v", doc)
	}
	if len(doc.ProjectIDs) != 2 {
		t.Errorf("expected 2 project ids, got %v", doc.ProjectIDs)
	}

	page, err := store.GetPageByID(pageID)
	if err != nil {
		t.Fatal(err)
	}
	if page.IndexedAt == nil {
		t.Error("expected indexed_at stamped")
	}

	// Indexed pages leave the reconcile backlog.
	ids, err := store.PagesNeedingIndex(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty backlog, got %v", ids)
	}
}

func TestSyncPageRemovesOrphans(t *testing.T) {
	syncer, backend, store := newTestSync(t)
	ctx := context.Background()

	pageID := seedContentPage(t, store, 1)
	if err := syncer.SyncPage(ctx, pageID); err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.doc(pageID); !ok {
		t.Fatal("expected document indexed")
	}

	// A page with no remaining associations disappears from the index.
	if err := store.RemoveAssociation(1, pageID); err != nil {
		t.Fatal(err)
	}
	if err := syncer.SyncPage(ctx, pageID); err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.doc(pageID); ok {
		t.Error("expected orphaned document removed")
	}

	// A deleted page likewise.
	if err := syncer.SyncPage(ctx, 99999); err != nil {
		t.Errorf("deleted page sync should be a no-op delete: %v", err)
	}
}

func TestReconcile(t *testing.T) {
	syncer, backend, store := newTestSync(t)
	ctx := context.Background()

	pageID := seedContentPage(t, store, 1)

	// Nothing queued; the sweep alone brings the index up to date.
	syncer.Reconcile(ctx)

	if _, ok := backend.doc(pageID); !ok {
		t.Error("expected reconcile to index the page")
	}
}

func TestSearchDecodesHits(t *testing.T) {
	syncer, _, store := newTestSync(t)
	ctx := context.Background()

	pageID := seedContentPage(t, store, 1)
	if err := syncer.SyncPage(ctx, pageID); err != nil {
		t.Fatal(err)
	}

	result, err := syncer.Search(ctx, Query{Text: "body", ProjectIDs: []int64{1}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 || len(result.Pages) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Pages[0].PageID != pageID {
		t.Errorf("hit page id = %d", result.Pages[0].PageID)
	}

	if _, err := syncer.Search(ctx, Query{Text: "body"}); err == nil {
		t.Error("expected unscoped search to fail")
	}
}

func TestQueueIsNonBlocking(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Tiny queue, no worker draining it: QueuePage must never block.
	syncer := NewSynchronizer(newFakeBackend(), store, config.SearchConfig{QueueSize: 1, SyncInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 100; i++ {
			syncer.QueuePage(i)
			syncer.QueueRemoval(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queueing blocked")
	}
}
