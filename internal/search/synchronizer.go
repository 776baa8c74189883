package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/storage"
)

// Backend is the index surface the synchronizer drives. *Client satisfies
// it; tests substitute an in-memory fake.
type Backend interface {
	EnsureIndex(ctx context.Context) error
	IndexPage(ctx context.Context, doc PageDocument) error
	DeletePage(ctx context.Context, pageID int64) error
	Search(ctx context.Context, query map[string]any) (*searchResponse, error)
}

type event struct {
	pageID int64
	remove bool
}

// Synchronizer keeps the index eventually consistent with the store. Page
// change notifications arrive on a bounded queue and are applied in the
// background; anything dropped under pressure is picked up by the periodic
// reconcile sweep, which re-indexes pages whose content changed after they
// were last indexed.
type Synchronizer struct {
	backend  Backend
	store    *storage.Store
	queue    chan event
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// reconcileBatch bounds how many stale pages one sweep re-indexes.
const reconcileBatch = 200

// NewSynchronizer creates a synchronizer over a backend and the page store.
func NewSynchronizer(backend Backend, store *storage.Store, cfg config.SearchConfig) *Synchronizer {
	return &Synchronizer{
		backend:  backend,
		store:    store,
		queue:    make(chan event, cfg.QueueSize),
		interval: cfg.SyncInterval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start ensures the index exists and launches the background worker.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.backend.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure search index: %w", err)
	}
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
	return nil
}

// Stop drains nothing; queued work the worker has not reached yet is left
// for the next run's reconcile sweep.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.stopped
}

// QueuePage schedules a page for (re)indexing. Never blocks: under
// pressure the event is dropped and the reconcile sweep catches it.
func (s *Synchronizer) QueuePage(pageID int64) {
	select {
	case s.queue <- event{pageID: pageID}:
	default:
		slog.Debug("Search queue full, deferring to reconcile", "page_id", pageID)
	}
}

// QueueRemoval schedules a page's removal from the index.
func (s *Synchronizer) QueueRemoval(pageID int64) {
	select {
	case s.queue <- event{pageID: pageID, remove: true}:
	default:
		slog.Debug("Search queue full, dropping removal", "page_id", pageID)
	}
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.queue:
			s.apply(ctx, ev)
		case <-ticker.C:
			s.Reconcile(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) apply(ctx context.Context, ev event) {
	var err error
	if ev.remove {
		err = s.backend.DeletePage(ctx, ev.pageID)
	} else {
		err = s.SyncPage(ctx, ev.pageID)
	}
	if err != nil {
		slog.Warn("Search sync failed", "page_id", ev.pageID, "remove", ev.remove, "error", err)
	}
}

// SyncPage indexes one page's current state. A page deleted since the
// event was queued is removed from the index instead.
func (s *Synchronizer) SyncPage(ctx context.Context, pageID int64) error {
	page, err := s.store.GetPageByID(pageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.backend.DeletePage(ctx, pageID)
		}
		return err
	}

	projectIDs, err := s.store.ProjectIDsForPage(pageID)
	if err != nil {
		return err
	}
	if len(projectIDs) == 0 {
		// Orphaned pages are invisible in search.
		return s.backend.DeletePage(ctx, pageID)
	}

	now := time.Now().UTC()
	doc := PageDocument{
		PageID:       page.ID,
		URL:          page.URL,
		CaptureTS:    page.CaptureTS,
		Title:        page.Title,
		TextContent:  page.TextContent,
		WordCount:    page.WordCount,
		QualityScore: page.QualityScore,
		Language:     page.Language,
		ProjectIDs:   projectIDs,
		IndexedAt:    now,
	}
	if err := s.backend.IndexPage(ctx, doc); err != nil {
		return err
	}
	return s.store.MarkPageIndexed(pageID, now)
}

// Reconcile re-indexes pages whose content changed after their last
// indexing. This is the safety net behind the non-blocking queue.
func (s *Synchronizer) Reconcile(ctx context.Context) {
	ids, err := s.store.PagesNeedingIndex(reconcileBatch)
	if err != nil {
		slog.Error("Reconcile sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.SyncPage(ctx, id); err != nil {
			slog.Warn("Reconcile sync failed", "page_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Debug("Reconcile sweep done", "pages", len(ids))
	}
}

// Result is one page of search hits.
type Result struct {
	Total int64
	Pages []PageDocument
}

// Search runs a project-scoped query and decodes the hits.
func (s *Synchronizer) Search(ctx context.Context, q Query) (*Result, error) {
	body, err := BuildQuery(q)
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.Search(ctx, body)
	if err != nil {
		return nil, err
	}

	out := &Result{Total: resp.Hits.Total.Value}
	for _, hit := range resp.Hits.Hits {
		var doc PageDocument
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, fmt.Errorf("decode search hit: %w", err)
		}
		out.Pages = append(out.Pages, doc)
	}
	return out, nil
}
