package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hfujita/kasane/internal/pipeline"
)

type recordingHandler struct {
	mu      sync.Mutex
	results []pipeline.ScrapeResult
}

func (h *recordingHandler) HandleScrapeResult(_ context.Context, res pipeline.ScrapeResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
	return nil
}

func (h *recordingHandler) byTaskID(id string) (pipeline.ScrapeResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.results {
		if r.TaskID == id {
			return r, true
		}
	}
	return pipeline.ScrapeResult{}, false
}

func runWorker(t *testing.T, server *httptest.Server, tasks []pipeline.Task) *recordingHandler {
	t.Helper()
	fetcher := NewFetcher("test-agent", 5*time.Second)
	defer fetcher.Close()

	ch := make(chan pipeline.Task, len(tasks))
	for _, task := range tasks {
		ch <- task
	}
	close(ch)

	handler := &recordingHandler{}
	w := NewWorker(fetcher, handler, ch, 2, 0)
	w.SetArchiveBase(server.URL + "/web")
	w.Run(context.Background())
	return handler
}

func TestWorkerFetchesCaptures(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>Archived</title></head><body>hello</body></html>"))
	}))
	defer server.Close()

	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	handler := runWorker(t, server, []pipeline.Task{
		{TaskID: "t1", PageID: 7, URL: "https://example.com/article", Timestamp: ts},
	})

	res, found := handler.byTaskID("t1")
	if !found {
		t.Fatal("no result reported")
	}
	if !res.Success {
		t.Fatalf("scrape failed: %s", res.ErrorReason)
	}
	if res.PageID != 7 {
		t.Errorf("page id = %d, want 7", res.PageID)
	}
	if !strings.Contains(string(res.RawBody), "Archived") {
		t.Errorf("unexpected body %q", res.RawBody)
	}
	if !strings.HasPrefix(res.ContentType, "text/html") {
		t.Errorf("content type = %q", res.ContentType)
	}

	// The replay URL embeds the capture timestamp and the id_ flag.
	want := "/web/20200102030405id_/https://example.com/article"
	if gotPath != want {
		t.Errorf("request path = %q, want %q", gotPath, want)
	}
}

func TestWorkerReportsArchiveErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	handler := runWorker(t, server, []pipeline.Task{
		{TaskID: "t1", PageID: 1, URL: "https://example.com/gone", Timestamp: time.Now()},
	})

	res, found := handler.byTaskID("t1")
	if !found {
		t.Fatal("no result reported")
	}
	if res.Success {
		t.Error("expected a failed result")
	}
	if !strings.Contains(res.ErrorReason, "404") {
		t.Errorf("error reason = %q, want a status mention", res.ErrorReason)
	}
}

func TestWorkerDrainsAllTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer server.Close()

	tasks := make([]pipeline.Task, 10)
	for i := range tasks {
		tasks[i] = pipeline.Task{
			TaskID:    strings.Repeat("x", i+1),
			PageID:    int64(i),
			URL:       "https://example.com/p",
			Timestamp: time.Now(),
		}
	}

	handler := runWorker(t, server, tasks)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.results) != len(tasks) {
		t.Errorf("got %d results, want %d", len(handler.results), len(tasks))
	}
}

func TestFetcherTruncatesOversizedBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 1<<20)
		for i := 0; i < 10; i++ {
			_, _ = w.Write(chunk)
		}
	}))
	defer server.Close()

	fetcher := NewFetcher("test-agent", 30*time.Second)
	defer fetcher.Close()

	res, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(res.Body) != maxBodyBytes {
		t.Errorf("body length = %d, want cap %d", len(res.Body), maxBodyBytes)
	}
}
