package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hfujita/kasane/internal/storage"
)

// Task is the payload handed to the external scrape worker for one newly
// created page.
type Task struct {
	TaskID    string    `json:"task_id"`
	PageID    int64     `json:"page_id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// ScrapeResult is the worker's completion callback payload. Either Content
// carries pre-extracted fields, or RawBody carries the fetched document for
// local extraction. ErrorReason is set on failure.
type ScrapeResult struct {
	TaskID      string
	PageID      int64
	Success     bool
	Content     *storage.ContentFields
	RawBody     []byte
	ContentType string
	ErrorReason string
}

// Dispatcher enqueues scrape tasks. Dispatch is fire-and-forget: the task
// handle is recorded on the registry entry and completion arrives later via
// HandleScrapeResult. At-least-once delivery is assumed; completion
// handling is idempotent.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// HTTPDispatcher posts tasks as JSON to an external worker endpoint.
type HTTPDispatcher struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewHTTPDispatcher creates a dispatcher for the given worker endpoint.
func NewHTTPDispatcher(endpoint, authToken string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		endpoint:  endpoint,
		authToken: authToken,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Dispatch posts the task. A non-2xx response is an error; the caller's
// retry logic decides what happens next.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch rejected with status %d", resp.StatusCode)
	}
	return nil
}

// QueueDispatcher buffers tasks on an in-process channel. Used when no
// worker endpoint is configured and in tests.
type QueueDispatcher struct {
	tasks chan Task
}

// NewQueueDispatcher creates an in-process dispatcher with the given buffer.
func NewQueueDispatcher(buffer int) *QueueDispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &QueueDispatcher{tasks: make(chan Task, buffer)}
}

// Dispatch enqueues the task, failing when the buffer is full rather than
// blocking ingestion.
func (d *QueueDispatcher) Dispatch(ctx context.Context, task Task) error {
	select {
	case d.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("dispatch queue full (%d tasks)", cap(d.tasks))
	}
}

// Tasks exposes the buffered task stream for a local worker to consume.
func (d *QueueDispatcher) Tasks() <-chan Task {
	return d.tasks
}

// Close ends the task stream. No Dispatch may follow.
func (d *QueueDispatcher) Close() {
	close(d.tasks)
}
