// Package search keeps an Elasticsearch index of page content in sync with
// the page store and answers project-scoped full-text queries.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/hfujita/kasane/internal/config"
)

// PageDocument is the indexed representation of one page. ProjectIDs is
// the access scope: every query filters on it server-side.
type PageDocument struct {
	PageID       int64     `json:"page_id"`
	URL          string    `json:"url"`
	CaptureTS    time.Time `json:"capture_ts"`
	Title        string    `json:"title"`
	TextContent  string    `json:"text_content"`
	WordCount    int       `json:"word_count"`
	QualityScore int       `json:"quality_score"`
	Language     string    `json:"language,omitempty"`
	ProjectIDs   []int64   `json:"project_ids"`
	IndexedAt    time.Time `json:"indexed_at"`
}

// Client wraps the Elasticsearch client for one index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// NewClient creates a search client from configuration.
func NewClient(cfg config.SearchConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: es, index: cfg.Index}, nil
}

// Ping verifies the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}
	return nil
}

// EnsureIndex creates the pages index with its mapping if it does not
// already exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	exists, err := c.indexExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	res, err := c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader([]byte(pagesMapping))),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", c.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", c.index, res.Status())
	}
	return nil
}

func (c *Client) indexExists(ctx context.Context) (bool, error) {
	res, err := c.es.Indices.Exists(
		[]string{c.index},
		c.es.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", c.index, err)
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

// IndexPage upserts one page document, keyed by page id.
func (c *Client) IndexPage(ctx context.Context, doc PageDocument) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode page document: %w", err)
	}

	res, err := c.es.Index(
		c.index,
		&buf,
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(strconv.FormatInt(doc.PageID, 10)),
	)
	if err != nil {
		return fmt.Errorf("index page %d: %w", doc.PageID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index page %d: %s", doc.PageID, res.Status())
	}
	return nil
}

// DeletePage removes one page document. A missing document is not an error.
func (c *Client) DeletePage(ctx context.Context, pageID int64) error {
	res, err := c.es.Delete(
		c.index,
		strconv.FormatInt(pageID, 10),
		c.es.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("delete page %d: %w", pageID, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("delete page %d: %s", pageID, res.Status())
	}
	return nil
}

// searchResponse is the subset of the Elasticsearch response we consume.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search executes a raw query body against the pages index.
func (c *Client) Search(ctx context.Context, query map[string]any) (*searchResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("encode search query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s: %s", res.Status(), body)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &parsed, nil
}
