package search

// pagesMapping is the index settings and mapping for page documents.
// project_ids is the server-side access fence; it must stay an exact-match
// field so scope filters can never be analyzed away.
const pagesMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 0
  },
  "mappings": {
    "properties": {
      "page_id":       {"type": "long"},
      "url":           {"type": "keyword"},
      "capture_ts":    {"type": "date"},
      "title":         {"type": "text"},
      "text_content":  {"type": "text"},
      "word_count":    {"type": "integer"},
      "quality_score": {"type": "integer"},
      "language":      {"type": "keyword"},
      "project_ids":   {"type": "long"},
      "indexed_at":    {"type": "date"}
    }
  }
}`
