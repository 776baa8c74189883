package search

import "errors"

// ErrEmptyScope is returned when a query carries no project scope. An
// unscoped query would expose every project's pages, so it is refused
// before it reaches the cluster.
var ErrEmptyScope = errors.New("search query has empty project scope")

// Query describes one project-scoped search.
type Query struct {
	Text       string
	ProjectIDs []int64 // access scope, mandatory
	Language   string
	MinQuality int
	Page       int // 1-based
	Size       int
}

// BuildQuery assembles the Elasticsearch request body. The project scope
// goes into the filter clause so it bounds every hit regardless of how the
// text clause scores.
func BuildQuery(q Query) (map[string]any, error) {
	if len(q.ProjectIDs) == 0 {
		return nil, ErrEmptyScope
	}

	var must []map[string]any
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": []string{"title^2", "text_content"},
			},
		})
	} else {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}

	filter := []map[string]any{
		{"terms": map[string]any{"project_ids": q.ProjectIDs}},
	}
	if q.Language != "" {
		filter = append(filter, map[string]any{
			"term": map[string]any{"language": q.Language},
		})
	}
	if q.MinQuality > 0 {
		filter = append(filter, map[string]any{
			"range": map[string]any{
				"quality_score": map[string]any{"gte": q.MinQuality},
			},
		})
	}

	size := q.Size
	if size < 1 {
		size = 50
	}
	from := 0
	if q.Page > 1 {
		from = (q.Page - 1) * size
	}

	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": filter,
			},
		},
		"from": from,
		"size": size,
		"sort": []map[string]any{
			{"_score": map[string]any{"order": "desc"}},
			{"capture_ts": map[string]any{"order": "desc"}},
		},
	}, nil
}
