package storage

import "time"

// Registry entry statuses. Transitions are monotonic except failed->pending
// on retry: pending -> processing -> done, or pending/processing -> failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Review statuses for an association.
const (
	ReviewUnreviewed = "unreviewed"
	ReviewRelevant   = "relevant"
	ReviewIrrelevant = "irrelevant"
)

// Priority levels for an association.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Categories an association may be filed under. The empty string means
// uncategorized.
var Categories = []string{
	"article", "documentation", "forum", "listing", "media", "other",
}

// Page is one unique captured web resource at one point in time, shared
// across projects.
type Page struct {
	ID         int64
	DedupKey   string
	URL        string
	CaptureTS  time.Time
	Digest     string
	Mimetype   string
	StatusCode int
	Length     int64

	Title            string
	TextContent      string
	WordCount        int
	QualityScore     int
	ContentType      string
	Language         string
	ContentUpdatedAt *time.Time

	IndexedAt  *time.Time
	OrphanedAt *time.Time
	CreatedAt  time.Time
}

// PageHints carries CDX-record metadata applied when a page row is first
// created. It never overwrites content fields.
type PageHints struct {
	Digest     string
	Mimetype   string
	StatusCode int
	Length     int64
}

// ContentFields is the scrape worker's extracted payload for a page.
type ContentFields struct {
	Title        string
	TextContent  string
	WordCount    int
	QualityScore int
	ContentType  string
	Language     string
}

// Association is a project's claim on a page, with project-local metadata.
type Association struct {
	ID           int64
	ProjectID    int64
	PageID       int64
	Tags         []string
	ReviewStatus string
	Starred      bool
	Priority     string
	Category     string
	AddedAt      time.Time
}

// AssociationDefaults seeds metadata when an association is first created.
type AssociationDefaults struct {
	Tags         []string
	ReviewStatus string
	Priority     string
	Category     string
}

// AssociationPatch is a partial metadata update. Nil fields are untouched.
// AddTags/RemoveTags adjust the tag set; RemoveTags wins on overlap.
type AssociationPatch struct {
	AddTags      []string
	RemoveTags   []string
	ReviewStatus *string
	Starred      *bool
	Priority     *string
	Category     *string
}

// BulkItemResult reports the outcome of one association in a bulk update.
type BulkItemResult struct {
	AssociationID int64
	OK            bool
	Err           string
}

// RegistryEntry tracks processing of one raw CDX record.
type RegistryEntry struct {
	RecordKey  string
	Status     string
	PageID     *int64
	TaskID     string
	RetryCount int
	LastError  string
	ClaimedAt  *time.Time
	UpdatedAt  time.Time
}

// PageFilters narrows a project page listing.
type PageFilters struct {
	ReviewStatus string
	Priority     string
	Category     string
	Tag          string
	Starred      *bool
	URLContains  string
}

// Pagination bounds a listing. Page is 1-based.
type Pagination struct {
	Page int
	Size int
}

func (p Pagination) offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.limit()
}

func (p Pagination) limit() int {
	if p.Size < 1 {
		return 50
	}
	return p.Size
}

// ProjectPage is a page joined with one project's association metadata,
// as returned by ListPages.
type ProjectPage struct {
	Page
	Association Association
}

// SharingStatistics summarizes cross-project page reuse.
type SharingStatistics struct {
	TotalPages          int64
	TotalAssociations   int64
	SharedPages         int64 // pages held by two or more projects
	OrphanCandidates    int64
	DuplicatesCollapsed int64 // associations minus distinct linked pages
	RegistryByStatus    map[string]int64
}

// LegacyPage is one pre-shared record read by the migration engine.
type LegacyPage struct {
	ID         int64
	ProjectID  int64
	CaptureURL string
	URL        string
	Timestamp  string
	Title      string
	Text       string
	Mimetype   string
}
