package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hfujita/kasane/internal/cdx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testKey(t *testing.T, url, timestamp string) cdx.Key {
	t.Helper()
	key, err := cdx.KeyForRecord(cdx.Record{URL: url, Timestamp: timestamp})
	if err != nil {
		t.Fatalf("failed to build key for %s@%s: %v", url, timestamp, err)
	}
	return key
}

// seedPage creates a page and returns its id.
func seedPage(t *testing.T, store *Store, url, timestamp string) int64 {
	t.Helper()
	id, created, err := store.ResolveOrCreatePage(testKey(t, url, timestamp), PageHints{})
	if err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	if !created {
		t.Fatalf("page %s@%s already existed", url, timestamp)
	}
	return id
}

// seedLinkedPage creates a page already associated with a project.
func seedLinkedPage(t *testing.T, store *Store, projectID int64, url, timestamp string) int64 {
	t.Helper()
	pageID := seedPage(t, store, url, timestamp)
	if _, err := store.CreateAssociation(projectID, pageID, AssociationDefaults{}); err != nil {
		t.Fatalf("failed to associate page: %v", err)
	}
	return pageID
}

func futureTime() time.Time {
	return time.Now().UTC().Add(time.Hour)
}
