package storage

const schemaSQL = `
-- Pages are content-addressed: one row per unique (normalized URL, capture
-- timestamp) pair. The UNIQUE(dedup_key) constraint is the sole arbiter of
-- concurrent creation races.
CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT UNIQUE NOT NULL,
    url TEXT NOT NULL,
    capture_ts DATETIME NOT NULL,

    -- Capture metadata from the CDX record
    digest TEXT,
    mimetype TEXT,
    status_code INTEGER,
    length INTEGER,

    -- Content fields (NULL until the scrape worker reports back)
    title TEXT,
    text_content TEXT,
    word_count INTEGER,
    quality_score INTEGER,
    content_type TEXT,
    language TEXT,
    content_updated_at DATETIME,

    -- Search-index bookkeeping
    indexed_at DATETIME,

    -- Orphan lifecycle
    orphaned_at DATETIME,

    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pages_url_ts ON pages(url, capture_ts);
CREATE INDEX IF NOT EXISTS idx_pages_orphaned ON pages(orphaned_at) WHERE orphaned_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_pages_dirty ON pages(content_updated_at) WHERE content_updated_at IS NOT NULL;

-- A project's claim on a shared page, with project-local metadata.
-- Deleting the last association orphans the page; the page itself is only
-- removed by the deferred cleanup sweep.
CREATE TABLE IF NOT EXISTS project_pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL,
    page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    tags TEXT NOT NULL DEFAULT '[]',
    review_status TEXT NOT NULL DEFAULT 'unreviewed'
        CHECK (review_status IN ('unreviewed', 'relevant', 'irrelevant')),
    starred INTEGER NOT NULL DEFAULT 0,
    priority TEXT NOT NULL DEFAULT 'medium'
        CHECK (priority IN ('low', 'medium', 'high', 'critical')),
    category TEXT NOT NULL DEFAULT '',
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(project_id, page_id)
);

CREATE INDEX IF NOT EXISTS idx_project_pages_project ON project_pages(project_id);
CREATE INDEX IF NOT EXISTS idx_project_pages_page ON project_pages(page_id);

-- Per-record processing ledger, independent of any project. Entries are
-- retained indefinitely for idempotency and audit.
CREATE TABLE IF NOT EXISTS cdx_registry (
    record_key TEXT PRIMARY KEY NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'done', 'failed')),
    page_id INTEGER,
    task_id TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    claimed_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_registry_status ON cdx_registry(status);
CREATE INDEX IF NOT EXISTS idx_registry_claimed ON cdx_registry(claimed_at) WHERE status = 'processing';

-- Project membership, the basis for access control.
CREATE TABLE IF NOT EXISTS project_members (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    project_id INTEGER NOT NULL,
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, project_id)
);

CREATE INDEX IF NOT EXISTS idx_members_user ON project_members(user_id);

-- Pre-shared legacy records: one page row per project, duplicated across
-- projects. Input to the migration engine, never written by the pipeline.
CREATE TABLE IF NOT EXISTS legacy_pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL,
    capture_url TEXT NOT NULL,
    url TEXT,
    timestamp TEXT,
    title TEXT,
    text_content TEXT,
    mimetype TEXT
);

-- Key-value bookkeeping (schema version, sweep cursors).
CREATE TABLE IF NOT EXISTS ingest_meta (
    key TEXT PRIMARY KEY NOT NULL,
    value TEXT NOT NULL
);
`
