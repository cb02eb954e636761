package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_entries (
	user_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	position   INTEGER NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'generic',
	title      TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	read       INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	created_at DATETIME NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_feed_entries_user_position
	ON feed_entries(user_id, position);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS feed_sync (
	user_id   TEXT PRIMARY KEY,
	synced_at DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
