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

CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	tls        INTEGER NOT NULL DEFAULT 1,
	username   TEXT NOT NULL,
	auth_kind  TEXT NOT NULL DEFAULT 'password',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	delimiter       TEXT NOT NULL DEFAULT '/',
	uid_validity    INTEGER NOT NULL DEFAULT 0,
	uid_next        INTEGER NOT NULL DEFAULT 0,
	read_only       INTEGER NOT NULL DEFAULT 0,
	flags           TEXT NOT NULL DEFAULT '[]',
	permanent_flags TEXT NOT NULL DEFAULT '[]',
	total_count     INTEGER NOT NULL DEFAULT 0,
	unseen_count    INTEGER NOT NULL DEFAULT 0,
	last_sync_at    DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	folder_id     TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid           INTEGER NOT NULL,
	flags         TEXT NOT NULL DEFAULT '[]',
	envelope      TEXT NOT NULL DEFAULT '{}',
	structure     TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	internal_date DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	text_body     TEXT NOT NULL DEFAULT '',
	html_body     TEXT NOT NULL DEFAULT '',
	removed       INTEGER NOT NULL DEFAULT 0 CHECK(removed IN (0, 1)),
	fetched_at    DATETIME NOT NULL,
	PRIMARY KEY (folder_id, uid)
);

CREATE TABLE IF NOT EXISTS pending_mutations (
	id            TEXT PRIMARY KEY,
	folder_id     TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid           INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	flags         TEXT NOT NULL DEFAULT '[]',
	target_folder TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notices (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	folder_id  TEXT NOT NULL,
	uid        INTEGER NOT NULL DEFAULT 0,
	message    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_pending_mutations_folder ON pending_mutations(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_notices_read ON notices(read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_removed ON messages(folder_id, removed);
CREATE INDEX IF NOT EXISTS idx_notices_account ON notices(account_id, created_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
