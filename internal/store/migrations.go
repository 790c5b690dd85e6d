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
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	address        TEXT NOT NULL,
	provider       TEXT NOT NULL CHECK(provider IN ('gmail', 'imap')),
	credential_ref TEXT NOT NULL DEFAULT '',
	is_primary     INTEGER NOT NULL DEFAULT 0 CHECK(is_primary IN (0, 1)),
	settings       TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, address)
);

CREATE TABLE IF NOT EXISTS categories (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	user_id             TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	thread_id           TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	from_name           TEXT NOT NULL DEFAULT '',
	from_email          TEXT NOT NULL DEFAULT '',
	body_text           TEXT NOT NULL DEFAULT '',
	body_html           TEXT NOT NULL DEFAULT '',
	summary             TEXT NOT NULL DEFAULT '',
	category_id         TEXT REFERENCES categories(id) ON DELETE SET NULL,
	archived            INTEGER NOT NULL DEFAULT 0 CHECK(archived IN (0, 1)),
	deleted             INTEGER NOT NULL DEFAULT 0 CHECK(deleted IN (0, 1)),
	categorized         INTEGER NOT NULL DEFAULT 0 CHECK(categorized IN (0, 1)),
	received_at         DATETIME NOT NULL,
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_categories_user_id ON categories(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_category_id ON messages(category_id);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN list_unsubscribe TEXT NOT NULL DEFAULT '';
ALTER TABLE messages ADD COLUMN unsubscribe_outcome TEXT NOT NULL DEFAULT ''
	CHECK(unsubscribe_outcome IN ('', 'success', 'unconfirmed', 'failed'));
ALTER TABLE messages ADD COLUMN unsubscribe_detail TEXT NOT NULL DEFAULT '';
ALTER TABLE messages ADD COLUMN unsubscribed_at DATETIME;

CREATE INDEX IF NOT EXISTS idx_messages_user_deleted_received
	ON messages(user_id, deleted, received_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
