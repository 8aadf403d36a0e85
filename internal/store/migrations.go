package store

// Migration is one forward-only schema change, applied in Version order
// inside a single transaction (see DB.applyMigration).
type Migration struct {
	Version int
	SQL     string
}

// Sentinel IDs reserved in the low integer range (spec §3).
const (
	ContactSelf        = 1
	ContactDevice      = 2
	ContactLastSpecial = 9

	ChatDeadDrop         = 1
	ChatTrash            = 3
	ChatMsgsInCreation   = 4
	ChatStarred          = 5
	ChatArchivedLink     = 6
	ChatLastSpecial      = 9
	ChatFirstUserDefined = 10

	MsgDayMarker    = 1
	MsgMarker1      = 2
	MsgLastSpecial  = 9
	MsgFirstUserMsg = 10
)

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE contacts (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				name      TEXT NOT NULL DEFAULT '',
				authname  TEXT NOT NULL DEFAULT '',
				addr      TEXT NOT NULL DEFAULT '',
				origin    INTEGER NOT NULL DEFAULT 0,
				blocked   INTEGER NOT NULL DEFAULT 0
			);
			CREATE UNIQUE INDEX contacts_addr_idx ON contacts(addr) WHERE id > 9;

			INSERT INTO contacts (id, name, addr, origin) VALUES
				(1, 'Me', '', 0),
				(2, 'Device Messages', 'device@localhost', 0);
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE TABLE chats (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				type             INTEGER NOT NULL DEFAULT 100,
				name             TEXT NOT NULL DEFAULT '',
				draft_timestamp  INTEGER NOT NULL DEFAULT 0,
				draft_text       TEXT NOT NULL DEFAULT '',
				group_id         TEXT NOT NULL DEFAULT '',
				param            TEXT NOT NULL DEFAULT '',
				archived         INTEGER NOT NULL DEFAULT 0,
				blocked          INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX chats_archived_idx ON chats(archived);

			CREATE TABLE chat_contacts (
				chat_id    INTEGER NOT NULL REFERENCES chats(id),
				contact_id INTEGER NOT NULL REFERENCES contacts(id),
				PRIMARY KEY (chat_id, contact_id)
			);
		`,
	},
	{
		Version: 3,
		SQL: `
			CREATE TABLE messages (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				rfc724_mid       TEXT NOT NULL DEFAULT '',
				server_folder    TEXT NOT NULL DEFAULT '',
				server_uid       INTEGER NOT NULL DEFAULT 0,
				chat_id          INTEGER NOT NULL DEFAULT 0,
				from_id          INTEGER NOT NULL DEFAULT 0,
				to_id            INTEGER NOT NULL DEFAULT 0,
				timestamp        INTEGER NOT NULL DEFAULT 0,
				timestamp_sent   INTEGER NOT NULL DEFAULT 0,
				timestamp_rcvd   INTEGER NOT NULL DEFAULT 0,
				type             INTEGER NOT NULL DEFAULT 0,
				state            INTEGER NOT NULL DEFAULT 0,
				is_messenger_msg INTEGER NOT NULL DEFAULT 0,
				text             TEXT NOT NULL DEFAULT '',
				text_raw         TEXT NOT NULL DEFAULT '',
				param            TEXT NOT NULL DEFAULT '',
				starred          INTEGER NOT NULL DEFAULT 0,
				hidden           INTEGER NOT NULL DEFAULT 0,
				in_reply_to      TEXT NOT NULL DEFAULT ''
			);
			CREATE UNIQUE INDEX messages_rfc724_mid_idx ON messages(rfc724_mid) WHERE rfc724_mid != '';
			CREATE INDEX messages_chat_id_idx ON messages(chat_id, timestamp);
			CREATE INDEX messages_state_idx ON messages(state);

			CREATE TABLE message_mdns (
				msg_id         INTEGER NOT NULL REFERENCES messages(id),
				contact_id     INTEGER NOT NULL REFERENCES contacts(id),
				timestamp_sent INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (msg_id, contact_id)
			);

			CREATE TABLE attachments (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				msg_id     INTEGER NOT NULL REFERENCES messages(id),
				blob_name  TEXT NOT NULL,
				mimetype   TEXT NOT NULL DEFAULT '',
				size_bytes INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX attachments_msg_id_idx ON attachments(msg_id);
		`,
	},
	{
		Version: 4,
		SQL: `
			CREATE TABLE keypairs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				addr        TEXT NOT NULL,
				is_default  INTEGER NOT NULL DEFAULT 0,
				public_key  BLOB NOT NULL,
				private_key BLOB NOT NULL,
				created     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX keypairs_addr_idx ON keypairs(addr);
			CREATE UNIQUE INDEX keypairs_default_idx ON keypairs(addr) WHERE is_default = 1;
		`,
	},
	{
		Version: 5,
		SQL: `
			CREATE TABLE peerstates (
				addr                   TEXT PRIMARY KEY,
				last_seen              INTEGER NOT NULL DEFAULT 0,
				last_seen_autocrypt    INTEGER NOT NULL DEFAULT 0,
				public_key             BLOB,
				public_key_fingerprint TEXT NOT NULL DEFAULT '',
				gossip_key             BLOB,
				gossip_timestamp       INTEGER NOT NULL DEFAULT 0,
				verified_key           BLOB,
				prefer_encrypt         INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
	{
		Version: 6,
		SQL: `
			CREATE TABLE jobs (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				added_timestamp    INTEGER NOT NULL DEFAULT 0,
				thread             TEXT NOT NULL,
				action             TEXT NOT NULL,
				foreign_id         INTEGER NOT NULL DEFAULT 0,
				param              TEXT NOT NULL DEFAULT '',
				desired_timestamp  INTEGER NOT NULL DEFAULT 0,
				try_count          INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX jobs_thread_desired_idx ON jobs(thread, desired_timestamp);
		`,
	},
	{
		Version: 7,
		SQL: `
			CREATE TABLE config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE left_groups (
				group_id TEXT PRIMARY KEY
			);
		`,
	},
	{
		Version: 8,
		SQL: `
			-- backup_blobs stays empty in the live database. ExportBackup
			-- fills it in the backup copy alone (adding a file_content
			-- column); ImportBackup restores the blobs from it and drops
			-- it (spec §4.16).
			CREATE TABLE backup_blobs (
				blob_name TEXT PRIMARY KEY,
				copied    INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
}
