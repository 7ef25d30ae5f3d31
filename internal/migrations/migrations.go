package migrations

// The schema is embedded so the binary and the test suite never depend on a
// migrations directory being present next to the working directory.

const initialSchema = `
CREATE TABLE IF NOT EXISTS bridge_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    message_timestamp INTEGER NOT NULL,
    body_fingerprint TEXT NOT NULL,
    direction TEXT NOT NULL,
    is_group BOOLEAN NOT NULL DEFAULT FALSE,
    body TEXT NOT NULL,
    local_msg_ref TEXT,
    local_msg_ref_hash TEXT,
    remote_msg_ref TEXT,
    remote_room_ref TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    failure_reason TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_bridge_records_local_ref
    ON bridge_records(local_msg_ref_hash) WHERE local_msg_ref_hash IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_bridge_records_status_created
    ON bridge_records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_bridge_records_conversation
    ON bridge_records(conversation_id);

CREATE TRIGGER IF NOT EXISTS bridge_records_updated_at
AFTER UPDATE ON bridge_records
WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE bridge_records SET updated_at = CURRENT_TIMESTAMP
    WHERE id = NEW.id;
END;

CREATE TABLE IF NOT EXISTS participants (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL REFERENCES bridge_records(id) ON DELETE CASCADE,
    phone_number TEXT NOT NULL,
    role TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_participants_record ON participants(record_id);

CREATE TABLE IF NOT EXISTS room_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_key TEXT NOT NULL UNIQUE,
    participants TEXT NOT NULL,
    remote_room_id TEXT NOT NULL UNIQUE,
    remote_alias TEXT,
    is_group BOOLEAN NOT NULL DEFAULT FALSE,
    last_used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS room_mappings_updated_at
AFTER UPDATE ON room_mappings
WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE room_mappings SET updated_at = CURRENT_TIMESTAMP
    WHERE id = NEW.id;
END;
`

// GetInitialSchema returns the initial database schema.
func GetInitialSchema() (string, error) {
	return initialSchema, nil
}
