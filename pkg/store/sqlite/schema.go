package sqlite

// Schema contains the SQL statements to create the node record schema.
const Schema = `
-- One row per endpoint; data holds the JSON-encoded record so schema changes
-- in the record never require a migration here.
CREATE TABLE IF NOT EXISTS node_records (
    endpoint    TEXT PRIMARY KEY,
    origin      TEXT NOT NULL,
    state       TEXT NOT NULL,
    data        TEXT NOT NULL,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_node_records_origin ON node_records(origin);
CREATE INDEX IF NOT EXISTS idx_node_records_state ON node_records(state);
`
