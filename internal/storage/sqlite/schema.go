package sqlite

// Times are stored as unix nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS captured_events (
		id                 TEXT PRIMARY KEY,
		source             TEXT NOT NULL,
		source_id          TEXT NOT NULL,
		event_type         TEXT NOT NULL,
		raw_payload        TEXT NOT NULL CHECK (json_valid(raw_payload)),
		normalised_payload TEXT,
		content_hash       TEXT,
		status             TEXT NOT NULL,
		batch_id           TEXT,
		commit_txid        TEXT,
		captured_at        INTEGER NOT NULL,
		normalised_at      INTEGER,
		committed_at       INTEGER,
		UNIQUE (source, source_id),
		CHECK ((content_hash IS NOT NULL) = (status IN ('normalised', 'batched', 'committed'))),
		CHECK ((batch_id IS NOT NULL) = (status IN ('batched', 'committed'))),
		CHECK ((commit_txid IS NOT NULL) = (status = 'committed'))
	)`,
	`CREATE INDEX IF NOT EXISTS captured_events_status_idx ON captured_events (status, captured_at, id)`,
	`CREATE INDEX IF NOT EXISTS captured_events_batch_idx ON captured_events (batch_id)`,
	`CREATE TABLE IF NOT EXISTS commit_batches (
		id            TEXT PRIMARY KEY,
		event_count   INTEGER NOT NULL,
		merkle_root   TEXT NOT NULL,
		merkle_tree   TEXT NOT NULL,
		status        TEXT NOT NULL,
		txid          TEXT,
		signed_tx     BLOB,
		error_message TEXT,
		attempts      INTEGER NOT NULL DEFAULT 0,
		claim_token   TEXT,
		claim_expires INTEGER,
		created_at    INTEGER NOT NULL,
		broadcast_at  INTEGER,
		confirmed_at  INTEGER,
		CHECK (status <> 'signed' OR signed_tx IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS commit_batches_status_idx ON commit_batches (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS anchor_mappings (
		source        TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		external_type TEXT NOT NULL,
		bsv_txid      TEXT NOT NULL,
		bsv_vout      INTEGER NOT NULL DEFAULT 0,
		batch_id      TEXT NOT NULL,
		merkle_root   TEXT,
		content_hash  TEXT,
		verified      INTEGER NOT NULL DEFAULT 0,
		verified_at   INTEGER,
		created_at    INTEGER NOT NULL,
		PRIMARY KEY (source, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS anchor_mappings_txid_idx ON anchor_mappings (bsv_txid)`,
}

// addedColumns upgrades databases created before the columns existed.
// SQLite has no ADD COLUMN IF NOT EXISTS, so duplicates are ignored.
var addedColumns = []string{
	`ALTER TABLE commit_batches ADD COLUMN signed_tx BLOB`,
	`ALTER TABLE commit_batches ADD COLUMN claim_token TEXT`,
	`ALTER TABLE commit_batches ADD COLUMN claim_expires INTEGER`,
}
