package postgres

const schema = `
CREATE TABLE IF NOT EXISTS captured_events (
	id                 TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	source_id          TEXT NOT NULL,
	event_type         TEXT NOT NULL,
	raw_payload        JSONB NOT NULL,
	normalised_payload JSONB,
	content_hash       TEXT,
	status             TEXT NOT NULL,
	batch_id           TEXT,
	commit_txid        TEXT,
	captured_at        TIMESTAMPTZ NOT NULL,
	normalised_at      TIMESTAMPTZ,
	committed_at       TIMESTAMPTZ,
	UNIQUE (source, source_id),
	CHECK ((content_hash IS NOT NULL) = (status IN ('normalised', 'batched', 'committed'))),
	CHECK ((batch_id IS NOT NULL) = (status IN ('batched', 'committed'))),
	CHECK ((commit_txid IS NOT NULL) = (status = 'committed'))
);

CREATE INDEX IF NOT EXISTS captured_events_status_idx
	ON captured_events (status, captured_at, id);
CREATE INDEX IF NOT EXISTS captured_events_batch_idx
	ON captured_events (batch_id);

CREATE TABLE IF NOT EXISTS commit_batches (
	id            TEXT PRIMARY KEY,
	event_count   INTEGER NOT NULL,
	merkle_root   TEXT NOT NULL,
	merkle_tree   JSONB NOT NULL,
	status        TEXT NOT NULL,
	txid          TEXT,
	signed_tx     BYTEA,
	error_message TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	claim_token   TEXT,
	claim_expires TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	broadcast_at  TIMESTAMPTZ,
	confirmed_at  TIMESTAMPTZ,
	CHECK (status <> 'signed' OR signed_tx IS NOT NULL)
);

ALTER TABLE commit_batches ADD COLUMN IF NOT EXISTS signed_tx BYTEA;
ALTER TABLE commit_batches ADD COLUMN IF NOT EXISTS claim_token TEXT;
ALTER TABLE commit_batches ADD COLUMN IF NOT EXISTS claim_expires TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS commit_batches_status_idx
	ON commit_batches (status, created_at);

CREATE TABLE IF NOT EXISTS anchor_mappings (
	source        TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	external_type TEXT NOT NULL,
	bsv_txid      TEXT NOT NULL,
	bsv_vout      INTEGER NOT NULL DEFAULT 0,
	batch_id      TEXT NOT NULL,
	merkle_root   TEXT,
	content_hash  TEXT,
	verified      BOOLEAN NOT NULL DEFAULT false,
	verified_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, external_id)
);

CREATE INDEX IF NOT EXISTS anchor_mappings_txid_idx
	ON anchor_mappings (bsv_txid);
`
