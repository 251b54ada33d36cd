// Package sqlite is an embedded Store backed by modernc.org/sqlite. Writers
// are serialised through a single connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"anchorScope/internal/merkle"
	"anchorScope/internal/model"
	"anchorScope/internal/storage"
)

const eventColumns = `id, source, source_id, event_type, raw_payload, normalised_payload, content_hash,
	status, batch_id, commit_txid, captured_at, normalised_at, committed_at`

const batchColumns = `id, event_count, merkle_root, merkle_tree, status, txid, signed_tx, error_message,
	attempts, created_at, broadcast_at, confirmed_at`

const anchorColumns = `source, external_id, external_type, bsv_txid, bsv_vout, batch_id,
	merkle_root, content_hash, verified, verified_at, created_at`

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return New(db), nil
}

// New wraps an open database. It does not apply the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for _, stmt := range addedColumns {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("upgrade schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func scanEvent(row rowScanner) (*model.CapturedEvent, error) {
	var (
		ev                        model.CapturedEvent
		source, status, raw       string
		normalised, contentHash   sql.NullString
		batchID, commitTxid       sql.NullString
		capturedAt                int64
		normalisedAt, committedAt sql.NullInt64
	)
	err := row.Scan(
		&ev.ID, &source, &ev.SourceID, &ev.EventType, &raw, &normalised, &contentHash,
		&status, &batchID, &commitTxid, &capturedAt, &normalisedAt, &committedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Source = model.Source(source)
	ev.Status = model.EventStatus(status)
	ev.RawPayload = json.RawMessage(raw)
	if normalised.Valid {
		ev.NormalisedPayload = json.RawMessage(normalised.String)
	}
	ev.ContentHash = contentHash.String
	ev.BatchID = nullString(batchID)
	ev.CommitTxid = nullString(commitTxid)
	ev.CapturedAt = fromNanos(capturedAt)
	ev.NormalisedAt = nullTime(normalisedAt)
	ev.CommittedAt = nullTime(committedAt)
	return &ev, nil
}

func scanBatch(row rowScanner) (*model.CommitBatch, error) {
	var (
		b                        model.CommitBatch
		status, tree             string
		txid, errMsg             sql.NullString
		createdAt                int64
		broadcastAt, confirmedAt sql.NullInt64
	)
	err := row.Scan(
		&b.ID, &b.EventCount, &b.MerkleRoot, &tree, &status, &txid, &b.SignedTx, &errMsg,
		&b.Attempts, &createdAt, &broadcastAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	b.Txid = nullString(txid)
	b.ErrorMessage = nullString(errMsg)
	b.CreatedAt = fromNanos(createdAt)
	b.BroadcastAt = nullTime(broadcastAt)
	b.ConfirmedAt = nullTime(confirmedAt)
	if tree != "" {
		var t merkle.Tree
		if err := json.Unmarshal([]byte(tree), &t); err != nil {
			return nil, fmt.Errorf("decode merkle tree for batch %s: %w", b.ID, err)
		}
		b.MerkleTree = &t
	}
	return &b, nil
}

func scanAnchor(row rowScanner) (*model.AnchorMapping, error) {
	var (
		a                       model.AnchorMapping
		source                  string
		merkleRoot, contentHash sql.NullString
		verifiedAt              sql.NullInt64
		createdAt               int64
	)
	err := row.Scan(
		&source, &a.ExternalID, &a.ExternalType, &a.LedgerTxid, &a.LedgerVout, &a.BatchID,
		&merkleRoot, &contentHash, &a.Verified, &verifiedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	a.Source = model.Source(source)
	a.MerkleRoot = merkleRoot.String
	a.ContentHash = contentHash.String
	a.VerifiedAt = nullTime(verifiedAt)
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func (s *Store) InsertEvent(ctx context.Context, ev *model.CapturedEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO captured_events (id, source, source_id, event_type, raw_payload, status, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, source_id) DO NOTHING
	`, ev.ID, string(ev.Source), ev.SourceID, ev.EventType, string(ev.RawPayload), string(ev.Status), nanos(ev.CapturedAt))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.CapturedEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM captured_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, "event "+id)
	}
	return ev, nil
}

func (s *Store) GetEventBySource(ctx context.Context, source model.Source, sourceID string) (*model.CapturedEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM captured_events WHERE source = $1 AND source_id = $2`,
		string(source), sourceID)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("event %s/%s", source, sourceID))
	}
	return ev, nil
}

func (s *Store) SaveNormalised(ctx context.Context, id string, payload json.RawMessage, contentHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE captured_events
		SET normalised_payload = $2, content_hash = $3, status = 'normalised', normalised_at = $4
		WHERE id = $1 AND status IN ('captured', 'normalised')
	`, id, string(payload), contentHash, nanos(at))
	if err != nil {
		return fmt.Errorf("save normalised event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save normalised event: %w", err)
	} else if n == 0 {
		return fmt.Errorf("save normalised event %s: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) ListCaptured(ctx context.Context, after storage.Cursor, limit int) ([]model.CapturedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM captured_events WHERE status = 'captured'`
	args := []any{}
	if !after.IsZero() {
		query += ` AND (captured_at > $1 OR (captured_at = $1 AND id > $2))`
		args = append(args, nanos(after.CapturedAt), after.ID)
	}
	query += fmt.Sprintf(` ORDER BY captured_at, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list captured events: %w", err)
	}
	defer rows.Close()

	var out []model.CapturedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ClaimBatch relies on the single connection to serialise concurrent claims;
// the conditional UPDATE re-checks batch_id so a row is never claimed twice.
func (s *Store) ClaimBatch(ctx context.Context, batchID string, maxEvents int, createdAt time.Time, build storage.BatchBuildFunc) (*model.CommitBatch, error) {
	if maxEvents <= 0 {
		return nil, fmt.Errorf("max events must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE captured_events
		SET batch_id = $1, status = 'batched'
		WHERE id IN (
			SELECT id FROM captured_events
			WHERE status = 'normalised' AND batch_id IS NULL
			ORDER BY captured_at, id
			LIMIT $2
		) AND status = 'normalised' AND batch_id IS NULL
		RETURNING `+eventColumns, batchID, maxEvents)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	var claimed []model.CapturedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		claimed = append(claimed, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	storage.SortClaimed(claimed)

	tree, err := build(claimed)
	if err != nil {
		return nil, err
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode merkle tree: %w", err)
	}

	batch := &model.CommitBatch{
		ID:         batchID,
		EventCount: len(claimed),
		MerkleRoot: tree.RootHash(),
		MerkleTree: tree,
		Status:     model.BatchPending,
		CreatedAt:  fromNanos(nanos(createdAt)),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commit_batches (id, event_count, merkle_root, merkle_tree, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, batch.ID, batch.EventCount, batch.MerkleRoot, string(treeJSON), string(batch.Status), nanos(createdAt)); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return batch, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*model.CommitBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM commit_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err != nil {
		return nil, notFound(err, "batch "+id)
	}
	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, statuses ...model.BatchStatus) ([]*model.CommitBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM commit_batches`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*model.CommitBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBuilding takes the commit claim when no other unexpired claim exists.
func (s *Store) MarkBuilding(ctx context.Context, id string, claim storage.CommitClaim) (*model.CommitBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE commit_batches
		SET status = CASE WHEN status = 'signed' THEN 'signed' ELSE 'building' END,
			attempts = attempts + 1, claim_token = $2, claim_expires = $4
		WHERE id = $1 AND status IN ('pending', 'building', 'signed')
			AND (claim_token IS NULL OR claim_token = $2 OR claim_expires <= $3)
		RETURNING `+batchColumns, id, claim.Token, nanos(claim.Now), nanos(claim.Until))
	b, err := scanBatch(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark batch building: %w", err)
	}
	current, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, storage.ClaimRefused(current)
}

func (s *Store) MarkSigned(ctx context.Context, id, token, txid string, raw []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commit_batches SET status = 'signed', txid = $3, signed_tx = $4
		WHERE id = $1 AND status = 'building' AND claim_token = $2
	`, id, token, txid, raw)
	if err != nil {
		return fmt.Errorf("mark batch signed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark batch signed: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mark batch %s signed: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) ReleaseBatch(ctx context.Context, id, token, message string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE commit_batches SET error_message = $3, claim_token = NULL, claim_expires = NULL
		WHERE id = $1 AND claim_token = $2
	`, id, token, message); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}

func (s *Store) MarkBroadcast(ctx context.Context, id, txid string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin broadcast: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE commit_batches
		SET status = 'broadcast', txid = $2, broadcast_at = $3, error_message = NULL,
			claim_token = NULL, claim_expires = NULL
		WHERE id = $1 AND status IN ('building', 'signed')
	`, id, txid, nanos(at))
	if err != nil {
		return fmt.Errorf("mark batch broadcast: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark batch broadcast: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mark batch %s broadcast: %w", id, model.ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE captured_events
		SET status = 'committed', commit_txid = $2, committed_at = $3
		WHERE batch_id = $1 AND status = 'batched'
	`, id, txid, nanos(at)); err != nil {
		return fmt.Errorf("commit batch events: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_mappings (
			source, external_id, external_type, bsv_txid, bsv_vout, batch_id,
			merkle_root, content_hash, verified, created_at
		)
		SELECT e.source, e.source_id, e.event_type, $2, 0, $1, b.merkle_root, e.content_hash, 0, $3
		FROM captured_events e
		JOIN commit_batches b ON b.id = e.batch_id
		WHERE e.batch_id = $1
		ON CONFLICT (source, external_id) DO NOTHING
	`, id, txid, nanos(at)); err != nil {
		return fmt.Errorf("insert anchor mappings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit broadcast: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE commit_batches
		SET status = 'failed', error_message = $2, claim_token = NULL, claim_expires = NULL
		WHERE id = $1 AND status IN ('pending', 'building', 'signed')
	`, id, message)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mark batch %s failed: %w", id, model.ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE captured_events
		SET status = 'normalised', batch_id = NULL
		WHERE batch_id = $1 AND status = 'batched'
	`, id); err != nil {
		return fmt.Errorf("release batch events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

func (s *Store) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commit_batches SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1 AND status = 'broadcast'
	`, id, nanos(at))
	if err != nil {
		return fmt.Errorf("mark batch confirmed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark batch confirmed: %w", err)
	} else if n == 0 {
		return fmt.Errorf("mark batch %s confirmed: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) GetAnchor(ctx context.Context, source model.Source, externalID string) (*model.AnchorMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchor_mappings WHERE source = $1 AND external_id = $2`,
		string(source), externalID)
	a, err := scanAnchor(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("anchor %s/%s", source, externalID))
	}
	return a, nil
}

func (s *Store) ListAnchors(ctx context.Context, after storage.AnchorCursor, limit int) ([]model.AnchorMapping, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor_mappings`
	args := []any{}
	if !after.IsZero() {
		query += ` WHERE (created_at, source, external_id) > ($1, $2, $3)`
		args = append(args, nanos(after.CreatedAt), string(after.Source), after.ExternalID)
	}
	query += ` ORDER BY created_at, source, external_id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []model.AnchorMapping
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) MarkAnchorVerified(ctx context.Context, source model.Source, externalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE anchor_mappings SET verified = 1, verified_at = $3
		WHERE source = $1 AND external_id = $2
	`, string(source), externalID, nanos(at))
	if err != nil {
		return fmt.Errorf("mark anchor verified: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark anchor verified: %w", err)
	} else if n == 0 {
		return fmt.Errorf("anchor %s/%s: %w", source, externalID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	stats := storage.NewStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM captured_events GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.Events[model.EventStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, count(*), coalesce(sum(event_count), 0) FROM commit_batches GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count batches: %w", err)
	}
	for rows.Next() {
		var status string
		var n, events int
		if err := rows.Scan(&status, &n, &events); err != nil {
			rows.Close()
			return stats, err
		}
		stats.Batches[model.BatchStatus(status)] = n
		if model.BatchStatus(status) != model.BatchFailed {
			stats.ActiveBatchedTotal += events
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("count batches: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*), coalesce(sum(verified), 0) FROM anchor_mappings
	`).Scan(&stats.Anchors, &stats.VerifiedAnchors); err != nil {
		return stats, fmt.Errorf("count anchors: %w", err)
	}

	return stats, nil
}
