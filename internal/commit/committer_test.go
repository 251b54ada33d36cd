package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"anchorScope/internal/batch"
	"anchorScope/internal/ledger"
	"anchorScope/internal/model"
	"anchorScope/internal/storage"
	"anchorScope/internal/storage/sqlite"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "commit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func seedBatch(t *testing.T, store *sqlite.Store, n int) *model.CommitBatch {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := &model.CapturedEvent{
			ID: fmt.Sprintf("ev-%d", i), Source: model.SourceAgent, SourceID: fmt.Sprintf("act-%d", i),
			EventType: "action", RawPayload: json.RawMessage(`{}`), Status: model.EventCaptured,
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := store.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.SaveNormalised(ctx, ev.ID, json.RawMessage(`{}`), fmt.Sprintf("%064x", i+1), base); err != nil {
			t.Fatalf("normalise: %v", err)
		}
	}
	b, err := batch.NewBuilder(batch.Config{MaxEvents: 100}, store, nil).CreateBatch(ctx, 0)
	if err != nil || b == nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

// scriptedWriter fails sends with queued errors before delegating to a
// memory ledger.
type scriptedWriter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	inner *ledger.MemoryWriter
}

func newScripted(errs ...error) *scriptedWriter {
	return &scriptedWriter{errs: errs, inner: ledger.NewMemoryWriter(false)}
}

func (w *scriptedWriter) Sign(ctx context.Context, payload []byte) (*ledger.SignedTx, error) {
	return w.inner.Sign(ctx, payload)
}

func (w *scriptedWriter) Send(ctx context.Context, tx *ledger.SignedTx) (string, error) {
	w.mu.Lock()
	w.calls++
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		w.mu.Unlock()
		return "", err
	}
	w.mu.Unlock()
	return w.inner.Send(ctx, tx)
}

func (w *scriptedWriter) TransactionExists(ctx context.Context, txid string) (bool, error) {
	return w.inner.TransactionExists(ctx, txid)
}

func transient() error {
	return &model.BroadcastError{Err: errors.New("node unavailable")}
}

func fatal() error {
	return &model.BroadcastError{Fatal: true, Err: errors.New("insufficient funds")}
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryBackoff: time.Millisecond}
}

func TestCommitBatchSuccess(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 3)
	w := newScripted()
	c := NewCommitter(fastConfig(), store, w, nil)
	ctx := context.Background()

	committed, err := c.CommitBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != model.BatchBroadcast || committed.Txid == nil || committed.BroadcastAt == nil {
		t.Fatalf("unexpected batch: %+v", committed)
	}
	txid := *committed.Txid

	payload, ok := w.inner.Payload(txid)
	if !ok {
		t.Fatalf("payload not on ledger")
	}
	decoded, err := ledger.DecodePayload(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Metadata.MerkleRoot != b.MerkleRoot || decoded.Metadata.EventCount != 3 {
		t.Fatalf("payload metadata = %+v", decoded.Metadata)
	}

	for _, id := range b.EventIDs() {
		ev, err := store.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if ev.Status != model.EventCommitted || ev.CommitTxid == nil || *ev.CommitTxid != txid || ev.CommittedAt == nil {
			t.Fatalf("event %s not committed: %+v", id, ev)
		}
		anchor, err := store.GetAnchor(ctx, ev.Source, ev.SourceID)
		if err != nil {
			t.Fatalf("get anchor: %v", err)
		}
		if anchor.LedgerTxid != txid || anchor.Verified || anchor.BatchID != b.ID {
			t.Fatalf("unexpected anchor: %+v", anchor)
		}
	}

	again, err := c.CommitBatch(ctx, b.ID)
	if err != nil || *again.Txid != txid {
		t.Fatalf("recommit changed batch: %+v %v", again, err)
	}
	if w.calls != 1 {
		t.Fatalf("broadcast called %d times", w.calls)
	}
}

func TestConfirmRequiresLedgerExistence(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 2)
	w := newScripted()
	c := NewCommitter(fastConfig(), store, w, nil)
	ctx := context.Background()

	committed, err := c.CommitBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	n, err := c.Confirm(ctx)
	if err != nil || n != 0 {
		t.Fatalf("confirmed %d before mining (%v)", n, err)
	}

	w.inner.Mine()
	n, err = c.Confirm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("confirmed %d after mining (%v)", n, err)
	}
	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("batch not confirmed: %+v", got)
	}
	if got.MerkleRoot != committed.MerkleRoot || *got.Txid != *committed.Txid {
		t.Fatalf("confirm changed root or txid")
	}
}

func TestCommitBatchFatalReleasesEvents(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 3)
	c := NewCommitter(fastConfig(), store, newScripted(fatal()), nil)
	ctx := context.Background()

	if _, err := c.CommitBatch(ctx, b.ID); !model.IsFatalBroadcast(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchFailed || got.ErrorMessage == nil || got.EventCount != 3 {
		t.Fatalf("unexpected failed batch: %+v", got)
	}
	for _, id := range b.EventIDs() {
		ev, err := store.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if ev.Status != model.EventNormalised || ev.BatchID != nil {
			t.Fatalf("event %s not released: %+v", id, ev)
		}
	}

	if _, err := c.CommitBatch(ctx, b.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on failed batch, got %v", err)
	}

	next, err := batch.NewBuilder(batch.Config{MaxEvents: 10}, store, nil).CreateBatch(ctx, 0)
	if err != nil || next == nil || next.EventCount != 3 {
		t.Fatalf("released events not rebatched: %+v %v", next, err)
	}
	if next.ID == b.ID {
		t.Fatalf("failed batch was reused")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveBatchedTotal != stats.InFlightEvents() {
		t.Fatalf("active batched %d != in flight %d", stats.ActiveBatchedTotal, stats.InFlightEvents())
	}
}

func TestCommitBatchRetriesTransient(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 1)
	w := newScripted(transient(), transient())
	c := NewCommitter(fastConfig(), store, w, nil)

	got, err := c.CommitBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got.Status != model.BatchBroadcast || w.calls != 3 {
		t.Fatalf("status=%s calls=%d", got.Status, w.calls)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d", got.Attempts)
	}
}

func TestCommitBatchExhaustedLeftForRecovery(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 2)
	w := newScripted(transient(), transient(), transient())
	c := NewCommitter(Config{MaxRetries: 1, RetryBackoff: time.Millisecond}, store, w, nil)
	ctx := context.Background()

	if _, err := c.CommitBatch(ctx, b.ID); err == nil {
		t.Fatalf("expected exhausted retries error")
	}
	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchSigned || got.ErrorMessage == nil || got.Txid == nil || len(got.SignedTx) == 0 {
		t.Fatalf("unexpected batch: %+v", got)
	}
	signedTxid := *got.Txid

	n, err := c.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover committed %d (%v)", n, err)
	}
	got, err = store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchBroadcast || got.ErrorMessage != nil || got.Attempts != 2 || *got.Txid != signedTxid {
		t.Fatalf("recovered batch: %+v", got)
	}
}

// lostRecordStore drops the broadcast record, as a crash between send and
// record would.
type lostRecordStore struct {
	*sqlite.Store
}

func (s lostRecordStore) MarkBroadcast(context.Context, string, string, time.Time) error {
	return errors.New("connection lost")
}

func TestRecoverAfterLostRecordResendsSameTransaction(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 3)
	chain := ledger.NewMemoryWriter(true)
	ctx := context.Background()

	first := NewCommitter(fastConfig(), lostRecordStore{store}, chain, nil)
	if _, err := first.CommitBatch(ctx, b.ID); err == nil {
		t.Fatalf("expected record failure")
	}
	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchSigned || got.Txid == nil {
		t.Fatalf("batch after lost record: %+v", got)
	}
	sent := *got.Txid

	restarted := NewCommitter(fastConfig(), store, chain, nil)
	if n, err := restarted.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recover committed %d (%v)", n, err)
	}
	got, err = store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchBroadcast || *got.Txid != sent {
		t.Fatalf("recovered batch: %+v", got)
	}
	if chain.Sends() != 1 {
		t.Fatalf("ledger holds %d anchor transactions for one batch", chain.Sends())
	}
}

func TestCommitBatchRespectsLease(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 2)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := store.MarkBuilding(ctx, b.ID, storage.CommitClaim{Token: "crashed", Now: now, Until: now.Add(time.Hour)}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	w := newScripted()
	c := NewCommitter(fastConfig(), store, w, nil)
	if _, err := c.CommitBatch(ctx, b.ID); !errors.Is(err, model.ErrBatchLeased) {
		t.Fatalf("expected lease conflict, got %v", err)
	}
	if n, err := c.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("recover while leased committed %d (%v)", n, err)
	}
	if w.calls != 0 {
		t.Fatalf("leased batch was sent %d times", w.calls)
	}

	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	if n, err := c.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recover after expiry committed %d (%v)", n, err)
	}
}

func TestCommitBatchFailOnExhausted(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 2)
	cfg := Config{MaxRetries: 1, RetryBackoff: time.Millisecond, FailOnExhausted: true}
	c := NewCommitter(cfg, store, newScripted(transient(), transient()), nil)

	if _, err := c.CommitBatch(context.Background(), b.ID); err == nil {
		t.Fatalf("expected error")
	}
	got, err := store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

// cancelWriter cancels the commit while signing is in flight.
type cancelWriter struct {
	cancel context.CancelFunc
}

func (w *cancelWriter) Sign(ctx context.Context, _ []byte) (*ledger.SignedTx, error) {
	w.cancel()
	return nil, ctx.Err()
}

func (w *cancelWriter) Send(ctx context.Context, _ *ledger.SignedTx) (string, error) {
	return "", errors.New("unexpected send")
}

func (w *cancelWriter) TransactionExists(context.Context, string) (bool, error) {
	return false, nil
}

func TestCommitBatchCancelLeavesBuilding(t *testing.T) {
	store := newStore(t)
	b := seedBatch(t, store, 2)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCommitter(fastConfig(), store, &cancelWriter{cancel: cancel}, nil)

	if _, err := c.CommitBatch(ctx, b.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	got, err := store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != model.BatchBuilding || got.Txid != nil {
		t.Fatalf("cancelled batch: %+v", got)
	}
	for _, id := range b.EventIDs() {
		ev, err := store.GetEvent(context.Background(), id)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if ev.Status != model.EventBatched {
			t.Fatalf("event %s status %s", id, ev.Status)
		}
	}

	recovered := NewCommitter(fastConfig(), store, newScripted(), nil)
	if n, err := recovered.Recover(context.Background()); err != nil || n != 1 {
		t.Fatalf("recover committed %d (%v)", n, err)
	}
	got, err = store.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.MerkleRoot != b.MerkleRoot || got.Status != model.BatchBroadcast {
		t.Fatalf("recovery changed tree or did not broadcast: %+v", got)
	}
}
