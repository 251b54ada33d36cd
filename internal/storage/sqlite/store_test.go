package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"anchorScope/internal/merkle"
	"anchorScope/internal/model"
	"anchorScope/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "anchor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func hashOf(i int) string {
	return fmt.Sprintf("%064x", i+1)
}

func seedNormalised(t *testing.T, store *Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ev := &model.CapturedEvent{
			ID:         fmt.Sprintf("evt-%03d", i),
			Source:     model.SourceChainEth,
			SourceID:   fmt.Sprintf("0x%03d", i),
			EventType:  "transfer",
			RawPayload: json.RawMessage(`{"hash":"x"}`),
			Status:     model.EventCaptured,
			CapturedAt: base.Add(time.Duration(n-i) * time.Second),
		}
		inserted, err := store.InsertEvent(ctx, ev)
		if err != nil || !inserted {
			t.Fatalf("insert %d: inserted=%v err=%v", i, inserted, err)
		}
		if err := store.SaveNormalised(ctx, ev.ID, json.RawMessage(`{"source":"chain-eth"}`), hashOf(i), base); err != nil {
			t.Fatalf("normalise %d: %v", i, err)
		}
		ids = append(ids, ev.ID)
	}
	return ids
}

func buildTree(claimed []model.CapturedEvent) (*merkle.Tree, error) {
	leaves := make([]merkle.Leaf, len(claimed))
	for i, ev := range claimed {
		leaves[i] = merkle.Leaf{Hash: ev.ContentHash, EventID: ev.ID}
	}
	return merkle.Build(leaves)
}

func TestInsertEventIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &model.CapturedEvent{
		ID: "a", Source: model.SourceAgent, SourceID: "act-1", EventType: "action",
		RawPayload: json.RawMessage(`{"agentId":"bot"}`), Status: model.EventCaptured, CapturedAt: base,
	}
	inserted, err := store.InsertEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	dup := *ev
	dup.ID = "b"
	inserted, err = store.InsertEvent(ctx, &dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate (source, source_id) was inserted")
	}

	got, err := store.GetEventBySource(ctx, model.SourceAgent, "act-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "a" || !got.CapturedAt.Equal(base) || got.Status != model.EventCaptured {
		t.Fatalf("unexpected row: %+v", got)
	}
	if _, err := store.GetEvent(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertEventRejectsInvalidJSON(t *testing.T) {
	store := newTestStore(t)
	ev := &model.CapturedEvent{
		ID: "a", Source: model.SourceAgent, SourceID: "x", EventType: "action",
		RawPayload: json.RawMessage(`{not json`), Status: model.EventCaptured, CapturedAt: base,
	}
	if _, err := store.InsertEvent(context.Background(), ev); err == nil {
		t.Fatalf("expected invalid json to be rejected")
	}
}

func TestClaimBatchOrdersByCaptureTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids := seedNormalised(t, store, 5)

	batch, err := store.ClaimBatch(ctx, "batch-1", 3, base, buildTree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if batch == nil || batch.EventCount != 3 || batch.Status != model.BatchPending {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	// seeded events are captured newest-first
	want := []string{ids[4], ids[3], ids[2]}
	got := batch.EventIDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", got, want)
		}
	}

	stored, err := store.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if stored.MerkleRoot != batch.MerkleRoot || stored.MerkleTree.Validate() != nil {
		t.Fatalf("stored batch does not round-trip: %+v", stored)
	}

	ev, err := store.GetEvent(ctx, ids[4])
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Status != model.EventBatched || ev.BatchID == nil || *ev.BatchID != "batch-1" {
		t.Fatalf("event not claimed: %+v", ev)
	}
}

func TestClaimBatchEmpty(t *testing.T) {
	store := newTestStore(t)
	batch, err := store.ClaimBatch(context.Background(), "batch-1", 10, base, buildTree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch, got %+v", batch)
	}
	if _, err := store.GetBatch(context.Background(), "batch-1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("empty claim left a batch row: %v", err)
	}
}

func TestClaimBatchBuildErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids := seedNormalised(t, store, 2)

	boom := errors.New("boom")
	_, err := store.ClaimBatch(ctx, "batch-1", 10, base, func([]model.CapturedEvent) (*merkle.Tree, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	ev, err := store.GetEvent(ctx, ids[0])
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Status != model.EventNormalised || ev.BatchID != nil {
		t.Fatalf("claim was not rolled back: %+v", ev)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNormalised(t, store, 40)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[string]string{}
		claimed int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch, err := store.ClaimBatch(ctx, fmt.Sprintf("batch-%d", w), 7, base, buildTree)
			if err != nil {
				t.Errorf("claim %d: %v", w, err)
				return
			}
			if batch == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range batch.EventIDs() {
				if other, ok := seen[id]; ok {
					t.Errorf("event %s claimed by %s and %s", id, other, batch.ID)
				}
				seen[id] = batch.ID
			}
			claimed += batch.EventCount
		}(w)
	}
	wg.Wait()

	if claimed != 40 || len(seen) != 40 {
		t.Fatalf("claimed %d events, %d distinct", claimed, len(seen))
	}
}

func TestBroadcastCommitsEventsAndWritesAnchors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids := seedNormalised(t, store, 3)

	batch, err := store.ClaimBatch(ctx, "batch-1", 10, base, buildTree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkBroadcast(ctx, batch.ID, "tx-1", base); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("broadcast from pending should fail, got %v", err)
	}
	b, err := store.MarkBuilding(ctx, batch.ID, claimAt("c1", base))
	if err != nil {
		t.Fatalf("mark building: %v", err)
	}
	if b.Status != model.BatchBuilding || b.Attempts != 1 {
		t.Fatalf("unexpected building batch: %+v", b)
	}
	if err := store.MarkBroadcast(ctx, batch.ID, "tx-1", base.Add(time.Minute)); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}

	for _, id := range ids {
		ev, err := store.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if ev.Status != model.EventCommitted || ev.CommitTxid == nil || *ev.CommitTxid != "tx-1" || ev.CommittedAt == nil {
			t.Fatalf("event not committed: %+v", ev)
		}
		anchor, err := store.GetAnchor(ctx, ev.Source, ev.SourceID)
		if err != nil {
			t.Fatalf("get anchor: %v", err)
		}
		if anchor.LedgerTxid != "tx-1" || anchor.BatchID != batch.ID || anchor.MerkleRoot != batch.MerkleRoot ||
			anchor.ContentHash != ev.ContentHash || anchor.Verified || anchor.ExternalType != "transfer" {
			t.Fatalf("unexpected anchor: %+v", anchor)
		}
	}

	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("c2", base)); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("building after broadcast should fail, got %v", err)
	}
	if err := store.MarkConfirmed(ctx, batch.ID, base.Add(time.Hour)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	confirmed, err := store.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if confirmed.Status != model.BatchConfirmed || *confirmed.Txid != "tx-1" || confirmed.MerkleRoot != batch.MerkleRoot {
		t.Fatalf("unexpected confirmed batch: %+v", confirmed)
	}

	anchors, err := store.ListAnchors(ctx, storage.AnchorCursor{}, 0)
	if err != nil || len(anchors) != 3 {
		t.Fatalf("list anchors: %d %v", len(anchors), err)
	}
	if err := store.MarkAnchorVerified(ctx, anchors[0].Source, anchors[0].ExternalID, base); err != nil {
		t.Fatalf("verify anchor: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Events[model.EventCommitted] != 3 || stats.Batches[model.BatchConfirmed] != 1 ||
		stats.ActiveBatchedTotal != 3 || stats.Anchors != 3 || stats.VerifiedAnchors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMarkFailedReleasesEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids := seedNormalised(t, store, 2)

	batch, err := store.ClaimBatch(ctx, "batch-1", 10, base, buildTree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("c1", base)); err != nil {
		t.Fatalf("mark building: %v", err)
	}
	if err := store.MarkFailed(ctx, batch.ID, "rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	for _, id := range ids {
		ev, err := store.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if ev.Status != model.EventNormalised || ev.BatchID != nil || ev.ContentHash == "" {
			t.Fatalf("event not released: %+v", ev)
		}
	}

	failed, err := store.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if failed.Status != model.BatchFailed || failed.ErrorMessage == nil || *failed.ErrorMessage != "rejected" {
		t.Fatalf("unexpected failed batch: %+v", failed)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveBatchedTotal != stats.InFlightEvents() {
		t.Fatalf("event loss: active=%d in-flight=%d", stats.ActiveBatchedTotal, stats.InFlightEvents())
	}

	again, err := store.ClaimBatch(ctx, "batch-2", 10, base, buildTree)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again == nil || again.EventCount != 2 {
		t.Fatalf("released events were not reclaimed: %+v", again)
	}
}

func TestSaveNormalisedRefusesBatchedEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids := seedNormalised(t, store, 1)
	if _, err := store.ClaimBatch(ctx, "batch-1", 10, base, buildTree); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := store.SaveNormalised(ctx, ids[0], json.RawMessage(`{}`), hashOf(9), base)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListCapturedAndBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := &model.CapturedEvent{
			ID: fmt.Sprintf("c-%d", i), Source: model.SourceChainSol, SourceID: fmt.Sprintf("sig-%d", i),
			EventType: "transfer", RawPayload: json.RawMessage(`{}`), Status: model.EventCaptured,
			CapturedAt: base.Add(-time.Duration(i) * time.Minute),
		}
		if _, err := store.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	page, err := store.ListCaptured(ctx, storage.Cursor{}, 2)
	if err != nil {
		t.Fatalf("list captured: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c-2" || page[1].ID != "c-1" {
		t.Fatalf("unexpected captured page: %+v", page)
	}
	rest, err := store.ListCaptured(ctx, storage.CursorAfter(page[1]), 2)
	if err != nil {
		t.Fatalf("list captured after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "c-0" {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	seedNormalised(t, store, 2)
	if _, err := store.ClaimBatch(ctx, "batch-1", 10, base, buildTree); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pending, err := store.ListBatches(ctx, model.BatchPending, model.BatchBuilding)
	if err != nil || len(pending) != 1 {
		t.Fatalf("list pending: %d %v", len(pending), err)
	}
	none, err := store.ListBatches(ctx, model.BatchBroadcast)
	if err != nil || len(none) != 0 {
		t.Fatalf("list broadcast: %d %v", len(none), err)
	}
	all, err := store.ListBatches(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
}

func claimAt(token string, now time.Time) storage.CommitClaim {
	return storage.CommitClaim{Token: token, Now: now, Until: now.Add(time.Minute)}
}

func TestCommitClaimLeaseAndSignedTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedNormalised(t, store, 2)

	batch, err := store.ClaimBatch(ctx, "batch-1", 10, base, buildTree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("a", base)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("b", base.Add(time.Second))); !errors.Is(err, model.ErrBatchLeased) {
		t.Fatalf("second claim while leased: %v", err)
	}
	if err := store.MarkSigned(ctx, batch.ID, "b", "tx-1", []byte("raw")); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("sign without claim: %v", err)
	}
	if err := store.MarkSigned(ctx, batch.ID, "a", "tx-1", []byte("raw")); err != nil {
		t.Fatalf("sign: %v", err)
	}

	// The holder crashed; the lease runs out and another committer takes over.
	b, err := store.MarkBuilding(ctx, batch.ID, claimAt("b", base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if b.Status != model.BatchSigned || string(b.SignedTx) != "raw" || b.Txid == nil || *b.Txid != "tx-1" || b.Attempts != 2 {
		t.Fatalf("unexpected reclaimed batch: %+v", b)
	}

	if err := store.ReleaseBatch(ctx, batch.ID, "a", "stale holder"); err != nil {
		t.Fatalf("release by stale holder: %v", err)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("c", base.Add(2*time.Minute))); !errors.Is(err, model.ErrBatchLeased) {
		t.Fatalf("stale release must not free the claim: %v", err)
	}
	if err := store.ReleaseBatch(ctx, batch.ID, "b", "retries exhausted"); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, err := store.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if released.Status != model.BatchSigned || released.ErrorMessage == nil || *released.ErrorMessage != "retries exhausted" {
		t.Fatalf("unexpected released batch: %+v", released)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("c", base.Add(2*time.Minute))); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	if err := store.MarkBroadcast(ctx, batch.ID, "tx-1", base.Add(3*time.Minute)); err != nil {
		t.Fatalf("broadcast from signed: %v", err)
	}
	if _, err := store.MarkBuilding(ctx, batch.ID, claimAt("d", base.Add(time.Hour))); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("claim after broadcast: %v", err)
	}
}
