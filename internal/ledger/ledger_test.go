package ledger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"anchorScope/internal/model"
)

func testBatch() *model.CommitBatch {
	return &model.CommitBatch{
		ID:         "batch-1",
		EventCount: 3,
		MerkleRoot: strings.Repeat("ab", 32),
	}
}

func TestEncodePayloadDeterministic(t *testing.T) {
	a, err := EncodePayload(testBatch())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodePayload(testBatch())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("payload not deterministic")
	}
	if !bytes.HasPrefix(a, []byte("ANCHOR1")) {
		t.Fatalf("missing magic")
	}
	if a[len(Magic)] != 0xab {
		t.Fatalf("root bytes not raw")
	}
	want := `{"batch_id":"batch-1","event_count":3,"merkle_root":"` + strings.Repeat("ab", 32) +
		`","protocol":"anchor-batch-v1","type":"merkle_commit"}`
	if got := string(a[len(Magic)+32:]); got != want {
		t.Fatalf("metadata = %s\nwant %s", got, want)
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	data, err := EncodePayload(testBatch())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Metadata.BatchID != "batch-1" || p.Metadata.EventCount != 3 || p.Root[0] != 0xab {
		t.Fatalf("unexpected payload: %+v", p)
	}

	data[len(Magic)] = 0xcd
	if _, err := DecodePayload(data); err == nil {
		t.Fatalf("expected root mismatch error")
	}
	if _, err := DecodePayload([]byte("nope")); err == nil {
		t.Fatalf("expected missing magic error")
	}
}

func TestEncodePayloadRejectsBadRoot(t *testing.T) {
	batch := testBatch()
	batch.MerkleRoot = "abcd"
	if _, err := EncodePayload(batch); err == nil {
		t.Fatalf("expected short root error")
	}
	batch.MerkleRoot = "zz"
	if _, err := EncodePayload(batch); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestMemoryWriterDedupAndMine(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter(false)

	txid, err := Broadcast(ctx, w, []byte("payload"))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	again, err := Broadcast(ctx, w, []byte("payload"))
	if err != nil || again != txid {
		t.Fatalf("rebroadcast gave %s (%v), want %s", again, err, txid)
	}
	if w.Sends() != 1 {
		t.Fatalf("sends = %d", w.Sends())
	}

	exists, err := w.TransactionExists(ctx, txid)
	if err != nil || exists {
		t.Fatalf("unmined tx exists=%v err=%v", exists, err)
	}
	w.Mine()
	exists, err = w.TransactionExists(ctx, txid)
	if err != nil || !exists {
		t.Fatalf("mined tx exists=%v err=%v", exists, err)
	}
	if p, ok := w.Payload(txid); !ok || string(p) != "payload" {
		t.Fatalf("payload lookup failed")
	}
}

func TestMemoryWriterResendsSignedBytes(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter(true)

	tx, err := w.Sign(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	first, err := w.Send(ctx, tx)
	if err != nil || first != tx.Txid {
		t.Fatalf("send gave %s (%v), want %s", first, err, tx.Txid)
	}

	restarted := &SignedTx{Txid: tx.Txid, Raw: append([]byte(nil), tx.Raw...)}
	second, err := w.Send(ctx, restarted)
	if err != nil || second != first {
		t.Fatalf("resend gave %s (%v), want %s", second, err, first)
	}
	if w.Sends() != 1 {
		t.Fatalf("sends = %d", w.Sends())
	}

	_, err = w.Send(ctx, &SignedTx{Txid: tx.Txid, Raw: []byte("other")})
	var be *model.BroadcastError
	if !errors.As(err, &be) || !be.Fatal {
		t.Fatalf("mismatched txid error = %v", err)
	}
}
