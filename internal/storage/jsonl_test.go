package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"anchorScope/internal/model"
)

func TestJsonlStorageAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "anchors.jsonl")
	sink := NewJsonlStorage(path)

	rec := ExportRecord{
		AnchorMapping: model.AnchorMapping{
			Source:     model.SourceChainEth,
			ExternalID: "0xabc",
			LedgerTxid: "0xdead",
			BatchID:    "batch-1",
			CreatedAt:  time.Unix(1700000000, 0).UTC(),
		},
		Proof: []string{"aa", "bb"},
	}
	if err := sink.PutAnchors([]ExportRecord{rec}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := sink.PutAnchors([]ExportRecord{rec}); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if err := sink.PutAnchors(nil); err != nil {
		t.Fatalf("empty put: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var got map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if got["bsv_txid"] != "0xdead" || got["source"] != "chain-eth" {
			t.Fatalf("unexpected record: %v", got)
		}
		if proof, ok := got["proof"].([]any); !ok || len(proof) != 2 {
			t.Fatalf("proof not exported: %v", got["proof"])
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestSortClaimedOrdersByTimeThenID(t *testing.T) {
	base := time.Unix(1700000000, 0)
	events := []model.CapturedEvent{
		{ID: "c", CapturedAt: base.Add(time.Second)},
		{ID: "b", CapturedAt: base},
		{ID: "a", CapturedAt: base},
	}
	SortClaimed(events)
	got := []string{events[0].ID, events[1].ID, events[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
