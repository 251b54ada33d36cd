package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"anchorScope/internal/model"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "export.json")
	store := NewCheckpointStore(path)

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%v err=%v", ok, err)
	}

	first := AnchorCursor{CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Source: model.SourceAgent, ExternalID: "a"}
	if err := store.Save(first, 3); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := AnchorCursor{CreatedAt: first.CreatedAt.Add(time.Minute), Source: model.SourceChainEth, ExternalID: "b"}
	if err := store.Save(second, 2); err != nil {
		t.Fatalf("save: %v", err)
	}

	cp, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !cp.After.CreatedAt.Equal(second.CreatedAt) || cp.After.ExternalID != "b" || cp.Exported != 5 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}

func TestCheckpointStoreDisabled(t *testing.T) {
	store := NewCheckpointStore("")
	if err := store.Save(AnchorCursor{ExternalID: "x"}, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("disabled store loaded a checkpoint")
	}
}

func TestCheckpointStoreRejectsDirectory(t *testing.T) {
	store := NewCheckpointStore(t.TempDir())
	if _, _, err := store.Load(); err == nil {
		t.Fatalf("expected directory error")
	}
}
