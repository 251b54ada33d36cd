package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExportCheckpoint tracks the last anchor written by an incremental export.
type ExportCheckpoint struct {
	After     AnchorCursor `json:"after"`
	Exported  int          `json:"exported"`
	UpdatedAt string       `json:"updated_at"`
}

// CheckpointStore persists export checkpoints to disk.
type CheckpointStore struct {
	path    string
	enabled bool
}

// NewCheckpointStore returns a store at path. An empty path disables it.
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path, enabled: path != ""}
}

func (c *CheckpointStore) Load() (ExportCheckpoint, bool, error) {
	if !c.enabled {
		return ExportCheckpoint{}, false, nil
	}

	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ExportCheckpoint{}, false, nil
		}
		return ExportCheckpoint{}, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return ExportCheckpoint{}, false, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return ExportCheckpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp ExportCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return ExportCheckpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}

	return cp, true, nil
}

// Save records after as the resume position, adding exported to the running total.
func (c *CheckpointStore) Save(after AnchorCursor, exported int) error {
	if !c.enabled {
		return nil
	}

	prev, _, err := c.Load()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	cp := ExportCheckpoint{
		After:     after,
		Exported:  prev.Exported + exported,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	return nil
}
