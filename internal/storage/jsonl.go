package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"anchorScope/internal/model"
)

// ExportRecord is one exported anchor, optionally with its inclusion proof.
type ExportRecord struct {
	model.AnchorMapping
	Proof []string `json:"proof,omitempty"`
}

// AnchorSink receives exported anchors.
type AnchorSink interface {
	PutAnchors(records []ExportRecord) error
}

// JsonlStorage writes anchor records to a JSONL file, or to stdout when the path is "-".
type JsonlStorage struct {
	path string
	out  io.Writer
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// NewJsonlWriter writes to an already open writer.
func NewJsonlWriter(w io.Writer) *JsonlStorage {
	return &JsonlStorage{out: w}
}

// PutAnchors appends a batch of anchor records as JSON lines.
func (s *JsonlStorage) PutAnchors(records []ExportRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.out
	if out == nil {
		if s.path == "-" {
			out = os.Stdout
		} else {
			dir := filepath.Dir(s.path)
			if dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open output file: %w", err)
			}
			defer file.Close()
			out = file
		}
	}

	writer := bufio.NewWriter(out)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal anchor record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write anchor record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
