package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mediajobs/history"
)

const historyFileName = "history.json"

// HistoryFile persists history buckets as one JSON document keyed by
// "kind/mediaType".
type HistoryFile struct {
	path string
	mu   sync.Mutex
}

func NewHistoryFile(dataDir string) *HistoryFile {
	return &HistoryFile{path: filepath.Join(dataDir, historyFileName)}
}

func (h *HistoryFile) Path() string {
	return h.path
}

// Load returns no buckets when the file does not exist yet or is empty.
func (h *HistoryFile) Load() (map[string][]history.Entry, error) {
	h.mu.Lock()
	data, err := os.ReadFile(h.path)
	h.mu.Unlock()

	buckets := map[string][]history.Entry{}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return buckets, nil
	case err != nil:
		return nil, fmt.Errorf("read history %s: %w", h.path, err)
	case len(bytes.TrimSpace(data)) == 0:
		return buckets, nil
	}
	if err := json.Unmarshal(data, &buckets); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", h.path, err)
	}
	return buckets, nil
}

func (h *HistoryFile) Save(buckets map[string][]history.Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(buckets); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return replaceFile(h.path, buf.Bytes())
}
