package livebot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// journal is an append-only action log persisted as one JSON array, so the
// file is always valid JSON and survives restarts. Every record rewrites the
// whole file.
type journal struct {
	path    string
	entries []map[string]interface{}
}

// openJournal loads an existing journal or starts an empty one. A missing or
// unreadable file is not an error, the journal just starts over.
func openJournal(path string) *journal {
	j := &journal{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return j
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return j
	}
	j.entries = entries
	return j
}

// record stamps the payload with the current UTC time and flushes the whole
// journal to disk.
func (j *journal) record(payload map[string]interface{}) error {
	payload["ts"] = time.Now().UTC().Format("2006-01-02 15:04:05")
	j.entries = append(j.entries, payload)

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(j.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	if err := os.WriteFile(j.path, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}
