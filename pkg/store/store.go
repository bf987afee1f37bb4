// Package store persists the last governor the user explicitly requested.
// Persistence is best-effort durability, not a transaction log: a failed
// save never undoes a hardware change that already happened.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const DefaultPath = "/var/lib/cpugov/governor.json"

type record struct {
	Governor string `json:"governor"`
}

// Store is a single-record file store. The record is overwritten on every
// successful governor change and read once at daemon startup.
type Store struct {
	path string
	log  *zap.SugaredLogger
}

func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{
		path: path,
		log:  zap.S().Named("store"),
	}
}

// Load returns the persisted governor choice. A missing file, malformed
// content or I/O error all read as "no prior choice"; none of them is an
// error to the caller.
func (s *Store) Load() (string, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnw("cannot read persisted governor", "path", s.path, "error", err)
		}
		return "", false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warnw("persisted governor record is malformed", "path", s.path, "error", err)
		return "", false
	}
	if rec.Governor == "" {
		return "", false
	}
	return rec.Governor, true
}

// Save overwrites the persisted choice atomically. Callers log failures and
// carry on; the live governor change is already visible.
func (s *Store) Save(governor string) error {
	encoded, err := json.MarshalIndent(record{Governor: governor}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode governor record: %w", err)
	}
	encoded = append(encoded, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, encoded, 0o644); err != nil {
		return fmt.Errorf("write governor record: %w", err)
	}

	s.log.Infow("saved governor choice", "governor", governor, "path", s.path)
	return nil
}
