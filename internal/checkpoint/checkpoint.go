// Package checkpoint persists pipeline progress so an interrupted run can
// resume without redoing completed months or double-counting games.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/openingstats/internal/stats"
)

// Document is the persisted snapshot. A month listed in ProcessedMonths has
// every one of its games already reflected in Stats.
type Document struct {
	ProcessedMonths []string                       `json:"processed_months"`
	Stats           map[string]stats.PositionStats `json:"stats"`
	LastUpdated     time.Time                      `json:"last_updated"`
}

// Store reads and writes the checkpoint document at a fixed path.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore creates a store for the given checkpoint path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Load reads the checkpoint if present. A missing file returns (nil, nil).
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", s.path, err)
	}
	s.log.Info().
		Int("processed_months", len(doc.ProcessedMonths)).
		Int("positions", len(doc.Stats)).
		Time("last_updated", doc.LastUpdated).
		Msg("checkpoint loaded")
	return &doc, nil
}

// Save writes the full snapshot. The write goes to a temp file first and is
// renamed into place, so a crash never leaves a half-written checkpoint
// readable as valid.
func (s *Store) Save(doc *Document) error {
	sort.Strings(doc.ProcessedMonths)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install checkpoint: %w", err)
	}

	s.log.Info().Int("processed_months", len(doc.ProcessedMonths)).Msg("checkpoint saved")
	return nil
}
