// Package universe holds the fixed set of tracked opening positions.
//
// The universe is loaded once at startup from ECO JSON files (objects whose
// keys are FEN strings) and never changes during a run. Positions are indexed
// by pgn.PackedPosition so that lookups during game replay avoid FEN string
// construction; the original FEN is kept for external documents.
package universe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"
)

// Universe is the immutable set of tracked positions.
type Universe struct {
	byPosition map[pgn.PackedPosition]string // packed key -> canonical FEN
	byFEN      map[string]pgn.PackedPosition
	log        zerolog.Logger
}

// New creates an empty universe.
func New(log zerolog.Logger) *Universe {
	return &Universe{
		byPosition: make(map[pgn.PackedPosition]string),
		byFEN:      make(map[string]pgn.PackedPosition),
		log:        log,
	}
}

// LoadDir loads all .json files from a directory.
func (u *Universe) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .json files found in %s", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := u.LoadFile(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFile loads a single ECO JSON file. The file is a JSON object whose
// keys are FEN strings; values are opening metadata we do not need.
func (u *Universe) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	skipped := 0
	for fen := range entries {
		if fen == "" {
			continue
		}
		if err := u.Add(fen); err != nil {
			// Skip unparseable FENs; the ECO files carry a few oddities.
			skipped++
		}
	}
	if skipped > 0 {
		u.log.Warn().Str("file", filepath.Base(path)).Int("skipped", skipped).Msg("skipped unparseable FENs")
	}
	return nil
}

// Add registers one tracked position by FEN.
func (u *Universe) Add(fen string) error {
	keyStr, err := pgn.PackedPositionFromFEN(fen)
	if err != nil {
		return fmt.Errorf("pack %q: %w", fen, err)
	}
	packed, err := pgn.ParsePackedPosition(keyStr)
	if err != nil {
		return fmt.Errorf("parse key for %q: %w", fen, err)
	}
	if _, ok := u.byPosition[packed]; ok {
		return nil // Same position listed twice (transposition across ECO files)
	}
	u.byPosition[packed] = fen
	u.byFEN[fen] = packed
	return nil
}

// Contains reports whether packed is a tracked position.
func (u *Universe) Contains(packed pgn.PackedPosition) bool {
	_, ok := u.byPosition[packed]
	return ok
}

// FEN returns the canonical FEN for a tracked position.
func (u *Universe) FEN(packed pgn.PackedPosition) (string, bool) {
	fen, ok := u.byPosition[packed]
	return fen, ok
}

// Key returns the packed key for a tracked FEN.
func (u *Universe) Key(fen string) (pgn.PackedPosition, bool) {
	packed, ok := u.byFEN[fen]
	return packed, ok
}

// Count returns the number of tracked positions.
func (u *Universe) Count() int {
	return len(u.byPosition)
}

// Each calls fn for every tracked position.
func (u *Universe) Each(fn func(packed pgn.PackedPosition, fen string)) {
	for packed, fen := range u.byPosition {
		fn(packed, fen)
	}
}
