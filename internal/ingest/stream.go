// Package ingest decodes monthly archives into game records and drives the
// per-game parser.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/openingstats/internal/stats"
	"github.com/freeeve/openingstats/internal/universe"
)

// recordSeparator is the boundary between games in the source archives:
// two consecutive blank lines. This is a compatibility constant for the
// archive format; do not change it.
const recordSeparator = "\n\n\n"

// DefaultChunkSize is the decompressed read size per iteration.
const DefaultChunkSize = 8192

// maxPendingBytes bounds the carry-over buffer; a stream that never yields
// a record boundary within this window is treated as corrupt.
const maxPendingBytes = 16 * 1024 * 1024

// Processor consumes one validated archive at a time and applies every
// usable game to the aggregator.
type Processor struct {
	parser    *Parser
	agg       *stats.Aggregator
	chunkSize int
	log       zerolog.Logger
}

// NewProcessor creates a stream processor. chunkSize of 0 selects the default.
func NewProcessor(uni *universe.Universe, agg *stats.Aggregator, ratingMin, chunkSize int, log zerolog.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Processor{
		parser:    NewParser(uni, ratingMin, log),
		agg:       agg,
		chunkSize: chunkSize,
		log:       log,
	}
}

// ProcessFile incrementally decompresses one cached archive, splits it into
// game records and applies each game's updates as a single batch. A decode
// error that still yielded bytes is logged and skipped; an unrecoverable
// decode error fails the unit.
func (p *Processor) ProcessFile(path string) (games int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("open zstd stream %s: %w", path, err)
	}
	defer zr.Close()

	name := filepath.Base(path)
	startTime := time.Now()
	lastLog := time.Now()
	var updates int64

	chunk := make([]byte, p.chunkSize)
	var pending []byte
	sep := []byte(recordSeparator)

	for {
		n, rerr := zr.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			for {
				idx := bytes.Index(pending, sep)
				if idx < 0 {
					break
				}
				record := pending[:idx]
				pending = pending[idx+len(sep):]
				if u := p.handleRecord(record); u >= 0 {
					games++
					updates += u
				}
			}
			if len(pending) > maxPendingBytes {
				return games, fmt.Errorf("no record boundary within %d bytes of %s", maxPendingBytes, name)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if n == 0 {
				return games, fmt.Errorf("decode %s: %w", name, rerr)
			}
			// Partial chunk decoded; skip the bad chunk and keep reading.
			p.log.Warn().Err(rerr).Str("file", name).Msg("chunk decode error, skipping chunk")
		}

		if time.Since(lastLog) > 10*time.Second {
			elapsed := time.Since(startTime)
			p.log.Info().
				Str("file", name).
				Int64("games", games).
				Int64("positions", updates).
				Float64("games_per_sec", float64(games)/elapsed.Seconds()).
				Msg("processing progress")
			lastLog = time.Now()
		}
	}

	// Flush the trailing partial record.
	if u := p.handleRecord(pending); u >= 0 {
		games++
		updates += u
	}

	elapsed := time.Since(startTime)
	p.log.Info().
		Str("file", name).
		Int64("games", games).
		Int64("positions", updates).
		Dur("elapsed", elapsed).
		Msg("archive processed")

	return games, nil
}

// handleRecord parses one record and applies its updates in a single batch.
// It returns the number of updates applied, or -1 for an empty record.
func (p *Processor) handleRecord(record []byte) int64 {
	if len(bytes.TrimSpace(record)) == 0 {
		return -1
	}
	batch := p.parser.ParseGame(string(record))
	if len(batch) > 0 {
		p.agg.Apply(batch)
	}
	return int64(len(batch))
}
