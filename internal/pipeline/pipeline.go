// Package pipeline orchestrates the resumable ingestion run: two concurrent
// workers (download, process) over a bounded queue, checkpointing after each
// completed month, and a single finalization pass.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/openingstats/internal/archive"
	"github.com/freeeve/openingstats/internal/checkpoint"
	"github.com/freeeve/openingstats/internal/ingest"
	"github.com/freeeve/openingstats/internal/stats"
	"github.com/freeeve/openingstats/internal/universe"
)

// State is the orchestrator's coarse run phase, logged on every transition.
type State string

const (
	StateInitializing      State = "initializing"
	StateLoadingCheckpoint State = "loading-checkpoint"
	StateRunning           State = "running"
	StateDraining          State = "draining"
	StateFinalizing        State = "finalizing"
	StateDone              State = "done"
	StateAborted           State = "aborted"
)

// Config configures the pipeline.
type Config struct {
	StartMonth     string // First month token, e.g. "2021-07"
	EndMonth       string // Last month token; empty means the current month
	BaseURL        string // Archive URL template with one %s
	WorkDir        string // Cache directory for downloaded archives
	CheckpointPath string
	OutputPath     string
	QueueSize      int           // Bounded hand-off capacity (default 3)
	GracePeriod    time.Duration // Shutdown wait for in-flight work (default 10s)
	MaxAttempts    int
	RetryDelay     time.Duration
	CourtesyDelay  time.Duration
	ChunkSize      int
	RatingMin      int
	Limits         archive.Limits
	Client         *http.Client
	Logger         zerolog.Logger
	Now            func() time.Time
}

// DefaultBaseURL is the lichess standard-rated database URL template.
const DefaultBaseURL = "https://database.lichess.org/standard/lichess_db_standard_rated_%s.pgn.zst"

// Pipeline owns the run.
type Pipeline struct {
	cfg  Config
	log  zerolog.Logger
	uni  *universe.Universe
	agg  *stats.Aggregator
	ckpt *checkpoint.Store
	proc *ingest.Processor

	mu        sync.Mutex
	state     State
	completed map[string]struct{}
}

// New creates a pipeline, filling in config defaults.
func New(cfg Config, uni *universe.Universe) (*Pipeline, error) {
	if cfg.StartMonth == "" {
		cfg.StartMonth = "2021-07"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join(cfg.WorkDir, "stats_checkpoint.json")
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(cfg.WorkDir, "popularity_stats.json")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 3
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if _, err := time.Parse("2006-01", cfg.StartMonth); err != nil {
		return nil, fmt.Errorf("invalid start month %q: %w", cfg.StartMonth, err)
	}
	if cfg.EndMonth != "" {
		if _, err := time.Parse("2006-01", cfg.EndMonth); err != nil {
			return nil, fmt.Errorf("invalid end month %q: %w", cfg.EndMonth, err)
		}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, err
	}

	log := cfg.Logger
	agg := stats.NewAggregator(uni, log)
	return &Pipeline{
		cfg:       cfg,
		log:       log,
		uni:       uni,
		agg:       agg,
		ckpt:      checkpoint.NewStore(cfg.CheckpointPath, log),
		proc:      ingest.NewProcessor(uni, agg, cfg.RatingMin, cfg.ChunkSize, log),
		state:     StateInitializing,
		completed: make(map[string]struct{}),
	}, nil
}

// Aggregator exposes the statistics owner, mainly for tests.
func (p *Pipeline) Aggregator() *stats.Aggregator { return p.agg }

// State returns the current run phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.log.Info().Str("state", string(s)).Msg("pipeline state")
}

func (p *Pipeline) isCompleted(month string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[month]
	return ok
}

func (p *Pipeline) markCompleted(month string) {
	p.mu.Lock()
	p.completed[month] = struct{}{}
	p.mu.Unlock()
}

func (p *Pipeline) completedList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.completed))
	for m := range p.completed {
		out = append(out, m)
	}
	return out
}

// Run executes the whole pipeline. It always finalizes: the scorer runs and
// the result document is written exactly once, even on fatal abort, so that
// partial progress stays queryable.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(StateLoadingCheckpoint)
	doc, err := p.ckpt.Load()
	if err != nil {
		return err
	}
	if doc != nil {
		for _, m := range doc.ProcessedMonths {
			p.completed[m] = struct{}{}
		}
		p.agg.Restore(doc.Stats)
	}

	end := p.cfg.EndMonth
	if end == "" {
		end = p.cfg.Now().Format("2006-01")
	}
	months, err := monthRange(p.cfg.StartMonth, end)
	if err != nil {
		return err
	}

	remaining := months[:0:0]
	for _, m := range months {
		if !p.isCompleted(m) {
			remaining = append(remaining, m)
		}
	}
	p.log.Info().
		Int("total_months", len(months)).
		Int("remaining", len(remaining)).
		Msg("unit list computed")

	runErr := p.runWorkers(ctx, remaining)

	p.setState(StateFinalizing)
	p.agg.Score(p.cfg.Now())
	if err := p.writeResults(); err != nil {
		p.log.Error().Err(err).Msg("write results failed")
		if runErr == nil {
			runErr = err
		}
	}
	p.cleanup()

	if runErr != nil {
		p.setState(StateAborted)
		return runErr
	}
	p.setState(StateDone)
	return nil
}

// runWorkers starts the download and process workers and waits for both,
// honoring the grace period after a cancellation request.
func (p *Pipeline) runWorkers(ctx context.Context, months []string) error {
	if len(months) == 0 {
		p.log.Info().Msg("all months already processed")
		return nil
	}

	p.setState(StateRunning)

	dl, err := archive.NewDownloader(archive.DownloadConfig{
		BaseURL:       p.cfg.BaseURL,
		CacheDir:      p.cfg.WorkDir,
		MaxAttempts:   p.cfg.MaxAttempts,
		RetryDelay:    p.cfg.RetryDelay,
		CourtesyDelay: p.cfg.CourtesyDelay,
		Limits:        p.cfg.Limits,
		Client:        p.cfg.Client,
		Logger:        p.log,
		IsCompleted:   p.isCompleted,
	})
	if err != nil {
		return err
	}

	queue := make(chan archive.Unit, p.cfg.QueueSize)

	// Plain errgroup: a download failure must not cancel the processor,
	// which still drains units already queued.
	var g errgroup.Group
	g.Go(func() error { return dl.Run(ctx, months, queue) })
	g.Go(func() error { return p.processLoop(ctx, queue) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.setState(StateDraining)
		select {
		case err := <-done:
			return err
		case <-time.After(p.cfg.GracePeriod):
			p.log.Warn().Dur("grace", p.cfg.GracePeriod).Msg("workers did not stop within grace period, finalizing anyway")
			return ctx.Err()
		}
	}
}

// processLoop consumes validated units in FIFO order. A unit-level
// processing failure is logged and skipped; the month is not marked
// completed and the pipeline moves on.
func (p *Pipeline) processLoop(ctx context.Context, queue <-chan archive.Unit) error {
	for {
		// No new unit begins once shutdown is requested; the queue is
		// drained otherwise, even after a fatal intake stop.
		select {
		case <-ctx.Done():
			p.log.Info().Msg("process worker: shutdown requested")
			return ctx.Err()
		default:
		}

		unit, ok := <-queue
		if !ok {
			p.log.Info().Msg("process worker: no more units")
			return nil
		}

		games, err := p.proc.ProcessFile(unit.Path)
		if err != nil {
			p.log.Error().Err(err).Str("month", unit.Month).Msg("unit processing failed, continuing with next")
			os.Remove(unit.Path)
			continue
		}

		// Completion order matters: the checkpoint must record the month
		// together with the statistics that already include its games.
		p.markCompleted(unit.Month)
		if err := p.saveCheckpoint(); err != nil {
			p.log.Error().Err(err).Str("month", unit.Month).Msg("checkpoint save failed")
		}
		os.Remove(unit.Path)

		p.log.Info().Str("month", unit.Month).Int64("games", games).Msg("month completed")
	}
}

func (p *Pipeline) saveCheckpoint() error {
	return p.ckpt.Save(&checkpoint.Document{
		ProcessedMonths: p.completedList(),
		Stats:           p.agg.Snapshot(),
		LastUpdated:     p.cfg.Now(),
	})
}

// writeResults emits the final result document atomically.
func (p *Pipeline) writeResults() error {
	results := p.agg.Results()
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}

	tmp := p.cfg.OutputPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.cfg.OutputPath); err != nil {
		os.Remove(tmp)
		return err
	}

	p.log.Info().Str("path", p.cfg.OutputPath).Int("positions", len(results)).Msg("results written")
	return nil
}

// cleanup removes leftover cache and temp files belonging to the run.
func (p *Pipeline) cleanup() {
	matches, err := filepath.Glob(filepath.Join(p.cfg.WorkDir, "temp_*.pgn.zst*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("cleanup failed")
		} else {
			p.log.Info().Str("path", path).Msg("cleaned up cache file")
		}
	}
}

// monthRange returns every year-month token from start to end inclusive.
func monthRange(start, end string) ([]string, error) {
	s, err := time.Parse("2006-01", start)
	if err != nil {
		return nil, fmt.Errorf("invalid start month %q: %w", start, err)
	}
	e, err := time.Parse("2006-01", end)
	if err != nil {
		return nil, fmt.Errorf("invalid end month %q: %w", end, err)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("end month %s before start month %s", end, start)
	}

	var months []string
	for t := s; !t.After(e); t = t.AddDate(0, 1, 0) {
		months = append(months, t.Format("2006-01"))
	}
	return months, nil
}
