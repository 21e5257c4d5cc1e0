package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ErrRetriesExhausted is returned when a month cannot be fetched within the
// retry budget. It is a fatal pipeline condition: intake stops rather than
// skipping forward and silently producing incomplete statistics.
var ErrRetriesExhausted = errors.New("download retries exhausted")

// Unit is one validated monthly archive handed to the stream processor.
type Unit struct {
	Month string
	Path  string
}

// DownloadConfig configures the download manager.
type DownloadConfig struct {
	BaseURL       string        // URL template with one %s for the month token
	CacheDir      string        // Directory for cached archives
	MaxAttempts   int           // Attempts per month (default 3)
	RetryDelay    time.Duration // Wait between attempts (default 30s)
	CourtesyDelay time.Duration // Pause after a successful remote fetch (default 1s)
	Limits        Limits
	Client        *http.Client
	Logger        zerolog.Logger
	IsCompleted   func(month string) bool // Optional completed-set check
}

// Downloader produces locally cached, validated archives in month order.
type Downloader struct {
	cfg DownloadConfig
	log zerolog.Logger
}

// NewDownloader creates a downloader, filling in defaults.
func NewDownloader(cfg DownloadConfig) (*Downloader, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("archive: BaseURL is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "."
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.CourtesyDelay == 0 {
		cfg.CourtesyDelay = time.Second
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, err
	}

	return &Downloader{cfg: cfg, log: cfg.Logger}, nil
}

// CachePath returns the deterministic cache file name for a month.
func (d *Downloader) CachePath(month string) string {
	return filepath.Join(d.cfg.CacheDir, fmt.Sprintf("temp_%s.pgn.zst", month))
}

// Run fetches each month in order and publishes validated units to out,
// blocking when out is full (backpressure throttles retrieval to match
// processing speed). It closes out when no more units will be produced.
// Exhausting retries for any month aborts intake with ErrRetriesExhausted.
func (d *Downloader) Run(ctx context.Context, months []string, out chan<- Unit) error {
	defer close(out)

	for _, month := range months {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("download worker: shutdown requested")
			return ctx.Err()
		default:
		}

		if d.cfg.IsCompleted != nil && d.cfg.IsCompleted(month) {
			d.log.Info().Str("month", month).Msg("month already processed, skipping")
			continue
		}

		path, fetched, err := d.Fetch(ctx, month)
		if err != nil {
			d.log.Error().Err(err).Str("month", month).Msg("download failed, stopping intake")
			return err
		}

		select {
		case out <- Unit{Month: month, Path: path}:
		case <-ctx.Done():
			return ctx.Err()
		}

		// Brief pause between remote fetches to avoid hammering the host.
		if fetched {
			if err := sleepCtx(ctx, d.cfg.CourtesyDelay); err != nil {
				return err
			}
		}
	}

	d.log.Info().Msg("download worker: finished")
	return nil
}

// Fetch produces a locally cached, validated archive for one month. A valid
// existing cache is reused without touching the network; an invalid one is
// deleted and re-fetched. fetched reports whether the network was used.
func (d *Downloader) Fetch(ctx context.Context, month string) (path string, fetched bool, err error) {
	final := d.CachePath(month)

	if _, statErr := os.Stat(final); statErr == nil {
		if verr := Validate(final, d.cfg.Limits); verr == nil {
			d.log.Info().Str("month", month).Str("path", final).Msg("reusing validated cache")
			return final, false, nil
		} else {
			d.log.Warn().Err(verr).Str("month", month).Msg("cached archive invalid, re-fetching")
			os.Remove(final)
		}
	}

	url := fmt.Sprintf(d.cfg.BaseURL, month)
	tmp := final + ".partial"

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.log.Info().Dur("delay", d.cfg.RetryDelay).Int("attempt", attempt).Msg("retrying download")
			if err := sleepCtx(ctx, d.cfg.RetryDelay); err != nil {
				return "", false, err
			}
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		default:
		}

		os.Remove(tmp)
		d.log.Info().Str("month", month).Str("url", url).Int("attempt", attempt).Msg("downloading archive")

		if err := d.downloadOnce(url, tmp); err != nil {
			lastErr = err
			d.log.Warn().Err(err).Str("month", month).Int("attempt", attempt).Msg("download attempt failed")
			os.Remove(tmp)
			continue
		}

		if err := Validate(tmp, d.cfg.Limits); err != nil {
			lastErr = err
			d.log.Warn().Err(err).Str("month", month).Int("attempt", attempt).Msg("downloaded archive failed validation")
			os.Remove(tmp)
			continue
		}

		// Only a fully written, validated file is installed at the cache
		// path, so a crash can never leave a truncated file looking valid.
		if err := os.Rename(tmp, final); err != nil {
			lastErr = err
			os.Remove(tmp)
			continue
		}
		return final, true, nil
	}

	return "", false, fmt.Errorf("%w for %s after %d attempts: %v", ErrRetriesExhausted, month, d.cfg.MaxAttempts, lastErr)
}

// downloadOnce streams the remote resource to tmpPath. The transfer is not
// tied to the run context; an in-flight transfer runs to natural completion
// or error, and cancellation is observed at loop boundaries instead.
func (d *Downloader) downloadOnce(url, tmpPath string) error {
	resp, err := d.cfg.Client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > 0 {
		d.log.Info().Str("size", humanize.IBytes(uint64(resp.ContentLength))).Msg("transfer started")
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("interrupted transfer: %w", err)
	}
	return f.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
