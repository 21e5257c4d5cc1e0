package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/freeeve/openingstats/internal/config"
	"github.com/freeeve/openingstats/internal/logx"
	"github.com/freeeve/openingstats/internal/pipeline"
	"github.com/freeeve/openingstats/internal/universe"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		ecoDir     = flag.String("eco", "", "Directory of ECO JSON files (overrides config)")
		workDir    = flag.String("work-dir", "", "Cache/output directory (overrides config)")
		startMonth = flag.String("start-month", "", "First month to process, YYYY-MM (overrides config)")
		endMonth   = flag.String("end-month", "", "Last month to process, YYYY-MM (overrides config)")
	)
	flag.Parse()

	logger := logx.NewLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *ecoDir != "" {
		cfg.EcoDir = *ecoDir
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *startMonth != "" {
		cfg.StartMonth = *startMonth
	}
	if *endMonth != "" {
		cfg.EndMonth = *endMonth
	}

	logger.Info().
		Str("start_month", cfg.StartMonth).
		Str("eco_dir", cfg.EcoDir).
		Str("work_dir", cfg.WorkDir).
		Msg("starting popularity analysis")

	uni := universe.New(logger)
	if err := uni.LoadDir(cfg.EcoDir); err != nil {
		logger.Fatal().Err(err).Msg("load target positions")
	}
	logger.Info().Int("positions", uni.Count()).Msg("target universe loaded")

	p, err := pipeline.New(pipeline.Config{
		StartMonth:     cfg.StartMonth,
		EndMonth:       cfg.EndMonth,
		BaseURL:        cfg.BaseURL,
		WorkDir:        cfg.WorkDir,
		CheckpointPath: filepath.Join(cfg.WorkDir, cfg.CheckpointFile),
		OutputPath:     filepath.Join(cfg.WorkDir, cfg.OutputFile),
		QueueSize:      cfg.QueueSize,
		GracePeriod:    cfg.GracePeriodDuration(),
		MaxAttempts:    cfg.MaxAttempts,
		RetryDelay:     cfg.RetryDelayDuration(),
		CourtesyDelay:  cfg.CourtesyDelayDuration(),
		ChunkSize:      cfg.ChunkSize,
		RatingMin:      cfg.RatingMin,
		Logger:         logger,
	}, uni)
	if err != nil {
		logger.Fatal().Err(err).Msg("build pipeline")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("interrupted; partial results written")
			return
		}
		logger.Error().Err(err).Msg("pipeline aborted")
		os.Exit(1)
	}
	logger.Info().Msg("analysis complete")
}
