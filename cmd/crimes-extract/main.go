// Incremental extractor: pulls every day from the last completed day up to
// today from the Chicago crimes API and appends it as partitioned Parquet.
//
// Usage:
//
//	go run cmd/crimes-extract/main.go [-start 2024-10-25] [-table crimes] [-from-start] [-schedule "0 30 6 * * *"]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crimelake/internal/config"
	"crimelake/internal/domain"
	"crimelake/internal/extract"
	"crimelake/internal/store"
	"crimelake/internal/util"
)

func main() {
	start := flag.String("start", "", "last completed day (YYYY-MM-DD) when no checkpoint exists")
	table := flag.String("table", "", "destination table name (default from config)")
	fromStart := flag.Bool("from-start", false, "ignore the checkpoint and begin after -start")
	schedule := flag.String("schedule", "", "cron spec (with seconds) to repeat the run until interrupted")
	flag.Parse()

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *start != "" {
		cfg.Extract.StartDay = *start
	}
	if *table != "" {
		cfg.Extract.Table = *table
	}
	if *schedule != "" {
		cfg.Extract.Schedule = *schedule
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	w, logFile, err := util.OpenDailyLog(os.TempDir(), "crimes-extract", time.Now())
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer logFile.Close()
	logger := util.NewLogger(w, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner, closeFn, err := buildRunner(cfg, *fromStart, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer closeFn()

	if cfg.Extract.Schedule == "" {
		fmt.Printf("starting %s extractor\n", runner.Name())
		if err := runner.Run(ctx); err != nil {
			log.Fatalf("extractor error: %v", err)
		}
		return
	}

	logger.Info("running on schedule", "schedule", cfg.Extract.Schedule)
	if err := extract.Schedule(ctx, cfg.Extract.Schedule, runner, true, logger); err != nil {
		log.Fatalf("extractor error: %v", err)
	}
}

// buildRunner wires the object store, checkpoint, fetcher and sink from cfg.
// The returned func releases the state database, if one was opened.
func buildRunner(cfg *config.Config, fromStart bool, logger *slog.Logger) (*extract.Runner, func(), error) {
	noop := func() {}

	startDay, err := domain.ParseDay(cfg.Extract.StartDay)
	if err != nil {
		return nil, noop, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, noop, err
	}

	objects, err := openObjects(cfg)
	if err != nil {
		return nil, noop, err
	}

	rc := extract.RunnerConfig{
		Pipeline:     cfg.Extract.Pipeline,
		Table:        cfg.Extract.Table,
		StartDay:     startDay,
		IgnoreCursor: fromStart,
		Query:        extract.NewQueryBuilder(cfg.API.BaseURL, cfg.API.FilterField, cfg.API.Limit),
		Source: extract.NewFetcher(extract.FetcherOptions{
			Timeout:         cfg.API.HTTPTimeout,
			AppToken:        cfg.API.AppToken,
			RateLimitPerMin: cfg.API.RateLimitPerMin,
			Logger:          logger,
		}),
		Writer:   extract.NewSink(objects, cfg.Extract.Dataset, logger),
		Location: loc,
		Logger:   logger,
	}

	closeFn := noop
	switch cfg.Storage.StateKind {
	case "sqlite":
		state, err := store.NewSQLiteStore(cfg.Storage.StatePath)
		if err != nil {
			return nil, noop, fmt.Errorf("opening state database: %w", err)
		}
		rc.Cursors = state
		rc.Recorder = state
		closeFn = func() { state.Close() }
	default:
		rc.Cursors = store.NewMarkerCursor(objects, cfg.Extract.Dataset)
	}

	return extract.NewRunner(rc), closeFn, nil
}

// openObjects returns the store Parquet output goes to: the data directory,
// or the raw bucket when the backend is s3.
func openObjects(cfg *config.Config) (store.ObjectStore, error) {
	if cfg.Storage.Backend != "s3" {
		return store.NewLocalStore(cfg.Storage.DataDir), nil
	}
	return store.NewS3Store(store.S3Options{
		Endpoint:        cfg.R2.Endpoint(),
		Region:          cfg.R2.Region,
		AccessKeyID:     cfg.R2.AccessKeyID,
		SecretAccessKey: cfg.R2.SecretAccessKey,
		Bucket:          cfg.R2.RawBucket(),
	})
}
