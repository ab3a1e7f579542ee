// Maintenance commands for the local analytical database.
//
// Usage:
//
//	go run cmd/crimes-db/main.go upload|download|load [-db chicago_crimes.db]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"crimelake/internal/config"
	"crimelake/internal/dbsync"
	"crimelake/internal/store"
	"crimelake/internal/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: crimes-db <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  upload     Upload the database file to the data bucket\n")
	fmt.Fprintf(os.Stderr, "  download   Download the database file from the data bucket\n")
	fmt.Fprintf(os.Stderr, "  load       Rebuild the raw table from the extracted parquet files\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	dbPath := flag.String("db", "", "database file (default from config)")
	flag.Usage = usage

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	flag.CommandLine.Parse(os.Args[2:])

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "upload", "download":
		if err := cfg.ValidateR2(); err != nil {
			log.Fatalf("%v", err)
		}
		bucket, err := openBucket(cfg, cfg.R2.BucketData)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if cmd == "upload" {
			err = dbsync.Upload(ctx, bucket, cfg.Database.Path, logger)
		} else {
			err = dbsync.Download(ctx, bucket, cfg.Database.Path, logger)
		}
		if err != nil {
			log.Fatalf("%s error: %v", cmd, err)
		}

	case "load":
		if err := cfg.Validate(); err != nil {
			log.Fatalf("%v", err)
		}
		if err := load(ctx, cfg, logger); err != nil {
			log.Fatalf("load error: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func openBucket(cfg *config.Config, bucket string) (*store.S3Store, error) {
	return store.NewS3Store(store.S3Options{
		Endpoint:        cfg.R2.Endpoint(),
		Region:          cfg.R2.Region,
		AccessKeyID:     cfg.R2.AccessKeyID,
		SecretAccessKey: cfg.R2.SecretAccessKey,
		Bucket:          bucket,
	})
}

// load rebuilds the raw table from whichever backend the extractor writes
// to: the data directory, or the raw bucket.
func load(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var objects store.ObjectStore = store.NewLocalStore(cfg.Storage.DataDir)
	if cfg.Storage.Backend == "s3" {
		bucket, err := openBucket(cfg, cfg.R2.RawBucket())
		if err != nil {
			return err
		}
		objects = bucket
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	prefix := path.Join(cfg.Extract.Dataset, cfg.Extract.Table) + "/"
	res, err := dbsync.LoadParquet(ctx, objects, db, prefix, cfg.Database.Table, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Time taken to create table: %.2f seconds\n", res.Elapsed.Seconds())
	fmt.Printf("Row count in %s: %d\n", res.Table, res.Rows)
	return nil
}
