// Package main implements runtrail-sync: it replays offline run logs
// (run.wal files) against a tracking service and keeps a catalog of
// completed files so repeated invocations only send what is new.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runtrail/runtrail/internal/storage"
	"github.com/runtrail/runtrail/internal/syncer"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		baseURL     string
		apiKey      string
		catalogPath string
		storageType string
		storagePath string
		s3Bucket    string
		s3Region    string
		s3Endpoint  string
		dryRun      bool
		list        bool
		showVersion bool
	)

	flag.StringVar(&baseURL, "base-url", "", "Tracking service root URL")
	flag.StringVar(&apiKey, "api-key", "", "API key for the tracking service")
	flag.StringVar(&catalogPath, "catalog", "runtrail-sync.db", "Path to the sync catalog database")
	flag.StringVar(&storageType, "storage", "none", "File upload backend: none, local, s3")
	flag.StringVar(&storagePath, "storage-path", "", "Local storage root (for local storage)")
	flag.StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for file uploads (for s3 storage)")
	flag.StringVar(&s3Region, "s3-region", "", "AWS region (for s3 storage)")
	flag.StringVar(&s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (for s3 storage)")
	flag.BoolVar(&dryRun, "dry-run", false, "Report what would be sent without sending")
	flag.BoolVar(&list, "list", false, "List already-synced run logs and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "runtrail-sync - replay offline run logs to a tracking service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: runtrail-sync [options] <run.wal|run-dir> ...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  runtrail-sync --base-url https://api.example.com ./runtrail\n")
		fmt.Fprintf(os.Stderr, "  runtrail-sync --dry-run ./runtrail/run-20250301_120000-a1b2c3d4/run.wal\n")
		fmt.Fprintf(os.Stderr, "  runtrail-sync --list\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RUNTRAIL_BASE_URL   Tracking service root URL\n")
		fmt.Fprintf(os.Stderr, "  RUNTRAIL_API_KEY    API key for the tracking service\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("runtrail-sync version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if baseURL == "" {
		baseURL = os.Getenv("RUNTRAIL_BASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("RUNTRAIL_API_KEY")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	catalog, err := syncer.NewCatalog(catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtrail-sync: %v\n", err)
		os.Exit(1)
	}
	defer catalog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if list {
		if err := printSynced(ctx, catalog); err != nil {
			fmt.Fprintf(os.Stderr, "runtrail-sync: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	store, err := buildStore(ctx, storageType, storagePath, s3Bucket, s3Region, s3Endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtrail-sync: %v\n", err)
		os.Exit(1)
	}

	s := syncer.New(syncer.Config{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Store:   store,
		Catalog: catalog,
		DryRun:  dryRun,
		Logger:  logger,
	})

	failed := 0
	for _, arg := range flag.Args() {
		info, err := os.Stat(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "runtrail-sync: %v\n", err)
			failed++
			continue
		}

		var results []*syncer.Result
		if info.IsDir() {
			results, err = s.SyncDir(ctx, arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "runtrail-sync: %v\n", err)
				failed++
			}
		} else {
			res, ferr := s.SyncFile(ctx, arg)
			if ferr != nil {
				if res == nil {
					res = &syncer.Result{WALPath: arg}
				}
				res.Err = ferr
			}
			results = []*syncer.Result{res}
		}
		failed += printResults(results, dryRun)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func printResults(results []*syncer.Result, dryRun bool) int {
	failed := 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(os.Stderr, "failed  %s: %v\n", res.WALPath, res.Err)
			failed++
		case res.AlreadySynced:
			fmt.Printf("skipped %s (already synced)\n", res.WALPath)
		case dryRun:
			fmt.Printf("dry-run %s run=%s records=%d\n", res.WALPath, res.RunID, res.Records)
		default:
			fmt.Printf("synced  %s run=%s storage=%s records=%d\n",
				res.WALPath, res.RunID, res.StorageID, res.Records)
		}
	}
	return failed
}

func printSynced(ctx context.Context, catalog *syncer.Catalog) error {
	runs, err := catalog.Synced(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no synced run logs")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  run=%s storage=%s records=%d synced=%s\n",
			r.WALPath, r.RunID, r.StorageID, r.Records, r.SyncedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func buildStore(ctx context.Context, storageType, storagePath, bucket, region, endpoint string) (storage.ObjectStorage, error) {
	switch storageType {
	case "none", "":
		return nil, nil
	case "local":
		if storagePath == "" {
			return nil, fmt.Errorf("--storage-path is required for local storage")
		}
		store, err := storage.NewLocalStorage(storagePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		if bucket == "" {
			return nil, fmt.Errorf("--s3-bucket is required for s3 storage")
		}
		store, err := storage.NewS3Storage(ctx, bucket, storage.S3Config{
			Region:   region,
			Endpoint: endpoint,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s (must be none, local, or s3)", storageType)
	}
}
