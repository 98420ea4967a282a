// Package main implements runtrail-cat: it prints the contents of a
// run log (run.wal) as one JSON object per record, for inspecting what
// an offline run captured before syncing it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/runtrail/runtrail/internal/wal"
	"github.com/runtrail/runtrail/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		stats       bool
		showVersion bool
	)

	flag.BoolVar(&stats, "stats", false, "Print per-kind record counts instead of records")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "runtrail-cat - print the records stored in a run log\n\n")
		fmt.Fprintf(os.Stderr, "Usage: runtrail-cat [options] <run.wal> ...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  runtrail-cat ./runtrail/run-20250301_120000-a1b2c3d4/run.wal\n")
		fmt.Fprintf(os.Stderr, "  runtrail-cat --stats ./runtrail/run-20250301_120000-a1b2c3d4/run.wal\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("runtrail-cat version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := 0
	for _, path := range flag.Args() {
		if err := catFile(path, stats, flag.NArg() > 1); err != nil {
			fmt.Fprintf(os.Stderr, "runtrail-cat: %v\n", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func catFile(path string, stats, printPath bool) error {
	records, skipped, err := wal.ReadAll(path)
	if err != nil {
		return err
	}
	if printPath {
		fmt.Printf("== %s\n", path)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "runtrail-cat: %s: skipped %d corrupt frame(s)\n", path, skipped)
	}

	if stats {
		printStats(records, skipped)
		return nil
	}

	for i, rec := range records {
		payload, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		fmt.Printf("%4d  %-14s %s\n", i, rec.Kind(), payload)
	}
	return nil
}

func printStats(records []types.Record, skipped int) {
	counts := make(map[types.RecordKind]int)
	for _, rec := range records {
		counts[rec.Kind()]++
	}

	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		fmt.Printf("%-14s %d\n", kind, counts[types.RecordKind(kind)])
	}
	fmt.Printf("%-14s %d\n", "total", len(records))
	if skipped > 0 {
		fmt.Printf("%-14s %d\n", "corrupt", skipped)
	}
}
