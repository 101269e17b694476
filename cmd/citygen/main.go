// Command citygen builds the bundled city directory from a raw US cities CSV.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kjstillabower/heatpump-dashboard/internal/cities"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
)

func main() {
	in := flag.String("in", "uscities.csv", "raw cities CSV (city, state_name, lat, lng, population)")
	out := flag.String("out", "data/cities.csv", "output directory CSV")
	minPop := flag.Int("min-population", cities.MinPopulation, "drop cities below this population")
	logLevel := flag.String("log-level", "INFO", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*in, *out, *minPop, logger); err != nil {
		logger.Fatal("citygen failed", zap.Error(err))
	}
}

func run(inPath, outPath string, minPop int, logger *zap.Logger) error {
	src, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	stats, err := cities.Preprocess(src, dst, minPop)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Info("city directory written",
		zap.String("out", outPath),
		zap.Int("read", stats.Read),
		zap.Int("written", stats.Written),
		zap.Int("below_population", stats.BelowPopulation),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped", stats.Skipped))
	return nil
}
