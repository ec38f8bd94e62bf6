// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package main implements geohash-import, which builds the spatial table from city source
// files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wneessen/geohashd/internal/config"
	"github.com/wneessen/geohashd/internal/importer"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// Defaults for the target database follow the service configuration
	conf, err := config.New()
	if err != nil {
		logger.New(slog.LevelError).Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}

	format := flag.String("format", importer.FormatCSV, "source format: csv, simplemaps or geonames")
	driver := flag.String("driver", conf.Database.Driver, "database driver: sqlite or postgres")
	dsn := flag.String("dsn", conf.Database.DSN, "database file or connection string")
	batchSize := flag.Int("batch", importer.DefaultBatchSize, "number of records per transaction")
	verbose := flag.Bool("v", false, "log skipped rows")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <source file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.New(level)

	if err = run(ctx, log, flag.Arg(0), *format, *driver, *dsn, *batchSize); err != nil {
		log.Error("import failed", logger.Err(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, source, format, driver, dsn string, batchSize int) error {
	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader, err := importer.NewReader(format, file)
	if err != nil {
		return err
	}
	table, err := store.Create(ctx, driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to create spatial table: %w", err)
	}
	defer func() {
		if closeErr := table.Close(); closeErr != nil {
			log.Error("failed to close spatial table", logger.Err(closeErr))
		}
	}()

	start := time.Now()
	stats, err := importer.Import(ctx, reader, table, batchSize, log)
	if err != nil {
		return err
	}
	log.Info("import finished", slog.String("source", source), slog.Int("read", stats.Read),
		slog.Int("inserted", stats.Inserted), slog.Int("skipped", stats.Skipped),
		slog.Duration("took", time.Since(start)))
	return nil
}
