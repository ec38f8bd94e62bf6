// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package importer fills the spatial table from city source files.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wneessen/geohashd/internal/geohash"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/store"
)

const DefaultBatchSize = 100_000

// Inserter stores batches of records.
type Inserter interface {
	InsertBatch(ctx context.Context, records []store.Record) (int, error)
}

// Stats summarizes an import. Read counts every row, including the skipped ones.
type Stats struct {
	Read     int
	Inserted int
	Skipped  int
}

// Import reads all sources from r, encodes their coordinates and inserts the resulting records
// into dst in batches of batchSize. Invalid rows are skipped.
func Import(ctx context.Context, r Reader, dst Inserter, batchSize int, log *logger.Logger) (Stats, error) {
	var stats Stats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batch := make([]store.Record, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		inserted, err := dst.InsertBatch(ctx, batch)
		stats.Inserted += inserted
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		log.Info("imported batch", slog.Int("records", inserted), slog.Int("total", stats.Inserted))
		batch = batch[:0]
		return nil
	}

	for {
		source, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		stats.Read++
		if err == nil {
			var record store.Record
			if record, err = toRecord(source); err == nil {
				batch = append(batch, record)
			}
		}
		switch {
		case errors.Is(err, ErrInvalidRow), errors.Is(err, geohash.ErrOutOfBounds):
			stats.Skipped++
			log.Debug("skipping source row", logger.Err(err))
			continue
		case err != nil:
			return stats, fmt.Errorf("failed to read source: %w", err)
		}

		if len(batch) == batchSize {
			if err = flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

func toRecord(source Source) (store.Record, error) {
	hash, err := geohash.Encode(source.Lat, source.Lon, geohash.DefaultPrecision)
	if err != nil {
		return store.Record{}, err
	}
	key, err := geohash.Decode(hash)
	if err != nil {
		return store.Record{}, err
	}
	return store.NewRecord(key, source.City, source.Admin, source.Country), nil
}
