// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package resolver maps decoded geohash keys to the most representative city record of the
// spatial table, falling back to coarser precision when no record matches exactly.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/geohashd/internal/geohash"
	"github.com/wneessen/geohashd/internal/metrics"
	"github.com/wneessen/geohashd/internal/store"
)

// Result is the outcome of a resolution. A miss carries a nil Record, Precision 0 and Hits 0.
type Result struct {
	Record    *store.Record `json:"record"`
	Precision int           `json:"precision"`
	Hits      int           `json:"hits"`
	CacheHit  bool          `json:"-"`
}

// Found reports whether the result carries a record.
func (r Result) Found() bool {
	return r.Record != nil
}

// Lookup resolves decoded geohash keys.
type Lookup interface {
	Name() string
	Resolve(ctx context.Context, key geohash.Key) (Result, error)
}

// Table is the query surface of the spatial table used by the Progressive resolver.
type Table interface {
	Count(ctx context.Context, key geohash.Key, precision int) (int, error)
	RecordAt(ctx context.Context, key geohash.Key, precision, offset int) (store.Record, error)
}

// Progressive resolves a key by exact match at precision 8, then 7, 6, 5 and 4.
type Progressive struct {
	table Table
}

func NewProgressive(table Table) *Progressive {
	return &Progressive{table: table}
}

func (p *Progressive) Name() string {
	return "spatial table"
}

// Resolve returns the record in the middle of the id-ordered match set at the finest precision
// with at least one match. Levels the key does not carry enough characters for are skipped.
func (p *Progressive) Resolve(ctx context.Context, key geohash.Key) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.LookupDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	for precision := geohash.KeyLength; precision >= geohash.PrefixLength; precision-- {
		if _, ok := key.Fields(precision); !ok {
			continue
		}
		hits, err := p.table.Count(ctx, key, precision)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %q: %w", key.String(), err)
		}
		if hits == 0 {
			continue
		}
		record, err := p.table.RecordAt(ctx, key, precision, hits/2)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %q: %w", key.String(), err)
		}
		metrics.ObserveResolution(precision)
		return Result{Record: &record, Precision: precision, Hits: hits}, nil
	}
	metrics.ObserveResolution(0)
	return Result{}, nil
}
