// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package store provides access to the spatial table that maps decoded geohash keys to city
// records. The server opens the table read-only, the importer creates and fills it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/wneessen/geohashd/internal/geohash"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultMaxOpenConns = 16
	levels              = geohash.KeyLength - geohash.PrefixLength + 1
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrTableMissing      = errors.New("spatial table missing")
	ErrInvalidPrecision  = errors.New("precision not addressable by key")
	ErrNotFound          = errors.New("record not found")
)

// columns in key order; a lookup at precision p matches on the first p-3 of them.
var keyColumns = [levels]string{"one", "five", "six", "seven", "eight"}

const recordColumns = "id, one, five, six, seven, eight, city, admin, cc"

// Record is a single city row of the spatial table.
type Record struct {
	ID      int64  `db:"id" json:"id"`
	Prefix  int    `db:"one" json:"one"`
	D5      int    `db:"five" json:"five"`
	D6      int    `db:"six" json:"six"`
	D7      int    `db:"seven" json:"seven"`
	D8      int    `db:"eight" json:"eight"`
	City    string `db:"city" json:"city"`
	Admin   string `db:"admin" json:"admin"`
	Country string `db:"cc" json:"cc"`
}

// NewRecord returns a Record for a fully decoded key.
func NewRecord(key geohash.Key, city, admin, country string) Record {
	return Record{
		Prefix:  key.Prefix,
		D5:      key.D5,
		D6:      key.D6,
		D7:      key.D7,
		D8:      key.D8,
		City:    city,
		Admin:   admin,
		Country: country,
	}
}

// Key returns the decoded geohash key the record is stored under.
func (r Record) Key() geohash.Key {
	return geohash.Key{Prefix: r.Prefix, D5: r.D5, D6: r.D6, D7: r.D7, D8: r.D8}
}

// Options tunes the connection pool of a Store.
type Options struct {
	MaxOpenConns int
}

// Store is the query surface of the spatial table. All methods are safe for concurrent use;
// every query checks out its own connection from the pool.
type Store struct {
	db     *sqlx.DB
	driver string

	count [levels]*sqlx.Stmt
	at    [levels]*sqlx.Stmt
}

// Open opens an existing spatial table for reading. A missing SQLite file or a database without
// the geohash table is reported as ErrTableMissing, so that a broken deployment fails at startup
// rather than on the first query.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	driver = strings.ToLower(driver)
	if driver == DriverSQLite {
		path, isFile := sqlitePath(dsn)
		if isFile {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTableMissing, err)
			}
		}
		dsn = sqliteDSN(dsn, "mode=ro", "_pragma=query_only(1)", "_pragma=busy_timeout(5000)")
	}

	store, err := open(ctx, driver, dsn, opts)
	if err != nil {
		return nil, err
	}
	if _, err = store.Total(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: %w", ErrTableMissing, err)
	}
	if err = store.prepare(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Create opens the spatial table for writing and creates the schema if it does not exist yet.
func Create(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = strings.ToLower(driver)
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn, "_pragma=synchronous(OFF)", "_pragma=busy_timeout(5000)")
	}

	store, err := open(ctx, driver, dsn, Options{MaxOpenConns: 1})
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema(driver) {
		if _, err = store.db.ExecContext(ctx, stmt); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create spatial table schema: %w", err)
		}
	}
	if err = store.prepare(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) prepare(ctx context.Context) error {
	for i := 0; i < levels; i++ {
		where := whereClause(i + 1)
		count, err := s.db.PreparexContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM geohash WHERE "+where))
		if err != nil {
			return fmt.Errorf("failed to prepare count query for precision %d: %w", i+geohash.PrefixLength, err)
		}
		s.count[i] = count

		at, err := s.db.PreparexContext(ctx, s.db.Rebind("SELECT "+recordColumns+" FROM geohash WHERE "+
			where+" ORDER BY id LIMIT 1 OFFSET ?"))
		if err != nil {
			return fmt.Errorf("failed to prepare record query for precision %d: %w", i+geohash.PrefixLength, err)
		}
		s.at[i] = at
	}
	return nil
}

// Count returns the number of records sharing the key's first precision characters.
func (s *Store) Count(ctx context.Context, key geohash.Key, precision int) (int, error) {
	args, err := lookupArgs(key, precision)
	if err != nil {
		return 0, err
	}
	var count int
	if err = s.count[precision-geohash.PrefixLength].GetContext(ctx, &count, args...); err != nil {
		return 0, fmt.Errorf("failed to count records at precision %d: %w", precision, err)
	}
	return count, nil
}

// RecordAt returns the record at offset within the id-ordered set of records sharing the key's
// first precision characters.
func (s *Store) RecordAt(ctx context.Context, key geohash.Key, precision, offset int) (Record, error) {
	var record Record
	args, err := lookupArgs(key, precision)
	if err != nil {
		return record, err
	}
	args = append(args, offset)
	err = s.at[precision-geohash.PrefixLength].GetContext(ctx, &record, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return record, fmt.Errorf("%w: precision %d offset %d", ErrNotFound, precision, offset)
	case err != nil:
		return record, fmt.Errorf("failed to fetch record at precision %d: %w", precision, err)
	}
	return record, nil
}

// InsertBatch inserts the records in a single transaction and returns the number of rows
// written.
func (s *Store) InsertBatch(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind("INSERT INTO geohash(one, five, six, seven, eight, city, admin, cc) "+
		"VALUES(?, ?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for i, r := range records {
		if _, err = stmt.ExecContext(ctx, r.Prefix, r.D5, r.D6, r.D7, r.D8, r.City, r.Admin, r.Country); err != nil {
			return i, fmt.Errorf("failed to insert record %q: %w", r.City, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(records), nil
}

// Total returns the number of records in the spatial table.
func (s *Store) Total(ctx context.Context) (int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM geohash"); err != nil {
		return 0, fmt.Errorf("failed to count spatial table rows: %w", err)
	}
	return total, nil
}

// Driver returns the name of the database driver in use.
func (s *Store) Driver() string {
	return s.driver
}

// Close releases the prepared statements and the connection pool.
func (s *Store) Close() error {
	for i := 0; i < levels; i++ {
		if s.count[i] != nil {
			_ = s.count[i].Close()
		}
		if s.at[i] != nil {
			_ = s.at[i].Close()
		}
	}
	return s.db.Close()
}

func lookupArgs(key geohash.Key, precision int) ([]any, error) {
	fields, ok := key.Fields(precision)
	if !ok {
		return nil, fmt.Errorf("%w: %d for key %q", ErrInvalidPrecision, precision, key.String())
	}
	args := make([]any, len(fields), len(fields)+1)
	for i, f := range fields {
		args[i] = f
	}
	return args, nil
}

func whereClause(n int) string {
	conds := make([]string, n)
	for i := 0; i < n; i++ {
		conds[i] = keyColumns[i] + " = ?"
	}
	return strings.Join(conds, " AND ")
}

func schema(driver string) []string {
	idType := "INTEGER PRIMARY KEY"
	if driver == DriverPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS geohash (
			id ` + idType + `,
			one INTEGER NOT NULL,
			five INTEGER NOT NULL,
			six INTEGER NOT NULL,
			seven INTEGER NOT NULL,
			eight INTEGER NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			admin TEXT NOT NULL DEFAULT '',
			cc TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS geohash_key ON geohash(one, five, six, seven, eight)`,
	}
}

// sqlitePath returns the file path of a SQLite DSN and whether it refers to a file at all.
func sqlitePath(dsn string) (string, bool) {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return path, false
	}
	return path, true
}

// sqliteDSN turns a path or file URI into a file URI carrying the given parameters.
func sqliteDSN(dsn string, params ...string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
