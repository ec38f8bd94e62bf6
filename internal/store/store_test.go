// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wneessen/geohashd/internal/geohash"
)

type fixture struct {
	hash    string
	city    string
	admin   string
	country string
}

var fixtures = []fixture{
	{"gcpvj0du", "London", "England", "GB"},
	{"gcpvj0dv", "Westminster", "England", "GB"},
	{"gcpvj0e5", "Camden", "England", "GB"},
	{"gcpvj1bb", "Islington", "England", "GB"},
	{"gcpvk000", "Hackney", "England", "GB"},
	{"u33dc0cp", "Berlin", "Berlin", "DE"},
}

func TestOpen(t *testing.T) {
	t.Run("open an existing spatial table", func(t *testing.T) {
		path := testDatabase(t, fixtures)
		store, err := Open(t.Context(), DriverSQLite, path, Options{})
		if err != nil {
			t.Fatalf("failed to open spatial table: %s", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		total, err := store.Total(t.Context())
		if err != nil {
			t.Fatalf("failed to count rows: %s", err)
		}
		if total != len(fixtures) {
			t.Errorf("expected %d rows, got %d", len(fixtures), total)
		}
		if store.Driver() != DriverSQLite {
			t.Errorf("expected driver %q, got %q", DriverSQLite, store.Driver())
		}
	})
	t.Run("driver name is case insensitive", func(t *testing.T) {
		path := testDatabase(t, fixtures)
		store, err := Open(t.Context(), "SQLite", path, Options{MaxOpenConns: 2})
		if err != nil {
			t.Fatalf("failed to open spatial table: %s", err)
		}
		_ = store.Close()
	})
	t.Run("missing database file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.db")
		_, err := Open(t.Context(), DriverSQLite, path, Options{})
		if !errors.Is(err, ErrTableMissing) {
			t.Fatalf("expected error to be %s, got %s", ErrTableMissing, err)
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Errorf("opening a missing database must not create it")
		}
	})
	t.Run("database without spatial table fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.db")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatalf("failed to create empty database file: %s", err)
		}
		_, err := Open(t.Context(), DriverSQLite, path, Options{})
		if !errors.Is(err, ErrTableMissing) {
			t.Fatalf("expected error to be %s, got %s", ErrTableMissing, err)
		}
	})
	t.Run("unsupported driver fails", func(t *testing.T) {
		_, err := Open(t.Context(), "mysql", "whatever", Options{})
		if !errors.Is(err, ErrUnsupportedDriver) {
			t.Fatalf("expected error to be %s, got %s", ErrUnsupportedDriver, err)
		}
	})
	t.Run("read-only store rejects writes", func(t *testing.T) {
		store := openTestStore(t, fixtures)
		key, err := geohash.Decode("u4pruydq")
		if err != nil {
			t.Fatalf("failed to decode geohash: %s", err)
		}
		if _, err = store.InsertBatch(t.Context(), []Record{NewRecord(key, "Oslo", "Oslo", "NO")}); err == nil {
			t.Error("expected insert on read-only store to fail")
		}
	})
}

func TestStore_Count(t *testing.T) {
	store := openTestStore(t, fixtures)
	tests := []struct {
		name      string
		hash      string
		precision int
		want      int
	}{
		{"full key match", "gcpvj0du", 8, 1},
		{"seven characters", "gcpvj0du", 7, 2},
		{"six characters", "gcpvj0du", 6, 3},
		{"five characters", "gcpvj0du", 5, 4},
		{"prefix only", "gcpvj0du", 4, 5},
		{"other prefix", "u33dc0cp", 4, 1},
		{"no match", "s0000000", 4, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key := mustDecode(t, tc.hash)
			got, err := store.Count(t.Context(), key, tc.precision)
			if err != nil {
				t.Fatalf("failed to count records: %s", err)
			}
			if got != tc.want {
				t.Errorf("expected count %d, got %d", tc.want, got)
			}
		})
	}
	t.Run("precision beyond key length fails", func(t *testing.T) {
		key := mustDecode(t, "gcpvj0")
		_, err := store.Count(t.Context(), key, 8)
		if !errors.Is(err, ErrInvalidPrecision) {
			t.Errorf("expected error to be %s, got %s", ErrInvalidPrecision, err)
		}
	})
	t.Run("precision out of range fails", func(t *testing.T) {
		key := mustDecode(t, "gcpvj0du")
		for _, precision := range []int{0, 3, 9} {
			if _, err := store.Count(t.Context(), key, precision); !errors.Is(err, ErrInvalidPrecision) {
				t.Errorf("precision %d: expected error to be %s, got %s", precision, ErrInvalidPrecision, err)
			}
		}
	})
}

func TestStore_RecordAt(t *testing.T) {
	store := openTestStore(t, fixtures)
	t.Run("records are ordered by id", func(t *testing.T) {
		key := mustDecode(t, "gcpvj0du")
		want := []string{"London", "Westminster", "Camden", "Islington", "Hackney"}
		for offset, city := range want {
			record, err := store.RecordAt(t.Context(), key, 4, offset)
			if err != nil {
				t.Fatalf("failed to fetch record at offset %d: %s", offset, err)
			}
			if record.City != city {
				t.Errorf("offset %d: expected city %q, got %q", offset, city, record.City)
			}
		}
	})
	t.Run("record fields are scanned", func(t *testing.T) {
		key := mustDecode(t, "u33dc0cp")
		record, err := store.RecordAt(t.Context(), key, 8, 0)
		if err != nil {
			t.Fatalf("failed to fetch record: %s", err)
		}
		want := NewRecord(key, "Berlin", "Berlin", "DE")
		if diff := cmp.Diff(want, record, cmpopts.IgnoreFields(Record{}, "ID")); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
		if record.ID == 0 {
			t.Error("expected record to carry its id")
		}
	})
	t.Run("offset past the end is not found", func(t *testing.T) {
		key := mustDecode(t, "gcpvj0du")
		_, err := store.RecordAt(t.Context(), key, 8, 1)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected error to be %s, got %s", ErrNotFound, err)
		}
	})
	t.Run("concurrent reads", func(t *testing.T) {
		key := mustDecode(t, "gcpvj0du")
		errs := make(chan error, 32)
		for i := 0; i < cap(errs); i++ {
			go func() {
				_, err := store.RecordAt(context.Background(), key, 5, 2)
				errs <- err
			}()
		}
		for i := 0; i < cap(errs); i++ {
			if err := <-errs; err != nil {
				t.Errorf("concurrent read failed: %s", err)
			}
		}
	})
}

func TestStore_InsertBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insert.db")
	store, err := Create(t.Context(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("failed to create spatial table: %s", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	t.Run("empty batch is a no-op", func(t *testing.T) {
		n, err := store.InsertBatch(t.Context(), nil)
		if err != nil {
			t.Fatalf("failed to insert empty batch: %s", err)
		}
		if n != 0 {
			t.Errorf("expected 0 inserted rows, got %d", n)
		}
	})
	t.Run("batches accumulate", func(t *testing.T) {
		records := testRecords(t, fixtures)
		for _, batch := range [][]Record{records[:2], records[2:]} {
			n, err := store.InsertBatch(t.Context(), batch)
			if err != nil {
				t.Fatalf("failed to insert batch: %s", err)
			}
			if n != len(batch) {
				t.Errorf("expected %d inserted rows, got %d", len(batch), n)
			}
		}
		total, err := store.Total(t.Context())
		if err != nil {
			t.Fatalf("failed to count rows: %s", err)
		}
		if total != len(fixtures) {
			t.Errorf("expected %d rows, got %d", len(fixtures), total)
		}
	})
	t.Run("create is idempotent", func(t *testing.T) {
		again, err := Create(t.Context(), DriverSQLite, path)
		if err != nil {
			t.Fatalf("failed to re-create spatial table: %s", err)
		}
		_ = again.Close()
	})
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("GEOHASHD_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("GEOHASHD_TEST_POSTGRES not set, skipping postgres tests")
	}
	writer, err := Create(t.Context(), DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("failed to create spatial table: %s", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	if _, err = writer.db.ExecContext(t.Context(), "TRUNCATE geohash RESTART IDENTITY"); err != nil {
		t.Fatalf("failed to truncate spatial table: %s", err)
	}
	if _, err = writer.InsertBatch(t.Context(), testRecords(t, fixtures)); err != nil {
		t.Fatalf("failed to insert records: %s", err)
	}

	store, err := Open(t.Context(), DriverPostgres, dsn, Options{})
	if err != nil {
		t.Fatalf("failed to open spatial table: %s", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	key := mustDecode(t, "gcpvj0du")
	count, err := store.Count(t.Context(), key, 4)
	if err != nil {
		t.Fatalf("failed to count records: %s", err)
	}
	if count != 5 {
		t.Errorf("expected count 5, got %d", count)
	}
	record, err := store.RecordAt(t.Context(), key, 4, count/2)
	if err != nil {
		t.Fatalf("failed to fetch record: %s", err)
	}
	if record.City != "Camden" {
		t.Errorf("expected median city Camden, got %q", record.City)
	}
}

func TestSqliteDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"cities.db", "file:cities.db?mode=ro"},
		{"file:cities.db", "file:cities.db?mode=ro"},
		{"file:cities.db?cache=shared", "file:cities.db?cache=shared&mode=ro"},
	}
	for _, tc := range tests {
		t.Run(tc.dsn, func(t *testing.T) {
			if got := sqliteDSN(tc.dsn, "mode=ro"); got != tc.want {
				t.Errorf("expected DSN %q, got %q", tc.want, got)
			}
		})
	}
	t.Run("memory databases have no file", func(t *testing.T) {
		if _, isFile := sqlitePath(":memory:"); isFile {
			t.Error("expected :memory: to not refer to a file")
		}
		if path, isFile := sqlitePath("file:/tmp/x.db?mode=ro"); !isFile || path != "/tmp/x.db" {
			t.Errorf("expected file path /tmp/x.db, got %q", path)
		}
	})
}

func mustDecode(t *testing.T, hash string) geohash.Key {
	t.Helper()
	key, err := geohash.Decode(hash)
	if err != nil {
		t.Fatalf("failed to decode geohash %q: %s", hash, err)
	}
	return key
}

func testRecords(t *testing.T, rows []fixture) []Record {
	t.Helper()
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = NewRecord(mustDecode(t, row.hash), row.city, row.admin, row.country)
	}
	return records
}

// testDatabase creates a populated SQLite spatial table and returns its path.
func testDatabase(t *testing.T, rows []fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geohash.db")
	store, err := Create(t.Context(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("failed to create spatial table: %s", err)
	}
	if _, err = store.InsertBatch(t.Context(), testRecords(t, rows)); err != nil {
		t.Fatalf("failed to insert records: %s", err)
	}
	if err = store.Close(); err != nil {
		t.Fatalf("failed to close spatial table: %s", err)
	}
	return path
}

func openTestStore(t *testing.T, rows []fixture) *Store {
	t.Helper()
	store, err := Open(t.Context(), DriverSQLite, testDatabase(t, rows), Options{})
	if err != nil {
		t.Fatalf("failed to open spatial table: %s", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
