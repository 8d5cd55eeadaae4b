package persistence

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func TestSQLiteStore_Conformance(t *testing.T) {
	testStoreConformance(t, newTestSQLiteStore(t))
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)

	// A second constructor run against the same database must not fail.
	if _, err := NewSQLiteStore(store.db); err != nil {
		t.Fatalf("repeated schema init failed: %v", err)
	}
}
