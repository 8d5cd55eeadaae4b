package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appforge/procflow/internal/testutil"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := testutil.GetPostgresDSN(t)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}

	// Shared container: start each test from an empty schema.
	_, err = db.Exec("TRUNCATE TABLE process_runs, process_tasks, process_specs, process_schedules, entity_meta")
	if err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	return store
}

func TestPostgresStore_Conformance(t *testing.T) {
	testStoreConformance(t, newTestPostgresStore(t))
}
