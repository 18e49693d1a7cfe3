package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tablePrefix = postgresIntegrationTableName("relaydoc_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		for _, name := range []string{"records", "checkpoints", "meta"} {
			postgresIntegrationDropTable(t, dsn, pg.tablePrefix+"_"+name)
		}
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	res, err := store.Put(metadataRecord("doc1", "Postgres"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Seq != 1 {
		t.Fatalf("expected seq 1 after save, got %+v", loaded)
	}
	e, ok := loaded.Entries[res.ID]
	if !ok || e.Leaves[0].Record.Rev != res.Rev {
		t.Fatalf("expected stored metadata revision %s, got %+v", res.Rev, e)
	}
	if err := store.SetCheckpoint("pull:remote:prefix=doc1/", "7"); err != nil {
		t.Fatalf("set checkpoint failed: %v", err)
	}

	other, err := BuildStateBackendForDatabase(dsn, "other")
	if err != nil {
		t.Fatalf("build second database backend: %v", err)
	}
	otherPG := other.(*PostgresStateBackend)
	otherPG.tablePrefix = pg.tablePrefix
	t.Cleanup(func() { _ = otherPG.Close() })
	if snapshot, err := other.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected databases to be isolated, got %+v (%v)", snapshot, err)
	}

	reopened, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	if cp, ok := reopened.Checkpoint("pull:remote:prefix=doc1/"); !ok || cp != "7" {
		t.Fatalf("expected persisted checkpoint, got %q (%v)", cp, ok)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYDOC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYDOC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
