package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

const sqliteSchemaVersion = 1

// SQLiteStateBackend stores one row per record so a commit only writes the
// records it changed.
type SQLiteStateBackend struct {
	db *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if err := sqliteMigrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStateBackend{db: db}, nil
}

func sqliteMigrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	ctx := context.Background()
	state := &persistedState{Entries: map[string]*entry{}, Checkpoints: map[string]string{}}

	var seq int64
	err := b.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'seq'").Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.Seq = uint64(seq)

	rows, err := b.db.QueryContext(ctx, "SELECT id, body FROM records")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var e entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		state.Entries[id] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cpRows, err := b.db.QueryContext(ctx, "SELECT key, value FROM checkpoints")
	if err != nil {
		return nil, err
	}
	defer cpRows.Close()
	for cpRows.Next() {
		var key, value string
		if err := cpRows.Scan(&key, &value); err != nil {
			return nil, err
		}
		state.Checkpoints[key] = value
	}
	return state, cpRows.Err()
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	return b.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{"DELETE FROM records", "DELETE FROM checkpoints"} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return sqliteWrite(tx, state.Seq, state.Entries, state.Checkpoints)
	})
}

func (b *SQLiteStateBackend) SaveDelta(delta *stateDelta) error {
	if delta == nil {
		return nil
	}
	return b.withTx(func(tx *sql.Tx) error {
		return sqliteWrite(tx, delta.Seq, delta.Entries, delta.Checkpoints)
	})
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sqliteWrite(tx *sql.Tx, seq uint64, entries map[string]*entry, checkpoints map[string]string) error {
	for id, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO records (id, seq, body) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, body = excluded.body`,
			id, int64(e.Seq), string(body)); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
	}
	for key, value := range checkpoints {
		if _, err := tx.Exec(`
			INSERT INTO checkpoints (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("write checkpoint %s: %w", key, err)
		}
	}
	_, err := tx.Exec(`
		INSERT INTO store_meta (key, value) VALUES ('seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, int64(seq))
	return err
}
