package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTablePrefix      = "relaydoc"
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one row per record, partitioned by database
// name, so several server databases share the same tables.
type PostgresStateBackend struct {
	dsn         string
	tablePrefix string
	stateKey    string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		stateKey:    postgresStateKey,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresStateBackend) table(name string) string {
	return postgresQuoteIdentifier(b.tablePrefix + "_" + name)
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var seq int64
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT seq FROM %s WHERE state_key = $1", b.table("meta")), b.stateKey).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &persistedState{Seq: uint64(seq), Entries: map[string]*entry{}, Checkpoints: map[string]string{}}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, body FROM %s WHERE state_key = $1", b.table("records")), b.stateKey)
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

	cpRows, err := b.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key, value FROM %s WHERE state_key = $1", b.table("checkpoints")), b.stateKey)
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

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	return b.withTx(func(ctx context.Context, tx *sql.Tx) error {
		for _, name := range []string{"records", "checkpoints"} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE state_key = $1", b.table(name)), b.stateKey); err != nil {
				return err
			}
		}
		return b.write(ctx, tx, state.Seq, state.Entries, state.Checkpoints)
	})
}

func (b *PostgresStateBackend) SaveDelta(delta *stateDelta) error {
	if b == nil || delta == nil {
		return nil
	}
	return b.withTx(func(ctx context.Context, tx *sql.Tx) error {
		return b.write(ctx, tx, delta.Seq, delta.Entries, delta.Checkpoints)
	})
}

func (b *PostgresStateBackend) write(ctx context.Context, tx *sql.Tx, seq uint64, entries map[string]*entry, checkpoints map[string]string) error {
	recordQuery := fmt.Sprintf(`
		INSERT INTO %s (state_key, id, seq, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (state_key, id)
		DO UPDATE SET seq = EXCLUDED.seq, body = EXCLUDED.body`, b.table("records"))
	for id, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, recordQuery, b.stateKey, id, int64(e.Seq), string(body)); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
	}
	checkpointQuery := fmt.Sprintf(`
		INSERT INTO %s (state_key, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (state_key, key)
		DO UPDATE SET value = EXCLUDED.value`, b.table("checkpoints"))
	for key, value := range checkpoints {
		if _, err := tx.ExecContext(ctx, checkpointQuery, b.stateKey, key, value); err != nil {
			return fmt.Errorf("write checkpoint %s: %w", key, err)
		}
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (state_key, seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET seq = EXCLUDED.seq, updated_at = NOW()`, b.table("meta")), b.stateKey, int64(seq))
	return err
}

func (b *PostgresStateBackend) withTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, ddl := range []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT NOT NULL,
				id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				body TEXT NOT NULL,
				PRIMARY KEY (state_key, id)
			)`, b.table("records")),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (state_key, key)
			)`, b.table("checkpoints")),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				seq BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.table("meta")),
		} {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
