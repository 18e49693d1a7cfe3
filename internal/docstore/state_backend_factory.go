package docstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

const DatabasePlaceholder = "{database}"

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleStateBackend(path)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// BuildStateBackendForDatabase builds the backend of one named database. A
// {database} placeholder in the DSN is replaced by the name; postgres
// databases share a table keyed by name.
func BuildStateBackendForDatabase(dsn, database string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.TrimSpace(database) == "" {
		return nil, fmt.Errorf("%w: database name is required", ErrInvalidInput)
	}
	dsn = strings.ReplaceAll(dsn, DatabasePlaceholder, url.PathEscape(database))
	backend, err := BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if pg, ok := backend.(*PostgresStateBackend); ok {
		pg.stateKey = database
	}
	return backend, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
