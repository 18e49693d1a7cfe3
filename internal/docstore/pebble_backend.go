package docstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleRecordPrefix     = 'R'
	pebbleCheckpointPrefix = 'C'
)

var pebbleSeqKey = []byte{'S'}

// PebbleStateBackend keeps one key per record in an embedded LSM store.
type PebbleStateBackend struct {
	db *pebble.DB
}

func NewPebbleStateBackend(dir string) (StateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStateBackend{db: db}, nil
}

func pebbleKey(prefix byte, name string) []byte {
	return append([]byte{prefix}, name...)
}

func (b *PebbleStateBackend) Load() (*persistedState, error) {
	raw, closer, err := b.db.Get(pebbleSeqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &persistedState{Entries: map[string]*entry{}, Checkpoints: map[string]string{}}
	if len(raw) == 8 {
		state.Seq = binary.BigEndian.Uint64(raw)
	}
	_ = closer.Close()

	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) == 0 {
			continue
		}
		name := string(key[1:])
		switch key[0] {
		case pebbleRecordPrefix:
			var e entry
			if err := json.Unmarshal(iter.Value(), &e); err != nil {
				return nil, fmt.Errorf("decode record %s: %w", name, err)
			}
			state.Entries[name] = &e
		case pebbleCheckpointPrefix:
			state.Checkpoints[name] = string(iter.Value())
		}
	}
	return state, iter.Error()
}

func (b *PebbleStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, prefix := range []byte{pebbleRecordPrefix, pebbleCheckpointPrefix} {
		if err := batch.DeleteRange([]byte{prefix}, []byte{prefix + 1}, nil); err != nil {
			return err
		}
	}
	if err := pebbleWrite(batch, state.Seq, state.Entries, state.Checkpoints); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleStateBackend) SaveDelta(delta *stateDelta) error {
	if delta == nil {
		return nil
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := pebbleWrite(batch, delta.Seq, delta.Entries, delta.Checkpoints); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func pebbleWrite(batch *pebble.Batch, seq uint64, entries map[string]*entry, checkpoints map[string]string) error {
	for id, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := batch.Set(pebbleKey(pebbleRecordPrefix, id), body, nil); err != nil {
			return err
		}
	}
	for key, value := range checkpoints {
		if err := batch.Set(pebbleKey(pebbleCheckpointPrefix, key), []byte(value), nil); err != nil {
			return err
		}
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return batch.Set(pebbleSeqKey, seqBuf[:], nil)
}
