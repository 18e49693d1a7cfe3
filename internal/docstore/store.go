package docstore

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrImmutableRecord  = errors.New("immutable record")
	ErrInvalidInput     = errors.New("invalid input")
	ErrClosed           = errors.New("store closed")
)

const (
	defaultHistoryLimit = 1000
	defaultChangesLimit = 500
)

type ConflictError struct {
	ID               string
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s", e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// StorageError wraps a failure of the durable state backend. The in-memory
// state is rolled back before it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type PutResult struct {
	ID      string `json:"id"`
	Rev     string `json:"rev,omitempty"`
	OK      bool   `json:"ok"`
	Applied bool   `json:"applied,omitempty"`
	Err     error  `json:"-"`
}

type StoreOptions struct {
	StateFile       string
	StateBackend    StateBackend
	HistoryLimit    int
	ValidateRecords bool
	Logger          *zap.Logger
}

type Store struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	seq          uint64
	checkpoints  map[string]string
	stateBackend StateBackend
	historyLimit int
	validate     bool
	logger       *zap.Logger
	closed       bool
	closeOnce    sync.Once

	subMu      sync.Mutex
	subs       map[uint64]chan uint64
	nextSub    uint64
	subsClosed bool
}

type entry struct {
	Leaves []Revision `json:"leaves"`
	Seq    uint64     `json:"seq"`
}

func (e *entry) clone() *entry {
	if e == nil {
		return &entry{}
	}
	out := &entry{Seq: e.Seq, Leaves: make([]Revision, len(e.Leaves))}
	for i, leaf := range e.Leaves {
		out.Leaves[i] = leaf.clone()
	}
	return out
}

func (e *entry) winner() Revision {
	return e.Leaves[0]
}

func (e *entry) leafIndex(rev string) int {
	for i, leaf := range e.Leaves {
		if leaf.Record.Rev == rev {
			return i
		}
	}
	return -1
}

func (e *entry) liveLeaf() (Revision, bool) {
	for _, leaf := range e.Leaves {
		if !leaf.Record.Deleted {
			return leaf, true
		}
	}
	return Revision{}, false
}

func (e *entry) knows(rev string) bool {
	for _, leaf := range e.Leaves {
		if slices.Contains(leaf.History, rev) {
			return true
		}
	}
	return false
}

type persistedState struct {
	Seq         uint64            `json:"seq"`
	Entries     map[string]*entry `json:"entries"`
	Checkpoints map[string]string `json:"checkpoints"`
}

// stateDelta carries only what one commit changed, for backends that store
// records individually.
type stateDelta struct {
	Seq         uint64
	Entries     map[string]*entry
	Checkpoints map[string]string
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type deltaStateBackend interface {
	SaveDelta(delta *stateDelta) error
}

type stateBackendCloser interface {
	Close() error
}

func NewStore() *Store {
	s, _ := NewStoreWithOptions(StoreOptions{})
	return s
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		entries:      map[string]*entry{},
		checkpoints:  map[string]string{},
		stateBackend: backend,
		historyLimit: historyLimit,
		validate:     opts.ValidateRecords,
		logger:       logger,
		subs:         map[uint64]chan uint64{},
	}
	if err := s.loadFromBackend(); err != nil {
		if closer, ok := backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
		return nil, &StorageError{Op: "load", Err: err}
	}
	return s, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.subMu.Lock()
		s.subsClosed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()

		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			err = closer.Close()
		}
	})
	return err
}

func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) Put(rec Record) (PutResult, error) {
	res := s.PutMany([]Record{rec})[0]
	return res, res.Err
}

// PutMany applies local edits in order. Each record succeeds or fails on its
// own; a backend failure fails every record that would have changed state.
func (s *Store) PutMany(records []Record) []PutResult {
	results := make([]PutResult, len(records))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for i, rec := range records {
			results[i] = PutResult{ID: rec.ID, Err: ErrClosed}
		}
		return results
	}

	w := s.beginLocked()
	for i, rec := range records {
		res, err := s.putLocked(w, rec)
		res.Err = err
		res.OK = err == nil
		results[i] = res
	}
	if err := s.commitLocked(w); err != nil {
		for i := range results {
			if results[i].Applied {
				results[i] = PutResult{ID: results[i].ID, Err: err}
			}
		}
	}
	return results
}

func (s *Store) putLocked(w *writeSet, rec Record) (PutResult, error) {
	if err := s.checkRecord(rec); err != nil {
		return PutResult{ID: rec.ID}, err
	}
	rec = rec.Clone()
	rec.Conflicts = nil

	current := w.get(rec.ID)
	if current == nil || len(current.Leaves) == 0 {
		if rec.Rev != "" {
			return PutResult{ID: rec.ID}, &ConflictError{ID: rec.ID, ExpectedRevision: rec.Rev}
		}
		if rec.Deleted {
			return PutResult{ID: rec.ID}, fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
		}
		return s.addLeafLocked(w, current, -1, rec, nil), nil
	}

	winner := current.winner()
	if rec.Kind.Immutable() && !rec.Deleted && !winner.Record.Deleted {
		if sameContent(winner.Record, rec) {
			return PutResult{ID: rec.ID, Rev: winner.Record.Rev}, nil
		}
		return PutResult{ID: rec.ID}, fmt.Errorf("%w: %s", ErrImmutableRecord, rec.ID)
	}

	if rec.Rev == "" {
		if !winner.Record.Deleted {
			return PutResult{ID: rec.ID}, &ConflictError{ID: rec.ID, CurrentRevision: winner.Record.Rev}
		}
		if rec.Deleted {
			return PutResult{ID: rec.ID}, fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
		}
		return s.addLeafLocked(w, current, 0, rec, winner.History), nil
	}

	idx := current.leafIndex(rec.Rev)
	if idx < 0 || current.Leaves[idx].Record.Deleted {
		return PutResult{ID: rec.ID}, &ConflictError{ID: rec.ID, ExpectedRevision: rec.Rev, CurrentRevision: winner.Record.Rev}
	}
	return s.addLeafLocked(w, current, idx, rec, current.Leaves[idx].History), nil
}

func (s *Store) addLeafLocked(w *writeSet, current *entry, replace int, rec Record, parentHistory []string) PutResult {
	parent := ""
	generation := 1
	if len(parentHistory) > 0 {
		parent = parentHistory[0]
		generation = generationOf(parent) + 1
	}
	if rec.Deleted {
		rec = rec.tombstone()
	}
	rec.Rev = ""
	rev := newRevisionID(generation, parent, rec)
	rec.Rev = rev

	history := append([]string{rev}, parentHistory...)
	if len(history) > s.historyLimit {
		history = history[:s.historyLimit]
	}
	next := current.clone()
	leaf := Revision{Record: rec, History: history}
	if replace >= 0 && replace < len(next.Leaves) {
		next.Leaves[replace] = leaf
	} else {
		next.Leaves = append(next.Leaves, leaf)
	}
	sortLeaves(next.Leaves)
	w.put(rec.ID, next)
	return PutResult{ID: rec.ID, Rev: rev, OK: true, Applied: true}
}

// Remove tombstones a single leaf, which is how a resolved conflict branch is
// pruned. The tombstone replicates like any other revision.
func (s *Store) Remove(id, rev string) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PutResult{ID: id}, ErrClosed
	}
	w := s.beginLocked()
	res, err := s.removeLocked(w, id, rev)
	if err != nil {
		return res, err
	}
	if err := s.commitLocked(w); err != nil {
		return PutResult{ID: id}, err
	}
	return res, nil
}

func (s *Store) removeLocked(w *writeSet, id, rev string) (PutResult, error) {
	current := w.get(id)
	if current == nil || len(current.Leaves) == 0 {
		return PutResult{ID: id}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	idx := current.leafIndex(rev)
	if idx < 0 || current.Leaves[idx].Record.Deleted {
		return PutResult{ID: id}, &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: current.winner().Record.Rev}
	}
	leaf := current.Leaves[idx]
	return s.addLeafLocked(w, current, idx, leaf.Record.tombstone(), leaf.History), nil
}

// DestroyNamespace tombstones every live leaf under the document's namespace
// and reports how many leaves it removed.
func (s *Store) DestroyNamespace(documentID string) (int, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return 0, err
	}
	start := Namespace(documentID).Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	ids := make([]string, 0)
	for id := range s.entries {
		if strings.HasPrefix(id, start) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	w := s.beginLocked()
	removed := 0
	for _, id := range ids {
		for {
			leaf, ok := w.get(id).liveLeaf()
			if !ok {
				break
			}
			if _, err := s.removeLocked(w, id, leaf.Record.Rev); err != nil {
				return 0, err
			}
			removed++
		}
	}
	if err := s.commitLocked(w); err != nil {
		return 0, err
	}
	return removed, nil
}

// PutReplicated inserts revisions produced elsewhere, keeping their ids and
// ancestry. A revision that extends a local leaf replaces it; otherwise it
// becomes a new branch. Commits and trees whose content differs from the live
// local object are rejected with ErrImmutableRecord. Returns the revisions
// that were not known before.
func (s *Store) PutReplicated(revisions []Revision) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var errs error
	applied := make([]Record, 0, len(revisions))
	w := s.beginLocked()
	for _, incoming := range revisions {
		rec := incoming.Record.Clone()
		rec.Conflicts = nil
		if err := s.checkRecord(rec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := RevisionGeneration(rec.Rev); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		history := slices.Clone(incoming.History)
		if len(history) == 0 || history[0] != rec.Rev {
			history = append([]string{rec.Rev}, history...)
		}
		if len(history) > s.historyLimit {
			history = history[:s.historyLimit]
		}

		current := w.get(rec.ID)
		if current != nil && current.knows(rec.Rev) {
			continue
		}
		if rec.Kind.Immutable() && !rec.Deleted && current != nil {
			if live, ok := current.liveLeaf(); ok && !sameContent(live.Record, rec) {
				errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrImmutableRecord, rec.ID))
				continue
			}
		}
		next := current.clone()
		leaf := Revision{Record: rec, History: history}
		replaced := false
		for i, existing := range next.Leaves {
			if slices.Contains(history, existing.Record.Rev) {
				next.Leaves[i] = leaf
				replaced = true
				break
			}
		}
		if !replaced {
			next.Leaves = append(next.Leaves, leaf)
		}
		sortLeaves(next.Leaves)
		w.put(rec.ID, next)
		applied = append(applied, rec.Clone())
	}
	if err := s.commitLocked(w); err != nil {
		return nil, err
	}
	return applied, errs
}

func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || len(e.Leaves) == 0 || e.winner().Record.Deleted {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.winner().Record.Clone(), nil
}

// GetWithConflicts returns the winning revision with its _conflicts filled
// and the other live leaves in winning order.
func (s *Store) GetWithConflicts(id string) (Record, []Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || len(e.Leaves) == 0 || e.winner().Record.Deleted {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	winner := e.winner().Record.Clone()
	var alternates []Record
	for _, leaf := range e.Leaves[1:] {
		if leaf.Record.Deleted {
			continue
		}
		alternates = append(alternates, leaf.Record.Clone())
		winner.Conflicts = append(winner.Conflicts, leaf.Record.Rev)
	}
	return winner, alternates, nil
}

func (s *Store) GetRevision(id, rev string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	idx := e.leafIndex(rev)
	if idx < 0 {
		return Record{}, fmt.Errorf("%w: %s@%s", ErrNotFound, id, rev)
	}
	return e.Leaves[idx].Record.Clone(), nil
}

func (s *Store) QueryByNamespace(documentID string) ([]Record, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	start := Namespace(documentID).Start()
	return s.Query(func(rec Record) bool { return strings.HasPrefix(rec.ID, start) }), nil
}

// Query returns the live winners accepted by match, ordered by id.
func (s *Store) Query(match func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, e := range s.entries {
		if len(e.Leaves) == 0 {
			continue
		}
		winner := e.winner().Record
		if winner.Deleted {
			continue
		}
		if match != nil && !match(winner) {
			continue
		}
		out = append(out, winner.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllDocs lists every record under prefix, tombstoned winners included.
func (s *Store) AllDocs(prefix string) []DocInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DocInfo, 0)
	for id, e := range s.entries {
		if len(e.Leaves) == 0 || !strings.HasPrefix(id, prefix) {
			continue
		}
		winner := e.winner().Record
		info := DocInfo{ID: id, Rev: winner.Rev, Kind: winner.Kind, Deleted: winner.Deleted}
		for _, leaf := range e.Leaves[1:] {
			if !leaf.Record.Deleted {
				info.Conflicts = append(info.Conflicts, leaf.Record.Rev)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeafRevisions returns the requested leaves with their ancestry. Unknown
// ids and non-leaf revisions are skipped.
func (s *Store) LeafRevisions(request map[string][]string) []Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(request))
	for id := range request {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Revision, 0, len(request))
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		for _, rev := range request[id] {
			if idx := e.leafIndex(rev); idx >= 0 {
				out = append(out, e.Leaves[idx].clone())
			}
		}
	}
	return out
}

// RevsDiff reports which of the offered revisions this store has never seen.
func (s *Store) RevsDiff(offered map[string][]string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	missing := map[string][]string{}
	for id, revs := range offered {
		e := s.entries[id]
		for _, rev := range revs {
			if e != nil && e.knows(rev) {
				continue
			}
			if !slices.Contains(missing[id], rev) {
				missing[id] = append(missing[id], rev)
			}
		}
	}
	return missing
}

func (s *Store) Changes(req ChangesRequest) (ChangeFeed, error) {
	if err := req.Filter.Validate(); err != nil {
		return ChangeFeed{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultChangesLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	changes := make([]Change, 0)
	for id, e := range s.entries {
		if e.Seq <= req.Since || len(e.Leaves) == 0 {
			continue
		}
		winner := e.winner().Record
		if !req.Filter.Match(winner) {
			continue
		}
		revs := make([]string, 0, len(e.Leaves))
		for _, leaf := range e.Leaves {
			revs = append(revs, leaf.Record.Rev)
		}
		changes = append(changes, Change{ID: id, Seq: e.Seq, Revs: revs, Deleted: winner.Deleted})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })

	feed := ChangeFeed{Results: changes, LastSeq: s.seq}
	if feed.LastSeq < req.Since {
		feed.LastSeq = req.Since
	}
	if len(changes) > limit {
		feed.Results = changes[:limit]
		feed.LastSeq = changes[limit-1].Seq
		feed.Pending = true
	}
	return feed, nil
}

func (s *Store) Checkpoint(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.checkpoints[key]
	return value, ok
}

func (s *Store) SetCheckpoint(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	w := s.beginLocked()
	w.checkpoints[key] = value
	return s.commitLocked(w)
}

// Purge drops every record and checkpoint.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prevEntries, prevCheckpoints, prevSeq := s.entries, s.checkpoints, s.seq
	s.entries = map[string]*entry{}
	s.checkpoints = map[string]string{}
	s.seq = 0
	if s.stateBackend != nil {
		if err := s.stateBackend.Save(s.snapshotLocked()); err != nil {
			s.entries, s.checkpoints, s.seq = prevEntries, prevCheckpoints, prevSeq
			return &StorageError{Op: "purge", Err: err}
		}
	}
	s.logger.Info("local store purged", zap.Int("records", len(prevEntries)))
	return nil
}

// Subscribe returns a channel that receives the latest sequence after each
// committed change. Notifications coalesce; a slow reader sees only the newest.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan uint64, 1)
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *Store) notify(seq uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- seq:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}

func (s *Store) checkRecord(rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("%w: record %s has unknown type %q", ErrInvalidInput, rec.ID, rec.Kind)
	}
	if s.validate && !rec.Deleted {
		return ValidateRecord(rec)
	}
	return nil
}

type writeSet struct {
	seq         uint64
	staged      map[string]*entry
	checkpoints map[string]string
	store       *Store
}

func (s *Store) beginLocked() *writeSet {
	return &writeSet{
		seq:         s.seq,
		staged:      map[string]*entry{},
		checkpoints: map[string]string{},
		store:       s,
	}
}

func (w *writeSet) get(id string) *entry {
	if e, ok := w.staged[id]; ok {
		return e
	}
	return w.store.entries[id]
}

func (w *writeSet) put(id string, e *entry) {
	w.seq++
	e.Seq = w.seq
	w.staged[id] = e
}

func (s *Store) commitLocked(w *writeSet) error {
	if len(w.staged) == 0 && len(w.checkpoints) == 0 {
		return nil
	}
	prevSeq := s.seq
	prevEntries := make(map[string]*entry, len(w.staged))
	for id, e := range w.staged {
		prevEntries[id] = s.entries[id]
		s.entries[id] = e
	}
	prevCheckpoints := make(map[string]*string, len(w.checkpoints))
	for key, value := range w.checkpoints {
		if old, ok := s.checkpoints[key]; ok {
			prevCheckpoints[key] = &old
		} else {
			prevCheckpoints[key] = nil
		}
		s.checkpoints[key] = value
	}
	s.seq = w.seq

	if err := s.persistLocked(w); err != nil {
		for id, e := range prevEntries {
			if e == nil {
				delete(s.entries, id)
			} else {
				s.entries[id] = e
			}
		}
		for key, old := range prevCheckpoints {
			if old == nil {
				delete(s.checkpoints, key)
			} else {
				s.checkpoints[key] = *old
			}
		}
		s.seq = prevSeq
		s.logger.Warn("state backend save failed", zap.Int("records", len(w.staged)), zap.Error(err))
		return &StorageError{Op: "save", Err: err}
	}
	if len(w.staged) > 0 {
		s.notify(s.seq)
	}
	return nil
}

func (s *Store) persistLocked(w *writeSet) error {
	if s.stateBackend == nil {
		return nil
	}
	if delta, ok := s.stateBackend.(deltaStateBackend); ok {
		return delta.SaveDelta(&stateDelta{Seq: s.seq, Entries: w.staged, Checkpoints: w.checkpoints})
	}
	return s.stateBackend.Save(s.snapshotLocked())
}

func (s *Store) snapshotLocked() *persistedState {
	return &persistedState{
		Seq:         s.seq,
		Entries:     s.entries,
		Checkpoints: s.checkpoints,
	}
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for id, e := range snapshot.Entries {
		if e == nil || len(e.Leaves) == 0 {
			continue
		}
		sortLeaves(e.Leaves)
		s.entries[id] = e
	}
	for key, value := range snapshot.Checkpoints {
		s.checkpoints[key] = value
	}
	s.seq = snapshot.Seq
	s.logger.Debug("state loaded", zap.Int("records", len(s.entries)), zap.Uint64("seq", s.seq))
	return nil
}
