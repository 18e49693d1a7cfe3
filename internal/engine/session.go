package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/replication"
)

// Session is the open state of one document: its namespace, the objects
// already saved this session, the head last surfaced to the caller and the
// live replication handle.
type Session struct {
	engine *Engine
	ns     docstore.Namespace
	refID  string
	dedup  *docstore.DedupCache
	logger *zap.Logger

	mu       sync.Mutex
	baseline string
	live     *replication.LiveSync
	liveDone chan struct{}
	closed   bool
}

func newSession(e *Engine, documentID string) *Session {
	ns := docstore.Namespace(documentID)
	return &Session{
		engine: e,
		ns:     ns,
		refID:  ns.RefID(e.refName),
		dedup:  docstore.NewDedupCache(),
		logger: e.logger.With(zap.String("document", documentID)),
	}
}

func (s *Session) DocumentID() string { return s.ns.DocumentID() }

func (s *Session) filter() docstore.Filter {
	return docstore.Filter{Prefix: s.ns.Start()}
}

// Baseline is the ref revision the caller last saw.
func (s *Session) Baseline() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

func (s *Session) setBaseline(rev string) {
	s.mu.Lock()
	s.baseline = rev
	s.mu.Unlock()
}

func (s *Session) toLocal(rec docstore.Record) docstore.Record {
	out := rec.Clone()
	if local, ok := s.ns.Unprefix(rec.ID); ok {
		out.ID = local
	}
	return out
}

func (s *Session) toLocalAll(records []docstore.Record) []docstore.Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]docstore.Record, len(records))
	for i, rec := range records {
		out[i] = s.toLocal(rec)
	}
	return out
}

func (s *Session) toGlobal(rec docstore.Record) docstore.Record {
	out := rec.Clone()
	out.ID = s.ns.Prefix(rec.ID)
	return out
}

// Local reports the whole local object set of the document.
func (s *Session) Local() (ResultSet, error) {
	records, err := s.engine.store.QueryByNamespace(s.DocumentID())
	if err != nil {
		return ResultSet{}, err
	}
	return s.result(records, nil), nil
}

// result groups delivered records by kind and re-reads the ref to decide
// which head to surface.
func (s *Session) result(records []docstore.Record, inbound map[string]bool) ResultSet {
	var rs ResultSet
	var delivered *docstore.Record
	refs := make([]docstore.Record, 0, len(records))
	others := make([]docstore.Record, 0, len(records))
	for _, rec := range records {
		if rec.ID == s.refID {
			delivered = &rec
			continue
		}
		if rec.Kind == docstore.KindRef {
			refs = append(refs, rec)
			continue
		}
		others = append(others, rec)
	}

	current, alternates, err := s.engine.store.GetWithConflicts(s.refID)
	switch {
	case err == nil:
		current.Conflicts = nil
		ref, conflicts := DetectConflict(current, alternates, s.Baseline(), inbound)
		refs = append(refs, ref)
		s.setBaseline(ref.Rev)

		local := s.toLocal(ref)
		for _, c := range conflicts {
			local.Conflicts = append(local.Conflicts, c.Rev)
		}
		rs.Ref = &local
		if len(conflicts) > 0 {
			rs.Conflicts = s.toLocalAll(conflicts)
			rs.Conflict = &rs.Conflicts[0]
			replication.ConflictsDetected.Inc()
			s.logger.Info("ref conflict detected",
				zap.String("ref", ref.Rev), zap.Int("alternates", len(conflicts)))
		}
	case delivered != nil:
		// the head was deleted remotely
		refs = append(refs, *delivered)
	}
	rs.Objects = docstore.GroupByKind(s.toLocalAll(append(others, refs...)))
	return rs
}

type MetadataDelta struct {
	Name string
}

// SaveRequest carries objects with document-local ids. A ref without a
// revision updates the head the session last reported.
type SaveRequest struct {
	Commits     []docstore.Record
	TreeObjects []docstore.Record
	Refs        []docstore.Record
	Metadata    *MetadataDelta
	// ResolveConflicts removes the other live revisions of each saved ref.
	ResolveConflicts bool
}

type SaveResult struct {
	Written     []string
	Skipped     []string
	UpdatedRefs []docstore.Record
	Metadata    *docstore.Record
}

// SaveData persists new objects locally, then the refs that point at them,
// then bumps the metadata. Local persistence never waits for the remote; the
// push runs in the background.
func (s *Session) SaveData(req SaveRequest) (SaveResult, error) {
	var result SaveResult
	if s.isClosed() {
		return result, ErrClosed
	}
	store := s.engine.store

	objects := make([]docstore.Record, 0, len(req.Commits)+len(req.TreeObjects))
	for _, group := range [][]docstore.Record{req.Commits, req.TreeObjects} {
		for _, rec := range group {
			if err := checkLocalID(rec.ID); err != nil {
				return result, err
			}
			global := s.toGlobal(rec)
			if s.dedup.ShouldSkip(global.ID) {
				result.Skipped = append(result.Skipped, rec.ID)
				continue
			}
			objects = append(objects, global)
		}
	}

	var errs error
	var saved []string
	for _, res := range store.PutMany(objects) {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save %s: %w", res.ID, res.Err))
			continue
		}
		saved = append(saved, res.ID)
		local, _ := s.ns.Unprefix(res.ID)
		result.Written = append(result.Written, local)
	}
	s.dedup.MarkSaved(saved...)

	for _, ref := range req.Refs {
		updated, err := s.saveRef(ref, req.ResolveConflicts)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save ref %s: %w", ref.ID, err))
			continue
		}
		if updated != nil {
			result.UpdatedRefs = append(result.UpdatedRefs, *updated)
		}
	}

	if len(result.Written) > 0 || len(result.UpdatedRefs) > 0 {
		s.engine.emit(Event{Type: EventDataSaved, DocumentID: s.DocumentID(), UpdatedRefs: result.UpdatedRefs})
		s.pushInBackground()
	}

	if errs == nil || req.Metadata != nil {
		delta := MetadataDelta{}
		if req.Metadata != nil {
			delta = *req.Metadata
		}
		meta, err := s.SaveMetadata(delta)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			result.Metadata = &meta
		}
	}
	return result, errs
}

func checkLocalID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: object id is required", docstore.ErrInvalidInput)
	}
	return nil
}

// saveRef writes one ref. It returns nil when the stored revision did not
// change.
func (s *Session) saveRef(ref docstore.Record, resolve bool) (*docstore.Record, error) {
	if err := checkLocalID(ref.ID); err != nil {
		return nil, err
	}
	store := s.engine.store
	global := s.toGlobal(ref)
	global.Kind = docstore.KindRef
	global.Conflicts = nil
	if strings.TrimSpace(global.Value) == "" {
		return nil, fmt.Errorf("%w: ref %s has no target", docstore.ErrInvalidInput, ref.ID)
	}
	target := s.ns.Prefix(global.Value)
	if rec, err := store.Get(target); err != nil || rec.Kind != docstore.KindCommit {
		return nil, fmt.Errorf("%w: ref %s targets unknown commit %s", docstore.ErrInvalidInput, ref.ID, global.Value)
	}

	current, alternates, err := store.GetWithConflicts(global.ID)
	exists := err == nil
	if global.Rev == "" && exists {
		global.Rev = current.Rev
		if global.ID == s.refID {
			baseline := s.Baseline()
			if leaf, err := store.GetRevision(global.ID, baseline); baseline != "" && err == nil && !leaf.Deleted {
				global.Rev = baseline
			}
		}
	}
	rev := global.Rev
	unchanged := false
	if exists {
		leaf, err := store.GetRevision(global.ID, global.Rev)
		unchanged = err == nil && !leaf.Deleted && leaf.Value == global.Value
	}
	if !unchanged {
		res, err := store.Put(global)
		if err != nil {
			return nil, err
		}
		rev = res.Rev
	}
	if resolve && exists {
		var errs error
		for _, alt := range append([]docstore.Record{current}, alternates...) {
			if alt.Rev == global.Rev {
				continue
			}
			if _, err := store.Remove(alt.ID, alt.Rev); err != nil && !errors.Is(err, docstore.ErrRevisionConflict) {
				errs = multierr.Append(errs, err)
			}
		}
		if errs != nil {
			return nil, errs
		}
	}
	if global.ID == s.refID {
		s.setBaseline(rev)
	}
	if unchanged {
		return nil, nil
	}
	out := s.toLocal(global)
	out.Rev = rev
	return &out, nil
}

// SaveMetadata applies delta to the document metadata and refreshes its
// updatedAt. Failures are reported as MetadataSaveError events as well.
func (s *Session) SaveMetadata(delta MetadataDelta) (docstore.Record, error) {
	store := s.engine.store
	id := s.ns.MetadataID()
	now := s.engine.now()
	meta, err := store.Get(id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.engine.emit(Event{Type: EventMetadataSaveError, DocumentID: s.DocumentID(), Err: err})
		return docstore.Record{}, err
	}
	if err != nil {
		meta = docstore.Record{ID: id, Kind: docstore.KindMetadata, DocID: s.DocumentID(), Name: s.DocumentID(), CreatedAt: now}
	}
	if name := strings.TrimSpace(delta.Name); name != "" {
		meta.Name = norm.NFC.String(name)
	}
	meta.UpdatedAt = now

	res, err := store.Put(meta)
	if err != nil {
		s.logger.Warn("metadata save failed", zap.Error(err))
		s.engine.emit(Event{Type: EventMetadataSaveError, DocumentID: s.DocumentID(), Err: err})
		return docstore.Record{}, err
	}
	meta.Rev = res.Rev
	s.engine.emit(Event{Type: EventMetadataSaved, DocumentID: s.DocumentID(), Metadata: &meta})
	s.engine.refreshIndex()
	return meta, nil
}

// Pull fetches remote changes of the document and reports them with the
// surfaced head and any conflict.
func (s *Session) Pull(ctx context.Context) (ResultSet, error) {
	if s.engine.rep == nil {
		return ResultSet{}, ErrOffline
	}
	batch, err := s.engine.rep.Pull(ctx, s.filter())
	if err != nil {
		if len(batch.Records) == 0 {
			return ResultSet{}, err
		}
		s.logger.Warn("pull partially applied", zap.Int("records", len(batch.Records)), zap.Error(err))
	}
	result := s.deliver(batch.Records, false)
	return result, err
}

func (s *Session) Push(ctx context.Context) error {
	if s.engine.rep == nil {
		return ErrOffline
	}
	return s.engine.rep.Push(ctx, s.filter())
}

func (s *Session) pushInBackground() {
	e := s.engine
	if e.rep == nil || s.Live() || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := s.Push(e.ctx); err != nil && e.ctx.Err() == nil {
			s.logger.Warn("background push failed", zap.Error(err))
			e.emit(Event{Type: EventReplicationError, DocumentID: s.DocumentID(), Err: err})
		}
	}()
}

// deliver turns pulled records into a DataReceived event.
func (s *Session) deliver(records []docstore.Record, withMetadata bool) ResultSet {
	inbound := map[string]bool{}
	metadataChanged := false
	for _, rec := range records {
		if rec.ID == s.refID {
			inbound[rec.Rev] = true
		}
		if rec.Kind == docstore.KindMetadata {
			metadataChanged = true
		}
	}
	result := s.result(records, inbound)
	if withMetadata && len(result.Objects.Metadata) == 0 {
		if meta, err := s.engine.store.Get(s.ns.MetadataID()); err == nil {
			result.Objects.Metadata = []docstore.Record{s.toLocal(meta)}
		}
	}
	s.engine.emit(Event{Type: EventDataReceived, DocumentID: s.DocumentID(), Result: &result})
	if metadataChanged {
		for _, meta := range result.Objects.Metadata {
			s.engine.emit(Event{Type: EventMetadataSynced, DocumentID: s.DocumentID(), Metadata: &meta})
		}
		s.engine.refreshIndex()
	}
	return result
}

func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// StartLiveSync replicates the document in both directions until stopped.
// Each pulled batch is delivered as a DataReceived event; the first one also
// carries the document metadata.
func (s *Session) StartLiveSync() error {
	e := s.engine
	if e.rep == nil {
		return ErrOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || e.ctx.Err() != nil {
		return ErrClosed
	}
	if s.live != nil {
		return nil
	}
	live := e.rep.StartLive(e.ctx, s.filter(), e.live)
	done := make(chan struct{})
	s.live, s.liveDone = live, done

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		first := true
		for batch := range live.Batches() {
			s.deliver(batch.Records, first)
			first = false
		}
	}()
	s.logger.Info("live sync started")
	return nil
}

// StopLiveSync stops live replication. Batches already handed over may still
// be delivered; it is safe to call more than once.
func (s *Session) StopLiveSync() {
	s.mu.Lock()
	live, done := s.live, s.liveDone
	s.live, s.liveDone = nil, nil
	s.mu.Unlock()
	if live == nil {
		return
	}
	live.Stop()
	<-done
	s.logger.Info("live sync stopped")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops live sync and forgets the session's saved-object cache.
func (s *Session) Close() {
	s.StopLiveSync()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.dedup.Reset()
	s.engine.dropSession(s)
}
