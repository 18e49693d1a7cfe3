// Package engine is the document-facing side of relaydoc: it turns editor
// intents into namespaced store writes and replication runs, and reports
// results as typed events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/replication"
)

var (
	ErrOffline = errors.New("no remote store configured")
	ErrClosed  = errors.New("engine closed")
)

const (
	defaultEventBuffer = 64
	importConcurrency  = 4
)

type Options struct {
	Store *docstore.Store
	// Remote is optional; without it the engine works offline.
	Remote      replication.Endpoint
	RemoteID    string
	Logger      *zap.Logger
	EventBuffer int
	RefName     string
	Clock       func() time.Time
	Live        replication.LiveOptions
}

type Engine struct {
	store   *docstore.Store
	remote  replication.Endpoint
	rep     *replication.Replicator
	index   *Index
	logger  *zap.Logger
	refName string
	clock   func() time.Time
	live    replication.LiveOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events    chan Event
	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once

	mu           sync.Mutex
	sessions     map[string]*Session
	listSync     *replication.LiveSync
	settingsSync *replication.LiveSync
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	refName := strings.TrimSpace(opts.RefName)
	if refName == "" {
		refName = docstore.DefaultRefName
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		store:    opts.Store,
		remote:   opts.Remote,
		index:    NewIndex(opts.Store),
		logger:   logger,
		refName:  refName,
		clock:    clock,
		live:     opts.Live,
		events:   make(chan Event, buffer),
		sessions: map[string]*Session{},
	}
	if opts.Remote != nil {
		rep, err := replication.New(replication.Options{
			Local:    opts.Store,
			Remote:   opts.Remote,
			RemoteID: opts.RemoteID,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		e.rep = rep
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Events delivers every engine event. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) Store() *docstore.Store { return e.store }

func (e *Engine) Online() bool { return e.rep != nil }

func (e *Engine) emit(ev Event) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Engine) now() int64 {
	return e.clock().UnixMilli()
}

func (e *Engine) refreshIndex() {
	if e.index.Refresh() {
		e.emit(Event{Type: EventDocumentListChanged, Documents: e.index.List()})
	}
}

// InitDocument creates the metadata of a new document and opens a session on
// its still empty object set.
func (e *Engine) InitDocument(documentID, name string) (*Session, error) {
	if err := docstore.ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ns := docstore.Namespace(documentID)
	if strings.TrimSpace(name) == "" {
		name = documentID
	}
	now := e.now()
	meta := docstore.Record{
		ID:        ns.MetadataID(),
		Kind:      docstore.KindMetadata,
		DocID:     documentID,
		Name:      norm.NFC.String(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := e.store.Put(meta)
	if err != nil {
		e.emit(Event{Type: EventMetadataSaveError, DocumentID: documentID, Err: err})
		return nil, err
	}
	meta.Rev = res.Rev
	e.logger.Info("document initialized", zap.String("document", documentID))
	e.emit(Event{Type: EventMetadataSaved, DocumentID: documentID, Metadata: &meta})
	e.refreshIndex()

	s := e.openSession(documentID)
	e.emit(Event{Type: EventDataReceived, DocumentID: documentID, Result: &ResultSet{}})
	s.pushInBackground()
	return s, nil
}

type LoadOptions struct {
	Live bool
}

// LoadDocument opens a session on a document and reports its local object
// set. With Live set it also starts live replication of the namespace.
func (e *Engine) LoadDocument(documentID string, opts LoadOptions) (*Session, ResultSet, error) {
	if err := docstore.ValidateDocumentID(documentID); err != nil {
		return nil, ResultSet{}, err
	}
	if e.ctx.Err() != nil {
		return nil, ResultSet{}, ErrClosed
	}
	s := e.openSession(documentID)
	result, err := s.Local()
	if err != nil {
		return nil, ResultSet{}, err
	}
	e.emit(Event{Type: EventDataReceived, DocumentID: documentID, Result: &result})
	if opts.Live && e.rep != nil {
		if err := s.StartLiveSync(); err != nil {
			return s, result, err
		}
	}
	return s, result, nil
}

func (e *Engine) openSession(documentID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[documentID]; ok {
		return s
	}
	s := newSession(e, documentID)
	e.sessions[documentID] = s
	return s
}

func (e *Engine) dropSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.DocumentID()] == s {
		delete(e.sessions, s.DocumentID())
	}
}

// RequestDelete removes every record of the document locally and on the
// remote, then refreshes the document list.
func (e *Engine) RequestDelete(ctx context.Context, documentID string) error {
	if err := docstore.ValidateDocumentID(documentID); err != nil {
		return err
	}
	e.mu.Lock()
	s := e.sessions[documentID]
	e.mu.Unlock()
	if s != nil {
		s.Close()
	}

	ns := docstore.Namespace(documentID)
	removed, err := e.store.DestroyNamespace(documentID)
	if err != nil {
		return err
	}
	e.logger.Info("document deleted locally", zap.String("document", documentID), zap.Int("leaves", removed))
	e.refreshIndex()

	if e.rep == nil {
		return nil
	}
	filter := docstore.Filter{Prefix: ns.Start()}
	var errs error
	if err := e.rep.Push(ctx, filter); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := e.deleteRemaining(ctx, ns); err != nil {
		errs = multierr.Append(errs, &replication.ReplicationError{Direction: replication.DirectionPush, Filter: filter, Err: err})
	}
	if errs != nil {
		e.emit(Event{Type: EventReplicationError, DocumentID: documentID, Err: errs})
	}
	return errs
}

// deleteRemaining tombstones remote leaves this replica never pulled.
func (e *Engine) deleteRemaining(ctx context.Context, ns docstore.Namespace) error {
	rows, err := e.remote.AllDocs(ctx, ns.Start())
	if err != nil {
		return err
	}
	var tombstones []docstore.Record
	for _, row := range rows {
		for _, rev := range row.LiveRevs() {
			tombstones = append(tombstones, docstore.Record{ID: row.ID, Rev: rev, Kind: row.Kind, Deleted: true})
		}
	}
	if len(tombstones) == 0 {
		return nil
	}
	results, err := e.remote.BulkDocs(ctx, tombstones)
	if err != nil {
		return err
	}
	var errs error
	for _, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", res.ID, res.Err))
		}
	}
	return errs
}

func (e *Engine) GetDocumentList() []docstore.Record {
	return e.index.List()
}

// StartDocumentListSync keeps the document list in step with the remote's
// metadata records until the engine closes.
func (e *Engine) StartDocumentListSync() error {
	if e.rep == nil {
		return ErrOffline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listSync != nil {
		return nil
	}
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	opts := e.live
	opts.Mode = replication.LivePullOnly
	live := e.rep.StartLive(e.ctx, docstore.Filter{View: docstore.ViewDocList}, opts)
	e.listSync = live
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for batch := range live.Batches() {
			for _, rec := range batch.Records {
				doc, _ := docstore.NamespaceOf(rec.ID)
				e.emit(Event{Type: EventMetadataSynced, DocumentID: doc.DocumentID(), Metadata: &rec})
			}
			e.refreshIndex()
		}
	}()
	return nil
}

// StartSettingsSync replicates the user settings record in both directions.
func (e *Engine) StartSettingsSync() error {
	if e.rep == nil {
		return ErrOffline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settingsSync != nil {
		return nil
	}
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	live := e.rep.StartLive(e.ctx, docstore.Filter{IDs: []string{docstore.SettingsID}}, e.live)
	e.settingsSync = live
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range live.Batches() {
			settings, err := e.store.Get(docstore.SettingsID)
			if err != nil {
				continue
			}
			e.emit(Event{Type: EventSettingsChanged, Settings: &settings})
		}
	}()
	return nil
}

func (e *Engine) Settings() (docstore.Record, error) {
	return e.store.Get(docstore.SettingsID)
}

// SaveSettings replaces the user settings.
func (e *Engine) SaveSettings(values map[string]any) (docstore.Record, error) {
	rec := docstore.Record{ID: docstore.SettingsID, Kind: docstore.KindSettings, Settings: values}
	if current, err := e.store.Get(docstore.SettingsID); err == nil {
		rec.Rev = current.Rev
	}
	res, err := e.store.Put(rec)
	if err != nil {
		return docstore.Record{}, err
	}
	rec.Rev = res.Rev
	e.emit(Event{Type: EventSettingsChanged, Settings: &rec})
	return rec, nil
}

// ImportedDocument is an exported document: its metadata and objects with
// document-local ids. Revisions are discarded on import.
type ImportedDocument struct {
	ID      string            `json:"id"`
	Records []docstore.Record `json:"records"`
}

type ImportResult struct {
	Imported []string
	Failed   map[string]error
}

// ImportDocuments writes documents straight to the remote, or to the local
// store when offline. Documents are imported in parallel and independently.
func (e *Engine) ImportDocuments(ctx context.Context, docs []ImportedDocument) (ImportResult, error) {
	result := ImportResult{Failed: map[string]error{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)
	for _, doc := range docs {
		g.Go(func() error {
			err := e.importDocument(gctx, doc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[doc.ID] = err
				e.logger.Warn("import failed", zap.String("document", doc.ID), zap.Error(err))
				return nil
			}
			result.Imported = append(result.Imported, doc.ID)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for id, err := range result.Failed {
		errs = multierr.Append(errs, fmt.Errorf("import %s: %w", id, err))
	}
	if e.rep == nil {
		e.refreshIndex()
	}
	e.emit(Event{Type: EventImportComplete, Imported: result.Imported, Err: errs})
	return result, errs
}

func (e *Engine) importDocument(ctx context.Context, doc ImportedDocument) error {
	if err := docstore.ValidateDocumentID(doc.ID); err != nil {
		return err
	}
	ns := docstore.Namespace(doc.ID)
	set := docstore.GroupByKind(doc.Records)
	records := make([]docstore.Record, 0, len(doc.Records)+1)
	hasMetadata := false
	for _, rec := range set.Records() {
		rec = rec.WithoutRev()
		if rec.Kind == docstore.KindSettings {
			continue
		}
		if rec.Kind == docstore.KindMetadata {
			hasMetadata = true
			rec.ID = docstore.MetadataLocalID
			rec.DocID = doc.ID
			rec.Name = norm.NFC.String(rec.Name)
		}
		rec.ID = ns.Prefix(rec.ID)
		records = append(records, rec)
	}
	if !hasMetadata {
		now := e.now()
		records = append(records, docstore.Record{
			ID: ns.MetadataID(), Kind: docstore.KindMetadata, DocID: doc.ID, Name: doc.ID, CreatedAt: now, UpdatedAt: now,
		})
	}

	var results []docstore.PutResult
	if e.rep != nil {
		var err error
		if results, err = e.remote.BulkDocs(ctx, records); err != nil {
			return err
		}
	} else {
		results = e.store.PutMany(records)
	}
	var errs error
	for _, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", res.ID, res.Err))
		}
	}
	return errs
}

// PurgeLocal stops all replication and wipes the local store.
func (e *Engine) PurgeLocal() error {
	e.stopAll()
	if err := e.store.Purge(); err != nil {
		return err
	}
	e.refreshIndex()
	return nil
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	syncs := []*replication.LiveSync{e.listSync, e.settingsSync}
	e.listSync, e.settingsSync = nil, nil
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, live := range syncs {
		if live != nil {
			live.Stop()
			live.Wait()
		}
	}
}

// Close stops every session and background replication and closes the
// event channel. The store stays open.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.stopAll()
		e.wg.Wait()
		e.emitMu.Lock()
		e.closed = true
		close(e.events)
		e.emitMu.Unlock()
	})
}
