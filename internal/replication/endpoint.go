package replication

import (
	"context"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

// Endpoint is one side of a replication: the local store or a remote server.
type Endpoint interface {
	Changes(ctx context.Context, req docstore.ChangesRequest) (docstore.ChangeFeed, error)
	RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error)
	BulkGet(ctx context.Context, revs map[string][]string) ([]docstore.Revision, error)
	BulkReplicate(ctx context.Context, revisions []docstore.Revision) ([]docstore.Record, error)
	AllDocs(ctx context.Context, prefix string) ([]docstore.DocInfo, error)
	BulkDocs(ctx context.Context, records []docstore.Record) ([]docstore.PutResult, error)
	// Watch delivers the latest sequence whenever the endpoint changes. The
	// channel closes when ctx ends or the connection is lost.
	Watch(ctx context.Context, filter docstore.Filter) (<-chan uint64, error)
}

type LocalEndpoint struct {
	store *docstore.Store
}

func NewLocalEndpoint(store *docstore.Store) *LocalEndpoint {
	return &LocalEndpoint{store: store}
}

func (e *LocalEndpoint) Store() *docstore.Store { return e.store }

func (e *LocalEndpoint) Changes(_ context.Context, req docstore.ChangesRequest) (docstore.ChangeFeed, error) {
	return e.store.Changes(req)
}

func (e *LocalEndpoint) RevsDiff(_ context.Context, revs map[string][]string) (map[string][]string, error) {
	return e.store.RevsDiff(revs), nil
}

func (e *LocalEndpoint) BulkGet(_ context.Context, revs map[string][]string) ([]docstore.Revision, error) {
	return e.store.LeafRevisions(revs), nil
}

func (e *LocalEndpoint) BulkReplicate(_ context.Context, revisions []docstore.Revision) ([]docstore.Record, error) {
	return e.store.PutReplicated(revisions)
}

func (e *LocalEndpoint) AllDocs(_ context.Context, prefix string) ([]docstore.DocInfo, error) {
	return e.store.AllDocs(prefix), nil
}

func (e *LocalEndpoint) BulkDocs(_ context.Context, records []docstore.Record) ([]docstore.PutResult, error) {
	return e.store.PutMany(records), nil
}

func (e *LocalEndpoint) Watch(ctx context.Context, _ docstore.Filter) (<-chan uint64, error) {
	updates, cancel := e.store.Subscribe()
	out := make(chan uint64, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case seq, ok := <-updates:
				if !ok {
					return
				}
				offerLatest(out, seq)
			}
		}
	}()
	return out, nil
}

// offerLatest replaces a pending notification rather than blocking.
func offerLatest(ch chan uint64, seq uint64) {
	select {
	case ch <- seq:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- seq:
	default:
	}
}
