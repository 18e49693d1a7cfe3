package engine

import (
	"slices"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

// Index is the document list: every live metadata record in the local store.
type Index struct {
	store *docstore.Store

	mu   sync.RWMutex
	docs []docstore.Record
}

func NewIndex(store *docstore.Store) *Index {
	idx := &Index{store: store}
	idx.Refresh()
	return idx
}

// Refresh re-runs the view and reports whether the list changed.
func (i *Index) Refresh() bool {
	docs := i.store.Query(docstore.IsDocumentMetadata)
	i.mu.Lock()
	defer i.mu.Unlock()
	changed := !slices.EqualFunc(i.docs, docs, func(a, b docstore.Record) bool {
		return a.ID == b.ID && a.Rev == b.Rev
	})
	i.docs = docs
	return changed
}

func (i *Index) List() []docstore.Record {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]docstore.Record, len(i.docs))
	for n, doc := range i.docs {
		out[n] = doc.Clone()
	}
	return out
}

func (i *Index) Contains(documentID string) bool {
	id := docstore.Namespace(documentID).MetadataID()
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, doc := range i.docs {
		if doc.ID == id {
			return true
		}
	}
	return false
}
