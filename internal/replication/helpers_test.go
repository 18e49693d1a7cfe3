package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

func newTestReplicator(t *testing.T) (*Replicator, *docstore.Store, *docstore.Store) {
	t.Helper()
	local := docstore.NewStore()
	remote := docstore.NewStore()
	r, err := New(Options{Local: local, Remote: NewLocalEndpoint(remote), RemoteID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return r, local, remote
}

func seedDocument(t *testing.T, store *docstore.Store, doc string) {
	t.Helper()
	ns := docstore.Namespace(doc)
	for _, res := range store.PutMany([]docstore.Record{
		{ID: ns.Prefix("c1"), Kind: docstore.KindCommit, Tree: ns.Prefix("t1")},
		{ID: ns.Prefix("t1"), Kind: docstore.KindTree, Content: "hello"},
		{ID: ns.RefID(""), Kind: docstore.KindRef, Value: ns.Prefix("c1")},
		{ID: ns.MetadataID(), Kind: docstore.KindMetadata, DocID: doc, Name: doc},
	}) {
		require.NoError(t, res.Err)
	}
}

type failingEndpoint struct {
	Endpoint
}

var errUnavailable = errors.New("remote unavailable")

func (f failingEndpoint) Changes(context.Context, docstore.ChangesRequest) (docstore.ChangeFeed, error) {
	return docstore.ChangeFeed{}, errUnavailable
}

func (f failingEndpoint) RevsDiff(context.Context, map[string][]string) (map[string][]string, error) {
	return nil, errUnavailable
}

func (f failingEndpoint) Watch(context.Context, docstore.Filter) (<-chan uint64, error) {
	return nil, errUnavailable
}
