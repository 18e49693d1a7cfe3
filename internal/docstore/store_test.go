package docstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func commitRecord(doc, id, tree string, parents ...string) Record {
	return Record{ID: Prefix(doc, id), Kind: KindCommit, Tree: tree, Parents: parents, Author: "ada", Timestamp: 1700000000}
}

func treeRecord(doc, id, content string) Record {
	return Record{ID: Prefix(doc, id), Kind: KindTree, Content: content}
}

func refRecord(doc, value string) Record {
	return Record{ID: Namespace(doc).RefID(""), Kind: KindRef, Value: value}
}

func metadataRecord(doc, name string) Record {
	return Record{ID: Namespace(doc).MetadataID(), Kind: KindMetadata, DocID: doc, Name: name, CreatedAt: 1, UpdatedAt: 1}
}

func TestPutCreatesAndUpdatesMutableRecord(t *testing.T) {
	store := NewStore()
	created, err := store.Put(refRecord("doc1", "c1"))
	if err != nil {
		t.Fatalf("create ref failed: %v", err)
	}
	if !created.Applied || created.Rev == "" {
		t.Fatalf("expected applied create with revision, got %+v", created)
	}
	if gen, _ := RevisionGeneration(created.Rev); gen != 1 {
		t.Fatalf("expected generation 1, got %s", created.Rev)
	}

	update := refRecord("doc1", "c2")
	update.Rev = created.Rev
	updated, err := store.Put(update)
	if err != nil {
		t.Fatalf("update ref failed: %v", err)
	}
	if gen, _ := RevisionGeneration(updated.Rev); gen != 2 {
		t.Fatalf("expected generation 2, got %s", updated.Rev)
	}

	got, err := store.Get(update.ID)
	if err != nil {
		t.Fatalf("get ref failed: %v", err)
	}
	if got.Value != "c2" || got.Rev != updated.Rev {
		t.Fatalf("unexpected ref after update: %+v", got)
	}
}

func TestPutRejectsStaleRevision(t *testing.T) {
	store := NewStore()
	first, err := store.Put(refRecord("doc1", "c1"))
	if err != nil {
		t.Fatalf("create ref failed: %v", err)
	}
	next := refRecord("doc1", "c2")
	next.Rev = first.Rev
	if _, err := store.Put(next); err != nil {
		t.Fatalf("update ref failed: %v", err)
	}

	stale := refRecord("doc1", "c3")
	stale.Rev = first.Rev
	_, err = store.Put(stale)
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExpectedRevision != first.Rev {
		t.Fatalf("expected conflict error carrying expected revision, got %#v", err)
	}

	if _, err := store.Put(refRecord("doc1", "c4")); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected conflict for write without revision on existing record, got %v", err)
	}
}

func TestPutImmutableIsIdempotent(t *testing.T) {
	store := NewStore()
	commit := commitRecord("doc1", "c1", "t1")
	first, err := store.Put(commit)
	if err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	second, err := store.Put(commit)
	if err != nil {
		t.Fatalf("repeat put failed: %v", err)
	}
	if second.Applied {
		t.Fatalf("expected repeat put to be a no-op")
	}
	if second.Rev != first.Rev {
		t.Fatalf("expected repeat put to return existing revision %s, got %s", first.Rev, second.Rev)
	}

	changed := commitRecord("doc1", "c1", "t2")
	if _, err := store.Put(changed); !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("expected immutable record error, got %v", err)
	}
	got, err := store.Get(commit.ID)
	if err != nil {
		t.Fatalf("get commit failed: %v", err)
	}
	if got.Tree != "t1" {
		t.Fatalf("expected original content to survive, got tree %q", got.Tree)
	}
}

func TestRevisionsAreDeterministicAcrossStores(t *testing.T) {
	a := NewStore()
	b := NewStore()
	ra, err := a.Put(metadataRecord("doc1", "Untitled"))
	if err != nil {
		t.Fatalf("put a failed: %v", err)
	}
	rb, err := b.Put(metadataRecord("doc1", "Untitled"))
	if err != nil {
		t.Fatalf("put b failed: %v", err)
	}
	if ra.Rev != rb.Rev {
		t.Fatalf("expected identical revisions, got %s and %s", ra.Rev, rb.Rev)
	}
}

func TestPutManyIsPerRecord(t *testing.T) {
	store := NewStore()
	results := store.PutMany([]Record{
		commitRecord("doc1", "c1", "t1"),
		{ID: "", Kind: KindCommit},
		treeRecord("doc1", "t1", "hello"),
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK || !results[2].OK {
		t.Fatalf("expected valid records to succeed, got %+v", results)
	}
	if results[1].OK || !errors.Is(results[1].Err, ErrInvalidInput) {
		t.Fatalf("expected invalid record to fail with invalid input, got %+v", results[1])
	}
	if _, err := store.Get(Prefix("doc1", "t1")); err != nil {
		t.Fatalf("expected tree to be stored despite sibling failure: %v", err)
	}
}

func TestNamespaceIsolationUnderInterleavedWrites(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for _, doc := range []string{"docA", "docB"} {
		wg.Add(1)
		go func(doc string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := store.Put(treeRecord(doc, fmt.Sprintf("t%d", i), doc)); err != nil {
					t.Errorf("put %s/t%d failed: %v", doc, i, err)
				}
			}
		}(doc)
	}
	wg.Wait()

	for _, doc := range []string{"docA", "docB"} {
		records, err := store.QueryByNamespace(doc)
		if err != nil {
			t.Fatalf("query %s failed: %v", doc, err)
		}
		if len(records) != 50 {
			t.Fatalf("expected 50 records in %s, got %d", doc, len(records))
		}
		for _, rec := range records {
			if !Namespace(doc).Contains(rec.ID) || rec.Content != doc {
				t.Fatalf("record %s leaked into namespace %s", rec.ID, doc)
			}
		}
	}
}

func TestRemoveAndRecreate(t *testing.T) {
	store := NewStore()
	created, err := store.Put(metadataRecord("doc1", "A"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	removed, err := store.Remove(created.ID, created.Rev)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if gen, _ := RevisionGeneration(removed.Rev); gen != 2 {
		t.Fatalf("expected tombstone generation 2, got %s", removed.Rev)
	}
	if _, err := store.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	tomb, err := store.GetRevision(created.ID, removed.Rev)
	if err != nil {
		t.Fatalf("get tombstone failed: %v", err)
	}
	if !tomb.Deleted || tomb.Kind != KindMetadata {
		t.Fatalf("expected tombstone to keep kind, got %+v", tomb)
	}

	recreated, err := store.Put(metadataRecord("doc1", "B"))
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if gen, _ := RevisionGeneration(recreated.Rev); gen != 3 {
		t.Fatalf("expected recreate to extend tombstone, got %s", recreated.Rev)
	}
}

func TestDestroyNamespaceTombstonesEveryRecord(t *testing.T) {
	store := NewStore()
	var records []Record
	for i := 0; i < 5; i++ {
		records = append(records, commitRecord("doc1", fmt.Sprintf("c%d", i), fmt.Sprintf("t%d", i)))
		records = append(records, treeRecord("doc1", fmt.Sprintf("t%d", i), "x"))
	}
	records = append(records, refRecord("doc1", "c4"), metadataRecord("doc1", "Doc"), metadataRecord("doc2", "Other"))
	for _, res := range store.PutMany(records) {
		if res.Err != nil {
			t.Fatalf("seed %s failed: %v", res.ID, res.Err)
		}
	}

	removed, err := store.DestroyNamespace("doc1")
	if err != nil {
		t.Fatalf("destroy namespace failed: %v", err)
	}
	if removed != 12 {
		t.Fatalf("expected 12 tombstones, got %d", removed)
	}
	left, err := store.QueryByNamespace("doc1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty namespace, got %d records", len(left))
	}
	other, _ := store.QueryByNamespace("doc2")
	if len(other) != 1 {
		t.Fatalf("expected doc2 untouched, got %d records", len(other))
	}
	for _, info := range store.AllDocs(Namespace("doc1").Start()) {
		if !info.Deleted {
			t.Fatalf("expected %s to be tombstoned", info.ID)
		}
	}
}

func TestPutReplicatedBranchesAndPicksWinner(t *testing.T) {
	local := NewStore()
	base, err := local.Put(refRecord("doc1", "c1"))
	if err != nil {
		t.Fatalf("seed ref failed: %v", err)
	}
	remote := NewStore()
	if _, err := remote.PutReplicated(local.LeafRevisions(map[string][]string{base.ID: {base.Rev}})); err != nil {
		t.Fatalf("replicate base failed: %v", err)
	}

	localEdit := refRecord("doc1", "c2")
	localEdit.Rev = base.Rev
	localRes, err := local.Put(localEdit)
	if err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	remoteEdit := refRecord("doc1", "c3")
	remoteEdit.Rev = base.Rev
	remoteRes, err := remote.Put(remoteEdit)
	if err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}

	incoming := remote.LeafRevisions(map[string][]string{base.ID: {remoteRes.Rev}})
	applied, err := local.PutReplicated(incoming)
	if err != nil {
		t.Fatalf("replicate remote edit failed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected one applied revision, got %d", len(applied))
	}

	winner, alternates, err := local.GetWithConflicts(base.ID)
	if err != nil {
		t.Fatalf("get with conflicts failed: %v", err)
	}
	if len(alternates) != 1 || len(winner.Conflicts) != 1 {
		t.Fatalf("expected one conflicting leaf, got %+v / %+v", winner, alternates)
	}
	expectedWinner := localRes.Rev
	if remoteRes.Rev > localRes.Rev {
		expectedWinner = remoteRes.Rev
	}
	if winner.Rev != expectedWinner {
		t.Fatalf("expected winner %s, got %s", expectedWinner, winner.Rev)
	}

	again, err := local.PutReplicated(incoming)
	if err != nil {
		t.Fatalf("repeat replicate failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected known revision to be skipped, got %d", len(again))
	}

	if _, err := local.Remove(base.ID, alternates[0].Rev); err != nil {
		t.Fatalf("prune conflict failed: %v", err)
	}
	_, alternates, _ = local.GetWithConflicts(base.ID)
	if len(alternates) != 0 {
		t.Fatalf("expected conflict to be pruned, got %d", len(alternates))
	}
}

func TestPutReplicatedExtendsLeaf(t *testing.T) {
	source := NewStore()
	first, _ := source.Put(refRecord("doc1", "c1"))
	next := refRecord("doc1", "c2")
	next.Rev = first.Rev
	second, _ := source.Put(next)

	target := NewStore()
	if _, err := target.PutReplicated(source.LeafRevisions(map[string][]string{first.ID: {first.Rev}})); err != nil {
		t.Fatalf("replicate first failed: %v", err)
	}
	if _, err := target.PutReplicated(source.LeafRevisions(map[string][]string{first.ID: {second.Rev}})); err != nil {
		t.Fatalf("replicate second failed: %v", err)
	}
	got, alternates, err := target.GetWithConflicts(first.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Rev != second.Rev || len(alternates) != 0 {
		t.Fatalf("expected linear history ending at %s, got %s with %d conflicts", second.Rev, got.Rev, len(alternates))
	}
}

func TestPutReplicatedRejectsDivergentImmutableContent(t *testing.T) {
	store := NewStore()
	local, err := store.Put(treeRecord("doc1", "t1", "local-content"))
	if err != nil {
		t.Fatalf("seed tree failed: %v", err)
	}

	foreign := treeRecord("doc1", "t1", "foreign-content")
	foreign.Rev = "1-ffffffffffffffff"
	applied, err := store.PutReplicated([]Revision{{Record: foreign}})
	if !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("expected immutable record error, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %+v", applied)
	}

	got, alternates, err := store.GetWithConflicts(local.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Content != "local-content" || got.Rev != local.Rev || len(alternates) != 0 {
		t.Fatalf("expected local tree to be untouched, got %+v with %d conflicts", got, len(alternates))
	}
	if _, err := store.Put(treeRecord("doc1", "t1", "local-content")); err != nil {
		t.Fatalf("re-saving local content failed: %v", err)
	}

	commit := commitRecord("doc1", "c1", "t1")
	commit.Rev = "1-0000000000000001"
	applied, err = store.PutReplicated([]Revision{{Record: foreign}, {Record: commit}})
	if !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("expected the divergent tree to be reported, got %v", err)
	}
	if len(applied) != 1 || applied[0].ID != commit.ID {
		t.Fatalf("expected the commit to apply alongside the rejection, got %+v", applied)
	}
}

func TestRevsDiff(t *testing.T) {
	store := NewStore()
	first, _ := store.Put(refRecord("doc1", "c1"))
	next := refRecord("doc1", "c2")
	next.Rev = first.Rev
	second, _ := store.Put(next)

	missing := store.RevsDiff(map[string][]string{
		first.ID:  {first.Rev, second.Rev, "3-ffffffffffffffff"},
		"doc1/t9": {"1-0000000000000000"},
	})
	if len(missing[first.ID]) != 1 || missing[first.ID][0] != "3-ffffffffffffffff" {
		t.Fatalf("expected only unknown ref revision to be missing, got %+v", missing[first.ID])
	}
	if len(missing["doc1/t9"]) != 1 {
		t.Fatalf("expected unknown id to be missing, got %+v", missing)
	}
}

func TestChangesPagingAndViews(t *testing.T) {
	store := NewStore()
	store.PutMany([]Record{
		commitRecord("doc1", "c1", "t1"),
		metadataRecord("doc1", "One"),
		metadataRecord("doc2", "Two"),
		treeRecord("doc2", "t1", "x"),
	})

	page, err := store.Changes(ChangesRequest{Limit: 2})
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(page.Results) != 2 || !page.Pending || page.LastSeq != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	rest, err := store.Changes(ChangesRequest{Since: page.LastSeq})
	if err != nil {
		t.Fatalf("changes since failed: %v", err)
	}
	if len(rest.Results) != 2 || rest.Pending || rest.LastSeq != 4 {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	docList, err := store.Changes(ChangesRequest{Filter: Filter{View: ViewDocList}})
	if err != nil {
		t.Fatalf("docList changes failed: %v", err)
	}
	if len(docList.Results) != 2 {
		t.Fatalf("expected 2 metadata changes, got %+v", docList.Results)
	}

	scoped, _ := store.Changes(ChangesRequest{Filter: Filter{Prefix: Namespace("doc2").Start()}})
	if len(scoped.Results) != 2 {
		t.Fatalf("expected 2 doc2 changes, got %+v", scoped.Results)
	}

	if _, err := store.Changes(ChangesRequest{Filter: Filter{View: "nope"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid view error, got %v", err)
	}
}

func TestSubscribeNotifiesOnCommit(t *testing.T) {
	store := NewStore()
	ch, cancel := store.Subscribe()
	defer cancel()
	if _, err := store.Put(metadataRecord("doc1", "A")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	select {
	case seq := <-ch:
		if seq != 1 {
			t.Fatalf("expected seq 1, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected change notification")
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to close after cancel")
	}
}

type failingStateBackend struct {
	fail bool
}

func (b *failingStateBackend) Load() (*persistedState, error) { return nil, nil }

func (b *failingStateBackend) Save(*persistedState) error {
	if b.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestStorageFailureRollsBack(t *testing.T) {
	backend := &failingStateBackend{}
	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if _, err := store.Put(metadataRecord("doc1", "A")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	backend.fail = true
	_, err = store.Put(treeRecord("doc1", "t1", "x"))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, err := store.Get(Prefix("doc1", "t1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected failed write to be rolled back, got %v", err)
	}
	if store.Seq() != 1 {
		t.Fatalf("expected sequence to roll back to 1, got %d", store.Seq())
	}
}

func TestStoreReloadsFromBackends(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		"file://" + filepath.Join(dir, "state.json"),
		"sqlite://" + filepath.Join(dir, "state.db"),
		"pebble://" + filepath.Join(dir, "pebble"),
	} {
		t.Run(dsn, func(t *testing.T) {
			open := func() *Store {
				backend, err := BuildStateBackendFromDSN(dsn)
				if err != nil {
					t.Fatalf("build backend failed: %v", err)
				}
				store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
				if err != nil {
					t.Fatalf("open store failed: %v", err)
				}
				return store
			}
			store := open()
			res, err := store.Put(metadataRecord("doc1", "Persisted"))
			if err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := store.SetCheckpoint("pull:test", "7"); err != nil {
				t.Fatalf("set checkpoint failed: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}

			reopened := open()
			defer reopened.Close()
			got, err := reopened.Get(res.ID)
			if err != nil {
				t.Fatalf("get after reopen failed: %v", err)
			}
			if got.Name != "Persisted" || got.Rev != res.Rev {
				t.Fatalf("unexpected record after reopen: %+v", got)
			}
			if cp, ok := reopened.Checkpoint("pull:test"); !ok || cp != "7" {
				t.Fatalf("expected checkpoint 7 after reopen, got %q", cp)
			}
			if reopened.Seq() != store.seq {
				t.Fatalf("expected seq %d after reopen, got %d", store.seq, reopened.Seq())
			}

			if err := reopened.Purge(); err != nil {
				t.Fatalf("purge failed: %v", err)
			}
			if len(reopened.AllDocs("")) != 0 {
				t.Fatalf("expected no records after purge")
			}
		})
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store := NewStore()
	_ = store.Close()
	if _, err := store.Put(metadataRecord("doc1", "A")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
