package docstore

import "testing"

func TestPrefixUnprefixRoundTrip(t *testing.T) {
	for _, localID := range []string{"metadata", "heads/master", "c1", "", "a/b/c"} {
		global := Prefix("doc1", localID)
		got, ok := Unprefix("doc1", global)
		if !ok {
			t.Fatalf("expected %q to belong to doc1", global)
		}
		if got != localID {
			t.Fatalf("round trip of %q returned %q", localID, got)
		}
	}
}

func TestUnprefixRejectsForeignIDs(t *testing.T) {
	if _, ok := Unprefix("doc1", "doc10/metadata"); ok {
		t.Fatalf("expected doc10 id to fall outside doc1")
	}
	if _, ok := Unprefix("doc1", "settings"); ok {
		t.Fatalf("expected settings id to fall outside doc1")
	}
}

func TestNamespaceHelpers(t *testing.T) {
	ns := Namespace("doc1")
	if ns.RefID("") != "doc1/heads/master" {
		t.Fatalf("unexpected default ref id %q", ns.RefID(""))
	}
	if ns.MetadataID() != "doc1/metadata" {
		t.Fatalf("unexpected metadata id %q", ns.MetadataID())
	}
	if got, ok := NamespaceOf("doc1/heads/master"); !ok || got != ns {
		t.Fatalf("expected namespace doc1, got %q", got)
	}
	if _, ok := NamespaceOf("settings"); ok {
		t.Fatalf("expected settings to have no namespace")
	}
	if err := ValidateDocumentID("a/b"); err == nil {
		t.Fatalf("expected document id with separator to be rejected")
	}
	if err := ValidateDocumentID(" "); err == nil {
		t.Fatalf("expected blank document id to be rejected")
	}
}

func TestIsDocumentMetadata(t *testing.T) {
	if !IsDocumentMetadata(Record{ID: "doc1/metadata", Kind: KindMetadata}) {
		t.Fatalf("expected metadata record to match")
	}
	if IsDocumentMetadata(Record{ID: "doc1/heads/master", Kind: KindRef}) {
		t.Fatalf("expected ref to be excluded")
	}
	if IsDocumentMetadata(Record{ID: "doc1/other", Kind: KindMetadata}) {
		t.Fatalf("expected non-metadata local id to be excluded")
	}
}
