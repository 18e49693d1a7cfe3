package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaydoc/internal/docstore"
	"github.com/agentworkforce/relaydoc/internal/engine"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append(args, "--log-level", "none"))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("relaydoc-sync %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func decodeAll[T any](t *testing.T, output string) []T {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(output))
	var out []T
	for {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			return out
		} else if err != nil {
			t.Fatalf("decode output %q: %v", output, err)
		}
		out = append(out, v)
	}
}

func writeExport(t *testing.T, dir, file string, doc engine.ImportedDocument) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), data, 0o600); err != nil {
		t.Fatalf("write export: %v", err)
	}
}

func exportedDocument(id, name string) engine.ImportedDocument {
	return engine.ImportedDocument{
		ID: id,
		Records: []docstore.Record{
			{ID: "t1", Kind: docstore.KindTree, Content: "{}"},
			{ID: "c1", Kind: docstore.KindCommit, Tree: "t1", Author: "ada", Timestamp: 1700000000, Rev: "3-00000000000000ff"},
			{ID: docstore.DefaultRefName, Kind: docstore.KindRef, Value: "c1"},
			{ID: docstore.MetadataLocalID, Kind: docstore.KindMetadata, Name: name, CreatedAt: 1, UpdatedAt: 1},
		},
	}
}

func TestLoadConfigRequiresCredentialsOnline(t *testing.T) {
	v := newViper()
	v.Set("base-url", "http://127.0.0.1:1")
	if _, err := loadConfig(v); err == nil {
		t.Fatalf("expected missing token error")
	}
	v.Set("token", "t")
	if _, err := loadConfig(v); err == nil {
		t.Fatalf("expected missing database error")
	}
	v.Set("database", "db")
	v.Set("retry-jitter", 3.0)
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryJitter != 1 {
		t.Fatalf("expected jitter to be clamped to 1, got %f", cfg.RetryJitter)
	}
	if cfg.Timeout != 15*time.Second || cfg.RetryInterval != 2*time.Second || cfg.RequestRetries != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	t.Setenv("RELAYDOC_REQUEST_RETRIES", "2")
	cfg, err = loadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RequestRetries != 2 {
		t.Fatalf("expected 2 request retries, got %d", cfg.RequestRetries)
	}
}

func TestReadExportedDocuments(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, "b.json", exportedDocument("doc-b", "B"))
	nameless := exportedDocument("", "A")
	writeExport(t, dir, "doc-a.json", nameless)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write text file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".partial.json"), []byte("{"), 0o600); err != nil {
		t.Fatalf("write hidden file: %v", err)
	}

	docs, err := readExportedDocuments(dir)
	if err != nil {
		t.Fatalf("read exports: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "doc-a" || docs[1].ID != "doc-b" {
		t.Fatalf("unexpected exports %+v", docs)
	}
	if len(docs[1].Records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(docs[1].Records))
	}
}

func TestOfflineImportListAndDelete(t *testing.T) {
	dir := t.TempDir()
	exports := filepath.Join(dir, "exports")
	if err := os.Mkdir(exports, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeExport(t, exports, "one.json", exportedDocument("doc1", "Café"))
	writeExport(t, exports, "two.json", exportedDocument("doc2", "Second"))
	localDSN := "file://" + filepath.Join(dir, "local.json")

	reports := decodeAll[importReport](t, runCommand(t, "import", exports, "--local-dsn", localDSN))
	if len(reports) != 1 || len(reports[0].Imported) != 2 || len(reports[0].Failed) != 0 {
		t.Fatalf("unexpected import report %+v", reports)
	}

	lists := decodeAll[[]listEntry](t, runCommand(t, "list", "--local-dsn", localDSN))
	if len(lists) != 1 || len(lists[0]) != 2 {
		t.Fatalf("expected two documents, got %+v", lists)
	}
	if lists[0][0].DocumentID != "doc1" || lists[0][0].Name != "Café" {
		t.Fatalf("unexpected first entry %+v", lists[0][0])
	}

	loaded := decodeAll[documentSummary](t, runCommand(t, "load", "doc1", "--local-dsn", localDSN))
	if len(loaded) != 1 || loaded[0].Head != "c1" || loaded[0].Commits != 1 || loaded[0].Trees != 1 {
		t.Fatalf("unexpected load summary %+v", loaded)
	}

	runCommand(t, "delete", "doc1", "--local-dsn", localDSN)
	lists = decodeAll[[]listEntry](t, runCommand(t, "list", "--local-dsn", localDSN))
	if len(lists) != 1 || len(lists[0]) != 1 || lists[0][0].DocumentID != "doc2" {
		t.Fatalf("expected only doc2 after delete, got %+v", lists)
	}

	runCommand(t, "purge", "--local-dsn", localDSN)
	lists = decodeAll[[]listEntry](t, runCommand(t, "list", "--local-dsn", localDSN))
	if len(lists) != 1 || len(lists[0]) != 0 {
		t.Fatalf("expected an empty list after purge, got %+v", lists)
	}
}

func TestInitAndLoadAgainstServer(t *testing.T) {
	server := httpapi.NewServer()
	defer server.Close()
	ts := httptest.NewServer(server)
	defer ts.Close()
	token, err := httpapi.IssueToken("dev-secret", "shared", "cli", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	dir := t.TempDir()
	remoteFlags := []string{"--base-url", ts.URL, "--token", token, "--database", "shared"}

	laptop := append([]string{"--local-dsn", "file://" + filepath.Join(dir, "laptop.json")}, remoteFlags...)
	created := decodeAll[map[string]string](t, runCommand(t, append([]string{"init", "doc1", "--name", "Notes"}, laptop...)...))
	if len(created) != 1 || created[0]["documentId"] != "doc1" {
		t.Fatalf("unexpected init output %+v", created)
	}

	remote, err := server.Database("shared")
	if err != nil {
		t.Fatalf("open shared database: %v", err)
	}
	meta, err := remote.Get(docstore.Namespace("doc1").MetadataID())
	if err != nil || meta.Name != "Notes" {
		t.Fatalf("expected metadata on the server, got %+v (%v)", meta, err)
	}

	phone := append([]string{"--local-dsn", "file://" + filepath.Join(dir, "phone.json")}, remoteFlags...)
	loaded := decodeAll[documentSummary](t, runCommand(t, append([]string{"load", "doc1"}, phone...)...))
	if len(loaded) != 1 || loaded[0].DocumentID != "doc1" {
		t.Fatalf("unexpected load output %+v", loaded)
	}
	lists := decodeAll[[]listEntry](t, runCommand(t, append([]string{"list"}, phone...)...))
	if len(lists) != 1 || len(lists[0]) != 1 || lists[0][0].Name != "Notes" {
		t.Fatalf("expected pulled document in the phone list, got %+v", lists)
	}

	generated := decodeAll[map[string]string](t, runCommand(t, append([]string{"init"}, laptop...)...))
	if len(generated) != 1 || len(generated[0]["documentId"]) != 36 {
		t.Fatalf("expected a generated uuid document id, got %+v", generated)
	}
}

func TestWatchImportsPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan engine.ImportedDocument, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- watchImports(ctx, dir, zap.NewNop(), func(doc engine.ImportedDocument) {
			select {
			case got <- doc:
			default:
			}
		})
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case doc := <-got:
			if doc.ID != "watched" {
				t.Fatalf("unexpected imported document %+v", doc)
			}
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("watch returned error: %v", err)
			}
			return
		case <-ticker.C:
			writeExport(t, dir, "watched.json", exportedDocument("watched", "Watched"))
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the watched export")
		}
	}
}
