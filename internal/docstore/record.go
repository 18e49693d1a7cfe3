package docstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type Kind string

const (
	KindCommit   Kind = "commit"
	KindTree     Kind = "tree"
	KindRef      Kind = "ref"
	KindMetadata Kind = "metadata"
	KindSettings Kind = "settings"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCommit, KindTree, KindRef, KindMetadata, KindSettings:
		return true
	}
	return false
}

// Immutable kinds are write-once: their id is derived from their content.
func (k Kind) Immutable() bool {
	return k == KindCommit || k == KindTree
}

type Record struct {
	ID        string   `json:"_id"`
	Rev       string   `json:"_rev,omitempty"`
	Deleted   bool     `json:"_deleted,omitempty"`
	Conflicts []string `json:"_conflicts,omitempty"`
	Kind      Kind     `json:"type"`

	Parents   []string `json:"parents,omitempty"`
	Tree      string   `json:"tree,omitempty"`
	Author    string   `json:"author,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`

	Content  string   `json:"content,omitempty"`
	Children []string `json:"children,omitempty"`

	Value string `json:"value,omitempty"`

	DocID     string `json:"docId,omitempty"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`

	Settings map[string]any `json:"settings,omitempty"`
}

func (r Record) Clone() Record {
	out := r
	out.Conflicts = slices.Clone(r.Conflicts)
	out.Parents = slices.Clone(r.Parents)
	out.Children = slices.Clone(r.Children)
	if r.Settings != nil {
		out.Settings = maps.Clone(r.Settings)
	}
	return out
}

// WithoutRev returns a copy suitable for writing to a store that has never
// seen this record, as done for imported documents.
func (r Record) WithoutRev() Record {
	out := r.Clone()
	out.Rev = ""
	out.Conflicts = nil
	return out
}

func (r Record) tombstone() Record {
	return Record{ID: r.ID, Kind: r.Kind, Deleted: true}
}

// body is the canonical encoding used for revision hashes and immutable
// content comparison.
func (r Record) body() []byte {
	c := r.Clone()
	c.Rev = ""
	c.Conflicts = nil
	data, err := json.Marshal(c)
	if err != nil {
		return []byte(c.ID)
	}
	return data
}

func sameContent(a, b Record) bool {
	return string(a.body()) == string(b.body())
}

// Revision is one leaf of a record's revision tree together with its
// ancestry, newest first.
type Revision struct {
	Record  Record   `json:"record"`
	History []string `json:"history"`
}

func (r Revision) clone() Revision {
	return Revision{Record: r.Record.Clone(), History: slices.Clone(r.History)}
}

func newRevisionID(generation int, parent string, rec Record) string {
	h := xxhash.New()
	_, _ = h.WriteString(parent)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(rec.body())
	return fmt.Sprintf("%d-%016x", generation, h.Sum64())
}

func RevisionGeneration(rev string) (int, error) {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0, fmt.Errorf("%w: malformed revision %q", ErrInvalidInput, rev)
	}
	gen, err := strconv.Atoi(head)
	if err != nil || gen <= 0 {
		return 0, fmt.Errorf("%w: malformed revision %q", ErrInvalidInput, rev)
	}
	return gen, nil
}

func generationOf(rev string) int {
	gen, _ := RevisionGeneration(rev)
	return gen
}

// revLess reports whether a loses against b under the winning-revision rule:
// live before deleted, then higher generation, then greater revision string.
func revLess(a, b Revision) bool {
	if a.Record.Deleted != b.Record.Deleted {
		return a.Record.Deleted
	}
	ga, gb := generationOf(a.Record.Rev), generationOf(b.Record.Rev)
	if ga != gb {
		return ga < gb
	}
	return a.Record.Rev < b.Record.Rev
}

// sortLeaves orders leaves winner first.
func sortLeaves(leaves []Revision) {
	sort.SliceStable(leaves, func(i, j int) bool { return revLess(leaves[j], leaves[i]) })
}

// ObjectSet groups records by kind, the shape delivered to callers after a
// pull or a live batch.
type ObjectSet struct {
	Commits     []Record `json:"commits"`
	TreeObjects []Record `json:"treeObjects"`
	Refs        []Record `json:"refs"`
	Metadata    []Record `json:"metadata"`
	Settings    []Record `json:"settings,omitempty"`
}

func GroupByKind(records []Record) ObjectSet {
	var set ObjectSet
	for _, rec := range records {
		switch rec.Kind {
		case KindCommit:
			set.Commits = append(set.Commits, rec)
		case KindTree:
			set.TreeObjects = append(set.TreeObjects, rec)
		case KindRef:
			set.Refs = append(set.Refs, rec)
		case KindMetadata:
			set.Metadata = append(set.Metadata, rec)
		case KindSettings:
			set.Settings = append(set.Settings, rec)
		}
	}
	return set
}

func (s ObjectSet) Len() int {
	return len(s.Commits) + len(s.TreeObjects) + len(s.Refs) + len(s.Metadata) + len(s.Settings)
}

// Records flattens the set back into write order: immutable objects before
// the refs that point at them.
func (s ObjectSet) Records() []Record {
	out := make([]Record, 0, s.Len())
	out = append(out, s.Commits...)
	out = append(out, s.TreeObjects...)
	out = append(out, s.Refs...)
	out = append(out, s.Metadata...)
	out = append(out, s.Settings...)
	return out
}
