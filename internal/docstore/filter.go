package docstore

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

const ViewDocList = "docList"

var views = map[string]func(Record) bool{
	ViewDocList: IsDocumentMetadata,
}

// Filter selects the records a change feed or replication run covers. Empty
// fields do not constrain; set fields must all match.
type Filter struct {
	Prefix string   `json:"prefix,omitempty"`
	IDs    []string `json:"ids,omitempty"`
	View   string   `json:"view,omitempty"`
}

func (f Filter) Validate() error {
	if f.View != "" {
		if _, ok := views[f.View]; !ok {
			return fmt.Errorf("%w: unknown view %q", ErrInvalidInput, f.View)
		}
	}
	return nil
}

func (f Filter) Match(rec Record) bool {
	if f.Prefix != "" && !strings.HasPrefix(rec.ID, f.Prefix) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.ID) {
		return false
	}
	if f.View != "" {
		view, ok := views[f.View]
		if !ok || !view(rec) {
			return false
		}
	}
	return true
}

// Key identifies the filter in checkpoint names.
func (f Filter) Key() string {
	parts := []string{"prefix=" + f.Prefix}
	if len(f.IDs) > 0 {
		ids := slices.Clone(f.IDs)
		sort.Strings(ids)
		parts = append(parts, "ids="+strings.Join(ids, ","))
	}
	if f.View != "" {
		parts = append(parts, "view="+f.View)
	}
	return strings.Join(parts, ";")
}

func (f Filter) String() string { return f.Key() }

type ChangesRequest struct {
	Since  uint64 `json:"since"`
	Limit  int    `json:"limit"`
	Filter Filter `json:"filter"`
}

type Change struct {
	ID      string   `json:"id"`
	Seq     uint64   `json:"seq"`
	Revs    []string `json:"revs"`
	Deleted bool     `json:"deleted,omitempty"`
}

type ChangeFeed struct {
	Results []Change `json:"results"`
	LastSeq uint64   `json:"lastSeq"`
	Pending bool     `json:"pending"`
}

type DocInfo struct {
	ID        string   `json:"id"`
	Rev       string   `json:"rev"`
	Kind      Kind     `json:"type"`
	Deleted   bool     `json:"deleted,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// LiveRevs lists every live leaf of the document, winner first.
func (d DocInfo) LiveRevs() []string {
	out := make([]string, 0, 1+len(d.Conflicts))
	if !d.Deleted {
		out = append(out, d.Rev)
	}
	return append(out, d.Conflicts...)
}
