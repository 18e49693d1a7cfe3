package engine

import (
	"github.com/agentworkforce/relaydoc/internal/docstore"
)

// MaxConcurrentRevisions bounds how many live revisions of a ref are
// considered when choosing the surfaced head.
const MaxConcurrentRevisions = 8

// ResultSet is what the merge layer receives after a load, pull or live
// batch. Ids are document-local.
type ResultSet struct {
	Objects   docstore.ObjectSet
	Ref       *docstore.Record
	Conflict  *docstore.Record
	Conflicts []docstore.Record
}

func (r ResultSet) HasConflict() bool {
	return r.Conflict != nil
}

func (r ResultSet) Empty() bool {
	return r.Objects.Len() == 0 && r.Ref == nil
}

// DetectConflict picks which live revision of a ref to surface. The revision
// matching baseline wins; without a match the first revision that did not
// arrive in this round is kept, and failing that the store winner. The rest
// are returned as conflicts in winning order.
func DetectConflict(current docstore.Record, alternates []docstore.Record, baseline string, inbound map[string]bool) (docstore.Record, []docstore.Record) {
	if len(alternates) == 0 {
		return current, nil
	}
	candidates := make([]docstore.Record, 0, 1+len(alternates))
	candidates = append(candidates, current)
	candidates = append(candidates, alternates...)
	if len(candidates) > MaxConcurrentRevisions {
		candidates = candidates[:MaxConcurrentRevisions]
	}

	chosen := -1
	if baseline != "" {
		for i, c := range candidates {
			if c.Rev == baseline {
				chosen = i
				break
			}
		}
	}
	if chosen < 0 {
		local := -1
		arrived := 0
		for i, c := range candidates {
			if inbound[c.Rev] {
				arrived++
			} else if local < 0 {
				local = i
			}
		}
		chosen = 0
		if local >= 0 && arrived > 0 {
			chosen = local
		}
	}

	conflicts := make([]docstore.Record, 0, len(candidates)-1)
	for i, c := range candidates {
		if i != chosen {
			conflicts = append(conflicts, c)
		}
	}
	return candidates[chosen], conflicts
}
