package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

func refRev(rev, value string) docstore.Record {
	return docstore.Record{ID: "doc1/heads/master", Rev: rev, Kind: docstore.KindRef, Value: value}
}

func TestDetectConflictWithoutAlternates(t *testing.T) {
	current := refRev("2-b", "C2")
	ref, conflicts := DetectConflict(current, nil, "1-a", nil)
	assert.Equal(t, current, ref)
	assert.Empty(t, conflicts)
}

func TestDetectConflictKeepsBaselineHead(t *testing.T) {
	winner := refRev("2-f", "C2")
	alternate := refRev("2-a", "C3")

	ref, conflicts := DetectConflict(winner, []docstore.Record{alternate}, "2-a", map[string]bool{"2-f": true})
	assert.Equal(t, "C3", ref.Value)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "C2", conflicts[0].Value)

	ref, conflicts = DetectConflict(winner, []docstore.Record{alternate}, "2-f", map[string]bool{"2-a": true})
	assert.Equal(t, "C2", ref.Value)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "C3", conflicts[0].Value)
}

func TestDetectConflictPrefersLocalWithoutBaseline(t *testing.T) {
	winner := refRev("2-f", "remote")
	alternate := refRev("2-a", "local")

	ref, conflicts := DetectConflict(winner, []docstore.Record{alternate}, "", map[string]bool{"2-f": true})
	assert.Equal(t, "local", ref.Value)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "remote", conflicts[0].Value)
}

func TestDetectConflictFallsBackToWinner(t *testing.T) {
	winner := refRev("2-f", "one")
	alternate := refRev("2-a", "two")

	ref, _ := DetectConflict(winner, []docstore.Record{alternate}, "1-x", nil)
	assert.Equal(t, "one", ref.Value)

	ref, _ = DetectConflict(winner, []docstore.Record{alternate}, "", map[string]bool{"2-f": true, "2-a": true})
	assert.Equal(t, "one", ref.Value)
}

func TestDetectConflictBoundsCandidates(t *testing.T) {
	winner := refRev("3-z", "head")
	var alternates []docstore.Record
	for i := 0; i < 12; i++ {
		alternates = append(alternates, refRev(fmt.Sprintf("2-%02d", i), fmt.Sprintf("C%d", i)))
	}

	ref, conflicts := DetectConflict(winner, alternates, "2-11", nil)
	assert.Equal(t, "head", ref.Value)
	assert.Len(t, conflicts, MaxConcurrentRevisions-1)

	ref, conflicts = DetectConflict(winner, alternates, "2-03", nil)
	assert.Equal(t, "C3", ref.Value)
	assert.Len(t, conflicts, MaxConcurrentRevisions-1)
	assert.Equal(t, "head", conflicts[0].Value)
}
