package replication

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{&docstore.ConflictError{ID: "a/heads/master"}, CodeConflict},
		{docstore.ErrImmutableRecord, CodeImmutable},
		{docstore.ErrInvalidInput, CodeInvalid},
		{docstore.ErrNotFound, CodeNotFound},
		{&docstore.StorageError{Op: "save", Err: errors.New("disk full")}, CodeStorage},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err))
	}
}

func TestPutResultsKeepSentinelsOverTheWire(t *testing.T) {
	encoded := EncodePutResults([]docstore.PutResult{
		{ID: "a/t1", Rev: "1-0000000000000001", OK: true, Applied: true},
		{ID: "a/t2", Err: docstore.ErrImmutableRecord},
		{ID: "a/heads/master", Err: &docstore.ConflictError{ID: "a/heads/master", CurrentRevision: "2-0000000000000003"}},
	})
	require.Len(t, encoded, 3)
	assert.Equal(t, CodeImmutable, encoded[1].Error)

	decoded := DecodePutResults(encoded)
	require.NoError(t, decoded[0].Err)
	assert.True(t, decoded[0].OK)
	require.ErrorIs(t, decoded[1].Err, docstore.ErrImmutableRecord)
	require.ErrorIs(t, decoded[2].Err, docstore.ErrRevisionConflict)
}
