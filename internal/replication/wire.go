package replication

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

const (
	CodeConflict  = "conflict"
	CodeImmutable = "immutable"
	CodeInvalid   = "invalid_input"
	CodeNotFound  = "not_found"
	CodeStorage   = "storage_error"
	CodeInternal  = "internal_error"
)

type RevsRequest struct {
	Revs map[string][]string `json:"revs"`
}

type RevsDiffResponse struct {
	Missing map[string][]string `json:"missing"`
}

type BulkGetResponse struct {
	Revisions []docstore.Revision `json:"revisions"`
}

type ReplicateRequest struct {
	Revisions []docstore.Revision `json:"revisions"`
}

type ReplicateResponse struct {
	Applied []docstore.Record `json:"applied"`
	Errors  []string          `json:"errors,omitempty"`
}

type BulkDocsRequest struct {
	Docs []docstore.Record `json:"docs"`
}

type BulkDocsResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type BulkDocsResponse struct {
	Results []BulkDocsResult `json:"results"`
}

type AllDocsResponse struct {
	Rows []docstore.DocInfo `json:"rows"`
}

type ChangeNotification struct {
	Seq uint64 `json:"seq"`
}

func ErrorCode(err error) string {
	var storageErr *docstore.StorageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, docstore.ErrRevisionConflict):
		return CodeConflict
	case errors.Is(err, docstore.ErrImmutableRecord):
		return CodeImmutable
	case errors.Is(err, docstore.ErrInvalidInput):
		return CodeInvalid
	case errors.Is(err, docstore.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &storageErr):
		return CodeStorage
	default:
		return CodeInternal
	}
}

func errorFromCode(code, reason, id string) error {
	switch code {
	case "":
		return nil
	case CodeConflict:
		return &docstore.ConflictError{ID: id}
	case CodeImmutable:
		return fmt.Errorf("%w: %s", docstore.ErrImmutableRecord, id)
	case CodeInvalid:
		return fmt.Errorf("%w: %s", docstore.ErrInvalidInput, reason)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	default:
		return fmt.Errorf("%s: %s", code, reason)
	}
}

func EncodePutResults(results []docstore.PutResult) []BulkDocsResult {
	out := make([]BulkDocsResult, len(results))
	for i, res := range results {
		out[i] = BulkDocsResult{ID: res.ID, Rev: res.Rev, OK: res.OK}
		if res.Err != nil {
			out[i].Error = ErrorCode(res.Err)
			out[i].Reason = res.Err.Error()
		}
	}
	return out
}

func DecodePutResults(results []BulkDocsResult) []docstore.PutResult {
	out := make([]docstore.PutResult, len(results))
	for i, res := range results {
		out[i] = docstore.PutResult{ID: res.ID, Rev: res.Rev, OK: res.OK, Err: errorFromCode(res.Error, res.Reason, res.ID)}
	}
	return out
}
