package docstore

import (
	"fmt"
	"strings"
)

const NamespaceSeparator = "/"

const (
	MetadataLocalID = "metadata"
	SettingsID      = "settings"
	DefaultRefName  = "heads/master"
)

// Namespace scopes the records of one document inside a shared store.
type Namespace string

func ValidateDocumentID(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidInput)
	}
	if strings.Contains(documentID, NamespaceSeparator) {
		return fmt.Errorf("%w: document id %q contains %q", ErrInvalidInput, documentID, NamespaceSeparator)
	}
	return nil
}

func Prefix(documentID, localID string) string {
	return documentID + NamespaceSeparator + localID
}

func Unprefix(documentID, globalID string) (string, bool) {
	return strings.CutPrefix(globalID, documentID+NamespaceSeparator)
}

// NamespaceOf returns the document a global id belongs to, or false for ids
// stored outside any document (such as user settings).
func NamespaceOf(globalID string) (Namespace, bool) {
	doc, _, ok := strings.Cut(globalID, NamespaceSeparator)
	if !ok || doc == "" {
		return "", false
	}
	return Namespace(doc), true
}

func (n Namespace) DocumentID() string { return string(n) }

func (n Namespace) Prefix(localID string) string { return Prefix(string(n), localID) }

func (n Namespace) Unprefix(globalID string) (string, bool) { return Unprefix(string(n), globalID) }

func (n Namespace) Contains(globalID string) bool {
	_, ok := n.Unprefix(globalID)
	return ok
}

// Start is the id range start covering every record of the document.
func (n Namespace) Start() string { return string(n) + NamespaceSeparator }

func (n Namespace) MetadataID() string { return n.Prefix(MetadataLocalID) }

func (n Namespace) RefID(name string) string {
	if name == "" {
		name = DefaultRefName
	}
	return n.Prefix(name)
}

// IsDocumentMetadata is the predicate behind the document list view.
func IsDocumentMetadata(rec Record) bool {
	if rec.Kind != KindMetadata {
		return false
	}
	ns, ok := NamespaceOf(rec.ID)
	if !ok {
		return false
	}
	return rec.ID == ns.MetadataID()
}
