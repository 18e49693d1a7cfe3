package docstore

import (
	"slices"
	"testing"
)

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
	if !slices.Contains(RegisteredSchemes(), scheme) {
		t.Fatalf("expected %s in registered schemes", scheme)
	}
}
