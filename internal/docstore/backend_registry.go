package docstore

import (
	"sort"
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
}{
	stateFactories: map[string]StateBackendFactory{},
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

// RegisteredSchemes lists custom schemes, for diagnostics.
func RegisteredSchemes() []string {
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	out := make([]string, 0, len(backendFactoryRegistry.stateFactories))
	for scheme := range backendFactoryRegistry.stateFactories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
