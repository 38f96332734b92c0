package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from options.
type Factory func(opts Options) (Adapter, error)

var (
	factories  = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register makes a transport available under name. It panics on duplicates,
// which can only happen through a programming error in an init function.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[name]; exists {
		panic("transport already registered: " + name)
	}
	factories[name] = f
}

// New builds the transport registered under name.
func New(name string, opts Options) (Adapter, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport %q is not compiled in (available: %v)", name, Names())
	}
	return f(opts)
}

// Names lists the compiled-in transports.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
