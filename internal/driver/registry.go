package driver

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Factory opens a driver instance.
type Factory func(ctx context.Context, cfg Config) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a driver available under name. It panics when called twice
// for the same name.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("driver: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("driver: Register called twice for driver " + name)
	}
	factories[name] = f
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open opens the driver selected by cfg.Name.
func Open(ctx context.Context, cfg Config) (Driver, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (forgotten import?)", cfg.Name)
	}
	return f(ctx, cfg)
}
