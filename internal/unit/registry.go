package unit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Resolve for names nobody registered.
var ErrNotFound = errors.New("unit not registered")

// Resolver resolves unit names. The dispatch loop only needs this half of Registry.
type Resolver interface {
	Resolve(name string) (Executable, error)
}

// Registry maps unit names to executables. Lookups are exact and case-sensitive.
// It is safe for concurrent use and may be shared by several loops.
// The zero value is an empty registry ready to use.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Executable
}

func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Executable)}
}

// Register adds an executable under name. Names are unique.
func (r *Registry) Register(name string, exec Executable) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("unit name required")
	}
	if exec == nil {
		return fmt.Errorf("unit %q: nil executable", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.units == nil {
		r.units = make(map[string]Executable)
	}
	if _, ok := r.units[name]; ok {
		return fmt.Errorf("unit %q already registered", name)
	}
	r.units[name] = exec
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, exec Executable) {
	if err := r.Register(name, exec); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Executable, error) {
	r.mu.RLock()
	exec, ok := r.units[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return exec, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Missing returns the descriptor names that do not resolve, in descriptor order.
func (r *Registry) Missing(ds []Descriptor) []string {
	var out []string
	for _, d := range ds {
		if _, err := r.Resolve(d.Name); err != nil {
			out = append(out, d.Name)
		}
	}
	return out
}
