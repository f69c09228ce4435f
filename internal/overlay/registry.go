package overlay

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the explicit, name-keyed set of overlay modules
// available to a binary, replacing Python subclass enumeration.
// Concrete modules call Register from their package init().
type Registry struct {
	mu   sync.RWMutex
	desc map[string]Descriptor
	make map[string]Factory
}

// Global is the process-wide overlay registry both mistica-client and
// mistica-server import modules against.
var Global = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{desc: map[string]Descriptor{}, make: map[string]Factory{}}
}

// Register adds a module descriptor and its factory. Panics on
// duplicate registration, which is a build-time programming error,
// not a runtime condition to recover from.
func (r *Registry) Register(d Descriptor, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.desc[d.Name]; exists {
		panic(fmt.Sprintf("overlay: duplicate registration of module %q", d.Name))
	}
	r.desc[d.Name] = d
	r.make[d.Name] = f
}

// New builds a named overlay module from its raw arguments.
func (r *Registry) New(name string, args map[string]string) (Overlay, error) {
	r.mu.RLock()
	f, ok := r.make[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("overlay: unknown module %q", name)
	}
	return f(args)
}

// Describe returns the descriptor of a registered module.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.desc[name]
	return d, ok
}

// List returns every registered module's descriptor, sorted by name,
// for --list.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.desc))
	for _, d := range r.desc {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
