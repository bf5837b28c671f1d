package runner

import (
	"sort"
	"sync"

	"github.com/quillworks/cascade/pkg/schema"
)

// Registry is a thread-safe runner lookup keyed by name.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner to the registry. Returns error on duplicate name.
func (r *Registry) Register(rn Runner) error {
	if rn == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	name := rn.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "runner name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner %q already registered", name)
	}

	r.runners[name] = rn
	return nil
}

// Get retrieves a runner by name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "runner %q not registered", name)
	}
	return rn, nil
}

// Has checks if a runner is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[name]
	return ok
}

// List returns info for all registered runners, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.runners))
	for _, rn := range r.runners {
		infos = append(infos, Info{
			Name:        rn.Name(),
			Description: rn.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
