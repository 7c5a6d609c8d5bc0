package tlv

import (
	"fmt"
	"reflect"
	"sync"
)

// Factory returns a new, empty instance of a contract.
type Factory func() Contract

// Registry maps contract ids to factories. It is safe for concurrent use.
// A nil *Registry is valid and decodes everything into RawContract.
type Registry struct {
	mu        sync.RWMutex
	factories map[int]Factory
	types     map[int]reflect.Type
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[int]Factory),
		types:     make(map[int]reflect.Type),
	}
}

// Register adds a factory keyed by the contract id of the value it builds.
// Registering the same type twice is a no-op.
func (r *Registry) Register(factory Factory) error {
	proto := factory()
	id := proto.ContractID()
	typ := reflect.TypeOf(proto)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register contract %d (%s)", ErrRegistryFrozen, id, typ)
	}

	if existing, ok := r.types[id]; ok {
		if existing == typ {
			return nil
		}
		return fmt.Errorf("%w: id %d is %s, not %s", ErrDuplicateContract, id, existing, typ)
	}

	r.factories[id] = factory
	r.types[id] = typ
	return nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (r *Registry) MustRegister(factories ...Factory) *Registry {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Contains reports whether id has a registered factory.
func (r *Registry) Contains(id int) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// New returns an empty contract for id, or a RawContract when id is unknown.
func (r *Registry) New(id int) Contract {
	if r != nil {
		r.mu.RLock()
		factory, ok := r.factories[id]
		r.mu.RUnlock()
		if ok {
			return factory()
		}
	}
	return &RawContract{ID: id}
}

// Resolve decodes a RawContract whose id is known to r. Other contracts, and
// raw ones r does not know, are returned unchanged.
func (r *Registry) Resolve(c Contract) (Contract, error) {
	raw, ok := c.(*RawContract)
	if !ok || !r.Contains(raw.ID) {
		return c, nil
	}
	return parseBody(raw.ID, raw.Body, r, nil)
}
