package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// Handler executes one skill invocation against a validated input.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registration binds a contract to its handler and declared limits.
type Registration struct {
	Contract *Contract
	Handler  Handler

	// Concurrency caps simultaneous invocations of this skill across all
	// runs. Zero means unlimited.
	Concurrency int
}

// Registry is a tagged registry keyed by (name, version). New skills
// register a handler; they do not subclass anything.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func registryKey(name, version string) string {
	return name + "@" + version
}

// Register adds a skill under its contract's (name, version). Registering
// the same pair twice fails: a published contract is immutable and a new
// version is a new contract.
func (r *Registry) Register(reg Registration) error {
	if reg.Contract == nil {
		return fmt.Errorf("registration requires a contract")
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration requires a handler")
	}
	if err := reg.Contract.Compile(); err != nil {
		return fmt.Errorf("contract %s: %w", reg.Contract.Name, err)
	}

	key := registryKey(reg.Contract.Name, reg.Contract.Version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("skill %s already registered; contracts are immutable once published", key)
	}
	r.entries[key] = reg
	return nil
}

// RegisterContract publishes a contract that has no local handler. The
// capability is advertised and validated like any other; invoking it
// locally fails without retry, so it is only useful behind delegation.
func (r *Registry) RegisterContract(contract *Contract) error {
	if contract == nil {
		return fmt.Errorf("registration requires a contract")
	}
	name := contract.Name
	return r.Register(Registration{
		Contract: contract,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New(errors.CodeExecution,
				fmt.Sprintf("skill %s has no local handler", name), nil).
				WithRecoverable(false)
		},
	})
}

// Resolve returns the registration for a (name, version) pair.
func (r *Registry) Resolve(name, version string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[registryKey(name, version)]
	if !ok {
		return Registration{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("skill %s@%s not registered", name, version), nil)
	}
	return reg, nil
}

// Supports reports whether any version of the named skill is registered.
func (r *Registry) Supports(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.entries {
		if reg.Contract.Name == name {
			return true
		}
	}
	return false
}

// Contracts returns all registered contracts sorted by name then version.
// Used to assemble the capability advertisement.
func (r *Registry) Contracts() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contract, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.Contract)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
