package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vessel/internal/contract"
)

// ErrUnknownCapability marks a lookup of a name with no installed
// capability behind it.
var ErrUnknownCapability = errors.New("unknown capability")

// Kind of installed capability, recorded for snapshots.
const (
	KindNative = "native"
	KindRelay  = "relay"
)

// Descriptor records how an installed capability can be rebuilt: a native
// factory reference, or the launch command of a relayed backend.
type Descriptor struct {
	Kind    string         `json:"kind"`
	Factory string         `json:"factory,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Command string         `json:"command,omitempty"`
}

// Binding is one installed capability with its permission strategy and
// reconnection descriptor.
type Binding struct {
	Capability Capability
	Contract   contract.Contract
	Strategy   contract.Strategy
	Descriptor Descriptor
}

// Registry owns the installed capability instances. Capabilities are
// mutated only through Install, Uninstall, and Derive; uninstalling a name
// does not invalidate requests already dispatched against it.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Install binds a capability under its own name. Name collisions are
// rejected; uninstall first to replace.
func (r *Registry) Install(cap Capability, strategy contract.Strategy, desc Descriptor) error {
	if cap.Name() == "" {
		return fmt.Errorf("capability has no name")
	}
	if strategy == nil {
		strategy = contract.PreApproved{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[cap.Name()]; exists {
		return fmt.Errorf("capability %q already installed", cap.Name())
	}
	r.bindings[cap.Name()] = &Binding{
		Capability: cap,
		Contract:   cap.Contract(),
		Strategy:   strategy,
		Descriptor: desc,
	}
	return nil
}

// Uninstall removes the binding. Subsequent relay requests against the name
// fail as unknown.
func (r *Registry) Uninstall(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	delete(r.bindings, name)
	return nil
}

// Resolve returns the binding for a name.
func (r *Registry) Resolve(name string) (*Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (installed: %s)", ErrUnknownCapability, name, r.namesLocked())
	}
	return b, nil
}

// Derive installs a new capability named newName whose contract is the
// intersection of the original's contract and the restriction. The original
// stays installed, unchanged.
func (r *Registry) Derive(name, newName string, restriction contract.Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	orig, ok := r.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	if _, exists := r.bindings[newName]; exists {
		return fmt.Errorf("capability %q already installed", newName)
	}
	narrowed := orig.Contract.Intersect(restriction)
	r.bindings[newName] = &Binding{
		Capability: &derived{Capability: orig.Capability, name: newName, narrowed: narrowed},
		Contract:   narrowed,
		Strategy:   orig.Strategy,
		Descriptor: orig.Descriptor,
	}
	return nil
}

// Names lists installed capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) namesLocked() string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return fmt.Sprintf("%v", names)
}

// Describe renders the self-documentation for one installed capability,
// consulting the documentation registry for extended notes.
func (r *Registry) Describe(name string, registry docsLookup) (string, error) {
	b, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	return Describe(b.Capability, registry), nil
}

// Snapshot returns the descriptors of all installed capabilities, keyed by
// name, for the snapshot pipeline.
func (r *Registry) Snapshot() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Descriptor, len(r.bindings))
	for name, b := range r.bindings {
		out[name] = b.Descriptor
	}
	return out
}

// Reset uninstalls everything. Used when a session is torn down.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = make(map[string]*Binding)
}
