package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a native capability from an options map. Snapshots record
// native capabilities as a factory reference plus options, so a restored
// session can rebuild them without serializing Go objects.
type Factory func(options map[string]any) (Capability, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a native capability constructor available under a
// stable reference name. Called from package init or program setup;
// duplicate names panic.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("duplicate capability factory %q", name))
	}
	factories[name] = f
}

// BuildFromFactory constructs a native capability from its reference name.
func BuildFromFactory(name string, options map[string]any) (Capability, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown capability factory %q (registered: %v)", name, FactoryNames())
	}
	return f(options)
}

// FactoryNames lists registered factory references, sorted.
func FactoryNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterFactory("clock", func(options map[string]any) (Capability, error) {
		return NewClock(), nil
	})
	RegisterFactory("workspace", func(options map[string]any) (Capability, error) {
		root, _ := options["root"].(string)
		if root == "" {
			return nil, fmt.Errorf("workspace factory requires a root option")
		}
		return NewWorkspace(root), nil
	})
}
