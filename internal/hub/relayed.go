package hub

import (
	"context"
	"sort"

	"vessel/internal/capability"
	"vessel/internal/contract"
)

// Caller is the slice of the hub a relayed capability needs. The hub
// satisfies it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, backend, tool string, args map[string]any) (any, error)
}

// Relayed is a capability whose operations are forwarded to a hub backend.
// Its operation set is the backend's tool list, frozen at install time.
type Relayed struct {
	name        string
	description string
	contract    contract.Contract
	ops         []capability.OperationSpec
	caller      Caller
}

// NewRelayed wraps a connected backend as a capability. The contract is
// supplied by the installer; by default every operation's concrete effect
// is reaching the backend itself.
func NewRelayed(name, description string, tools []ToolSpec, c contract.Contract, caller Caller) *Relayed {
	if c.Empty() {
		c = contract.Contract{Network: []string{"backend:" + name + "/**"}}
	}
	ops := make([]capability.OperationSpec, 0, len(tools))
	for _, t := range tools {
		ops = append(ops, capability.OperationSpec{
			Name:        t.Name,
			Description: t.Description,
			Params:      paramSpecs(t),
			Effects: contract.Effects{
				Network: []string{"backend:" + name + "/" + t.Name},
			},
		})
	}
	return &Relayed{
		name:        name,
		description: description,
		contract:    c,
		ops:         ops,
		caller:      caller,
	}
}

func (r *Relayed) Name() string                { return r.name }
func (r *Relayed) Description() string         { return r.description }
func (r *Relayed) Contract() contract.Contract { return r.contract.Clone() }

func (r *Relayed) Operations() []capability.OperationSpec {
	return append([]capability.OperationSpec(nil), r.ops...)
}

func (r *Relayed) Call(ctx context.Context, operation string, args map[string]any) (any, error) {
	return r.caller.Call(ctx, r.name, operation, args)
}

// paramSpecs orders a tool's parameters: required parameters first, in the
// backend's declared order, then the rest alphabetically. Positional
// arguments from the environment bind in this order.
func paramSpecs(t ToolSpec) []capability.ParamSpec {
	required := make(map[string]bool, len(t.Required))
	var specs []capability.ParamSpec
	for _, name := range t.Required {
		if _, ok := t.Parameters[name]; !ok && len(t.Parameters) > 0 {
			continue
		}
		required[name] = true
		specs = append(specs, capability.ParamSpec{
			Name:     name,
			Type:     paramType(t.Parameters[name]),
			Required: true,
		})
	}
	var optional []string
	for name := range t.Parameters {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	sort.Strings(optional)
	for _, name := range optional {
		specs = append(specs, capability.ParamSpec{
			Name: name,
			Type: paramType(t.Parameters[name]),
		})
	}
	return specs
}

func paramType(schema any) string {
	if m, ok := schema.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return ""
}
