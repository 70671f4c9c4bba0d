// Package capability defines the in-process objects that gate access to
// outside resources, and the registry that owns them. A capability exposes a
// fixed set of named operations; dispatch goes through an explicit operation
// registry so unknown names fail at lookup, typed, instead of at some later
// reflection step.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"vessel/internal/contract"
)

// ErrUnknownOperation marks a call against an operation the capability does
// not expose.
var ErrUnknownOperation = errors.New("unknown operation")

// ParamSpec describes one operation parameter. Order matters: positional
// arguments from the environment are matched to parameters in declaration
// order.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// OperationSpec declares one operation: its parameters and the effect
// templates permission checks are evaluated against. Effect templates may
// reference arguments as "{arg}"; the concrete value is substituted at call
// time.
type OperationSpec struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
	Effects     contract.Effects `json:"-"`
}

// EffectsFor substitutes call arguments into the operation's effect
// templates, yielding the concrete effects of this invocation.
func (op OperationSpec) EffectsFor(args map[string]any) contract.Effects {
	expand := func(templates []string) []string {
		if len(templates) == 0 {
			return nil
		}
		out := make([]string, len(templates))
		for i, tpl := range templates {
			out[i] = substituteArgs(tpl, args)
		}
		return out
	}
	return contract.Effects{
		Reads:    expand(op.Effects.Reads),
		Writes:   expand(op.Effects.Writes),
		Executes: expand(op.Effects.Executes),
		Network:  expand(op.Effects.Network),
		Spawn:    op.Effects.Spawn,
	}
}

func substituteArgs(template string, args map[string]any) string {
	result := template
	for name, value := range args {
		placeholder := "{" + name + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// Capability is a named object gating access to a resource. Implementations
// are either native (backed by supervisor-side Go code) or relayed (backed
// by a Hub connection to an external process).
type Capability interface {
	Name() string
	Description() string
	Contract() contract.Contract
	Operations() []OperationSpec
	Call(ctx context.Context, operation string, args map[string]any) (any, error)
}

// HandlerFunc implements one native operation.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Native is a capability implemented in the supervisor process. Operations
// are registered up front; the zero value is unusable, use NewNative.
type Native struct {
	name        string
	description string
	contract    contract.Contract
	specs       []OperationSpec
	handlers    map[string]HandlerFunc
}

// NewNative creates an empty native capability with the given contract.
func NewNative(name, description string, c contract.Contract) *Native {
	return &Native{
		name:        name,
		description: description,
		contract:    c,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Register adds an operation. Registering a duplicate name panics; the
// operation set is program-defined, not data-driven.
func (n *Native) Register(spec OperationSpec, handler HandlerFunc) *Native {
	if _, dup := n.handlers[spec.Name]; dup {
		panic(fmt.Sprintf("capability %s: duplicate operation %s", n.name, spec.Name))
	}
	n.specs = append(n.specs, spec)
	n.handlers[spec.Name] = handler
	return n
}

func (n *Native) Name() string                { return n.name }
func (n *Native) Description() string         { return n.description }
func (n *Native) Contract() contract.Contract { return n.contract.Clone() }

func (n *Native) Operations() []OperationSpec {
	return append([]OperationSpec(nil), n.specs...)
}

func (n *Native) Call(ctx context.Context, operation string, args map[string]any) (any, error) {
	handler, ok := n.handlers[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s (available: %s)",
			ErrUnknownOperation, n.name, operation, strings.Join(n.operationNames(), ", "))
	}
	return handler(ctx, args)
}

func (n *Native) operationNames() []string {
	names := make([]string, len(n.specs))
	for i, s := range n.specs {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}

// derived narrows another capability without touching it. The wrapped
// capability keeps handling calls; only the contract reported to the
// permission layer changes.
type derived struct {
	Capability
	name     string
	narrowed contract.Contract
}

func (d *derived) Name() string                { return d.name }
func (d *derived) Contract() contract.Contract { return d.narrowed.Clone() }

// Narrow returns a view of cap under a different name and contract. Calls
// still go through cap; only what the permission layer and descriptions see
// changes. The snapshot pipeline uses it to rebuild derived capabilities.
func Narrow(cap Capability, name string, c contract.Contract) Capability {
	return &derived{Capability: cap, name: name, narrowed: c}
}

// Describe renders a capability's operations, parameter summaries, and
// contract into the self-documentation string shown to the controller and
// to code inside the environment.
func Describe(cap Capability, registry docsLookup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", cap.Name(), cap.Description())

	if c := cap.Contract(); !c.Empty() {
		fmt.Fprintf(&b, "\nContract: %s\n", c)
	}

	b.WriteString("\nOperations:\n")
	for _, op := range cap.Operations() {
		params := make([]string, len(op.Params))
		for i, p := range op.Params {
			if p.Type != "" {
				params[i] = p.Name + ": " + p.Type
			} else {
				params[i] = p.Name
			}
		}
		fmt.Fprintf(&b, "  - %s(%s)\n", op.Name, strings.Join(params, ", "))
		if op.Description != "" {
			fmt.Fprintf(&b, "      %s\n", op.Description)
		}
	}

	if registry != nil {
		if note, ok := registry.Lookup(cap.Name()); ok {
			fmt.Fprintf(&b, "\nNotes: %s\n", note)
		}
	}
	return b.String()
}

type docsLookup interface {
	Lookup(topic string) (string, bool)
}
