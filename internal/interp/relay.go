package interp

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"vessel/internal/protocol"
)

// capabilityValue is the in-namespace stand-in for an installed capability.
// Attribute access resolves an operation name to a callable that relays the
// invocation to the supervisor; unknown operation names fail at lookup.
type capabilityValue struct {
	name   string
	ops    []string
	params map[string][]string // operation -> parameter names, positional order
	engine *Engine
}

var (
	_ starlark.Value    = (*capabilityValue)(nil)
	_ starlark.HasAttrs = (*capabilityValue)(nil)
)

func (c *capabilityValue) String() string        { return fmt.Sprintf("<capability %s>", c.name) }
func (c *capabilityValue) Type() string          { return "capability" }
func (c *capabilityValue) Freeze()               {}
func (c *capabilityValue) Truth() starlark.Bool  { return starlark.True }
func (c *capabilityValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: capability") }

func (c *capabilityValue) AttrNames() []string {
	names := append([]string(nil), c.ops...)
	sort.Strings(names)
	return names
}

func (c *capabilityValue) Attr(name string) (starlark.Value, error) {
	params, ok := c.params[name]
	if !ok {
		return nil, starlark.NoSuchAttrError(fmt.Sprintf(
			"capability %s has no operation %q (available: %s)",
			c.name, name, strings.Join(c.AttrNames(), ", ")))
	}
	operation := name
	return starlark.NewBuiltin(c.name+"."+operation, func(
		_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		callArgs, err := bindArguments(c.name, operation, params, args, kwargs)
		if err != nil {
			return nil, err
		}
		if c.engine.relay == nil {
			return nil, fmt.Errorf("capability %s: no relay channel", c.name)
		}
		result, err := c.engine.relay(c.name, operation, callArgs)
		if err != nil {
			return nil, err
		}
		return goToStarlark(result), nil
	}), nil
}

// bindArguments maps positional arguments onto declared parameter names, in
// order, and merges keyword arguments. The relay protocol carries keyword
// arguments only.
func bindArguments(capName, operation string, params []string, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if len(args) > len(params) {
		return nil, fmt.Errorf("%s.%s takes at most %d positional arguments (%d given)",
			capName, operation, len(params), len(args))
	}
	out := make(map[string]any, len(args)+len(kwargs))
	for i, arg := range args {
		value, ok := toGo(arg)
		if !ok {
			return nil, fmt.Errorf("%s.%s: argument %s is not serializable", capName, operation, params[i])
		}
		out[params[i]] = value
	}
	for _, pair := range kwargs {
		key := string(pair[0].(starlark.String))
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%s.%s: duplicate argument %s", capName, operation, key)
		}
		value, ok := toGo(pair[1])
		if !ok {
			return nil, fmt.Errorf("%s.%s: argument %s is not serializable", capName, operation, key)
		}
		out[key] = value
	}
	return out, nil
}

// bindCapability is the predeclared __bind_capability__(name, ops) hook the
// supervisor injects capability stubs through. ops is a list of
// {"name": ..., "params": [...]} dicts.
func (e *Engine) bindCapability(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name starlark.String
	var ops *starlark.List
	if err := starlark.UnpackPositionalArgs("__bind_capability__", args, kwargs, 2, &name, &ops); err != nil {
		return nil, err
	}

	cap := &capabilityValue{
		name:   string(name),
		params: make(map[string][]string),
		engine: e,
	}
	for i := 0; i < ops.Len(); i++ {
		dict, ok := ops.Index(i).(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("__bind_capability__: ops[%d] is not a dict", i)
		}
		opName, err := dictString(dict, "name")
		if err != nil {
			return nil, fmt.Errorf("__bind_capability__: ops[%d]: %w", i, err)
		}
		var paramNames []string
		if raw, found, _ := dict.Get(starlark.String("params")); found {
			list, ok := raw.(*starlark.List)
			if !ok {
				return nil, fmt.Errorf("__bind_capability__: ops[%d]: params is not a list", i)
			}
			for j := 0; j < list.Len(); j++ {
				s, ok := list.Index(j).(starlark.String)
				if !ok {
					return nil, fmt.Errorf("__bind_capability__: ops[%d]: params[%d] is not a string", i, j)
				}
				paramNames = append(paramNames, string(s))
			}
		}
		cap.ops = append(cap.ops, opName)
		cap.params[opName] = paramNames
	}
	return cap, nil
}

func dictString(d *starlark.Dict, key string) (string, error) {
	raw, found, err := d.Get(starlark.String(key))
	if err != nil || !found {
		return "", fmt.Errorf("missing %q", key)
	}
	s, ok := raw.(starlark.String)
	if !ok {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return string(s), nil
}

// BindExpr renders the inject expression that creates a capability stub for
// the given operation specs. The supervisor sends it on the primary channel
// as an ordinary inject.
func BindExpr(name string, ops []BindOp) string {
	var b strings.Builder
	b.WriteString("__bind_capability__(")
	b.WriteString(starlark.String(name).String())
	b.WriteString(", [")
	for i, op := range ops {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("{\"name\": ")
		b.WriteString(starlark.String(op.Name).String())
		b.WriteString(", \"params\": [")
		for j, p := range op.Params {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(starlark.String(p).String())
		}
		b.WriteString("]}")
	}
	b.WriteString("])")
	return b.String()
}

// BindOp names one operation of a capability stub and its positional
// parameter order.
type BindOp struct {
	Name   string
	Params []string
}

// relayTransport is the child side of the secondary channel: it writes one
// relay request per line and blocks for the correlated response. Execution
// inside the environment is single-threaded, so at most one request of its
// own is outstanding; responses for other ids are parked until asked for.
type relayTransport struct {
	send    func(protocol.RelayRequest) error
	receive func() (protocol.RelayResponse, error)
	parked  map[string]protocol.RelayResponse
	nextID  func() string
}

func newRelayTransport(send func(protocol.RelayRequest) error, receive func() (protocol.RelayResponse, error), nextID func() string) *relayTransport {
	return &relayTransport{
		send:    send,
		receive: receive,
		parked:  make(map[string]protocol.RelayResponse),
		nextID:  nextID,
	}
}

// Call performs one relay round-trip. A failed response becomes an error
// raised inside the snippet, catchable there, never fatal to the engine.
func (t *relayTransport) Call(capability, method string, kwargs map[string]any) (any, error) {
	id := t.nextID()
	if err := t.send(protocol.RelayRequest{
		Type:       protocol.TypeRelayRequest,
		ID:         id,
		Capability: capability,
		Method:     method,
		Kwargs:     kwargs,
	}); err != nil {
		return nil, fmt.Errorf("relay channel: %w", err)
	}

	for {
		if resp, ok := t.parked[id]; ok {
			delete(t.parked, id)
			return unpack(resp)
		}
		resp, err := t.receive()
		if err != nil {
			return nil, fmt.Errorf("relay channel: %w", err)
		}
		if resp.ID != id {
			t.parked[resp.ID] = resp
			continue
		}
		return unpack(resp)
	}
}

func unpack(resp protocol.RelayResponse) (any, error) {
	if !resp.Success {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	if resp.Result == nil {
		return nil, nil
	}
	if resp.Result.Kind == protocol.ValueRepr {
		return fmt.Sprintf("%v", resp.Result.Value), nil
	}
	return resp.Result.Value, nil
}
