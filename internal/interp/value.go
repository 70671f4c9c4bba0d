package interp

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"

	"vessel/internal/protocol"
)

// serialize converts a Starlark value into the wire form: a plain JSON
// value when fully serializable, otherwise an opaque placeholder carrying
// the rendered description.
func serialize(v starlark.Value) *protocol.Value {
	if v == nil {
		return nil
	}
	if _, isNone := v.(starlark.NoneType); isNone {
		return nil
	}
	plain, ok := toGo(v)
	if !ok {
		return protocol.ReprValue(v.String())
	}
	return protocol.JSONValue(plain)
}

// toGo lowers a Starlark value to a JSON-compatible Go value. The second
// result is false when the value, or anything nested in it, has no faithful
// JSON form.
func toGo(v starlark.Value) (any, bool) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, true
	case starlark.Bool:
		return bool(val), true
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, true
		}
		return nil, false
	case starlark.Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case starlark.String:
		return string(val), true
	case *starlark.List:
		return sequenceToGo(val.Len(), val.Index)
	case starlark.Tuple:
		return sequenceToGo(len(val), func(i int) starlark.Value { return val[i] })
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, false
			}
			elem, ok := toGo(item[1])
			if !ok {
				return nil, false
			}
			out[string(key)] = elem
		}
		return out, true
	default:
		return nil, false
	}
}

func sequenceToGo(n int, index func(int) starlark.Value) (any, bool) {
	out := make([]any, n)
	for i := 0; i < n; i++ {
		elem, ok := toGo(index(i))
		if !ok {
			return nil, false
		}
		out[i] = elem
	}
	return out, true
}

// goToStarlark lifts a JSON-compatible Go value into Starlark. Unknown
// types degrade to their string rendering rather than failing the call.
func goToStarlark(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = goToStarlark(elem)
		}
		return starlark.NewList(elems)
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, elem := range val {
			_ = dict.SetKey(starlark.String(k), goToStarlark(elem))
		}
		return dict
	default:
		return starlark.String(fmt.Sprintf("%v", val))
	}
}
