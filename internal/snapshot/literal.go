package snapshot

import (
	"encoding/json"
	"strconv"

	"vessel/internal/protocol"
)

// RebindExpr renders the expression that recreates a saved variable inside
// the environment. Values ride as JSON text decoded by the environment's own
// json module, which round-trips every serializable value without a
// hand-rolled literal grammar. Opaque values cannot be recreated; ok is
// false for those.
func RebindExpr(v *protocol.Value) (expr string, ok bool) {
	if v == nil {
		return "None", true
	}
	if v.Kind != protocol.ValueJSON {
		return "", false
	}
	data, err := json.Marshal(v.Value)
	if err != nil {
		return "", false
	}
	return "json.decode(" + strconv.Quote(string(data)) + ")", true
}
