// Package protocol defines the wire types exchanged between the supervisor
// and the environment process. Both channels carry one JSON record per line:
// the primary channel is strict request/response, the relay channel is
// correlated by request id.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request types on the primary channel.
const (
	TypeExecute = "execute"
	TypeState   = "state"
	TypeInject  = "inject"
	TypeExport  = "export"
	TypePing    = "ping"
)

// Relay record types on the secondary channel.
const (
	TypeRelayRequest  = "relay_request"
	TypeRelayResponse = "relay_response"
)

// Request is a primary-channel request from the supervisor to the
// environment process.
type Request struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

// Value is a best-effort serialized value. Kind "json" carries the value
// itself; kind "repr" carries a rendered description of a value that could
// not be serialized. Data is never silently dropped.
type Value struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

const (
	ValueJSON = "json"
	ValueRepr = "repr"
)

// JSONValue wraps a serializable value.
func JSONValue(v any) *Value { return &Value{Kind: ValueJSON, Value: v} }

// ReprValue wraps the rendered description of an unserializable value.
func ReprValue(repr string) *Value { return &Value{Kind: ValueRepr, Value: repr} }

// ExecutionResult is the outcome of one execute call.
type ExecutionResult struct {
	Success      bool   `json:"success"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ReturnValue  *Value `json:"return_value,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// FunctionInfo describes one callable defined in the environment namespace.
type FunctionInfo struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Docstring string `json:"docstring"`
}

// EnvState enumerates the environment namespace.
type EnvState struct {
	DefinedFunctions []FunctionInfo    `json:"defined_functions"`
	Variables        map[string]string `json:"variables"`
	Capabilities     []string          `json:"capabilities"`
	HistoryLength    int               `json:"history_length"`
}

// InjectResult acknowledges an inject request.
type InjectResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ExportedFunction is a callable captured for a snapshot.
type ExportedFunction struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Signature string `json:"signature"`
	Docstring string `json:"docstring,omitempty"`
}

// Export is the full serializable description of the environment namespace,
// produced on demand for the snapshot pipeline. Unsaved lists items that
// could not be captured; their absence never aborts the export.
type Export struct {
	Functions []ExportedFunction `json:"functions"`
	Variables map[string]*Value  `json:"variables"`
	History   []string           `json:"history"`
	Unsaved   []string           `json:"unsaved,omitempty"`
}

// Response is a primary-channel response envelope. Exactly one of the
// payload fields is set, matching the request type.
type Response struct {
	Execute *ExecutionResult `json:"execute,omitempty"`
	State   *EnvState        `json:"state,omitempty"`
	Inject  *InjectResult    `json:"inject,omitempty"`
	Export  *Export          `json:"export,omitempty"`
	Pong    bool             `json:"pong,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// RelayRequest asks the supervisor to invoke a capability operation on
// behalf of code running inside the environment.
type RelayRequest struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Method     string         `json:"method"`
	Kwargs     map[string]any `json:"kwargs"`
}

// RelayResponse carries the outcome of a relay request back into the
// environment. Exactly one response is sent per request.
type RelayResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  *Value `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse builds a failed relay response for the given request id.
func ErrorResponse(id, format string, args ...any) RelayResponse {
	return RelayResponse{
		Type:    TypeRelayResponse,
		ID:      id,
		Success: false,
		Error:   fmt.Sprintf(format, args...),
	}
}

// DecodeLine parses one primary-channel request line.
func DecodeLine(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request line: %w", err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("request line missing type")
	}
	return req, nil
}
