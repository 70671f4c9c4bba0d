// Package interp implements the execution-environment side of the host: a
// persistent Starlark namespace that executes snippets without losing
// bindings between calls, plus the serve loop and relay proxies that run in
// the environment child process.
package interp

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"vessel/internal/protocol"
)

// RelayFunc carries a capability invocation out of the environment and
// blocks until the supervisor answers.
type RelayFunc func(capability, method string, kwargs map[string]any) (any, error)

// Error kinds reported in ExecutionResult.ErrorType.
const (
	ErrKindSyntax   = "syntax_error"
	ErrKindRuntime  = "runtime_error"
	ErrKindInternal = "internal_error"
)

const inputFilename = "<input>"

// Engine hosts one persistent namespace. It is not safe for concurrent
// use; the supervisor serializes all calls against it.
type Engine struct {
	opts     *syntax.FileOptions
	globals  starlark.StringDict
	reserved map[string]bool
	history  []string
	fnSource map[string]string
	fnOrder  []string
	caps     map[string]*capabilityValue
	relay    RelayFunc
	maxSteps uint64
}

// NewEngine creates an empty namespace. The predeclared environment holds
// the json, math, and time modules plus the capability binding hook; relay
// may be nil when no capabilities will be bound.
func NewEngine(relay RelayFunc, maxSteps uint64) *Engine {
	e := &Engine{
		opts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
		globals:  make(starlark.StringDict),
		reserved: make(map[string]bool),
		fnSource: make(map[string]string),
		caps:     make(map[string]*capabilityValue),
		relay:    relay,
		maxSteps: maxSteps,
	}

	e.globals["json"] = starlarkjson.Module
	e.globals["math"] = starlarkmath.Module
	e.globals["time"] = starlarktime.Module
	e.globals["__bind_capability__"] = starlark.NewBuiltin("__bind_capability__", e.bindCapability)
	for name := range e.globals {
		e.reserved[name] = true
	}
	return e
}

func (e *Engine) newThread(name string, stdout *strings.Builder) *starlark.Thread {
	thread := &starlark.Thread{Name: name}
	if stdout != nil {
		thread.Print = func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		}
	}
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}
	return thread
}

// Execute runs one snippet against the namespace. The snippet is tried as a
// value-producing expression first; on parse failure it falls back to
// statement execution. Output is captured for the call's duration, history
// grows only on success, and failures of any kind come back as structured
// data, never as a terminated engine.
func (e *Engine) Execute(code string) *protocol.ExecutionResult {
	var stdout strings.Builder
	thread := e.newThread("exec", &stdout)

	result := func(res *protocol.ExecutionResult) *protocol.ExecutionResult {
		res.Stdout = stdout.String()
		return res
	}

	if expr, err := e.opts.ParseExpr(inputFilename, code, 0); err == nil {
		value, evalErr := starlark.EvalExprOptions(e.opts, thread, expr, e.globals)
		if evalErr != nil {
			return result(failure(evalErr))
		}
		e.history = append(e.history, code)
		return result(&protocol.ExecutionResult{
			Success:     true,
			ReturnValue: serialize(value),
		})
	}

	file, err := e.opts.Parse(inputFilename, code, 0)
	if err != nil {
		return result(&protocol.ExecutionResult{
			Success:      false,
			ErrorType:    ErrKindSyntax,
			ErrorMessage: err.Error(),
			Stderr:       err.Error(),
		})
	}

	if err := starlark.ExecREPLChunk(file, thread, e.globals); err != nil {
		return result(failure(err))
	}

	e.history = append(e.history, code)
	e.recordDefinitions(code, file)
	return result(&protocol.ExecutionResult{Success: true})
}

func failure(err error) *protocol.ExecutionResult {
	res := &protocol.ExecutionResult{Success: false, ErrorType: ErrKindRuntime}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		res.ErrorMessage = evalErr.Msg
		res.Stderr = evalErr.Backtrace()
	} else {
		res.ErrorMessage = err.Error()
		res.Stderr = err.Error()
	}
	return res
}

// Inject evaluates code and binds the result to name, bypassing the
// output-capturing execute path. If code is not an expression it is
// executed as statements, which must leave a binding under name.
func (e *Engine) Inject(name, code string) *protocol.InjectResult {
	thread := e.newThread("inject", nil)

	if expr, err := e.opts.ParseExpr(inputFilename, code, 0); err == nil {
		value, evalErr := starlark.EvalExprOptions(e.opts, thread, expr, e.globals)
		if evalErr != nil {
			return &protocol.InjectResult{Success: false, Error: evalErr.Error()}
		}
		e.bind(name, value)
		return &protocol.InjectResult{Success: true}
	}

	file, err := e.opts.Parse(inputFilename, code, 0)
	if err != nil {
		return &protocol.InjectResult{Success: false, Error: err.Error()}
	}
	if err := starlark.ExecREPLChunk(file, thread, e.globals); err != nil {
		return &protocol.InjectResult{Success: false, Error: err.Error()}
	}
	if _, ok := e.globals[name]; !ok {
		return &protocol.InjectResult{Success: false, Error: fmt.Sprintf("code did not define %q", name)}
	}
	e.recordDefinitions(code, file)
	return &protocol.InjectResult{Success: true}
}

func (e *Engine) bind(name string, value starlark.Value) {
	e.globals[name] = value
	if cap, ok := value.(*capabilityValue); ok {
		e.caps[cap.name] = cap
	}
}

// State enumerates the namespace: callables, values, bound capability
// names, and history length. Reserved and underscore-prefixed names are
// internal and not reported.
func (e *Engine) State() *protocol.EnvState {
	state := &protocol.EnvState{
		Variables:     make(map[string]string),
		HistoryLength: len(e.history),
	}

	names := e.userNames()
	for _, name := range names {
		switch v := e.globals[name].(type) {
		case *starlark.Function:
			state.DefinedFunctions = append(state.DefinedFunctions, protocol.FunctionInfo{
				Name:      name,
				Signature: signature(v),
				Docstring: firstLine(docOf(v)),
			})
		case *capabilityValue:
			// reported through Capabilities below
			_ = v
		default:
			state.Variables[name] = typeSummary(e.globals[name])
		}
	}

	for name := range e.caps {
		// A snippet may have rebound the stub's name to something else;
		// the capability is then reported as whatever shadows it.
		if _, bound := e.globals[name].(*capabilityValue); bound {
			state.Capabilities = append(state.Capabilities, name)
		}
	}
	sort.Strings(state.Capabilities)
	return state
}

// Export produces the serializable description of the namespace for the
// snapshot pipeline. Uncapturable items are listed in Unsaved; nothing
// aborts the export.
func (e *Engine) Export() *protocol.Export {
	export := &protocol.Export{
		Variables: make(map[string]*protocol.Value),
		History:   append([]string(nil), e.history...),
	}

	for _, name := range e.fnOrder {
		fn, ok := e.globals[name].(*starlark.Function)
		if !ok {
			continue // redefined as a non-function since
		}
		export.Functions = append(export.Functions, protocol.ExportedFunction{
			Name:      name,
			Source:    e.fnSource[name],
			Signature: signature(fn),
			Docstring: firstLine(docOf(fn)),
		})
	}

	for _, name := range e.userNames() {
		switch e.globals[name].(type) {
		case *starlark.Function:
			if _, tracked := e.fnSource[name]; !tracked {
				export.Unsaved = append(export.Unsaved, name)
			}
		case *capabilityValue:
			// captured by the registry side of the snapshot
		default:
			export.Variables[name] = serialize(e.globals[name])
		}
	}
	return export
}

// HistoryLen reports how many snippets have executed successfully.
func (e *Engine) HistoryLen() int { return len(e.history) }

func (e *Engine) userNames() []string {
	var names []string
	for name := range e.globals {
		if e.reserved[name] || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// recordDefinitions tracks the source of every top-level def in a snippet,
// so snapshots can replay function definitions.
func (e *Engine) recordDefinitions(code string, file *syntax.File) {
	lines := strings.Split(code, "\n")
	for _, stmt := range file.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok {
			continue
		}
		name := def.Name.Name
		source := extractSpan(lines, stmt)
		if source == "" {
			source = code
		}
		if _, seen := e.fnSource[name]; !seen {
			e.fnOrder = append(e.fnOrder, name)
		}
		e.fnSource[name] = source
	}
}

func extractSpan(lines []string, stmt syntax.Stmt) string {
	start, end := stmt.Span()
	if start.Line < 1 || int(end.Line) > len(lines) {
		return ""
	}
	return strings.Join(lines[start.Line-1:end.Line], "\n")
}

func signature(fn *starlark.Function) string {
	var params []string
	for i := 0; i < fn.NumParams(); i++ {
		name, _ := fn.Param(i)
		if dflt := fn.ParamDefault(i); dflt != nil {
			name = name + "=" + dflt.String()
		}
		params = append(params, name)
	}
	if fn.HasVarargs() {
		params = append(params, "*args")
	}
	if fn.HasKwargs() {
		params = append(params, "**kwargs")
	}
	return "(" + strings.Join(params, ", ") + ")"
}

func docOf(fn *starlark.Function) string { return fn.Doc() }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func typeSummary(v starlark.Value) string {
	switch val := v.(type) {
	case *starlark.List:
		if val.Len() > 0 {
			inner := val.Index(0).Type()
			if val.Len() > 1 {
				return fmt.Sprintf("list[%s, ...]", inner)
			}
			return fmt.Sprintf("list[%s]", inner)
		}
		return "list"
	case *starlark.Dict:
		items := val.Items()
		if len(items) > 0 {
			return fmt.Sprintf("dict[%s, %s]", items[0][0].Type(), items[0][1].Type())
		}
		return "dict"
	default:
		return v.Type()
	}
}
