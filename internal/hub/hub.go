// Package hub owns the subprocess connections backing relayed capabilities.
// Each backend is an MCP server spawned over stdio; the hub is the MCP
// client side, installing, listing, calling, and releasing backends on
// behalf of the relay router.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"vessel/internal/logging"
)

// ErrNotConnected marks a call against a backend the hub does not hold a
// connection for.
var ErrNotConnected = errors.New("backend not connected")

// ConnectionError wraps a transport-level backend failure: launch failure,
// disconnect mid-call, initialization timeout. It is distinct from an
// operation-level failure, which surfaces as a plain error. Recovering from
// a ConnectionError requires an explicit reinstall; the hub never retries.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend %s: connection error: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolSpec describes one operation a backend provides.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

type backend struct {
	name    string
	command string
	client  *client.Client
	tools   map[string]ToolSpec
	order   []string // tool listing order
}

// Hub manages backend MCP server connections.
type Hub struct {
	mu             sync.Mutex
	backends       map[string]*backend
	connectTimeout time.Duration
}

func New() *Hub {
	return &Hub{
		backends:       make(map[string]*backend),
		connectTimeout: 30 * time.Second,
	}
}

// Install spawns the backend described by command, initializes the MCP
// session, and returns the operations it provides. Refuses to replace a
// connected backend; Uninstall it first.
func (h *Hub) Install(ctx context.Context, name, command string) ([]ToolSpec, error) {
	parts, err := shlex.Split(command, true)
	if err != nil || len(parts) == 0 {
		return nil, fmt.Errorf("invalid backend command %q: %v", command, err)
	}

	h.mu.Lock()
	if _, exists := h.backends[name]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("backend %q already connected", name)
	}
	h.mu.Unlock()

	stdio := transport.NewStdio(parts[0], nil, parts[1:]...)
	mcpClient := client.NewClient(stdio)

	connectCtx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	if err := mcpClient.Start(connectCtx); err != nil {
		return nil, &ConnectionError{Backend: name, Err: fmt.Errorf("launch failed: %w", err)}
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "vessel-hub", Version: "1.0.0"}
	if _, err := mcpClient.Initialize(connectCtx, initRequest); err != nil {
		mcpClient.Close()
		return nil, &ConnectionError{Backend: name, Err: fmt.Errorf("initialize failed: %w", err)}
	}

	listResult, err := mcpClient.ListTools(connectCtx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, &ConnectionError{Backend: name, Err: fmt.Errorf("list tools failed: %w", err)}
	}

	b := &backend{
		name:    name,
		command: command,
		client:  mcpClient,
		tools:   make(map[string]ToolSpec, len(listResult.Tools)),
	}
	specs := make([]ToolSpec, 0, len(listResult.Tools))
	for _, tool := range listResult.Tools {
		spec := ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema.Properties,
			Required:    tool.InputSchema.Required,
		}
		b.tools[tool.Name] = spec
		b.order = append(b.order, tool.Name)
		specs = append(specs, spec)
	}

	h.mu.Lock()
	h.backends[name] = b
	h.mu.Unlock()

	logging.Info("hub: connected backend %s (%d tools)", name, len(specs))
	return specs, nil
}

// Call invokes a tool on a connected backend. Tool-level failures return a
// plain error; transport failures return a *ConnectionError.
func (h *Hub) Call(ctx context.Context, name, tool string, args map[string]any) (any, error) {
	h.mu.Lock()
	b, ok := h.backends[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	if _, ok := b.tools[tool]; !ok {
		return nil, fmt.Errorf("backend %s has no tool %q (available: %v)", name, tool, b.toolNames())
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = args

	result, err := b.client.CallTool(ctx, request)
	if err != nil {
		return nil, &ConnectionError{Backend: name, Err: fmt.Errorf("call %s: %w", tool, err)}
	}

	text := firstText(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("%s.%s failed: %s", name, tool, text)
	}
	if text == "" && len(result.Content) > 0 {
		return fmt.Sprintf("%v", result.Content), nil
	}
	return text, nil
}

// Tools returns the operations of a connected backend in listing order.
func (h *Hub) Tools(name string) ([]ToolSpec, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	specs := make([]ToolSpec, 0, len(b.order))
	for _, toolName := range b.order {
		specs = append(specs, b.tools[toolName])
	}
	return specs, nil
}

// Descriptor returns the launch command used to connect a backend, for
// snapshot reconnection.
func (h *Hub) Descriptor(name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.backends[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return b.command, nil
}

// Uninstall disconnects and releases a backend.
func (h *Hub) Uninstall(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.backends[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	delete(h.backends, name)
	if err := b.client.Close(); err != nil {
		logging.Error("hub: closing backend %s: %v", name, err)
	}
	return nil
}

// List names all connected backends, sorted.
func (h *Hub) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.backends))
	for name := range h.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backends.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, b := range h.backends {
		if err := b.client.Close(); err != nil {
			logging.Error("hub: closing backend %s: %v", name, err)
		}
		delete(h.backends, name)
	}
}

func (b *backend) toolNames() []string {
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstText(content []mcp.Content) string {
	for _, item := range content {
		if tc, ok := mcp.AsTextContent(item); ok {
			return tc.Text
		}
	}
	return ""
}
