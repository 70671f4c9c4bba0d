// Package mcpserver exposes a session controller to an external controlling
// process over MCP stdio. Every tool maps onto one controller operation;
// results are JSON text so the controller can parse them mechanically.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"vessel/internal/logging"
	"vessel/internal/session"
	"vessel/internal/version"
)

type Server struct {
	mcpServer  *server.MCPServer
	controller *session.Controller
}

// NewServer wraps a controller in the MCP tool surface.
func NewServer(controller *session.Controller) *Server {
	mcpServer := server.NewMCPServer(
		"Vessel",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		controller: controller,
	}
	s.setupTools()
	return s
}

// Start serves MCP over stdio until the controller side disconnects.
func (s *Server) Start() error {
	logging.Info("Serving MCP over stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) setupTools() {
	executeTool := mcp.NewTool("execute",
		mcp.WithDescription("Execute a code snippet in the persistent environment. Bindings survive between calls."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Snippet to execute")),
	)
	s.mcpServer.AddTool(executeTool, s.handleExecute)

	stateTool := mcp.NewTool("get_state",
		mcp.WithDescription("Describe the environment: defined functions, variables, bound capabilities, history length."),
	)
	s.mcpServer.AddTool(stateTool, s.handleGetState)

	installCapabilityTool := mcp.NewTool("install_capability",
		mcp.WithDescription("Install a built-in capability into the environment."),
		mcp.WithString("factory", mcp.Required(), mcp.Description("Capability factory name (e.g. clock, workspace)")),
		mcp.WithObject("options", mcp.Description("Factory options (e.g. {\"root\": \"/path\"} for workspace)")),
		mcp.WithString("strategy", mcp.Description("Permission strategy: pre_approved, contract_based, call_by_call, budget, audit_only (default contract_based)")),
		mcp.WithNumber("budget", mcp.Description("Call quota for the budget strategy")),
	)
	s.mcpServer.AddTool(installCapabilityTool, s.handleInstallCapability)

	installBackendTool := mcp.NewTool("install_backend",
		mcp.WithDescription("Connect an external backend process and expose its operations as a capability."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Capability name the backend is bound under")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Backend launch command line")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
		mcp.WithObject("contract", mcp.Description("Effect contract: {reads, writes, executes, network: [patterns], spawn: bool}")),
		mcp.WithString("strategy", mcp.Description("Permission strategy (default contract_based)")),
		mcp.WithNumber("budget", mcp.Description("Call quota for the budget strategy")),
	)
	s.mcpServer.AddTool(installBackendTool, s.handleInstallBackend)

	uninstallTool := mcp.NewTool("uninstall_capability",
		mcp.WithDescription("Remove a capability. Code already holding its stub fails on the next call through it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Capability name")),
	)
	s.mcpServer.AddTool(uninstallTool, s.handleUninstallCapability)

	deriveTool := mcp.NewTool("derive_capability",
		mcp.WithDescription("Install a restricted view of an existing capability under a new name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Existing capability name")),
		mcp.WithString("new_name", mcp.Required(), mcp.Description("Name for the restricted capability")),
		mcp.WithObject("restriction", mcp.Required(), mcp.Description("Contract the new capability is narrowed to")),
	)
	s.mcpServer.AddTool(deriveTool, s.handleDeriveCapability)

	describeTool := mcp.NewTool("describe_capability",
		mcp.WithDescription("Render a capability's operations, parameters, and contract."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Capability name")),
	)
	s.mcpServer.AddTool(describeTool, s.handleDescribeCapability)

	listCapabilitiesTool := mcp.NewTool("list_capabilities",
		mcp.WithDescription("List installed capability names."),
	)
	s.mcpServer.AddTool(listCapabilitiesTool, s.handleListCapabilities)

	saveStateTool := mcp.NewTool("save_state",
		mcp.WithDescription("Save the session under a name: functions, variables, history, capability descriptors."),
		mcp.WithString("name", mcp.Required(), mcp.Description("State name")),
	)
	s.mcpServer.AddTool(saveStateTool, s.handleSaveState)

	restoreStateTool := mcp.NewTool("restore_state",
		mcp.WithDescription("Replace the session with a saved state. Reports anything that could not be restored."),
		mcp.WithString("name", mcp.Required(), mcp.Description("State name")),
	)
	s.mcpServer.AddTool(restoreStateTool, s.handleRestoreState)

	listStatesTool := mcp.NewTool("list_states",
		mcp.WithDescription("List saved state names."),
	)
	s.mcpServer.AddTool(listStatesTool, s.handleListStates)

	deleteStateTool := mcp.NewTool("delete_state",
		mcp.WithDescription("Delete a saved state."),
		mcp.WithString("name", mcp.Required(), mcp.Description("State name")),
	)
	s.mcpServer.AddTool(deleteStateTool, s.handleDeleteState)

	resetTool := mcp.NewTool("reset",
		mcp.WithDescription("Discard the environment namespace. Installed capabilities survive and are re-bound."),
	)
	s.mcpServer.AddTool(resetTool, s.handleReset)
}
