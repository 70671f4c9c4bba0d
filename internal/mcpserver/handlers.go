package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"vessel/internal/contract"
	"vessel/internal/session"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'code' parameter: %v", err)), nil
	}
	result, err := s.controller.Execute(ctx, code)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.controller.State(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read state: %v", err)), nil
	}
	return jsonResult(state)
}

func strategySpec(request mcp.CallToolRequest) session.StrategySpec {
	args := request.GetArguments()
	spec := session.StrategySpec{}
	if kind, ok := args["strategy"].(string); ok {
		spec.Kind = kind
	}
	if budget, ok := args["budget"].(float64); ok {
		spec.Budget = int64(budget)
	}
	return spec
}

func contractArg(args map[string]any, key string) (contract.Contract, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return contract.Contract{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("invalid %s: %v", key, err)
	}
	var c contract.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return contract.Contract{}, fmt.Errorf("invalid %s: %v", key, err)
	}
	return c, nil
}

func (s *Server) handleInstallCapability(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	factory, err := request.RequireString("factory")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'factory' parameter: %v", err)), nil
	}
	options, _ := request.GetArguments()["options"].(map[string]any)

	name, err := s.controller.InstallCapability(ctx, factory, options, strategySpec(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to install capability: %v", err)), nil
	}
	description, err := s.controller.DescribeCapability(name)
	if err != nil {
		description = ""
	}
	return jsonResult(map[string]any{"installed": name, "description": description})
}

func (s *Server) handleInstallBackend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'command' parameter: %v", err)), nil
	}
	description := request.GetString("description", "")
	ct, err := contractArg(request.GetArguments(), "contract")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.controller.InstallBackend(ctx, name, command, description, ct, strategySpec(request)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to install backend: %v", err)), nil
	}
	rendered, err := s.controller.DescribeCapability(name)
	if err != nil {
		rendered = ""
	}
	return jsonResult(map[string]any{"installed": name, "description": rendered})
}

func (s *Server) handleUninstallCapability(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	if err := s.controller.UninstallCapability(name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to uninstall: %v", err)), nil
	}
	return jsonResult(map[string]any{"uninstalled": name})
}

func (s *Server) handleDeriveCapability(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	newName, err := request.RequireString("new_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'new_name' parameter: %v", err)), nil
	}
	restriction, err := contractArg(request.GetArguments(), "restriction")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.controller.DeriveCapability(ctx, name, newName, restriction); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to derive capability: %v", err)), nil
	}
	return jsonResult(map[string]any{"derived": newName, "from": name})
}

func (s *Server) handleDescribeCapability(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	text, err := s.controller.DescribeCapability(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to describe capability: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleListCapabilities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"capabilities": s.controller.ListCapabilities()})
}

func (s *Server) handleSaveState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	doc, err := s.controller.SaveState(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to save state: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"saved":        doc.Name,
		"functions":    len(doc.Functions),
		"variables":    len(doc.Variables),
		"capabilities": len(doc.Capabilities),
		"unsaved":      doc.Unsaved,
	})
}

func (s *Server) handleRestoreState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	report, err := s.controller.RestoreState(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to restore state: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) handleListStates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.controller.ListStates()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list states: %v", err)), nil
	}
	return jsonResult(map[string]any{"states": names})
}

func (s *Server) handleDeleteState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}
	if err := s.controller.DeleteState(name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to delete state: %v", err)), nil
	}
	return jsonResult(map[string]any{"deleted": name})
}

func (s *Server) handleReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.controller.Reset(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reset: %v", err)), nil
	}
	return jsonResult(map[string]any{"reset": true, "capabilities": s.controller.ListCapabilities()})
}
