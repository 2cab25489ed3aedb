package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/stratus/internal/client"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve module tools over the Model Context Protocol (stdio)",
	Long: `Expose a running Stratus server's registry and invocation API as MCP
tools on stdio, so agent frontends can register and invoke modules.

Example:
  stratus mcp --server http://localhost:8080`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	c := client.New(serverFlag)

	s := server.NewMCPServer(
		"stratus",
		"1.0.0",
		server.WithInstructions(fmt.Sprintf(
			"Tools for the Stratus serverless platform at %s: list registered "+
				"WebAssembly modules, register new ones, and invoke them with "+
				"positional numeric parameters.", serverFlag)),
		server.WithToolCapabilities(false),
	)

	s.AddTool(newToolModuleList(), handleModuleList(c))
	s.AddTool(newToolModuleRegister(), handleModuleRegister(c))
	s.AddTool(newToolModuleInvoke(), handleModuleInvoke(c))

	return server.ServeStdio(s)
}

func newToolModuleList() mcp.Tool {
	return mcp.NewTool(
		"module_list",
		mcp.WithDescription("List the modules registered on the Stratus server"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

func handleModuleList(c *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		modules, err := c.ListModules(ctx)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("list modules failed", err), nil
		}
		out, err := mcp.NewToolResultJSON(modules)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

func newToolModuleRegister() mcp.Tool {
	return mcp.NewTool(
		"module_register",
		mcp.WithDescription("Register a WebAssembly module by name and file location"),
		mcp.WithString("name", mcp.Description("Module name"), mcp.Required()),
		mcp.WithString("location", mcp.Description("Path to the wasm file on the server host"), mcp.Required()),
	)
}

func handleModuleRegister(c *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		location, err := request.RequireString("location")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		m, err := c.RegisterModule(ctx, name, location)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("register failed", err), nil
		}
		out, err := mcp.NewToolResultJSON(m)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

func newToolModuleInvoke() mcp.Tool {
	return mcp.NewTool(
		"module_invoke",
		mcp.WithDescription("Invoke a registered module with positional numeric parameters"),
		mcp.WithString("name", mcp.Description("Module name"), mcp.Required()),
		mcp.WithString("params", mcp.Description("Comma-separated numbers, e.g. \"5,2\"")),
	)
}

func handleModuleInvoke(c *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}

		params, err := parseParams(request.GetString("params", ""))
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid parameters", err), nil
		}

		res, err := c.Invoke(ctx, name, params)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invoke failed", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%g (elapsed %dms)", res.Value, res.ElapsedMs)), nil
	}
}
