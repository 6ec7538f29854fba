// Package tools implements the six pipeline tools the server exposes
// over MCP. Each tool is a small struct with a Definition for
// registration and a Handle method; domain failures are reported as
// {"error": ...} payloads in the tool output, never as handler errors,
// so the client can route them through the repair loop.
package tools

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/logging"
)

// jsonText marshals v and wraps it as a text tool result.
func jsonText(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		// Only unmarshalable types land here, which would be a bug.
		logging.Get(logging.CategoryTools).Error("Failed to marshal tool result: %v", err)
		return mcp.NewToolResultText(`{"error": "internal: failed to encode tool result"}`)
	}
	return mcp.NewToolResultText(string(data))
}

// errorPayload reports a domain failure in the tool's output contract.
func errorPayload(msg string) *mcp.CallToolResult {
	return jsonText(map[string]string{"error": msg})
}

// objectArg returns a JSON-object argument, or nil when absent or of
// the wrong shape.
func objectArg(req mcp.CallToolRequest, key string) map[string]interface{} {
	args := req.GetArguments()
	if args == nil {
		return nil
	}
	obj, _ := args[key].(map[string]interface{})
	return obj
}

// indentJSON renders an object the way it appears inside prompts.
func indentJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
