// Package protocol implements the client side of the MCP stdio
// protocol: newline-delimited JSON-RPC 2.0 messages exchanged with a
// tool server subprocess.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Version is the MCP protocol revision spoken during the initialize
// handshake.
const Version = "2024-11-05"

// request is a JSON-RPC 2.0 request. Notifications omit the ID.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerInfo identifies the server from the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the payload of a successful initialize call.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ToolDescriptor is one entry of a tools/list result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is one element of a tool result's content array. Only
// text blocks are produced by this server.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// unmarshalResult decodes a JSON-RPC result member, treating an
// absent result as an error.
func unmarshalResult(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing result")
	}
	return json.Unmarshal(raw, v)
}

// Text concatenates the result's text blocks.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
