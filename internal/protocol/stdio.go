package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"evquery/internal/logging"
)

// clientName identifies this client during the initialize handshake.
const clientName = "evquery"

// StdioTransport speaks MCP to a tool server running as a subprocess,
// over the subprocess's stdin and stdout. The server's stderr is
// forwarded to the protocol log so stdout stays pure JSON-RPC.
type StdioTransport struct {
	command string
	args    []string
	version string

	mu         sync.Mutex
	cmd        *exec.Cmd
	conn       *conn
	stdin      io.WriteCloser
	stderrWG   sync.WaitGroup
	serverInfo *ServerInfo
}

// NewStdioTransport prepares a transport that will run the given
// command. The process is not started until Connect.
func NewStdioTransport(command string, args ...string) *StdioTransport {
	return &StdioTransport{command: command, args: args, version: "dev"}
}

// SetClientVersion sets the version reported in clientInfo.
func (t *StdioTransport) SetClientVersion(v string) {
	t.version = v
}

// Connect starts the server subprocess and performs the initialize
// handshake. On success the transport is ready for tool calls.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.command == "" {
		t.mu.Unlock()
		return fmt.Errorf("no server command configured")
	}

	cmd := exec.Command(t.command, t.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.conn = newConn(stdout, stdin)

	t.stderrWG.Add(1)
	go func() {
		defer t.stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Get(logging.CategoryProtocol).Info("[server] %s", scanner.Text())
		}
	}()
	t.mu.Unlock()

	info, err := t.initialize(ctx)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	t.mu.Lock()
	t.serverInfo = info
	t.mu.Unlock()

	logging.Get(logging.CategoryProtocol).Info(
		"Connected to %s %s via %s", info.Name, info.Version, t.command)
	return nil
}

func (t *StdioTransport) initialize(ctx context.Context) (*ServerInfo, error) {
	raw, err := t.conn.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": Version,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": t.version,
		},
	})
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := unmarshalResult(raw, &result); err != nil {
		return nil, fmt.Errorf("bad initialize result: %w", err)
	}

	// The handshake completes with a fire-and-forget notification.
	if err := t.conn.notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &result.ServerInfo, nil
}

// ServerInfo returns the identity the server reported during the
// handshake, or nil before Connect.
func (t *StdioTransport) ServerInfo() *ServerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverInfo
}

// ListTools retrieves the server's tool catalog.
func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c, err := t.connection()
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := unmarshalResult(raw, &result); err != nil {
		return nil, fmt.Errorf("bad tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool. A *ToolResult with IsError set means
// the tool itself reported a failure; a non-nil error means the call
// could not be completed at the protocol level.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	c, err := t.connection()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := unmarshalResult(raw, &result); err != nil {
		return nil, fmt.Errorf("bad tools/call result for %s: %w", name, err)
	}

	logging.Get(logging.CategoryProtocol).Debug(
		"%s completed in %s (isError=%t)", name, elapsed.Round(time.Millisecond), result.IsError)
	return &result, nil
}

// Ping checks server liveness.
func (t *StdioTransport) Ping(ctx context.Context) error {
	c, err := t.connection()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "ping", nil)
	return err
}

func (t *StdioTransport) connection() (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	return t.conn, nil
}

// Close shuts the transport down: closing the server's stdin asks it
// to exit, and a kill after a grace period covers a wedged process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cmd := t.cmd
	stdin := t.stdin
	t.conn = nil
	t.cmd = nil
	t.stdin = nil
	t.serverInfo = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		logging.Get(logging.CategoryProtocol).Warn("Server did not exit, killing")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}

	conn.close()
	t.stderrWG.Wait()
	return nil
}
