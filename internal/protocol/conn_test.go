package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer answers JSON-RPC lines with scripted handlers keyed by
// method. It runs until its input closes.
type fakeServer struct {
	handlers map[string]func(req map[string]interface{}) interface{}
	requests chan map[string]interface{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		handlers: make(map[string]func(map[string]interface{}) interface{}),
		requests: make(chan map[string]interface{}, 16),
	}
}

// serve reads requests from r and writes responses to w. A handler's
// return value becomes the result member; return an *RPCError to send
// an error instead. Requests without an id get no response.
func (s *fakeServer) serve(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		var req map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		s.requests <- req

		id, hasID := req["id"]
		if !hasID {
			continue
		}

		method, _ := req["method"].(string)
		handler, ok := s.handlers[method]
		if !ok {
			_ = enc.Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": id,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			continue
		}

		switch out := handler(req).(type) {
		case *RPCError:
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "error": out})
		default:
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": out})
		}
	}
}

// newTestConn wires a conn to a fakeServer over in-memory pipes and
// returns a cleanup that tears both down.
func newTestConn(t *testing.T, srv *fakeServer) *conn {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serve(serverReader, serverWriter)
	}()

	c := newConn(clientReader, clientWriter)
	t.Cleanup(func() {
		// Closing the write sides unblocks both read loops; only then
		// can close wait for the reader goroutine.
		_ = clientWriter.Close()
		_ = serverWriter.Close()
		c.close()
		<-done
	})
	return c
}

func TestCallRoundTrip(t *testing.T) {
	srv := newFakeServer()
	srv.handlers["ping"] = func(map[string]interface{}) interface{} {
		return map[string]interface{}{}
	}
	c := newTestConn(t, srv)

	raw, err := c.call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	req := <-srv.requests
	assert.Equal(t, "2.0", req["jsonrpc"])
	assert.Equal(t, "ping", req["method"])
	assert.EqualValues(t, 1, req["id"])
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := newFakeServer()
	srv.handlers["tools/call"] = func(map[string]interface{}) interface{} {
		return &RPCError{Code: -32602, Message: "invalid params"}
	}
	c := newTestConn(t, srv)

	_, err := c.call(context.Background(), "tools/call", map[string]interface{}{"name": "nope"})
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Contains(t, err.Error(), "invalid params")
}

func TestCallIDsIncrement(t *testing.T) {
	srv := newFakeServer()
	srv.handlers["ping"] = func(map[string]interface{}) interface{} {
		return map[string]interface{}{}
	}
	c := newTestConn(t, srv)

	for i := 0; i < 3; i++ {
		_, err := c.call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}

	var ids []int
	for i := 0; i < 3; i++ {
		req := <-srv.requests
		ids = append(ids, int(req["id"].(float64)))
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestCallContextCancellation(t *testing.T) {
	// No response is ever written: the call must unblock on its
	// context.
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	go func() {
		// Swallow the request without answering.
		scanner := bufio.NewScanner(serverReader)
		for scanner.Scan() {
		}
	}()

	c := newConn(clientReader, clientWriter)
	defer func() {
		_ = serverWriter.Close()
		_ = clientWriter.Close()
		c.close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(serverReader)
		for scanner.Scan() {
		}
	}()

	c := newConn(clientReader, clientWriter)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), "ping", nil)
		errCh <- err
	}()

	// Let the request get registered before tearing down.
	time.Sleep(20 * time.Millisecond)
	_ = serverWriter.Close()
	_ = clientWriter.Close()
	c.close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight call did not unblock on close")
	}
}

func TestCallAfterCloseReturnsErrClosed(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	_, clientWriter := io.Pipe()
	c := newConn(clientReader, clientWriter)
	_ = serverWriter.Close()
	_ = clientWriter.Close()
	c.close()

	_, err := c.call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, c.notify("anything", nil), ErrClosed)
}

func TestNotifyOmitsID(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv)

	require.NoError(t, c.notify("notifications/initialized", nil))

	req := <-srv.requests
	assert.Equal(t, "notifications/initialized", req["method"])
	_, hasID := req["id"]
	assert.False(t, hasID)
}

func TestUnknownResponseIDIgnored(t *testing.T) {
	srv := newFakeServer()
	srv.handlers["ping"] = func(map[string]interface{}) interface{} {
		return map[string]interface{}{}
	}
	c := newTestConn(t, srv)

	// An unsolicited response must not disturb a later legitimate call.
	c.mu.Lock()
	_, _ = c.w.Write([]byte(`{"jsonrpc":"2.0","id":999,"result":{}}` + "\n"))
	c.mu.Unlock()

	_, err := c.call(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestToolResultText(t *testing.T) {
	r := &ToolResult{Content: []ContentBlock{
		{Type: "text", Text: "hello "},
		{Type: "image"},
		{Type: "text", Text: "world"},
	}}
	assert.Equal(t, "hello world", r.Text())

	var nilResult *ToolResult
	assert.Equal(t, "", nilResult.Text())
}

func TestToolResultDecodes(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"{\"sql_query\":\"SELECT 1\"}"}],"isError":false}`)
	var result ToolResult
	require.NoError(t, unmarshalResult(raw, &result))
	assert.False(t, result.IsError)
	assert.Equal(t, `{"sql_query":"SELECT 1"}`, result.Text())
}
