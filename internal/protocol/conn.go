package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"evquery/internal/logging"
)

// ErrClosed is returned by calls made on a connection that has shut
// down, and delivered to calls that were in flight when it did.
var ErrClosed = errors.New("connection closed")

// maxLineBytes bounds a single JSON-RPC line. Query results can carry
// whole result sets, so this is well above bufio's default.
const maxLineBytes = 16 * 1024 * 1024

// conn runs JSON-RPC 2.0 over a newline-delimited byte stream. It owns
// the reader goroutine and matches responses to in-flight requests by
// ID; the subprocess plumbing lives in StdioTransport.
type conn struct {
	mu      sync.Mutex
	w       io.Writer
	pending map[int64]chan *response
	nextID  int64
	closed  bool

	r    io.Reader
	done chan struct{}
	wg   sync.WaitGroup
}

func newConn(r io.Reader, w io.Writer) *conn {
	c := &conn{
		w:       w,
		r:       r,
		pending: make(map[int64]chan *response),
		nextID:  1,
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// readLoop dispatches incoming lines until the reader is exhausted,
// then fails any requests still waiting.
func (c *conn) readLoop() {
	defer c.wg.Done()
	defer c.failPending()

	log := logging.Get(logging.CategoryProtocol)
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn("Dropping unparseable line: %v", err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification. None are expected from
			// this server, so just record it.
			log.Debug("Ignoring notification: %s", line)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			log.Warn("Response for unknown request ID %d", resp.ID)
			continue
		}
		ch <- &resp
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		select {
		case <-c.done:
			// Shutdown already in progress; the read error is just the
			// pipe being torn down.
		default:
			log.Error("Read failed: %v", err)
		}
	}
}

// failPending closes out every in-flight request with a nil response,
// which call reports as ErrClosed.
func (c *conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends a request and blocks until its response arrives, the
// context expires, or the connection shuts down.
func (c *conn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *response, 1)
	c.pending[id] = ch

	if err := c.writeLocked(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a request with no ID and does not wait.
func (c *conn) notify(method string, params interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.writeLocked(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *conn) writeLocked(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

// close signals shutdown and waits for the reader goroutine. The
// caller must separately close the underlying stream to unblock the
// reader.
func (c *conn) close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.done)
	}
	c.wg.Wait()
}
