package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Client is a JSON-RPC 2.0 client over a WebSocket stream. Concurrent calls
// are multiplexed over one connection and matched to responses by id.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Message

	done   chan struct{}
	closed sync.Once
}

// Dial connects to a server's RPC endpoint and starts the read loop.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With(zap.String("component", "rpc_client")),
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes a method and decodes the result into out. A non-nil *Error
// from the server is returned as the error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: [%d] %s", method, resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%s: connection closed", method)
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var msg Message
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			c.logger.Debug("read loop ended", zap.Error(err))
			return
		}

		// Response ids decode as float64 from JSON.
		var id int64
		switch v := msg.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			continue
		}

		c.mu.Lock()
		ch := c.pending[id]
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}
}

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() {
	c.closed.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
}
