package surreal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Client is a single websocket RPC session. One goroutine reads the socket
// and routes frames: replies go to the pending call that issued them, live
// pushes are queued on their subscription.
type Client struct {
	conn *websocket.Conn
	cfg  Config

	// writeMu serializes writes; gorilla panics on concurrent writes.
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan rpcEnvelope
	subs      map[uuid.UUID]*Subscription
	nextID    uint64
	namespace string
	database  string
	err       error

	done chan struct{}
}

var _ Session = (*Client)(nil)

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// livePush is the shape of an id-less frame carrying a live-query event.
type livePush struct {
	ID     uuid.UUID       `json:"id"`
	Action string          `json:"action"`
	Result json.RawMessage `json:"result"`
}

// Dial opens a session, signs in, and selects the configured scope. Any
// failure here is fatal: a half-initialized session must not be used, so
// the connection is torn down and the error returned.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		pending: make(map[string]chan rpcEnvelope),
		subs:    make(map[uuid.UUID]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.call(ctx, "signin", map[string]any{"user": cfg.User, "pass": cfg.Pass}); err != nil {
		c.Close()
		return nil, fmt.Errorf("signin: %w", err)
	}
	if cfg.Namespace != "" {
		if err := c.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Use switches the session's namespace and database. An empty database
// selects the namespace only.
func (c *Client) Use(ctx context.Context, namespace, database string) error {
	params := []any{namespace}
	if database != "" {
		params = append(params, database)
	}
	if _, err := c.callParams(ctx, "use", params); err != nil {
		return fmt.Errorf("use %s/%s: %w", namespace, database, err)
	}
	c.mu.Lock()
	c.namespace = namespace
	c.database = database
	c.mu.Unlock()
	return nil
}

// Query runs a (possibly multi-statement) query and returns one result per
// statement in order.
func (c *Client) Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult, error) {
	params := []any{sql}
	if vars != nil {
		params = append(params, vars)
	}
	raw, err := c.callParams(ctx, "query", params)
	if err != nil {
		return nil, err
	}
	var results []QueryResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("surreal: decode query results: %w", err)
	}
	return results, nil
}

// Close tears the session down. All pending calls and live feeds end with
// ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.callParams(ctx, method, params)
}

func (c *Client) callParams(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("surreal: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.failure()
	case env := <-ch:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			slog.Warn("surreal: dropping undecodable frame", "error", err)
			continue
		}

		if env.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		// No request id: a live-query push.
		var push livePush
		if err := json.Unmarshal(env.Result, &push); err != nil {
			slog.Warn("surreal: dropping undecodable live push", "error", err)
			continue
		}
		c.mu.Lock()
		sub, ok := c.subs[push.ID]
		c.mu.Unlock()
		if !ok {
			slog.Debug("surreal: push for unknown live query", "live_id", push.ID)
			continue
		}
		sub.deliver(Notification{Action: ParseAction(push.Action), Data: push.Result})
	}
}

// fail marks the session dead exactly once and wakes every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) scope() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace, c.database
}
