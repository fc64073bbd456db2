package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

const (
	dialTimeout      = 8 * time.Second
	breakerThreshold = 3
	breakerCooldown  = 30 * time.Second
)

type envelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type handlerEntry struct {
	id string
	fn NotificationHandler
}

// WSClient speaks kaspad's JSON-RPC-over-websocket framing: request/response
// envelopes matched by id, plus unsolicited notification envelopes carrying a
// method and no id.
type WSClient struct {
	ep     catalog.Endpoint
	log    *zap.Logger
	socks5 string // optional SOCKS5 proxy addr, empty = direct

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan envelope
	handlers []handlerEntry
	nextID   uint64

	failures  int
	openUntil time.Time

	writeMu sync.Mutex
}

func NewWSClient(ep catalog.Endpoint, socks5 string, logger *zap.Logger) *WSClient {
	return &WSClient{
		ep:      ep,
		log:     logger,
		socks5:  socks5,
		pending: map[uint64]chan envelope{},
	}
}

func (c *WSClient) dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	if c.socks5 != "" {
		if sd, err := proxy.SOCKS5("tcp", c.socks5, nil, proxy.Direct); err == nil {
			d.NetDial = func(network, addr string) (net.Conn, error) {
				return sd.Dial(network, addr)
			}
		}
	}
	return d
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if time.Now().Before(c.openUntil) {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	c.mu.Unlock()

	conn, _, err := c.dialer().DialContext(ctx, "ws://"+c.ep.Key(), nil)
	if err != nil {
		c.recordFailure()
		return err
	}
	c.mu.Lock()
	if c.conn != nil {
		// Lost a connect race; keep the winner's connection.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.dropConn(conn)
			return
		}
		if env.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		if env.Method == "" {
			continue
		}
		c.mu.Lock()
		hs := make([]handlerEntry, len(c.handlers))
		copy(hs, c.handlers)
		c.mu.Unlock()
		for _, h := range hs {
			h.fn(env.Method, env.Params)
		}
	}
}

func (c *WSClient) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- envelope{Error: &RPCError{Message: "connection lost"}}
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *WSClient) SendRequest(ctx context.Context, op catalog.OperationClass, params any) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := envelope{ID: id, Method: op.Name, Params: raw}

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forgetPending(id)
		c.recordFailure()
		c.dropConn(conn)
		return nil, err
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if env.Error != nil {
			c.recordFailure()
			return nil, env.Error
		}
		c.recordSuccess()
		return env.Params, nil
	case <-timer.C:
		c.forgetPending(id)
		c.recordFailure()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	}
}

func (c *WSClient) forgetPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) recordFailure() {
	c.mu.Lock()
	c.failures++
	if c.failures >= breakerThreshold {
		c.openUntil = time.Now().Add(breakerCooldown)
		if c.log != nil {
			c.log.Warn("transport_circuit_open", zap.String("endpoint", c.ep.Key()))
		}
	}
	c.mu.Unlock()
}

func (c *WSClient) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) IsCircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.openUntil)
}

func (c *WSClient) AddNotificationHandler(fn NotificationHandler) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: fn})
	c.mu.Unlock()
	return id
}

func (c *WSClient) RemoveNotificationHandler(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConn(conn)
	}
}
