package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

var (
	ErrCircuitOpen  = errors.New("transport: circuit breaker open")
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: request timed out")
)

// RPCError is a protocol-level error carried inside an otherwise valid
// response envelope.
type RPCError struct {
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error: %s", e.Message) }

// IsTimeout reports whether err is a deadline-style failure, either ours or
// the underlying socket's.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NotificationHandler receives server-push messages (no request id).
type NotificationHandler func(method string, params json.RawMessage)

// Transport is one duplex connection to a peer.
type Transport interface {
	Connect(ctx context.Context) error
	SendRequest(ctx context.Context, op catalog.OperationClass, params any) (json.RawMessage, error)
	IsConnected() bool
	IsCircuitOpen() bool
	AddNotificationHandler(fn NotificationHandler) string
	RemoveNotificationHandler(id string)
	Close()
}

// Pool hands out transports keyed by endpoint. Transports are borrowed, not
// owned: the profiler and the subscription manager may hold the same
// connection for the same endpoint at the same time.
type Pool interface {
	Conn(ep catalog.Endpoint) Transport
	PruneIdleConnections(maxAge time.Duration) int
	ConnectionCount() int
}
