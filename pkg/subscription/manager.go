package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/selector"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

// ErrNoCapableNodes is surfaced from Subscribe only when every known-capable
// node has been tried and failed.
var ErrNoCapableNodes = errors.New("subscription: no capable node accepted the subscription")

// utxosChangedMethod is the server-push method carrying UTXO change events.
const utxosChangedMethod = "utxosChangedNotification"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateFailover
	StateFailed
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateSubscribed:   "subscribed",
	StateFailover:     "failover",
	StateFailed:       "failed",
}

func (s State) String() string { return stateNames[s] }

// NotificationFunc receives a UTXO change notification or a resync snapshot.
type NotificationFunc func(payload json.RawMessage)

type handlerEntry struct {
	id string
	fn NotificationFunc
}

// Manager holds one live primary subscription plus a warmed standby, runs a
// ping-based health-check loop and fails over within one interval of a
// detected fault.
type Manager struct {
	cfg  config.Subscription
	log  *zap.Logger
	sel  *selector.Selector
	pool transport.Pool

	mu                 sync.Mutex
	state              State
	primary            catalog.Endpoint
	standby            catalog.Endpoint
	preferred          catalog.Endpoint // next Subscribe tries this first
	addresses          []string
	excluding          map[string]bool
	handlers           []handlerEntry
	transportHandlerID string
	hcCancel           context.CancelFunc
	lastNotificationAt time.Time
	lastErr            error

	// failoverBusy guarantees at most one failover in flight; a health-check
	// failure arriving during one is dropped, the loop re-checks later.
	failoverBusy atomic.Bool
}

func NewManager(cfg config.Subscription, sel *selector.Selector, pool transport.Pool, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, log: logger, sel: sel, pool: pool, state: StateDisconnected}
}

// Subscribe tears down any existing subscription and tries capable nodes in
// ranked order, one at a time, until one accepts. The first success wins; if
// all fail the state becomes failed and the last error is surfaced.
func (m *Manager) Subscribe(ctx context.Context, addresses []string, excluding map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeLocked(ctx, addresses, excluding)
}

func (m *Manager) subscribeLocked(ctx context.Context, addresses []string, excluding map[string]bool) error {
	m.teardownLocked()
	m.setStateLocked(StateConnecting)
	m.addresses = append([]string(nil), addresses...)
	// Copy: the caller may keep mutating its map.
	excl := make(map[string]bool, len(excluding))
	for k, v := range excluding {
		excl[k] = v
	}
	m.excluding = excl

	candidates := m.sel.PickBest(catalog.OpSubscribeUtxosChanged, 0, excluding)
	if !m.preferred.IsZero() {
		candidates = moveToFront(candidates, m.preferred)
		m.preferred = catalog.Endpoint{}
	}

	lastErr := ErrNoCapableNodes
	for i, ep := range candidates {
		if err := m.attachLocked(ctx, ep); err != nil {
			lastErr = err
			m.log.Warn("subscribe_attempt_failed",
				zap.String("endpoint", ep.Key()), zap.Int("rank", i), zap.Error(err))
			continue
		}
		m.setStateLocked(StateSubscribed)
		m.warmStandbyLocked(candidates, ep)
		m.startHealthLoopLocked()
		m.log.Info("subscribed",
			zap.String("primary", ep.Key()),
			zap.String("standby", m.standby.Key()),
			zap.Int("addresses", len(m.addresses)))
		return nil
	}
	m.setStateLocked(StateFailed)
	m.lastErr = lastErr
	return lastErr
}

// attachLocked opens the connection, sends the subscribe request, verifies
// the response and wires the notification handler. On success m.primary is
// the new endpoint.
func (m *Manager) attachLocked(ctx context.Context, ep catalog.Endpoint) error {
	t := m.pool.Conn(ep)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	_, err := t.SendRequest(ctx, catalog.OpSubscribeUtxosChanged, map[string]any{
		"addresses": m.addresses,
	})
	if err != nil {
		return err
	}
	m.transportHandlerID = t.AddNotificationHandler(m.onNotification)
	m.primary = ep
	return nil
}

// warmStandbyLocked picks the best remaining candidate and pre-connects it
// so failover is instant.
func (m *Manager) warmStandbyLocked(candidates []catalog.Endpoint, primary catalog.Endpoint) {
	m.standby = catalog.Endpoint{}
	for _, ep := range candidates {
		if ep.Key() == primary.Key() {
			continue
		}
		m.standby = ep
		t := m.pool.Conn(ep)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), catalog.OpSubscribeUtxosChanged.Timeout)
			defer cancel()
			if err := t.Connect(ctx); err != nil {
				m.log.Debug("standby_warmup_failed", zap.String("endpoint", ep.Key()), zap.Error(err))
			}
		}()
		return
	}
}

func (m *Manager) startHealthLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.hcCancel = cancel
	go m.healthLoop(ctx)
}

// healthLoop pings the primary on a fixed interval. Any failure, including a
// disconnected transport or an open circuit breaker, escalates to failover
// immediately: warm standbys make switching cheaper than retrying.
func (m *Manager) healthLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.HealthCheckInterval.D())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ep, ok := m.PrimaryEndpoint()
			if !ok {
				continue
			}
			tr := m.pool.Conn(ep)
			if !tr.IsConnected() || tr.IsCircuitOpen() {
				m.log.Warn("health_check_transport_down", zap.String("primary", ep.Key()))
				// Detached context: failover cancels this loop's own ctx.
				m.failover(context.Background())
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout.D())
			_, err := tr.SendRequest(pingCtx, catalog.OpPing, struct{}{})
			cancel()
			if err != nil {
				m.log.Warn("health_check_ping_failed", zap.String("primary", ep.Key()), zap.Error(err))
				m.failover(context.Background())
			}
		}
	}
}

// onNotification is attached to the primary transport; resync snapshots go
// through deliver directly.
func (m *Manager) onNotification(method string, params json.RawMessage) {
	if method != utxosChangedMethod {
		return
	}
	m.deliver(params)
}

// deliver fans a payload out to every registered handler synchronously, in
// registration order. A panicking handler is contained so the remaining
// handlers still get the full payload.
func (m *Manager) deliver(payload json.RawMessage) {
	m.mu.Lock()
	m.lastNotificationAt = time.Now()
	hs := make([]handlerEntry, len(m.handlers))
	copy(hs, m.handlers)
	m.mu.Unlock()
	metrics.Notifications.Inc()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("notification_handler_panic", zap.Any("panic", r), zap.String("handler", h.id))
				}
			}()
			h.fn(payload)
		}()
	}
}

func (m *Manager) AddNotificationHandler(fn NotificationFunc) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.handlers = append(m.handlers, handlerEntry{id: id, fn: fn})
	m.mu.Unlock()
	return id
}

func (m *Manager) RemoveNotificationHandler(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handlers {
		if h.id == id {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Unsubscribe cancels the health checks, detaches the notification handler
// and returns to disconnected.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
}

func (m *Manager) teardownLocked() {
	if m.hcCancel != nil {
		m.hcCancel()
		m.hcCancel = nil
	}
	if m.transportHandlerID != "" && !m.primary.IsZero() {
		m.pool.Conn(m.primary).RemoveNotificationHandler(m.transportHandlerID)
		m.transportHandlerID = ""
	}
	m.primary = catalog.Endpoint{}
	m.standby = catalog.Endpoint{}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Info("subscription_state", zap.String("from", m.state.String()), zap.String("to", s.String()))
	m.state = s
	metrics.SubscriptionState.Set(float64(s))
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) PrimaryEndpoint() (catalog.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary, !m.primary.IsZero()
}

func (m *Manager) StandbyEndpoint() (catalog.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.standby, !m.standby.IsZero()
}

func (m *Manager) LastNotificationAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastNotificationAt
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func moveToFront(eps []catalog.Endpoint, target catalog.Endpoint) []catalog.Endpoint {
	for i, ep := range eps {
		if ep.Key() == target.Key() {
			out := make([]catalog.Endpoint, 0, len(eps))
			out = append(out, target)
			out = append(out, eps[:i]...)
			out = append(out, eps[i+1:]...)
			return out
		}
	}
	return append([]catalog.Endpoint{target}, eps...)
}
