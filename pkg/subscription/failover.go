package subscription

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
)

// resyncAttempts bounds how many times one resync retries the snapshot fetch.
const resyncAttempts = 2

// failover switches the subscription off a faulty primary. The latch allows
// at most one failover in flight; extra triggers are dropped and the health
// loop simply re-checks after its interval.
func (m *Manager) failover(ctx context.Context) {
	if !m.failoverBusy.CompareAndSwap(false, true) {
		return
	}
	defer m.failoverBusy.Store(false)
	metrics.Failovers.Inc()

	if primary, addrs, ok := m.switchPrimary(ctx); ok {
		m.resync(ctx, primary, addrs)
	}
}

// switchPrimary moves the subscription onto a new primary and returns it with
// an address snapshot for the follow-up resync. It owns the manager lock for
// the whole switch.
func (m *Manager) switchPrimary(ctx context.Context) (catalog.Endpoint, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hcCancel != nil {
		m.hcCancel()
		m.hcCancel = nil
	}
	oldPrimary := m.primary
	standby := m.standby
	if m.transportHandlerID != "" && !oldPrimary.IsZero() {
		m.pool.Conn(oldPrimary).RemoveNotificationHandler(m.transportHandlerID)
		m.transportHandlerID = ""
	}
	m.setStateLocked(StateFailover)

	// The warmed standby is the cheapest switch: it is already connected.
	if !standby.IsZero() {
		if err := m.attachLocked(ctx, standby); err == nil {
			// Demote the old primary to standby so it is reused if it
			// recovers.
			m.standby = oldPrimary
			m.setStateLocked(StateSubscribed)
			m.startHealthLoopLocked()
			m.log.Info("failover_to_standby",
				zap.String("old_primary", oldPrimary.Key()),
				zap.String("new_primary", standby.Key()))
			return standby, append([]string(nil), m.addresses...), true
		}
		m.log.Warn("failover_standby_failed", zap.String("standby", standby.Key()))
	}

	// No usable standby: ask the selector for a fresh pair, excluding the
	// endpoints that just failed.
	excl := map[string]bool{}
	for k := range m.excluding {
		excl[k] = true
	}
	if !oldPrimary.IsZero() {
		excl[oldPrimary.Key()] = true
	}
	if !standby.IsZero() {
		excl[standby.Key()] = true
	}
	primary, sb, ok := m.sel.PickPrimaryAndStandby(catalog.OpSubscribeUtxosChanged, excl)
	if ok {
		if err := m.attachLocked(ctx, primary); err == nil {
			m.standby = sb
			m.setStateLocked(StateSubscribed)
			m.startHealthLoopLocked()
			m.log.Info("failover_to_fresh_pair",
				zap.String("new_primary", primary.Key()),
				zap.String("new_standby", sb.Key()))
			return primary, append([]string(nil), m.addresses...), true
		}
		m.lastErr = ErrNoCapableNodes
	} else {
		m.lastErr = ErrNoCapableNodes
	}
	m.setStateLocked(StateFailed)
	m.log.Error("failover_exhausted", zap.String("old_primary", oldPrimary.Key()))
	return catalog.Endpoint{}, nil, false
}

// resync refetches the full UTXO set for the subscribed addresses from the
// new primary and redelivers it as a synthetic notification, so downstream
// state converges even if change events were missed in the gap. It must run
// without the manager lock: the transport's read loop dispatches
// notifications into deliver, which takes that lock, and a notification
// arriving while the snapshot request is in flight would otherwise wedge the
// response behind it.
func (m *Manager) resync(ctx context.Context, primary catalog.Endpoint, addresses []string) {
	if primary.IsZero() || len(addresses) == 0 {
		return
	}
	t := m.pool.Conn(primary)
	var raw json.RawMessage
	var err error
	for attempt := 1; attempt <= resyncAttempts; attempt++ {
		raw, err = t.SendRequest(ctx, catalog.OpGetUtxosByAddresses, map[string]any{
			"addresses": addresses,
		})
		if err == nil {
			break
		}
		m.log.Warn("resync_fetch_failed",
			zap.String("primary", primary.Key()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if err != nil {
		return
	}
	metrics.Resyncs.Inc()
	m.deliver(raw)
	m.log.Info("resync_delivered", zap.String("primary", primary.Key()), zap.Int("bytes", len(raw)))
}

// ReconnectToEndpoint switches the subscription to a specific endpoint via
// the normal subscribe cycle; no-op when already on it.
func (m *Manager) ReconnectToEndpoint(ctx context.Context, ep catalog.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSubscribed && m.primary.Key() == ep.Key() {
		return nil
	}
	m.preferred = ep
	return m.subscribeLocked(ctx, m.addresses, m.excluding)
}

// ReconnectToBestNodeIfNeeded resubscribes when the selector's current best
// pick differs from the primary. Invoked by the profiler's better-node
// callback or an external pool-is-healthy trigger.
func (m *Manager) ReconnectToBestNodeIfNeeded(ctx context.Context) error {
	best, ok := m.sel.PickOne(catalog.OpSubscribeUtxosChanged, m.excludingCopy())
	if !ok {
		return nil
	}
	if cur, has := m.PrimaryEndpoint(); has && cur.Key() == best.Key() {
		return nil
	}
	return m.ReconnectToEndpoint(ctx, best)
}

// Resubscribe unconditionally runs a fresh subscribe cycle with the current
// addresses; used on network-epoch change when prior connections are assumed
// invalid even if they look healthy.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.addresses) == 0 {
		return nil
	}
	return m.subscribeLocked(ctx, m.addresses, m.excluding)
}

func (m *Manager) ForceFailover(ctx context.Context) {
	m.failover(ctx)
}

func (m *Manager) ForceResync(ctx context.Context) {
	m.mu.Lock()
	primary := m.primary
	addrs := append([]string(nil), m.addresses...)
	m.mu.Unlock()
	m.resync(ctx, primary, addrs)
}

func (m *Manager) excludingCopy() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for k := range m.excluding {
		out[k] = true
	}
	return out
}
