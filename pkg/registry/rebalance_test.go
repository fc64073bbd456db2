package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

func eligibleSet(r *Registry, n int, baseLatency float64) []catalog.Endpoint {
	eps := make([]catalog.Endpoint, n)
	for i := 0; i < n; i++ {
		e := ep(fmt.Sprintf("203.0.113.%d", i+1))
		makeEligible(r, e, baseLatency+float64(i))
		eps[i] = e
	}
	return eps
}

func activeCount(r *Registry) int {
	return len(r.Records(catalog.StateActive))
}

func TestRebalance_FillsToMaxActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	eligibleSet(r, 20, 10)

	res := r.Rebalance()
	require.Equal(t, 12, res.Promoted)
	require.Equal(t, 12, activeCount(r))

	// The 12 fastest hold membership.
	for _, rec := range r.Records(catalog.StateActive) {
		require.Less(t, rec.EffectiveLatencyMs(), 22.0)
	}
}

func TestRebalance_FewerEligibleThanMax(t *testing.T) {
	r, _ := newTestRegistry(t)
	eligibleSet(r, 5, 10)

	res := r.Rebalance()
	require.Equal(t, 5, res.Promoted)
	require.Equal(t, 5, activeCount(r))
}

func TestRebalance_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	eligibleSet(r, 20, 10)
	r.Rebalance()

	res := r.Rebalance()
	require.Zero(t, res.Promoted)
	require.Zero(t, res.Demoted)
	require.Zero(t, res.Swapped)
	require.Equal(t, 12, activeCount(r))
}

func TestRebalance_DemotesIneligibleActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	eps := eligibleSet(r, 13, 10)
	r.Rebalance()
	require.Equal(t, 12, activeCount(r))

	// The fastest active falls out of sync; it loses membership and the spare
	// eligible node takes the slot.
	r.UpdateProfile(eps[0], func(p *catalog.PeerProfile) { p.Synced = false })
	res := r.Rebalance()
	require.Equal(t, 1, res.Demoted)
	require.Equal(t, 1, res.Promoted)
	require.Equal(t, 12, activeCount(r))
	rec, _ := r.Get(eps[0])
	require.NotEqual(t, catalog.StateActive, rec.State)
}

func TestRebalance_HysteresisBlocksMarginalSwap(t *testing.T) {
	r, _ := newTestRegistry(t)
	// 12 actives at ~100ms, one spare at 90ms: a 10% improvement is below the
	// 25% gate, so no churn.
	for i := 0; i < 12; i++ {
		makeEligible(r, ep(fmt.Sprintf("203.0.113.%d", i+1)), 100)
	}
	r.Rebalance()
	spare := ep("203.0.113.100")
	makeEligible(r, spare, 90)

	res := r.Rebalance()
	require.Zero(t, res.Swapped)
	rec, _ := r.Get(spare)
	require.NotEqual(t, catalog.StateActive, rec.State)
}

func TestRebalance_SwapsClearImprovement(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 12; i++ {
		makeEligible(r, ep(fmt.Sprintf("203.0.113.%d", i+1)), 100)
	}
	r.Rebalance()
	spare := ep("203.0.113.100")
	makeEligible(r, spare, 20)

	res := r.Rebalance()
	require.Equal(t, 1, res.Swapped)
	require.Equal(t, 12, activeCount(r))
	rec, _ := r.Get(spare)
	require.Equal(t, catalog.StateActive, rec.State)
}

func TestRebalance_SwapsBoundedPerCycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 12; i++ {
		makeEligible(r, ep(fmt.Sprintf("203.0.113.%d", i+1)), 100)
	}
	r.Rebalance()
	// Four clearly better spares, but at most two replacements per cycle.
	for i := 0; i < 4; i++ {
		makeEligible(r, ep(fmt.Sprintf("203.0.114.%d", i+1)), 20)
	}

	res := r.Rebalance()
	require.Equal(t, 2, res.Swapped)
	require.Equal(t, 12, activeCount(r))
}

func TestRebalance_ReleasedQuarantineNeedsProbe(t *testing.T) {
	r, c := newTestRegistry(t)
	e := ep("203.0.113.1")
	makeEligible(r, e, 20)
	// Build a good lifetime history, then fail into quarantine.
	for i := 0; i < 20; i++ {
		r.RecordResult(e, 1, 20, false, false)
	}
	for i := 0; i < 5; i++ {
		r.RecordResult(e, 1, 0, false, true)
	}
	rec, _ := r.Get(e)
	require.Equal(t, catalog.StateQuarantined, rec.State)

	// Release alone is not enough: without a fresh successful probe the node
	// stays out of the pool no matter how good its old stats look.
	c.advance(2 * time.Hour)
	r.Rebalance()
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateSuspect, rec.State)

	// One successful probe re-enters the promotion chain.
	r.RecordResult(e, 1, 20, false, false)
	r.RecordResult(e, 1, 20, false, false)
	r.Rebalance()
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateActive, rec.State)
}

func TestBetterRecordOrdering(t *testing.T) {
	fast := &catalog.PeerRecord{Endpoint: ep("203.0.113.1")}
	slow := &catalog.PeerRecord{Endpoint: ep("203.0.113.2")}
	fast.Health.WindowLatencyMs, fast.Health.WindowSamples = 20, 1
	slow.Health.WindowLatencyMs, slow.Health.WindowSamples = 80, 1
	require.True(t, betterRecord(fast, slow))
	require.False(t, betterRecord(slow, fast))

	// Equal latency: the userAdded origin wins.
	user := &catalog.PeerRecord{Endpoint: ep("203.0.113.3"), Origin: catalog.OriginUserAdded}
	user.Health.WindowLatencyMs, user.Health.WindowSamples = 20, 1
	require.True(t, betterRecord(user, fast))

	// Full tie falls back to the endpoint key.
	other := &catalog.PeerRecord{Endpoint: ep("203.0.113.9")}
	other.Health.WindowLatencyMs, other.Health.WindowSamples = 20, 1
	require.True(t, betterRecord(fast, other))
}
