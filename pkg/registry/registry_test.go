package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	r := New(config.Default().Registry, nil, zap.NewNop())
	r.now = c.now
	return r, c
}

func ep(host string) catalog.Endpoint { return catalog.NewEndpoint(host, 16110) }

// makeEligible drives a record to a synced, UTXO-indexed verified state.
func makeEligible(r *Registry, e catalog.Endpoint, latencyMs float64) {
	r.Upsert(e, catalog.OriginSeed)
	r.UpdateProfile(e, func(p *catalog.PeerProfile) {
		p.Synced = true
		p.UTXOIndex = true
	})
	r.RecordResult(e, 1, latencyMs, false, false)
	r.RecordResult(e, 1, latencyMs, false, false)
}

func TestUpsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := ep("203.0.113.1")

	require.True(t, r.Upsert(e, catalog.OriginDiscovered))
	require.False(t, r.Upsert(e, catalog.OriginDiscovered))

	rec, ok := r.Get(e)
	require.True(t, ok)
	require.Equal(t, catalog.StateCandidate, rec.State)
	require.Equal(t, catalog.OriginDiscovered, rec.Origin)

	// A user add upgrades the origin of a known endpoint.
	r.Upsert(e, catalog.OriginUserAdded)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.OriginUserAdded, rec.Origin)
}

func TestLifecyclePromotion(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := ep("203.0.113.1")
	r.Upsert(e, catalog.OriginSeed)

	// A success without a profile does not leave candidate.
	r.RecordResult(e, 1, 50, false, false)
	rec, _ := r.Get(e)
	require.Equal(t, catalog.StateCandidate, rec.State)

	// The profile lands; with a success already on record this is enough for
	// profiled.
	r.UpdateProfile(e, func(p *catalog.PeerProfile) { p.Synced = true })
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateProfiled, rec.State)

	// The second consecutive success verifies the node.
	r.RecordResult(e, 1, 50, false, false)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateVerified, rec.State)
}

func TestCandidateFailuresBecomeSuspect(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := ep("203.0.113.1")
	r.Upsert(e, catalog.OriginSeed)

	r.RecordResult(e, 1, 0, false, true)
	r.RecordResult(e, 1, 0, false, true)
	rec, _ := r.Get(e)
	require.Equal(t, catalog.StateSuspect, rec.State)

	// A success on a never-profiled suspect restarts it as a candidate.
	r.RecordResult(e, 1, 40, false, false)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateCandidate, rec.State)
}

func TestSuspectAndQuarantine(t *testing.T) {
	r, c := newTestRegistry(t)
	e := ep("203.0.113.1")
	makeEligible(r, e, 50)

	r.RecordResult(e, 1, 0, false, true)
	r.RecordResult(e, 1, 0, false, true)
	rec, _ := r.Get(e)
	require.Equal(t, catalog.StateSuspect, rec.State)

	r.RecordResult(e, 1, 0, false, true)
	r.RecordResult(e, 1, 0, false, true)
	r.RecordResult(e, 1, 0, false, true)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateQuarantined, rec.State)
	require.Equal(t, c.now().Add(time.Minute), rec.Health.QuarantineUntil)

	// Still quarantined before expiry, untouched by further traffic results.
	c.advance(30 * time.Second)
	r.RecordResult(e, 1, 0, false, true)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateQuarantined, rec.State)

	// After expiry the node is released to suspect; the clamped failure
	// streak keeps it there through the first success.
	c.advance(5 * time.Minute)
	r.RecordResult(e, 1, 40, false, false)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateSuspect, rec.State)

	r.RecordResult(e, 1, 40, false, false)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateProfiled, rec.State)
}

func TestQuarantineRelease_MustFailAgainToReenter(t *testing.T) {
	r, c := newTestRegistry(t)
	e := ep("203.0.113.1")
	makeEligible(r, e, 50)
	for i := 0; i < 5; i++ {
		r.RecordResult(e, 1, 0, false, true)
	}
	rec, _ := r.Get(e)
	require.Equal(t, catalog.StateQuarantined, rec.State)

	// One failure right after release must not immediately re-quarantine; the
	// clamped streak requires the full failure run again.
	c.advance(2 * time.Hour)
	r.RecordResult(e, 1, 0, false, true)
	rec, _ = r.Get(e)
	require.Equal(t, catalog.StateSuspect, rec.State)
}

func TestQuarantineBackoffDoublesAndCaps(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.Equal(t, time.Minute, r.quarantineBackoff(5))
	require.Equal(t, 2*time.Minute, r.quarantineBackoff(6))
	require.Equal(t, 16*time.Minute, r.quarantineBackoff(9))
	require.Equal(t, time.Hour, r.quarantineBackoff(20))
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := ep("203.0.113.1")
	r.Upsert(e, catalog.OriginUserAdded)
	require.True(t, r.Remove(e))
	require.False(t, r.Remove(e))
	require.False(t, r.Has(e))
}

func TestPruneOldNodes(t *testing.T) {
	r, c := newTestRegistry(t)
	stale := ep("203.0.113.1")
	seed := ep("203.0.113.2")
	user := ep("203.0.113.3")
	activeEp := ep("203.0.113.4")

	r.Upsert(stale, catalog.OriginDiscovered)
	r.Upsert(seed, catalog.OriginSeed)
	r.Upsert(user, catalog.OriginUserAdded)
	r.Upsert(activeEp, catalog.OriginDiscovered)
	r.SetState(activeEp, catalog.StateActive)

	c.advance(80 * time.Hour)
	removed := r.PruneOldNodes(72 * time.Hour)
	require.Equal(t, 1, removed)
	require.False(t, r.Has(stale))
	require.True(t, r.Has(seed))
	require.True(t, r.Has(user))
	require.True(t, r.Has(activeEp))
}

func TestPruneOldNodes_LRUCap(t *testing.T) {
	r, c := newTestRegistry(t)
	r.cfg.MaxRecords = 3
	oldest := ep("203.0.113.1")
	r.Upsert(oldest, catalog.OriginDiscovered)
	c.advance(time.Minute)
	r.Upsert(ep("203.0.113.2"), catalog.OriginDiscovered)
	c.advance(time.Minute)
	r.Upsert(ep("203.0.113.3"), catalog.OriginDiscovered)
	c.advance(time.Minute)
	r.Upsert(ep("203.0.113.4"), catalog.OriginDiscovered)

	removed := r.PruneOldNodes(72 * time.Hour)
	require.Equal(t, 1, removed)
	require.False(t, r.Has(oldest), "least recently seen evicted first")
}

func TestResetEpochStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	e := ep("203.0.113.1")
	makeEligible(r, e, 50)

	r.ResetEpochStats(2)
	rec, _ := r.Get(e)
	require.Equal(t, 0, rec.Health.WindowSamples)
	require.Equal(t, 2, rec.Health.LifetimeSamples)
}

func TestClearDiscoveredNodes(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert(ep("203.0.113.1"), catalog.OriginDiscovered)
	r.Upsert(ep("203.0.113.2"), catalog.OriginSeed)
	require.Equal(t, 1, r.ClearDiscoveredNodes())
	require.Equal(t, 1, len(r.AllRecords()))
}

func TestPoolHealth(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, b := ep("203.0.113.1"), ep("203.0.113.2")
	makeEligible(r, a, 40)
	makeEligible(r, b, 80)
	r.SetState(a, catalog.StateActive)

	ph := r.PoolHealth()
	require.Equal(t, 2, ph.Total)
	require.Equal(t, 1, ph.Active)
	require.Equal(t, 2, ph.Eligible)
	require.Equal(t, 0, ph.Quarantined)
	require.InDelta(t, 40, ph.MedianActiveLatencyMs, 0.001)
}
