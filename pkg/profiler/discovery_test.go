package profiler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
)

func TestTokenBucket(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b := newTokenBucket(3, 2, t0)

	require.True(t, b.take())
	require.True(t, b.take())
	require.True(t, b.take())
	require.False(t, b.take())

	// 2 per hour: half an hour buys exactly one token back.
	b.refill(t0.Add(30 * time.Minute))
	require.Equal(t, 1, b.remaining())

	// 20 more minutes is still short of the next whole token.
	b.refill(t0.Add(50 * time.Minute))
	require.Equal(t, 1, b.remaining())

	b.refill(t0.Add(61 * time.Minute))
	require.Equal(t, 2, b.remaining())

	// Refill never exceeds the cap.
	b.refill(t0.Add(100 * time.Hour))
	require.Equal(t, 3, b.remaining())
}

func TestAdmitPeer(t *testing.T) {
	env := newTestProfiler(t, nil)
	p := env.prof

	// An IPv4-mapped P2P address maps to its RPC port counterpart.
	require.True(t, p.admitPeer("[::ffff:203.0.113.5]:16111"))
	rec, ok := env.reg.Get(catalog.NewEndpoint("203.0.113.5", 16110))
	require.True(t, ok)
	require.Equal(t, catalog.OriginDiscovered, rec.Origin)

	// Private ranges never enter the catalog.
	require.False(t, p.admitPeer("10.0.0.5:16111"))
	// Non-standard P2P port means an unknown RPC port: skip.
	require.False(t, p.admitPeer("203.0.113.6:4242"))
	// Known endpoints spend no token.
	before := p.tokens.remaining()
	require.False(t, p.admitPeer("203.0.113.5:16111"))
	require.Equal(t, before, p.tokens.remaining())
	// Garbage is rejected outright.
	require.False(t, p.admitPeer("not-an-address"))
}

func TestAdmitPeer_StopsWithoutTokens(t *testing.T) {
	env := newTestProfiler(t, nil)
	env.prof.tokens = newTokenBucket(1, 0, time.Now())
	require.True(t, env.prof.admitPeer("203.0.113.1:16111"))
	require.False(t, env.prof.admitPeer("203.0.113.2:16111"))
	require.False(t, env.reg.Has(catalog.NewEndpoint("203.0.113.2", 16110)))
}

func TestDiscoverCycle_AdmitsFromActiveSource(t *testing.T) {
	env := newTestProfiler(t, nil)
	src := ep("203.0.113.1")
	env.reg.Upsert(src, catalog.OriginSeed)
	env.reg.SetState(src, catalog.StateActive)

	env.pool.transportFor(src).responses["getConnectedPeerInfo"] = json.RawMessage(
		`{"infos":[{"address":"203.0.113.50:16111"},{"address":"10.0.0.1:16111"},{"address":"203.0.113.51:16111"}]}`)

	env.prof.discoverCycle(context.Background())

	require.True(t, env.reg.Has(ep("203.0.113.50")))
	require.True(t, env.reg.Has(ep("203.0.113.51")))
	require.False(t, env.reg.Has(catalog.NewEndpoint("10.0.0.1", 16110)))
}

func TestDiscoverCycle_SkipsSubscriptionPrimary(t *testing.T) {
	primary := ep("203.0.113.1")
	env := newTestProfiler(t, func(deps *Deps, cfg *config.Config) {
		deps.Primary = func() (catalog.Endpoint, bool) { return primary, true }
	})
	env.reg.Upsert(primary, catalog.OriginSeed)
	env.reg.SetState(primary, catalog.StateActive)
	ft := env.pool.transportFor(primary)
	ft.responses["getConnectedPeerInfo"] = json.RawMessage(`{"infos":[]}`)

	env.prof.discoverCycle(context.Background())
	require.Zero(t, ft.callCount("getConnectedPeerInfo"),
		"the live subscription's node must not serve discovery traffic")
}

func TestDiscoverCycle_HardPause(t *testing.T) {
	env := newTestProfiler(t, nil)
	// Four fast, error-free actives trip the hard pause.
	for i := 0; i < 4; i++ {
		e := ep(fmt.Sprintf("203.0.113.%d", i+1))
		env.reg.Upsert(e, catalog.OriginSeed)
		env.reg.RecordResult(e, 1, 10, false, false)
		env.reg.SetState(e, catalog.StateActive)
	}
	require.True(t, env.prof.HardPauseState().Paused)

	extra := ep("203.0.113.9")
	env.reg.Upsert(extra, catalog.OriginSeed)
	env.reg.SetState(extra, catalog.StateActive)
	ft := env.pool.transportFor(extra)
	ft.responses["getConnectedPeerInfo"] = json.RawMessage(`{"infos":[{"address":"203.0.113.50:16111"}]}`)

	env.prof.discoverCycle(context.Background())
	require.Zero(t, ft.callCount("getConnectedPeerInfo"))
	require.False(t, env.reg.Has(ep("203.0.113.50")))
}

func TestDiscoverCycle_OutOfTokens(t *testing.T) {
	env := newTestProfiler(t, nil)
	src := ep("203.0.113.1")
	env.reg.Upsert(src, catalog.OriginSeed)
	env.reg.SetState(src, catalog.StateActive)
	ft := env.pool.transportFor(src)
	ft.responses["getConnectedPeerInfo"] = json.RawMessage(`{"infos":[{"address":"203.0.113.50:16111"}]}`)

	env.prof.tokens = newTokenBucket(0, 0, time.Now())
	env.prof.discoverCycle(context.Background())
	require.Zero(t, ft.callCount("getConnectedPeerInfo"))
}
