package profiler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

// fakeTransport answers requests from a method-keyed script.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]json.RawMessage{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs["connect"]
}

func (f *fakeTransport) SendRequest(ctx context.Context, op catalog.OperationClass, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op.Name]++
	if err, ok := f.errs[op.Name]; ok {
		return nil, err
	}
	if resp, ok := f.responses[op.Name]; ok {
		return resp, nil
	}
	return nil, &transport.RPCError{Message: "unknown method"}
}

func (f *fakeTransport) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeTransport) IsConnected() bool   { return true }
func (f *fakeTransport) IsCircuitOpen() bool { return false }

func (f *fakeTransport) AddNotificationHandler(transport.NotificationHandler) string { return "" }
func (f *fakeTransport) RemoveNotificationHandler(string)                            {}
func (f *fakeTransport) Close()                                                      {}

type fakePool struct {
	mu    sync.Mutex
	conns map[string]*fakeTransport
}

func newFakePool() *fakePool { return &fakePool{conns: map[string]*fakeTransport{}} }

func (p *fakePool) Conn(ep catalog.Endpoint) transport.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.conns[ep.Key()]; ok {
		return t
	}
	t := newFakeTransport()
	p.conns[ep.Key()] = t
	return t
}

func (p *fakePool) transportFor(ep catalog.Endpoint) *fakeTransport {
	return p.Conn(ep).(*fakeTransport)
}

func (p *fakePool) PruneIdleConnections(time.Duration) int { return 0 }
func (p *fakePool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// healthyNode scripts the full probe exchange of a synced, indexed node.
func healthyNode(t *fakeTransport, daa uint64) {
	t.responses["getInfo"] = json.RawMessage(
		`{"serverVersion":"0.12.17","mempoolSize":"5","isUtxoIndexed":true,"isSynced":true}`)
	t.responses["getBlockDagInfo"] = json.RawMessage(
		fmt.Sprintf(`{"networkName":"kaspa-mainnet","virtualDaaScore":"%d"}`, daa))
	t.responses["getBlocks"] = json.RawMessage(
		`{"blocks":["` + strings.Repeat("a", 4096) + `"]}`)
}

type fakeResolver struct {
	ips map[string][]net.IP
}

func (r *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, ok := r.ips[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

type testEnv struct {
	prof *Profiler
	reg  *registry.Registry
	pool *fakePool
	cfg  config.Config
}

func newTestProfiler(t *testing.T, mut func(deps *Deps, cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	reg := registry.New(cfg.Registry, nil, zap.NewNop())
	pool := newFakePool()
	deps := Deps{
		Registry: reg,
		Pool:     pool,
		Epoch:    func() uint64 { return 1 },
	}
	if mut != nil {
		mut(&deps, &cfg)
	}
	prof := New(cfg, deps, zap.NewNop())
	prof.resolver = &fakeResolver{ips: map[string][]net.IP{}}
	prof.tcpDial = func(ctx context.Context, addr string, timeout time.Duration) bool { return false }
	return &testEnv{prof: prof, reg: reg, pool: pool, cfg: cfg}
}

func ep(host string) catalog.Endpoint { return catalog.NewEndpoint(host, 16110) }

func TestProfileEndpoint_Success(t *testing.T) {
	env := newTestProfiler(t, nil)
	e := ep("203.0.113.1")
	env.reg.Upsert(e, catalog.OriginSeed)
	healthyNode(env.pool.transportFor(e), 500_000)

	require.NoError(t, env.prof.ProfileEndpoint(context.Background(), e))

	rec, ok := env.reg.Get(e)
	require.True(t, ok)
	require.Equal(t, catalog.StateProfiled, rec.State)
	require.True(t, rec.Profile.Synced)
	require.True(t, rec.Profile.UTXOIndex)
	require.Equal(t, "0.12.17", rec.Profile.ServerVersion)
	require.Equal(t, uint64(500_000), rec.Profile.DAAScore)
	require.Equal(t, "kaspa-mainnet", rec.Profile.Network)
	require.Equal(t, 1, rec.Health.WindowSamples)
}

func TestProfileEndpoint_LargePayloadOncePerEpoch(t *testing.T) {
	env := newTestProfiler(t, nil)
	e := ep("203.0.113.1")
	env.reg.Upsert(e, catalog.OriginSeed)
	ft := env.pool.transportFor(e)
	healthyNode(ft, 500_000)

	require.NoError(t, env.prof.ProfileEndpoint(context.Background(), e))
	require.NoError(t, env.prof.ProfileEndpoint(context.Background(), e))
	require.Equal(t, 1, ft.callCount("getBlocks"))

	rec, _ := env.reg.Get(e)
	require.True(t, rec.Profile.LargePayloadOK)
	require.Equal(t, uint64(1), rec.Profile.LargePayloadEpoch)
}

func TestProfileEndpoint_Failure(t *testing.T) {
	env := newTestProfiler(t, nil)
	e := ep("203.0.113.1")
	env.reg.Upsert(e, catalog.OriginSeed)
	ft := env.pool.transportFor(e)
	ft.errs["getInfo"] = transport.ErrTimeout

	require.Error(t, env.prof.ProfileEndpoint(context.Background(), e))
	rec, _ := env.reg.Get(e)
	require.Equal(t, 1, rec.Health.WindowTimeouts)
	require.Equal(t, 1, rec.Health.ConsecutiveFailures)
}

func TestDecidePosture(t *testing.T) {
	env := newTestProfiler(t, nil)
	require.Equal(t, postureAggressive, env.prof.decidePosture())

	// Six actives, one of them fast.
	for i := 0; i < 6; i++ {
		e := ep(fmt.Sprintf("203.0.113.%d", i+1))
		env.reg.Upsert(e, catalog.OriginSeed)
		lat := 200.0
		if i == 0 {
			lat = 20
		}
		env.reg.RecordResult(e, 1, lat, false, false)
		env.reg.SetState(e, catalog.StateActive)
	}
	require.Equal(t, postureConservative, env.prof.decidePosture())
	require.Equal(t, env.cfg.Profiler.ProbeIntervalConservative.D(), env.prof.probeInterval())
}

func TestProbeInterval_LowPower(t *testing.T) {
	env := newTestProfiler(t, func(deps *Deps, cfg *config.Config) {
		cfg.Profiler.LowPower = true
	})
	require.Equal(t, env.cfg.Profiler.ProbeIntervalLowPower.D(), env.prof.probeInterval())
	require.Equal(t, env.cfg.Profiler.LowPowerConcurrentProbes, env.prof.lim.size())
}

func TestProbeCandidates_SkipsRecentAndQuarantined(t *testing.T) {
	env := newTestProfiler(t, nil)
	now := time.Now()
	env.prof.now = func() time.Time { return now }

	due := ep("203.0.113.1")
	fresh := ep("203.0.113.2")
	quarantined := ep("203.0.113.3")
	env.reg.Upsert(due, catalog.OriginSeed)
	env.reg.Upsert(fresh, catalog.OriginSeed)
	env.reg.Upsert(quarantined, catalog.OriginSeed)

	// A just-probed record is not due again.
	env.reg.RecordResult(fresh, 1, 10, false, false)
	// A node inside its quarantine window is never probed.
	for i := 0; i < 5; i++ {
		env.reg.RecordResult(quarantined, 1, 0, false, true)
	}

	cands := env.prof.probeCandidates(now)
	keys := make([]string, len(cands))
	for i, c := range cands {
		keys[i] = c.Key()
	}
	require.Contains(t, keys, due.Key())
	require.NotContains(t, keys, fresh.Key())
	require.NotContains(t, keys, quarantined.Key())
}

func TestQuickBoot_WarmStartSkipsDNS(t *testing.T) {
	env := newTestProfiler(t, nil)
	e := ep("203.0.113.1")
	env.reg.Upsert(e, catalog.OriginSeed)
	env.reg.UpdateProfile(e, func(p *catalog.PeerProfile) {
		p.Synced = true
		p.UTXOIndex = true
	})
	env.reg.RecordResult(e, 1, 30, false, false)
	env.reg.RecordResult(e, 1, 30, false, false) // verified
	healthyNode(env.pool.transportFor(e), 500_000)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, env.prof.QuickBoot(ctx))
	cancel()

	rec, _ := env.reg.Get(e)
	require.Equal(t, catalog.StateActive, rec.State)
	require.True(t, env.prof.dnsDone.Load() == false, "warm start must not touch DNS")
}

func TestQuickBoot_ColdStartResolvesSeeds(t *testing.T) {
	env := newTestProfiler(t, func(deps *Deps, cfg *config.Config) {
		cfg.DNSSeeds = []string{"seed.example.org"}
	})
	env.prof.resolver = &fakeResolver{ips: map[string][]net.IP{
		"seed.example.org": {net.ParseIP("203.0.113.7")},
	}}
	healthyNode(env.pool.transportFor(ep("203.0.113.7")), 500_000)

	require.NoError(t, env.prof.QuickBoot(context.Background()))
	require.True(t, env.reg.Has(ep("203.0.113.7")))
	ph := env.reg.PoolHealth()
	require.Positive(t, ph.Eligible)
}

func TestQuickBoot_NoUsableNodes(t *testing.T) {
	env := newTestProfiler(t, func(deps *Deps, cfg *config.Config) {
		cfg.DNSSeeds = []string{"dead.example.org"}
	})
	require.ErrorIs(t, env.prof.QuickBoot(context.Background()), ErrNoUsableNodes)
}

func TestReachabilityCheck(t *testing.T) {
	env := newTestProfiler(t, nil)
	a, b := ep("203.0.113.1"), ep("203.0.113.2")
	env.reg.Upsert(a, catalog.OriginSeed)
	env.reg.Upsert(b, catalog.OriginSeed)
	env.prof.dnsDone.Store(true)
	env.prof.tcpDial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		return addr == a.Key()
	}

	env.prof.reachabilityCheck(context.Background())

	ra, _ := env.reg.Get(a)
	rb, _ := env.reg.Get(b)
	require.NotNil(t, ra.Health.TCPReachable)
	require.True(t, *ra.Health.TCPReachable)
	require.NotNil(t, rb.Health.TCPReachable)
	require.False(t, *rb.Health.TCPReachable)
}

func TestReachabilityCheck_WaitsForDNS(t *testing.T) {
	env := newTestProfiler(t, nil)
	e := ep("203.0.113.1")
	env.reg.Upsert(e, catalog.OriginSeed)
	called := false
	env.prof.tcpDial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		called = true
		return true
	}

	env.prof.reachabilityCheck(context.Background())
	require.False(t, called)
}

func TestBetterNodeCheck_FiresAfterTwoCycles(t *testing.T) {
	var switched []catalog.Endpoint
	primary := ep("203.0.113.1")
	env := newTestProfiler(t, func(deps *Deps, cfg *config.Config) {
		deps.Primary = func() (catalog.Endpoint, bool) { return primary, true }
		deps.OnBetterNode = func(e catalog.Endpoint) { switched = append(switched, e) }
	})

	slowAdd := func(e catalog.Endpoint, lat float64) {
		env.reg.Upsert(e, catalog.OriginSeed)
		env.reg.UpdateProfile(e, func(p *catalog.PeerProfile) {
			p.Synced = true
			p.UTXOIndex = true
		})
		env.reg.RecordResult(e, 1, lat, false, false)
	}
	slowAdd(primary, 200)
	better := ep("203.0.113.2")
	slowAdd(better, 20) // well under 200 * 0.3

	env.prof.betterNodeCheck()
	require.Empty(t, switched, "one observation is not enough")
	env.prof.betterNodeCheck()
	require.Equal(t, []catalog.Endpoint{better}, switched)
}
