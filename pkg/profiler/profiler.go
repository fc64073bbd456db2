package profiler

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

// ErrNoUsableNodes means quick boot exhausted both the persisted catalog and
// the DNS seeds without finding a single answering node.
var ErrNoUsableNodes = errors.New("profiler: no usable nodes found")

// Resolver is the slice of *net.Resolver the profiler needs; swapped for a
// fake in tests.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Deps are the injected collaborators. Primary reports the live
// subscription's endpoint so discovery never disturbs it; OnBetterNode fires
// when a clearly faster eligible node has been observed for two consecutive
// probe cycles.
type Deps struct {
	Registry     *registry.Registry
	Pool         transport.Pool
	Epoch        func() uint64
	Primary      func() (catalog.Endpoint, bool)
	OnBetterNode func(catalog.Endpoint)
}

// Profiler keeps the catalog populated and the health data fresh while
// staying polite to the network. It mutates the registry through its public
// operations only.
type Profiler struct {
	cfg  config.Config
	log  *zap.Logger
	reg  *registry.Registry
	pool transport.Pool

	epoch        func() uint64
	primary      func() (catalog.Endpoint, bool)
	onBetterNode func(catalog.Endpoint)

	resolver Resolver
	tcpDial  func(ctx context.Context, addr string, timeout time.Duration) bool

	lim         *limiter
	tokens      *tokenBucket
	discoveryMu sync.Mutex // serializes the loop and ForceDiscovery
	dnsDone     atomic.Bool

	mu              sync.Mutex
	betterCandidate string
	betterStreak    int

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config, deps Deps, logger *zap.Logger) *Profiler {
	concurrency := cfg.Profiler.MaxConcurrentProbes
	if cfg.Profiler.LowPower {
		concurrency = cfg.Profiler.LowPowerConcurrentProbes
	}
	p := &Profiler{
		cfg:          cfg,
		log:          logger,
		reg:          deps.Registry,
		pool:         deps.Pool,
		epoch:        deps.Epoch,
		primary:      deps.Primary,
		onBetterNode: deps.OnBetterNode,
		resolver:     net.DefaultResolver,
		tcpDial:      defaultTCPDial,
		lim:          newLimiter(concurrency),
		tokens:       newTokenBucket(cfg.Profiler.DiscoveryTokensMax, cfg.Profiler.DiscoveryTokensPerHour, time.Now()),
		now:          time.Now,
	}
	if p.epoch == nil {
		p.epoch = func() uint64 { return 1 }
	}
	if p.primary == nil {
		p.primary = func() (catalog.Endpoint, bool) { return catalog.Endpoint{}, false }
	}
	return p
}

// Start launches the probe, discovery and maintenance loops. The loops never
// terminate on error; individual failures are absorbed into health stats.
func (p *Profiler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(3)
	go p.runProbeLoop(ctx)
	go p.runDiscoveryLoop(ctx)
	go p.runMaintenanceLoop(ctx)
	p.log.Info("profiler_started",
		zap.Bool("low_power", p.cfg.Profiler.LowPower),
		zap.Int("max_concurrent_probes", p.lim.size()))
}

// Stop cancels all loops plus any in-flight probe batch and waits for them.
func (p *Profiler) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.log.Info("profiler_stopped")
}

func (p *Profiler) runProbeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		timer := time.NewTimer(p.probeInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.probeCycle(ctx)
			p.reachabilityCheck(ctx)
		}
	}
}

func (p *Profiler) runDiscoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.Profiler.DiscoveryInterval.D())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.discoveryMu.Lock()
			p.discoverCycle(ctx)
			p.discoveryMu.Unlock()
		}
	}
}

func (p *Profiler) runMaintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.Profiler.MaintenanceInterval.D())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.maintenanceCycle()
		}
	}
}

func (p *Profiler) maintenanceCycle() {
	p.reg.PruneOldNodes(p.cfg.Registry.PruneAfter.D())
	dropped := p.pool.PruneIdleConnections(p.cfg.Profiler.IdleConnMaxAge.D())
	if dropped > 0 {
		p.log.Debug("maintenance_idle_conns_dropped", zap.Int("dropped", dropped))
	}
}

// ForceProbeAll probes every non-quarantined record regardless of per-state
// probe intervals.
func (p *Profiler) ForceProbeAll(ctx context.Context) {
	now := p.now()
	var wg sync.WaitGroup
	for _, rec := range p.reg.AllRecords() {
		if rec.State == catalog.StateQuarantined && rec.Health.Quarantined(now) {
			continue
		}
		ep := rec.Endpoint
		wg.Add(1)
		p.lim.acquire()
		go func() {
			defer wg.Done()
			defer p.lim.release()
			_ = p.ProfileEndpoint(ctx, ep)
		}()
	}
	wg.Wait()
	p.reg.Rebalance()
}

// ForceDiscovery runs one discovery cycle immediately, bypassing the timer
// but not the token bucket or the hard pause.
func (p *Profiler) ForceDiscovery(ctx context.Context) {
	p.discoveryMu.Lock()
	defer p.discoveryMu.Unlock()
	p.discoverCycle(ctx)
}
