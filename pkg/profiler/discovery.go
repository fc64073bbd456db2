package profiler

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

// tokenBucket caps how many new endpoints discovery may admit per unit time.
// It is touched only under discoveryMu, so it carries no lock of its own.
type tokenBucket struct {
	tokens     int
	max        int
	perHour    int
	lastRefill time.Time
}

func newTokenBucket(max, perHour int, now time.Time) *tokenBucket {
	return &tokenBucket{tokens: max, max: max, perHour: perHour, lastRefill: now}
}

func (b *tokenBucket) refill(now time.Time) {
	if b.perHour <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	add := int(elapsed.Hours() * float64(b.perHour))
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.max {
		b.tokens = b.max
	}
	// Advance by the consumed whole tokens only, keeping the fraction.
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(add) / float64(b.perHour) * float64(time.Hour)))
}

func (b *tokenBucket) take() bool {
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (b *tokenBucket) remaining() int { return b.tokens }

// HardPauseState reports whether discovery is fully paused because the pool
// already has several fast, error-free active nodes.
type HardPauseState struct {
	Paused     bool `json:"paused"`
	FastActive int  `json:"fastActive"`
}

func (p *Profiler) HardPauseState() HardPauseState {
	var fast int
	for _, rec := range p.reg.Records(catalog.StateActive) {
		if rec.EffectiveLatencyMs() < p.cfg.Profiler.FastLatencyMs && rec.Health.WindowErrors == 0 {
			fast++
		}
	}
	return HardPauseState{Paused: fast >= p.cfg.Profiler.HardPauseMinFast, FastActive: fast}
}

type connectedPeerInfoResponse struct {
	Infos []struct {
		Address string `json:"address"`
	} `json:"infos"`
}

// discoverCycle asks one active/verified peer for its known-peer list and
// admits genuinely new endpoints, spending one token per admission. Caller
// holds discoveryMu.
func (p *Profiler) discoverCycle(ctx context.Context) {
	if hp := p.HardPauseState(); hp.Paused {
		p.log.Debug("discovery_hard_paused", zap.Int("fast_active", hp.FastActive))
		return
	}
	p.tokens.refill(p.now())
	metrics.DiscoveryTokens.Set(float64(p.tokens.remaining()))
	if p.tokens.remaining() == 0 {
		p.log.Debug("discovery_out_of_tokens")
		return
	}

	sources := append(p.reg.Records(catalog.StateActive), p.reg.Records(catalog.StateVerified)...)
	if primary, ok := p.primary(); ok {
		// Never disturb the live subscription's node with discovery traffic.
		filtered := sources[:0]
		for _, rec := range sources {
			if rec.Endpoint.Key() != primary.Key() {
				filtered = append(filtered, rec)
			}
		}
		sources = filtered
	}
	rand.Shuffle(len(sources), func(i, j int) { sources[i], sources[j] = sources[j], sources[i] })

	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		admitted, err := p.discoverFrom(ctx, src.Endpoint)
		if err != nil {
			p.log.Debug("discovery_source_failed",
				zap.String("source", src.Endpoint.Key()), zap.Error(err))
			continue
		}
		p.log.Info("discovery_cycle_done",
			zap.String("source", src.Endpoint.Key()),
			zap.Int("admitted", admitted),
			zap.Int("tokens_left", p.tokens.remaining()))
		metrics.DiscoveryTokens.Set(float64(p.tokens.remaining()))
		if admitted > 0 {
			p.reg.PersistNow()
			p.reg.Rebalance()
		}
		return
	}
}

func (p *Profiler) discoverFrom(ctx context.Context, src catalog.Endpoint) (int, error) {
	t := p.pool.Conn(src)
	epoch := p.epoch()
	raw, err := t.SendRequest(ctx, catalog.OpGetConnectedPeerInfo, struct{}{})
	if err != nil {
		p.reg.RecordResult(src, epoch, 0, transport.IsTimeout(err), true)
		return 0, err
	}
	var resp connectedPeerInfoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, err
	}
	admitted := 0
	for _, info := range resp.Infos {
		if p.admitPeer(info.Address) {
			admitted++
		}
		if p.tokens.remaining() == 0 {
			break
		}
	}
	return admitted, nil
}

// admitPeer parses one textual peer address, filters non-routable ranges and
// non-standard ports, maps the P2P port to its RPC counterpart and upserts
// genuinely new endpoints. Returns true when a token was spent.
func (p *Profiler) admitPeer(addr string) bool {
	ep, err := catalog.ParsePeerAddress(addr)
	if err != nil {
		return false
	}
	if !catalog.IsRoutable(ep.Host) {
		return false
	}
	if ep.Port != p.cfg.P2PPort {
		return false
	}
	rpcEp := catalog.NewEndpoint(ep.Host, p.cfg.RPCPort)
	if p.reg.Has(rpcEp) {
		return false
	}
	if !p.tokens.take() {
		return false
	}
	p.reg.Upsert(rpcEp, catalog.OriginDiscovered)
	metrics.DiscoveryAdmitted.Inc()
	return true
}
