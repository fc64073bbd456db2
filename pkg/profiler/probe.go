package profiler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

type posture int

const (
	postureAggressive posture = iota
	postureConservative
)

// decidePosture slows everything down once the pool is comfortably healthy:
// enough active nodes with at least one of them fast.
func (p *Profiler) decidePosture() posture {
	active := p.reg.Records(catalog.StateActive)
	if len(active) < p.cfg.Profiler.ConservativeActive {
		return postureAggressive
	}
	for i := range active {
		if active[i].EffectiveLatencyMs() < p.cfg.Profiler.FastLatencyMs {
			return postureConservative
		}
	}
	return postureAggressive
}

func (p *Profiler) probeInterval() time.Duration {
	if p.cfg.Profiler.LowPower {
		return p.cfg.Profiler.ProbeIntervalLowPower.D()
	}
	if p.decidePosture() == postureConservative {
		return p.cfg.Profiler.ProbeIntervalConservative.D()
	}
	return p.cfg.Profiler.ProbeInterval.D()
}

func (p *Profiler) stateProbeEvery(s catalog.PeerState) time.Duration {
	c := p.cfg.Profiler
	switch s {
	case catalog.StateActive:
		return c.ActiveProbeEvery.D()
	case catalog.StateVerified:
		return c.VerifiedProbeEvery.D()
	case catalog.StateSuspect:
		return c.SuspectProbeEvery.D()
	case catalog.StateProfiled:
		return c.ProfiledProbeEvery.D()
	default:
		return c.CandidateProbeEvery.D()
	}
}

var stateProbePriority = map[catalog.PeerState]float64{
	catalog.StateActive:    100,
	catalog.StateVerified:  80,
	catalog.StateSuspect:   60,
	catalog.StateProfiled:  40,
	catalog.StateCandidate: 20,
}

// probeCandidates returns endpoints due for a probe, best priority first.
func (p *Profiler) probeCandidates(now time.Time) []catalog.Endpoint {
	type prioritized struct {
		ep       catalog.Endpoint
		priority float64
	}
	var due []prioritized
	for _, rec := range p.reg.AllRecords() {
		if rec.State == catalog.StateQuarantined && rec.Health.Quarantined(now) {
			continue
		}
		every := p.stateProbeEvery(rec.State)
		elapsed := now.Sub(rec.Health.LastProbeAt)
		if rec.Health.LastProbeAt.IsZero() {
			elapsed = every
		}
		if elapsed < every {
			continue
		}
		prio := stateProbePriority[rec.State]
		if rec.Origin == catalog.OriginSeed || rec.Origin == catalog.OriginUserAdded {
			prio += 15
		}
		if rec.Health.TCPReachable != nil && *rec.Health.TCPReachable {
			prio += 10
		}
		// Overdue probes bubble up, capped so they never outrank state.
		overdue := (elapsed.Seconds()/every.Seconds() - 1) * 10
		if overdue > 20 {
			overdue = 20
		}
		due = append(due, prioritized{ep: rec.Endpoint, priority: prio + overdue})
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].ep.Key() < due[j].ep.Key()
	})
	out := make([]catalog.Endpoint, len(due))
	for i, d := range due {
		out[i] = d.ep
	}
	return out
}

func (p *Profiler) probeCycle(ctx context.Context) {
	cands := p.probeCandidates(p.now())
	if len(cands) == 0 {
		return
	}
	if n := p.lim.size(); len(cands) > n {
		cands = cands[:n]
	}
	var wg sync.WaitGroup
	for _, ep := range cands {
		ep := ep
		wg.Add(1)
		p.lim.acquire()
		go func() {
			defer wg.Done()
			defer p.lim.release()
			if err := p.ProfileEndpoint(ctx, ep); err != nil {
				p.log.Debug("probe_failed", zap.String("endpoint", ep.Key()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	p.reg.Rebalance()
	p.betterNodeCheck()
}

type getInfoResponse struct {
	ServerVersion string `json:"serverVersion"`
	MempoolSize   uint64 `json:"mempoolSize,string"`
	IsUtxoIndexed bool   `json:"isUtxoIndexed"`
	IsSynced      bool   `json:"isSynced"`
}

type getBlockDagInfoResponse struct {
	NetworkName     string `json:"networkName"`
	VirtualDaaScore uint64 `json:"virtualDaaScore,string"`
}

// ProfileEndpoint runs one full probe: connect, fetch node info and chain
// tip, update the profile and health, and once per network epoch perform the
// large-payload capability check.
func (p *Profiler) ProfileEndpoint(ctx context.Context, ep catalog.Endpoint) error {
	t := p.pool.Conn(ep)
	epoch := p.epoch()

	start := p.now()
	if err := t.Connect(ctx); err != nil {
		p.reg.RecordResult(ep, epoch, 0, transport.IsTimeout(err), true)
		metrics.ProbeResults.WithLabelValues("connect_error").Inc()
		return err
	}
	infoRaw, err := t.SendRequest(ctx, catalog.OpGetInfo, struct{}{})
	if err != nil {
		p.reg.RecordResult(ep, epoch, 0, transport.IsTimeout(err), true)
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return err
	}
	latencyMs := float64(p.now().Sub(start).Microseconds()) / 1000

	var info getInfoResponse
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		p.reg.RecordResult(ep, epoch, 0, false, true)
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return err
	}

	dagRaw, err := t.SendRequest(ctx, catalog.OpGetBlockDagInfo, struct{}{})
	if err != nil {
		p.reg.UpdateProfile(ep, func(prof *catalog.PeerProfile) {
			prof.Synced = info.IsSynced
			prof.UTXOIndex = info.IsUtxoIndexed
			prof.ServerVersion = info.ServerVersion
			prof.MempoolSize = info.MempoolSize
		})
		p.reg.RecordResult(ep, epoch, 0, transport.IsTimeout(err), true)
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return err
	}
	var dag getBlockDagInfoResponse
	if err := json.Unmarshal(dagRaw, &dag); err != nil {
		p.reg.RecordResult(ep, epoch, 0, false, true)
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return err
	}

	p.reg.UpdateProfile(ep, func(prof *catalog.PeerProfile) {
		prof.Synced = info.IsSynced
		prof.UTXOIndex = info.IsUtxoIndexed
		prof.ServerVersion = info.ServerVersion
		prof.MempoolSize = info.MempoolSize
		prof.Network = dag.NetworkName
		prof.DAAScore = dag.VirtualDaaScore
	})
	p.reg.RecordResult(ep, epoch, latencyMs, false, false)
	metrics.ProbeResults.WithLabelValues("ok").Inc()

	if rec, ok := p.reg.Get(ep); ok && rec.Profile.LargePayloadEpoch != epoch {
		p.largePayloadCheck(ctx, t, ep, epoch)
	}
	return nil
}

// largePayloadCheck detects transparent traffic interference: a middlebox
// letting small frames through while killing larger ones. Run once per
// network epoch per node.
func (p *Profiler) largePayloadCheck(ctx context.Context, t transport.Transport, ep catalog.Endpoint, epoch uint64) {
	raw, err := t.SendRequest(ctx, catalog.OpGetBlocks, map[string]any{
		"lowHash":             "",
		"includeBlocks":       true,
		"includeTransactions": false,
	})
	ok := err == nil && len(raw) >= p.cfg.Profiler.LargePayloadMinBytes
	p.reg.UpdateProfile(ep, func(prof *catalog.PeerProfile) {
		prof.LargePayloadEpoch = epoch
		prof.LargePayloadOK = ok
		prof.LargePayloadBytes = len(raw)
	})
	if !ok {
		p.log.Warn("large_payload_check_failed",
			zap.String("endpoint", ep.Key()),
			zap.Int("bytes", len(raw)),
			zap.Error(err))
	}
}

// betterNodeCheck notifies the subscription manager when the best eligible
// node has been markedly faster than the current primary for two consecutive
// probe cycles.
func (p *Profiler) betterNodeCheck() {
	primary, ok := p.primary()
	if !ok || p.onBetterNode == nil {
		p.resetBetterStreak()
		return
	}
	primRec, ok := p.reg.Get(primary)
	if !ok {
		p.resetBetterStreak()
		return
	}
	var best *catalog.PeerRecord
	for _, rec := range p.reg.EligibleRecords() {
		rec := rec
		if rec.Endpoint.Key() == primary.Key() {
			continue
		}
		if best == nil || rec.EffectiveLatencyMs() < best.EffectiveLatencyMs() {
			best = &rec
		}
	}
	if best == nil || best.EffectiveLatencyMs() > primRec.EffectiveLatencyMs()*p.cfg.Profiler.BetterNodeRatio {
		p.resetBetterStreak()
		return
	}

	p.mu.Lock()
	if p.betterCandidate == best.Endpoint.Key() {
		p.betterStreak++
	} else {
		p.betterCandidate = best.Endpoint.Key()
		p.betterStreak = 1
	}
	fire := p.betterStreak >= 2
	if fire {
		p.betterCandidate = ""
		p.betterStreak = 0
	}
	p.mu.Unlock()

	if fire {
		p.log.Info("better_node_detected",
			zap.String("endpoint", best.Endpoint.Key()),
			zap.Float64("latency_ms", best.EffectiveLatencyMs()),
			zap.Float64("primary_latency_ms", primRec.EffectiveLatencyMs()))
		p.onBetterNode(best.Endpoint)
	}
}

func (p *Profiler) resetBetterStreak() {
	p.mu.Lock()
	p.betterCandidate = ""
	p.betterStreak = 0
	p.mu.Unlock()
}
