package profiler

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// defaultTCPDial resolves connect success/failure/timeout into a single
// boolean within the given timeout.
func defaultTCPDial(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// reachabilityCheck runs a cheap raw-TCP pre-check over candidate records so
// the probe loop can prioritize the ones that actually answer. Only runs
// after DNS resolution completed and under the aggressive posture; processes
// small sequential batches and stops early once enough reachable nodes were
// found.
func (p *Profiler) reachabilityCheck(ctx context.Context) {
	if !p.dnsDone.Load() {
		return
	}
	if p.decidePosture() == postureConservative {
		return
	}
	cands := p.reg.Records(catalog.StateCandidate)
	reachable := 0
	batch := p.cfg.Profiler.TCPPingBatch
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < len(cands); i += batch {
		if ctx.Err() != nil {
			return
		}
		end := i + batch
		if end > len(cands) {
			end = len(cands)
		}
		for _, rec := range cands[i:end] {
			ok := p.tcpDial(ctx, rec.Endpoint.Key(), p.cfg.Profiler.TCPPingTimeout.D())
			p.reg.RecordReachability(rec.Endpoint, ok)
			if ok {
				reachable++
			}
		}
		if reachable >= p.cfg.Profiler.TCPPingEnough {
			break
		}
	}
	if reachable > 0 {
		p.log.Debug("tcp_precheck_done", zap.Int("reachable", reachable), zap.Int("candidates", len(cands)))
	}
}
