package profiler

import (
	"context"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// ResolveSeeds resolves the configured DNS seed hostnames to IPv4 addresses
// (A records only) and upserts each as a seed-origin candidate. Marks DNS
// resolution complete, which gates the TCP reachability pre-check.
func (p *Profiler) ResolveSeeds(ctx context.Context) int {
	added := 0
	for _, host := range p.cfg.DNSSeeds {
		if ctx.Err() != nil {
			break
		}
		ips, err := p.resolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			p.log.Debug("dns_seed_failed", zap.String("seed", host), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			v4 := ip.To4()
			if v4 == nil {
				continue
			}
			if p.reg.Upsert(catalog.NewEndpoint(v4.String(), p.cfg.RPCPort), catalog.OriginSeed) {
				added++
			}
		}
	}
	p.dnsDone.Store(true)
	p.log.Info("dns_seeds_resolved", zap.Int("new_endpoints", added))
	return added
}
