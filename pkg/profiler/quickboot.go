package profiler

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// maxQuickBootConfirms bounds how many persisted nodes we try before giving
// up and falling back to DNS seeds.
const maxQuickBootConfirms = 3

// QuickBoot minimizes time-to-first-connection: previously persisted
// active/verified records get a single confirmation probe before any DNS
// traffic; discovery from a confirmed working node is kicked off
// immediately, and the regular loops widen the pool in the background.
func (p *Profiler) QuickBoot(ctx context.Context) error {
	warm := append(p.reg.Records(catalog.StateActive), p.reg.Records(catalog.StateVerified)...)
	sort.Slice(warm, func(i, j int) bool {
		return warm[i].EffectiveLatencyMs() < warm[j].EffectiveLatencyMs()
	})
	if len(warm) > maxQuickBootConfirms {
		warm = warm[:maxQuickBootConfirms]
	}
	for _, rec := range warm {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.ProfileEndpoint(ctx, rec.Endpoint); err != nil {
			p.log.Debug("quick_boot_confirm_failed",
				zap.String("endpoint", rec.Endpoint.Key()), zap.Error(err))
			continue
		}
		p.reg.Rebalance()
		p.log.Info("quick_boot_confirmed", zap.String("endpoint", rec.Endpoint.Key()))
		go p.ForceDiscovery(ctx)
		return nil
	}

	// Cold start: seed the catalog over DNS and probe the first batch.
	p.ResolveSeeds(ctx)
	p.probeCycle(ctx)
	if ph := p.reg.PoolHealth(); ph.Active > 0 || ph.Eligible > 0 {
		p.log.Info("quick_boot_cold_start_done",
			zap.Int("active", ph.Active), zap.Int("eligible", ph.Eligible))
		return nil
	}
	return ErrNoUsableNodes
}
