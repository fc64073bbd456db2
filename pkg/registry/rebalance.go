package registry

import (
	"sort"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// betterRecord is the total order used for active-pool membership:
// effective latency asc, error rate asc, consecutive successes desc,
// userAdded origin wins ties, endpoint key last for determinism.
func betterRecord(a, b *catalog.PeerRecord) bool {
	la, lb := a.EffectiveLatencyMs(), b.EffectiveLatencyMs()
	if la != lb {
		return la < lb
	}
	ea, eb := a.Health.ErrorRate(), b.Health.ErrorRate()
	if ea != eb {
		return ea < eb
	}
	if a.Health.ConsecutiveSuccesses != b.Health.ConsecutiveSuccesses {
		return a.Health.ConsecutiveSuccesses > b.Health.ConsecutiveSuccesses
	}
	ua, ub := a.Origin == catalog.OriginUserAdded, b.Origin == catalog.OriginUserAdded
	if ua != ub {
		return ua
	}
	return a.Endpoint.Key() < b.Endpoint.Key()
}

// promotable reports whether a record's lifecycle state allows entering the
// active pool. Candidates and suspects must first re-prove themselves with a
// successful probe; in particular a freshly released quarantined node sits in
// suspect and cannot ride its pre-quarantine stats back in.
func promotable(rec *catalog.PeerRecord) bool {
	switch rec.State {
	case catalog.StateProfiled, catalog.StateVerified, catalog.StateActive:
		return true
	}
	return false
}

// Rebalance runs RebalanceActivePool with the configured parameters.
func (r *Registry) Rebalance() RebalanceResult {
	return r.RebalanceActivePool(r.cfg.MinActive, r.cfg.MaxActive,
		r.cfg.MaxReplacementsPerCycle, r.cfg.MinImprovementRatio)
}

// RebalanceActivePool recomputes which eligible records hold active-pool
// membership. In-band replacement of a still-working active node only
// happens when the candidate improves on it by at least minImprovementRatio,
// so marginal latency jitter never causes churn.
func (r *Registry) RebalanceActivePool(minActive, maxActive, maxReplacementsPerCycle int, minImprovementRatio float64) RebalanceResult {
	now := r.now()
	var res RebalanceResult
	r.mu.Lock()
	defer r.mu.Unlock()

	// (a) refresh every record's state.
	for _, rec := range r.records {
		r.updateStateLocked(rec, now)
	}

	// (b) rank the eligible set.
	var eligible []*catalog.PeerRecord
	for _, rec := range r.records {
		if rec.IsActiveEligible(now, r.cfg.MaxErrorRate) {
			eligible = append(eligible, rec)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return betterRecord(eligible[i], eligible[j]) })
	inEligible := map[string]bool{}
	for _, rec := range eligible {
		inEligible[rec.Endpoint.Key()] = true
	}

	// (c) demote actives that lost eligibility, then cap at maxActive by
	// demoting the worst.
	var active []*catalog.PeerRecord
	for _, rec := range r.records {
		if rec.State != catalog.StateActive {
			continue
		}
		if !inEligible[rec.Endpoint.Key()] {
			rec.State = catalog.StateVerified
			res.Demoted++
			continue
		}
		active = append(active, rec)
	}
	sort.Slice(active, func(i, j int) bool { return betterRecord(active[i], active[j]) })
	for len(active) > maxActive {
		worst := active[len(active)-1]
		worst.State = catalog.StateVerified
		active = active[:len(active)-1]
		res.Demoted++
	}

	// (d) promote best eligible non-actives up to the target size.
	target := min(maxActive, len(eligible))
	if target < len(active) {
		target = len(active)
	}
	for _, rec := range eligible {
		if len(active) >= target {
			break
		}
		if rec.State == catalog.StateActive || !promotable(rec) {
			continue
		}
		rec.State = catalog.StateActive
		active = append(active, rec)
		res.Promoted++
	}
	sort.Slice(active, func(i, j int) bool { return betterRecord(active[i], active[j]) })

	// (e) bounded in-band swaps, gated by the improvement ratio.
	for swap := 0; swap < maxReplacementsPerCycle; swap++ {
		if len(active) == 0 || len(active) < minActive {
			break
		}
		worst := active[len(active)-1]
		var cand *catalog.PeerRecord
		for _, rec := range eligible {
			if rec.State != catalog.StateActive && promotable(rec) {
				cand = rec
				break
			}
		}
		if cand == nil {
			break
		}
		wl := worst.EffectiveLatencyMs()
		if wl <= 0 || (wl-cand.EffectiveLatencyMs())/wl < minImprovementRatio {
			break
		}
		worst.State = catalog.StateVerified
		cand.State = catalog.StateActive
		active[len(active)-1] = cand
		sort.Slice(active, func(i, j int) bool { return betterRecord(active[i], active[j]) })
		res.Swapped++
	}

	r.publishMetricsLocked()
	if res.Promoted > 0 || res.Demoted > 0 || res.Swapped > 0 {
		r.markDirtyLocked()
		r.log.Info("active_pool_rebalanced",
			zap.Int("active", len(active)),
			zap.Int("eligible", len(eligible)),
			zap.Int("promoted", res.Promoted),
			zap.Int("demoted", res.Demoted),
			zap.Int("swapped", res.Swapped))
	}
	return res
}
