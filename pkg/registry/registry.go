package registry

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/store"
)

func New(cfg config.Registry, st store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     logger,
		store:   st,
		now:     time.Now,
		records: map[string]*catalog.PeerRecord{},
	}
}

// Upsert inserts a new candidate record or touches LastSeenAt on an existing
// one. Returns true when the endpoint was previously unknown.
func (r *Registry) Upsert(ep catalog.Endpoint, origin catalog.PeerOrigin) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ep.Key()]; ok {
		rec.LastSeenAt = now
		// An explicit user add upgrades trust on a known endpoint.
		if origin == catalog.OriginUserAdded {
			rec.Origin = origin
		}
		r.markDirtyLocked()
		return false
	}
	r.records[ep.Key()] = &catalog.PeerRecord{
		Endpoint:    ep,
		Origin:      origin,
		State:       catalog.StateCandidate,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	r.markDirtyLocked()
	return true
}

// UpdateProfile applies a profile mutation, stamps LastProfiledAt and
// recomputes the record's state.
func (r *Registry) UpdateProfile(ep catalog.Endpoint, mutate func(p *catalog.PeerProfile)) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ep.Key()]
	if !ok {
		return
	}
	mutate(&rec.Profile)
	rec.Profile.LastProfiledAt = now
	rec.LastSeenAt = now
	r.updateStateLocked(rec, now)
	r.markDirtyLocked()
}

// RecordResult routes a request outcome into the record's health and
// recomputes its state. latencyMs is ignored unless the request succeeded.
func (r *Registry) RecordResult(ep catalog.Endpoint, epoch uint64, latencyMs float64, isTimeout, isError bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ep.Key()]
	if !ok {
		return
	}
	if isError || isTimeout {
		rec.Health.RecordFailure(isTimeout, epoch, now)
	} else {
		rec.Health.RecordSuccess(latencyMs, epoch, now)
	}
	r.updateStateLocked(rec, now)
	r.markDirtyLocked()
}

// RecordReachability stores a raw-TCP pre-check result. Ephemeral, never
// persisted.
func (r *Registry) RecordReachability(ep catalog.Endpoint, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ep.Key()]; ok {
		v := reachable
		rec.Health.TCPReachable = &v
	}
}

func (r *Registry) SetState(ep catalog.Endpoint, s catalog.PeerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ep.Key()]; ok {
		rec.State = s
		r.markDirtyLocked()
	}
}

func (r *Registry) Get(ep catalog.Endpoint) (catalog.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ep.Key()]; ok {
		return *rec, true
	}
	return catalog.PeerRecord{}, false
}

func (r *Registry) Has(ep catalog.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[ep.Key()]
	return ok
}

// AllRecords returns value copies sorted by endpoint key.
func (r *Registry) AllRecords() []catalog.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.Key() < out[j].Endpoint.Key() })
	return out
}

func (r *Registry) Records(state catalog.PeerState) []catalog.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []catalog.PeerRecord
	for _, rec := range r.records {
		if rec.State == state {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.Key() < out[j].Endpoint.Key() })
	return out
}

// EligibleRecords returns value copies of records passing active-pool
// eligibility, unranked.
func (r *Registry) EligibleRecords() []catalog.PeerRecord {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []catalog.PeerRecord
	for _, rec := range r.records {
		if rec.IsActiveEligible(now, r.cfg.MaxErrorRate) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.Key() < out[j].Endpoint.Key() })
	return out
}

func (r *Registry) StateCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, rec := range r.records {
		out[rec.State.String()]++
	}
	return out
}

func (r *Registry) PoolHealth() PoolHealth {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	ph := PoolHealth{Total: len(r.records)}
	var activeLat []float64
	for _, rec := range r.records {
		switch rec.State {
		case catalog.StateActive:
			ph.Active++
			activeLat = append(activeLat, rec.EffectiveLatencyMs())
		case catalog.StateQuarantined:
			ph.Quarantined++
		}
		if rec.IsActiveEligible(now, r.cfg.MaxErrorRate) {
			ph.Eligible++
		}
	}
	if len(activeLat) > 0 {
		sort.Float64s(activeLat)
		ph.MedianActiveLatencyMs = activeLat[len(activeLat)/2]
	}
	return ph
}

// ResetEpochStats clears windowed health samples for all records on a
// network-path change, preserving lifetime stats.
func (r *Registry) ResetEpochStats(newEpoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		rec.Health.ResetWindow(newEpoch)
	}
	r.markDirtyLocked()
	r.log.Info("epoch_stats_reset", zap.Uint64("epoch", newEpoch), zap.Int("records", len(r.records)))
}

// Remove drops a record entirely. Returns false when the endpoint is unknown.
func (r *Registry) Remove(ep catalog.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[ep.Key()]; !ok {
		return false
	}
	delete(r.records, ep.Key())
	r.markDirtyLocked()
	return true
}

// ClearDiscoveredNodes drops every discovered-origin record.
func (r *Registry) ClearDiscoveredNodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, rec := range r.records {
		if rec.Origin == catalog.OriginDiscovered {
			delete(r.records, key)
			removed++
		}
	}
	if removed > 0 {
		r.markDirtyLocked()
	}
	return removed
}

// PruneOldNodes removes discovered records not seen within the window and
// LRU-evicts beyond the record cap. Active records and seed/userAdded
// origins are never pruned.
func (r *Registry) PruneOldNodes(olderThan time.Duration) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	cutoff := now.Add(-olderThan)
	for key, rec := range r.records {
		if rec.Origin != catalog.OriginDiscovered || rec.State == catalog.StateActive {
			continue
		}
		if rec.LastSeenAt.Before(cutoff) {
			delete(r.records, key)
			removed++
		}
	}
	if r.cfg.MaxRecords > 0 && len(r.records) > r.cfg.MaxRecords {
		var evictable []*catalog.PeerRecord
		for _, rec := range r.records {
			if rec.Origin == catalog.OriginDiscovered && rec.State != catalog.StateActive {
				evictable = append(evictable, rec)
			}
		}
		sort.Slice(evictable, func(i, j int) bool {
			return evictable[i].LastSeenAt.Before(evictable[j].LastSeenAt)
		})
		for _, rec := range evictable {
			if len(r.records) <= r.cfg.MaxRecords {
				break
			}
			delete(r.records, rec.Endpoint.Key())
			removed++
		}
	}
	if removed > 0 {
		r.markDirtyLocked()
		r.log.Info("nodes_pruned", zap.Int("removed", removed), zap.Int("remaining", len(r.records)))
	}
	return removed
}

func (r *Registry) publishMetricsLocked() {
	counts := map[catalog.PeerState]int{}
	for _, rec := range r.records {
		counts[rec.State]++
	}
	for s := catalog.StateCandidate; s <= catalog.StateQuarantined; s++ {
		metrics.NodesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
	metrics.ActiveNodes.Set(float64(counts[catalog.StateActive]))
}
