package selector

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
)

const (
	latencyWeight   = 100.0
	errorWeight     = 800.0
	timeoutWeight   = 400.0
	streakBonusStep = 5.0
	streakBonusCap  = 10
	userAddedBonus  = 50.0

	// daaLagWindow is the block-count tolerance before a node's chain tip is
	// considered stale (soft penalty only, never a hard filter).
	daaLagWindow     = 1000
	daaLagPenalty    = 150.0
	daaAheadPenalty  = 100.0
	refRecomputeEach = 30 * time.Second
)

var stateBonus = map[catalog.PeerState]float64{
	catalog.StateActive:      300,
	catalog.StateVerified:    200,
	catalog.StateProfiled:    100,
	catalog.StateCandidate:   30,
	catalog.StateSuspect:     -200,
	catalog.StateQuarantined: -10_000,
}

// Selector ranks catalog records for a requested operation. Stateless except
// for the maintained reference DAA score.
type Selector struct {
	reg *registry.Registry
	log *zap.Logger

	mu        sync.Mutex
	refDAA    uint64
	refSetAt  time.Time
	refPinned bool // set from an external trusted source, skip recompute
	now       func() time.Time
}

func New(reg *registry.Registry, logger *zap.Logger) *Selector {
	return &Selector{reg: reg, log: logger, now: time.Now}
}

// SetReferenceDAAScore pins the reference from an external trusted source.
func (s *Selector) SetReferenceDAAScore(score uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refDAA = score
	s.refSetAt = s.now()
	s.refPinned = true
}

// ReferenceDAAScore returns the current reference, refreshing the median of
// synced active/verified nodes when stale.
func (s *Selector) ReferenceDAAScore() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refPinned && s.now().Sub(s.refSetAt) >= refRecomputeEach {
		s.refDAA = s.computeMedian()
		s.refSetAt = s.now()
	}
	return s.refDAA
}

func (s *Selector) computeMedian() uint64 {
	var scores []uint64
	for _, rec := range s.reg.AllRecords() {
		if !rec.Profile.Synced || rec.Profile.DAAScore == 0 {
			continue
		}
		if rec.State == catalog.StateActive || rec.State == catalog.StateVerified {
			scores = append(scores, rec.Profile.DAAScore)
		}
	}
	if len(scores) == 0 {
		return 0
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })
	return scores[len(scores)/2]
}

// Score is the ranking function: lower latency, fewer errors, better state,
// fresher chain tip and a trusted origin all raise it.
func (s *Selector) Score(rec *catalog.PeerRecord, refDAA uint64) float64 {
	lat := rec.EffectiveLatencyMs()
	if lat < 1 {
		lat = 1
	}
	score := -math.Log(lat) * latencyWeight
	score -= rec.Health.ErrorRate() * errorWeight
	score -= rec.Health.TimeoutRate() * timeoutWeight
	score += stateBonus[rec.State]
	if refDAA > 0 && rec.Profile.DAAScore > 0 {
		if rec.Profile.DAAScore+daaLagWindow < refDAA {
			score -= daaLagPenalty
		} else if rec.Profile.DAAScore > refDAA+daaLagWindow {
			// Claims to be implausibly far ahead of the pool consensus.
			score -= daaAheadPenalty
		}
	}
	streak := rec.Health.ConsecutiveSuccesses
	if streak > streakBonusCap {
		streak = streakBonusCap
	}
	score += float64(streak) * streakBonusStep
	if rec.Origin == catalog.OriginUserAdded {
		score += userAddedBonus
	}
	return score
}

// PickBest returns up to count endpoints able to handle op, highest score
// first. Quarantined records are excluded from all selection.
func (s *Selector) PickBest(op catalog.OperationClass, count int, excluding map[string]bool) []catalog.Endpoint {
	now := s.now()
	refDAA := s.ReferenceDAAScore()
	type scored struct {
		ep    catalog.Endpoint
		key   string
		score float64
	}
	var ranked []scored
	for _, rec := range s.reg.AllRecords() {
		rec := rec
		key := rec.Endpoint.Key()
		if excluding[key] {
			continue
		}
		if rec.State == catalog.StateQuarantined || rec.Health.Quarantined(now) {
			continue
		}
		if !rec.CanHandle(op) {
			continue
		}
		ranked = append(ranked, scored{ep: rec.Endpoint, key: key, score: s.Score(&rec, refDAA)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].key < ranked[j].key
	})
	if count > 0 && len(ranked) > count {
		ranked = ranked[:count]
	}
	out := make([]catalog.Endpoint, len(ranked))
	for i, r := range ranked {
		out[i] = r.ep
	}
	return out
}

// PickOne returns the single best endpoint for op, or false when none can
// handle it.
func (s *Selector) PickOne(op catalog.OperationClass, excluding map[string]bool) (catalog.Endpoint, bool) {
	eps := s.PickBest(op, 1, excluding)
	if len(eps) == 0 {
		return catalog.Endpoint{}, false
	}
	return eps[0], true
}

// PickPrimaryAndStandby returns the live-subscription pair.
func (s *Selector) PickPrimaryAndStandby(op catalog.OperationClass, excluding map[string]bool) (primary, standby catalog.Endpoint, ok bool) {
	eps := s.PickBest(op, 2, excluding)
	if len(eps) == 0 {
		return catalog.Endpoint{}, catalog.Endpoint{}, false
	}
	primary = eps[0]
	if len(eps) > 1 {
		standby = eps[1]
	}
	return primary, standby, true
}

// PickForBroadcast returns a fan-out set for fire-and-forget operations such
// as transaction submission.
func (s *Selector) PickForBroadcast(op catalog.OperationClass, count int) []catalog.Endpoint {
	return s.PickBest(op, count, nil)
}

// EligibleNodes returns records currently passing active-pool eligibility.
func (s *Selector) EligibleNodes() []catalog.PeerRecord {
	return s.reg.EligibleRecords()
}
