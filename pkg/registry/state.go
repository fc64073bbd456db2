package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// updateStateLocked drives the per-record lifecycle:
//
//	candidate -> profiled -> verified -> active
//	any state -> suspect -> quarantined (timed release)
//
// Promotion to active happens only in rebalance; this function handles
// everything else.
func (r *Registry) updateStateLocked(rec *catalog.PeerRecord, now time.Time) {
	if rec.State == catalog.StateQuarantined {
		if now.Before(rec.Health.QuarantineUntil) {
			return
		}
		// Release: drop back to suspect and clamp the failure streak so the
		// node must fail again before re-entering quarantine.
		rec.State = catalog.StateSuspect
		rec.Health.ConsecutiveFailures = r.cfg.SuspectAfterFailures
	}

	failures := rec.Health.ConsecutiveFailures
	if failures >= r.cfg.QuarantineAfterFailures {
		rec.State = catalog.StateQuarantined
		rec.Health.QuarantineUntil = now.Add(r.quarantineBackoff(failures))
		r.log.Warn("node_quarantined",
			zap.String("endpoint", rec.Endpoint.Key()),
			zap.Int("failures", failures),
			zap.Time("until", rec.Health.QuarantineUntil))
		return
	}
	if failures >= r.cfg.SuspectAfterFailures {
		rec.State = catalog.StateSuspect
		return
	}

	if rec.Health.ConsecutiveSuccesses == 0 {
		return
	}
	switch rec.State {
	case catalog.StateCandidate:
		if !rec.Profile.LastProfiledAt.IsZero() {
			rec.State = catalog.StateProfiled
		}
	case catalog.StateSuspect:
		// A never-profiled suspect has nothing proven yet; it restarts as a
		// candidate instead of skipping the profiling step.
		if rec.Profile.LastProfiledAt.IsZero() {
			rec.State = catalog.StateCandidate
		} else {
			rec.State = catalog.StateProfiled
		}
	case catalog.StateProfiled:
		if rec.Health.ConsecutiveSuccesses >= 2 {
			rec.State = catalog.StateVerified
		}
	}
}

// quarantineBackoff doubles with every failure past the threshold, capped.
func (r *Registry) quarantineBackoff(failures int) time.Duration {
	d := r.cfg.QuarantineBase.D()
	for i := r.cfg.QuarantineAfterFailures; i < failures; i++ {
		d *= 2
		if d >= r.cfg.QuarantineMax.D() {
			return r.cfg.QuarantineMax.D()
		}
	}
	return d
}
