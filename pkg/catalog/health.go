package catalog

import "time"

// latencyAlpha is the EWMA smoothing factor for latency samples.
const latencyAlpha = 0.3

// PeerHealth aggregates probe outcomes for one peer. Windowed fields cover
// the current network epoch only and are thrown away when the device's
// network path changes; lifetime fields survive epochs.
//
// Mutation goes through RecordSuccess and RecordFailure only.
type PeerHealth struct {
	WindowEpoch      uint64  `json:"windowEpoch"`
	WindowLatencyMs  float64 `json:"windowLatencyMs"`
	WindowSamples    int     `json:"windowSamples"`
	WindowRequests   int     `json:"windowRequests"`
	WindowErrors     int     `json:"windowErrors"`
	WindowTimeouts   int     `json:"windowTimeouts"`
	LifetimeLatency  float64 `json:"lifetimeLatencyMs"`
	LifetimeSamples  int     `json:"lifetimeSamples"`
	LifetimeRequests int     `json:"lifetimeRequests"`
	LifetimeErrors   int     `json:"lifetimeErrors"`
	LifetimeTimeouts int     `json:"lifetimeTimeouts"`

	ConsecutiveSuccesses int `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int `json:"consecutiveFailures"`

	LastProbeAt     time.Time `json:"lastProbeAt"`
	LastFailureAt   time.Time `json:"lastFailureAt"`
	QuarantineUntil time.Time `json:"quarantineUntil"`

	// TCPReachable is the last raw-TCP reachability pre-check result.
	// Ephemeral: never persisted.
	TCPReachable *bool `json:"-"`
}

func (h *PeerHealth) rollEpoch(epoch uint64) {
	if epoch == h.WindowEpoch {
		return
	}
	h.WindowEpoch = epoch
	h.WindowLatencyMs = 0
	h.WindowSamples = 0
	h.WindowRequests = 0
	h.WindowErrors = 0
	h.WindowTimeouts = 0
}

// ResetWindow drops the epoch-local samples, keeping lifetime stats.
func (h *PeerHealth) ResetWindow(epoch uint64) {
	h.WindowEpoch = epoch - 1
	h.rollEpoch(epoch)
}

func ewma(prev float64, samples int, v float64) float64 {
	if samples == 0 {
		return v
	}
	return prev*(1-latencyAlpha) + v*latencyAlpha
}

func (h *PeerHealth) RecordSuccess(latencyMs float64, epoch uint64, now time.Time) {
	h.rollEpoch(epoch)
	h.WindowLatencyMs = ewma(h.WindowLatencyMs, h.WindowSamples, latencyMs)
	h.WindowSamples++
	h.WindowRequests++
	h.LifetimeLatency = ewma(h.LifetimeLatency, h.LifetimeSamples, latencyMs)
	h.LifetimeSamples++
	h.LifetimeRequests++
	h.ConsecutiveSuccesses++
	h.ConsecutiveFailures = 0
	h.LastProbeAt = now
}

func (h *PeerHealth) RecordFailure(isTimeout bool, epoch uint64, now time.Time) {
	h.rollEpoch(epoch)
	h.WindowRequests++
	h.WindowErrors++
	h.LifetimeRequests++
	h.LifetimeErrors++
	if isTimeout {
		h.WindowTimeouts++
		h.LifetimeTimeouts++
	}
	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastProbeAt = now
	h.LastFailureAt = now
}

// ErrorRate prefers the windowed rate and falls back to lifetime when the
// current epoch has no traffic yet.
func (h *PeerHealth) ErrorRate() float64 {
	if h.WindowRequests > 0 {
		return float64(h.WindowErrors) / float64(h.WindowRequests)
	}
	if h.LifetimeRequests > 0 {
		return float64(h.LifetimeErrors) / float64(h.LifetimeRequests)
	}
	return 0
}

func (h *PeerHealth) TimeoutRate() float64 {
	if h.WindowRequests > 0 {
		return float64(h.WindowTimeouts) / float64(h.WindowRequests)
	}
	if h.LifetimeRequests > 0 {
		return float64(h.LifetimeTimeouts) / float64(h.LifetimeRequests)
	}
	return 0
}

func (h *PeerHealth) Quarantined(now time.Time) bool {
	return now.Before(h.QuarantineUntil)
}
