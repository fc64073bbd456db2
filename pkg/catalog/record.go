package catalog

import "time"

type PeerOrigin string

const (
	OriginSeed       PeerOrigin = "seed"
	OriginDiscovered PeerOrigin = "discovered"
	OriginUserAdded  PeerOrigin = "userAdded"
)

// PeerState is the lifecycle position of a record. Exactly one state per
// record at any time.
type PeerState int8

const (
	StateCandidate PeerState = iota
	StateProfiled
	StateVerified
	StateActive
	StateSuspect
	StateQuarantined
)

var stateNames = map[PeerState]string{
	StateCandidate:   "candidate",
	StateProfiled:    "profiled",
	StateVerified:    "verified",
	StateActive:      "active",
	StateSuspect:     "suspect",
	StateQuarantined: "quarantined",
}

func (s PeerState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Known reports whether the peer has been profiled at least once, i.e. it is
// anywhere past candidate in the lifecycle (failure branches included).
func (s PeerState) Known() bool { return s != StateCandidate }

// PeerProfile holds capability and content facts learned by probing.
type PeerProfile struct {
	Synced         bool      `json:"synced"`
	UTXOIndex      bool      `json:"utxoIndex"`
	ServerVersion  string    `json:"serverVersion"`
	MempoolSize    uint64    `json:"mempoolSize"`
	DAAScore       uint64    `json:"daaScore"`
	Network        string    `json:"network"`
	LastProfiledAt time.Time `json:"lastProfiledAt"`

	// Large-payload reachability detects transparent traffic interference:
	// a node answering small requests but failing a larger one. Checked once
	// per network epoch.
	LargePayloadEpoch uint64 `json:"largePayloadEpoch"`
	LargePayloadOK    bool   `json:"largePayloadOk"`
	LargePayloadBytes int    `json:"largePayloadBytes"`
}

type PeerRecord struct {
	Endpoint    Endpoint    `json:"endpoint"`
	Origin      PeerOrigin  `json:"origin"`
	State       PeerState   `json:"state"`
	Profile     PeerProfile `json:"profile"`
	Health      PeerHealth  `json:"health"`
	FirstSeenAt time.Time   `json:"firstSeenAt"`
	LastSeenAt  time.Time   `json:"lastSeenAt"`
}

// unknownLatencyMs ranks never-measured peers behind every measured one.
const unknownLatencyMs = 30_000

// EffectiveLatencyMs prefers the windowed sample and falls back to lifetime.
func (r *PeerRecord) EffectiveLatencyMs() float64 {
	if r.Health.WindowSamples > 0 {
		return r.Health.WindowLatencyMs
	}
	if r.Health.LifetimeSamples > 0 {
		return r.Health.LifetimeLatency
	}
	return unknownLatencyMs
}

// IsActiveEligible reports whether the record may hold active-pool
// membership: synced, UTXO-indexed, not quarantined and with an acceptable
// error rate.
func (r *PeerRecord) IsActiveEligible(now time.Time, maxErrorRate float64) bool {
	if !r.Profile.Synced || !r.Profile.UTXOIndex {
		return false
	}
	if r.State == StateQuarantined || r.Health.Quarantined(now) {
		return false
	}
	return r.Health.ErrorRate() <= maxErrorRate
}

// CanHandle reports whether the peer is past candidate and its profile
// satisfies the operation's capability predicate.
func (r *PeerRecord) CanHandle(op OperationClass) bool {
	if !r.State.Known() {
		return false
	}
	if op.Requires == nil {
		return true
	}
	return op.Requires(r.Profile)
}
