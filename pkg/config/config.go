package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "250ms"/"30s"/"1h" strings from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Registry struct {
	MinActive               int      `yaml:"minActive"`
	MaxActive               int      `yaml:"maxActive"`
	MaxReplacementsPerCycle int      `yaml:"maxReplacementsPerCycle"`
	MinImprovementRatio     float64  `yaml:"minImprovementRatio"`
	MaxErrorRate            float64  `yaml:"maxErrorRate"`
	SuspectAfterFailures    int      `yaml:"suspectAfterFailures"`
	QuarantineAfterFailures int      `yaml:"quarantineAfterFailures"`
	QuarantineBase          Duration `yaml:"quarantineBase"`
	QuarantineMax           Duration `yaml:"quarantineMax"`
	SaveDelay               Duration `yaml:"saveDelay"`
	PruneAfter              Duration `yaml:"pruneAfter"`
	MaxRecords              int      `yaml:"maxRecords"`
}

type Profiler struct {
	ProbeInterval             Duration `yaml:"probeInterval"`
	ProbeIntervalConservative Duration `yaml:"probeIntervalConservative"`
	ProbeIntervalLowPower     Duration `yaml:"probeIntervalLowPower"`
	DiscoveryInterval         Duration `yaml:"discoveryInterval"`
	MaintenanceInterval       Duration `yaml:"maintenanceInterval"`
	IdleConnMaxAge            Duration `yaml:"idleConnMaxAge"`
	MaxConcurrentProbes       int      `yaml:"maxConcurrentProbes"`
	LowPowerConcurrentProbes  int      `yaml:"lowPowerConcurrentProbes"`

	// Per-state minimum gap between two probes of the same record.
	ActiveProbeEvery    Duration `yaml:"activeProbeEvery"`
	VerifiedProbeEvery  Duration `yaml:"verifiedProbeEvery"`
	SuspectProbeEvery   Duration `yaml:"suspectProbeEvery"`
	ProfiledProbeEvery  Duration `yaml:"profiledProbeEvery"`
	CandidateProbeEvery Duration `yaml:"candidateProbeEvery"`

	DiscoveryTokensMax     int `yaml:"discoveryTokensMax"`
	DiscoveryTokensPerHour int `yaml:"discoveryTokensPerHour"`

	HardPauseMinFast   int     `yaml:"hardPauseMinFast"`
	FastLatencyMs      float64 `yaml:"fastLatencyMs"`
	ConservativeActive int     `yaml:"conservativeActive"`

	BetterNodeRatio      float64  `yaml:"betterNodeRatio"`
	LargePayloadMinBytes int      `yaml:"largePayloadMinBytes"`
	TCPPingTimeout       Duration `yaml:"tcpPingTimeout"`
	TCPPingBatch         int      `yaml:"tcpPingBatch"`
	TCPPingEnough        int      `yaml:"tcpPingEnough"`
	LowPower             bool     `yaml:"lowPower"`
}

type Subscription struct {
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`
	PingTimeout         Duration `yaml:"pingTimeout"`
}

type Config struct {
	Network      string       `yaml:"network"`
	RPCPort      uint16       `yaml:"rpcPort"`
	P2PPort      uint16       `yaml:"p2pPort"`
	DNSSeeds     []string     `yaml:"dnsSeeds"`
	Registry     Registry     `yaml:"registry"`
	Profiler     Profiler     `yaml:"profiler"`
	Subscription Subscription `yaml:"subscription"`
}

func Default() Config {
	return Config{
		Network: "kaspa-mainnet",
		RPCPort: 16110,
		P2PPort: 16111,
		DNSSeeds: []string{
			"mainnet-dnsseed-1.kaspanet.org",
			"mainnet-dnsseed-2.kaspanet.org",
			"seeder1.kaspad.net",
			"seeder2.kaspad.net",
			"seeder3.kaspad.net",
			"seeder4.kaspad.net",
			"kaspadns.kaspacalc.net",
		},
		Registry: Registry{
			MinActive:               8,
			MaxActive:               12,
			MaxReplacementsPerCycle: 2,
			MinImprovementRatio:     0.25,
			MaxErrorRate:            0.3,
			SuspectAfterFailures:    2,
			QuarantineAfterFailures: 5,
			QuarantineBase:          Duration(time.Minute),
			QuarantineMax:           Duration(time.Hour),
			SaveDelay:               Duration(3 * time.Second),
			PruneAfter:              Duration(72 * time.Hour),
			MaxRecords:              512,
		},
		Profiler: Profiler{
			ProbeInterval:             Duration(30 * time.Second),
			ProbeIntervalConservative: Duration(2 * time.Minute),
			ProbeIntervalLowPower:     Duration(5 * time.Minute),
			DiscoveryInterval:         Duration(5 * time.Minute),
			MaintenanceInterval:       Duration(10 * time.Minute),
			IdleConnMaxAge:            Duration(5 * time.Minute),
			MaxConcurrentProbes:       8,
			LowPowerConcurrentProbes:  3,
			ActiveProbeEvery:          Duration(30 * time.Second),
			VerifiedProbeEvery:        Duration(time.Minute),
			SuspectProbeEvery:         Duration(2 * time.Minute),
			ProfiledProbeEvery:        Duration(2 * time.Minute),
			CandidateProbeEvery:       Duration(5 * time.Minute),
			DiscoveryTokensMax:        48,
			DiscoveryTokensPerHour:    2,
			HardPauseMinFast:          4,
			FastLatencyMs:             50,
			ConservativeActive:        6,
			BetterNodeRatio:           0.3,
			LargePayloadMinBytes:      2048,
			TCPPingTimeout:            Duration(2 * time.Second),
			TCPPingBatch:              8,
			TCPPingEnough:             12,
		},
		Subscription: Subscription{
			HealthCheckInterval: Duration(10 * time.Second),
			PingTimeout:         Duration(3 * time.Second),
		},
	}
}
