package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/store"
)

// Registry is the single source of truth for the peer catalog. All mutation
// is serialized behind one mutex so concurrent probes and subscription reads
// never race on a record.
type Registry struct {
	mu      sync.Mutex
	cfg     config.Registry
	log     *zap.Logger
	store   store.Store
	now     func() time.Time
	records map[string]*catalog.PeerRecord // key: endpoint "host:port"

	dirty     bool
	saveTimer *time.Timer
}

// PoolHealth is a coarse snapshot for observability endpoints.
type PoolHealth struct {
	Total                 int     `json:"total"`
	Active                int     `json:"active"`
	Eligible              int     `json:"eligible"`
	Quarantined           int     `json:"quarantined"`
	MedianActiveLatencyMs float64 `json:"medianActiveLatencyMs"`
}

// RebalanceResult reports what one rebalance cycle did.
type RebalanceResult struct {
	Promoted int `json:"promoted"`
	Demoted  int `json:"demoted"`
	Swapped  int `json:"swapped"`
}
