package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/netwatch"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/selector"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/subscription"
)

type Public struct {
	Reg    *registry.Registry
	Sel    *selector.Selector
	Mgr    *subscription.Manager
	Watch  *netwatch.Watcher
	Logger *zap.Logger
}

func NewPublic(reg *registry.Registry, sel *selector.Selector, mgr *subscription.Manager, watch *netwatch.Watcher, logger *zap.Logger) *Public {
	return &Public{Reg: reg, Sel: sel, Mgr: mgr, Watch: watch, Logger: logger}
}

type nodeView struct {
	Endpoint      string  `json:"endpoint"`
	State         string  `json:"state"`
	Origin        string  `json:"origin"`
	LatencyMs     float64 `json:"latencyMs"`
	ErrorRate     float64 `json:"errorRate"`
	Score         float64 `json:"score"`
	Synced        bool    `json:"synced"`
	UTXOIndex     bool    `json:"utxoIndex"`
	ServerVersion string  `json:"serverVersion,omitempty"`
	DAAScore      uint64  `json:"daaScore,string"`
	LastSeenAt    string  `json:"lastSeenAt"`
}

// GET /nodes
func (p *Public) Nodes(w http.ResponseWriter, _ *http.Request) {
	refDAA := p.Sel.ReferenceDAAScore()
	recs := p.Reg.AllRecords()
	out := make([]nodeView, 0, len(recs))
	for i := range recs {
		rec := recs[i]
		out = append(out, nodeView{
			Endpoint:      rec.Endpoint.Key(),
			State:         rec.State.String(),
			Origin:        string(rec.Origin),
			LatencyMs:     rec.EffectiveLatencyMs(),
			ErrorRate:     rec.Health.ErrorRate(),
			Score:         p.Sel.Score(&rec, refDAA),
			Synced:        rec.Profile.Synced,
			UTXOIndex:     rec.Profile.UTXOIndex,
			ServerVersion: rec.Profile.ServerVersion,
			DAAScore:      rec.Profile.DAAScore,
			LastSeenAt:    rec.LastSeenAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /pool
func (p *Public) Pool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health":            p.Reg.PoolHealth(),
		"states":            p.Reg.StateCounts(),
		"networkEpoch":      p.Watch.Epoch(),
		"referenceDaaScore": p.Sel.ReferenceDAAScore(),
	})
}

// GET /subscription
func (p *Public) Subscription(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"state": p.Mgr.State().String(),
	}
	if ep, ok := p.Mgr.PrimaryEndpoint(); ok {
		resp["primary"] = ep.Key()
	}
	if ep, ok := p.Mgr.StandbyEndpoint(); ok {
		resp["standby"] = ep.Key()
	}
	if at := p.Mgr.LastNotificationAt(); !at.IsZero() {
		resp["lastNotificationAt"] = at.Format(time.RFC3339)
	}
	if err := p.Mgr.LastError(); err != nil {
		resp["lastError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /best?op=submitTransaction&count=3
func (p *Public) BestNodes(w http.ResponseWriter, r *http.Request) {
	op, ok := operationByName(r.URL.Query().Get("op"))
	if !ok {
		http.Error(w, "unknown op", http.StatusBadRequest)
		return
	}
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			http.Error(w, "bad count", http.StatusBadRequest)
			return
		}
		count = n
	}
	eps := p.Sel.PickBest(op, count, nil)
	keys := make([]string, len(eps))
	for i, ep := range eps {
		keys[i] = ep.Key()
	}
	writeJSON(w, http.StatusOK, map[string]any{"op": op.Name, "nodes": keys})
}

func operationByName(name string) (catalog.OperationClass, bool) {
	for _, op := range []catalog.OperationClass{
		catalog.OpPing, catalog.OpGetInfo, catalog.OpGetBlockDagInfo,
		catalog.OpGetConnectedPeerInfo, catalog.OpGetBlocks,
		catalog.OpSubscribeUtxosChanged, catalog.OpGetUtxosByAddresses,
		catalog.OpSubmitTransaction,
	} {
		if op.Name == name {
			return op, true
		}
	}
	return catalog.OperationClass{}, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
