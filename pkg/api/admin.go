package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/profiler"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/subscription"
)

type Admin struct {
	Reg      *registry.Registry
	Prof     *profiler.Profiler
	Mgr      *subscription.Manager
	AdminKey string
	Logger   *zap.Logger
}

func NewAdmin(reg *registry.Registry, prof *profiler.Profiler, mgr *subscription.Manager, key string, logger *zap.Logger) *Admin {
	return &Admin{Reg: reg, Prof: prof, Mgr: mgr, AdminKey: key, Logger: logger}
}

func (a *Admin) auth(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("x-admin-key") != a.AdminKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

type nodeRequest struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// POST /admin/nodes
func (a *Admin) AddNode(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port == 0 {
		http.Error(w, "missing host or port", http.StatusBadRequest)
		return
	}
	ep := catalog.NewEndpoint(req.Host, req.Port)
	isNew := a.Reg.Upsert(ep, catalog.OriginUserAdded)
	a.Reg.PersistNow()
	a.Logger.Info("admin_add_node", zap.String("endpoint", ep.Key()), zap.Bool("new", isNew))

	// Profile right away so the node becomes selectable without waiting for
	// the next probe cycle.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Prof.ProfileEndpoint(ctx, ep); err != nil {
			a.Logger.Warn("admin_node_probe_failed", zap.String("endpoint", ep.Key()), zap.Error(err))
			return
		}
		a.Reg.Rebalance()
	}()
	writeJSON(w, http.StatusOK, map[string]any{"status": "added", "endpoint": ep.Key(), "new": isNew})
}

// DELETE /admin/nodes
func (a *Admin) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ep := catalog.NewEndpoint(req.Host, req.Port)
	if !a.Reg.Remove(ep) {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	a.Reg.PersistNow()
	a.Logger.Info("admin_delete_node", zap.String("endpoint", ep.Key()))
	// If the removed node carried the live subscription, move off it now.
	if cur, ok := a.Mgr.PrimaryEndpoint(); ok && cur.Key() == ep.Key() {
		go a.Mgr.ForceFailover(context.Background())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "endpoint": ep.Key()})
}

// GET /admin/nodes
func (a *Admin) ListNodes(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, a.Reg.AllRecords())
}

// POST /admin/probe
func (a *Admin) ForceProbe(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	go a.Prof.ForceProbeAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "probing"})
}

// POST /admin/discover
func (a *Admin) ForceDiscovery(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	go a.Prof.ForceDiscovery(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "discovering"})
}

// POST /admin/subscribe
func (a *Admin) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Addresses) == 0 {
		http.Error(w, "no addresses", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := a.Mgr.Subscribe(ctx, req.Addresses, nil); err != nil {
		a.Logger.Error("admin_subscribe_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.Logger.Info("admin_subscribed", zap.Int("addresses", len(req.Addresses)))
	writeJSON(w, http.StatusOK, map[string]any{"status": "subscribed", "addresses": len(req.Addresses)})
}

// POST /admin/unsubscribe
func (a *Admin) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	a.Mgr.Unsubscribe()
	writeJSON(w, http.StatusOK, map[string]any{"status": "unsubscribed"})
}

// POST /admin/failover
func (a *Admin) ForceFailover(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	go a.Mgr.ForceFailover(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "failover_triggered"})
}

// POST /admin/resync
func (a *Admin) ForceResync(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	a.Mgr.ForceResync(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"status": "resynced"})
}

// POST /admin/clear-discovered
func (a *Admin) ClearDiscovered(w http.ResponseWriter, r *http.Request) {
	if !a.auth(w, r) {
		return
	}
	removed := a.Reg.ClearDiscoveredNodes()
	a.Reg.PersistNow()
	a.Logger.Info("admin_clear_discovered", zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": removed})
}
