package main

import (
	"net/http"

	"go.uber.org/zap"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/api"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/docs"
	_ "github.com/shuliakovsky/kaspa-nodepool/pkg/docs"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/netwatch"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/profiler"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/selector"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/subscription"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

func registerRoutes(
	reg *registry.Registry,
	sel *selector.Selector,
	prof *profiler.Profiler,
	mgr *subscription.Manager,
	pool transport.Pool,
	watch *netwatch.Watcher,
	cfg appConfig,
	logger *zap.Logger,
) {
	public := api.NewPublic(reg, sel, mgr, watch, logger)
	adminAPI := api.NewAdmin(reg, prof, mgr, cfg.AdminKey, logger)
	broadcast := api.NewBroadcast(sel, pool, logger)
	wsAPI := api.NewWS(mgr, logger)

	// Core control endpoints
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	// Swagger
	http.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/swagger.json"),
		httpSwagger.InstanceName("swagger"),
	))
	http.HandleFunc("/swagger/swagger.json", docs.JSONHandler)

	// Public routes
	http.HandleFunc("/nodes", public.Nodes)
	http.HandleFunc("/pool", public.Pool)
	http.HandleFunc("/subscription", public.Subscription)
	http.HandleFunc("/best", public.BestNodes)
	http.HandleFunc("/broadcast/tx", broadcast.SubmitTransaction)

	// Admin routes
	http.HandleFunc("/admin/nodes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminAPI.ListNodes(w, r)
		case http.MethodPost:
			adminAPI.AddNode(w, r)
		case http.MethodDelete:
			adminAPI.DeleteNode(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	http.HandleFunc("/admin/subscribe", adminAPI.Subscribe)
	http.HandleFunc("/admin/unsubscribe", adminAPI.Unsubscribe)
	http.HandleFunc("/admin/probe", adminAPI.ForceProbe)
	http.HandleFunc("/admin/discover", adminAPI.ForceDiscovery)
	http.HandleFunc("/admin/failover", adminAPI.ForceFailover)
	http.HandleFunc("/admin/resync", adminAPI.ForceResync)
	http.HandleFunc("/admin/clear-discovered", adminAPI.ClearDiscovered)

	// WebSocket notification stream
	http.HandleFunc("/ws/utxos", wsAPI.ServeUtxos)

	// Metrics
	http.Handle("/metrics", metrics.Handler())
}
