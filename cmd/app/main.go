package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/config"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/netwatch"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/profiler"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/registry"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/selector"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/store"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/subscription"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

func main() {
	PrintVersion()

	app := loadAppConfig()
	logger := initLogger(app.LogLevel)
	defer logger.Sync()

	cfg, err := config.Load(app.ConfigFile, logger)
	if err != nil {
		logger.Fatal("config_load_error", zap.Error(err))
	}
	metrics.Init()

	fileStore := store.NewFileStore(app.CatalogPath)
	reg := registry.New(cfg.Registry, fileStore, logger)
	if err := reg.Load(); err != nil {
		logger.Warn("catalog_load_failed", zap.Error(err))
	}

	pool := transport.NewWSPool(app.TorSocks, logger)
	sel := selector.New(reg, logger)
	mgr := subscription.NewManager(cfg.Subscription, sel, pool, logger)
	watch := netwatch.New(logger)

	prof := profiler.New(cfg, profiler.Deps{
		Registry: reg,
		Pool:     pool,
		Epoch:    watch.Epoch,
		Primary:  mgr.PrimaryEndpoint,
		OnBetterNode: func(ep catalog.Endpoint) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mgr.ReconnectToEndpoint(ctx, ep); err != nil {
				logger.Warn("better_node_switch_failed", zap.String("endpoint", ep.Key()), zap.Error(err))
			}
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watch.Run(ctx, 5*time.Second)
	watch.Subscribe(func(epoch uint64) {
		reg.ResetEpochStats(epoch)
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := mgr.Resubscribe(rctx); err != nil {
				logger.Warn("epoch_resubscribe_failed", zap.Error(err))
			}
		}()
	})

	go func() {
		bootCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := prof.QuickBoot(bootCtx); err != nil {
			logger.Warn("quick_boot_failed", zap.Error(err))
		}
	}()
	prof.Start()

	registerRoutes(reg, sel, prof, mgr, pool, watch, app, logger)
	go startServer(app.Host, app.Port, logger)

	<-ctx.Done()
	logger.Info("shutting_down")
	prof.Stop()
	mgr.Unsubscribe()
	reg.PersistNow()
	pool.PruneIdleConnections(0)
	_ = os.Stdout.Sync()
}
