package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/engine"
	"tickflow/internal/event"
	"tickflow/internal/feed"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	watchlistPath := flag.String("watchlist", "config/watchlist.yml", "Path to watchlist file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": env,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	mux, stopFeeds, err := feed.BuildMux(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to build provider feeds")
		os.Exit(1)
	}

	eng := engine.New(cfg, mux, log)
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	var handles []*registry.Handle
	for _, name := range cfg.EnabledProviders() {
		pc, ok := cfg.Provider(name)
		if !ok {
			continue
		}
		for _, sym := range pc.Symbols {
			h, err := eng.Subscribe(ctx, name, sym, event.ChannelTicker, event.Params{})
			if err != nil {
				log.WithComponent("main").WithError(err).WithFields(logger.Fields{
					"provider": name,
					"symbol":   sym,
				}).Warn("subscription failed")
				continue
			}
			handles = append(handles, h)
		}
	}

	tracked := trackWatchlist(ctx, eng, cfg, *watchlistPath, config.IsProductionLike(env), log)

	go reportLoop(ctx, eng, tracked, log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer releaseCancel()

	for _, sym := range tracked {
		if err := eng.Untrack(releaseCtx, sym); err != nil {
			log.WithComponent("main").WithError(err).WithField("symbol", sym).Warn("untrack failed during shutdown")
		}
	}
	for _, h := range handles {
		if err := eng.Release(releaseCtx, h); err != nil {
			log.WithComponent("main").WithError(err).Warn("release failed during shutdown")
		}
	}

	eng.Stop()
	stopFeeds()

	log.Info("tickflow stopped")
}

// trackWatchlist enrolls aggregation targets from the watchlist file and
// the aggregate config section. A missing watchlist file is not fatal;
// a broken target is fatal only in production-like environments.
func trackWatchlist(ctx context.Context, eng *engine.Engine, cfg *config.Config, path string, strict bool, log *logger.Log) []string {
	mlog := log.WithComponent("main")

	type target struct {
		symbol    string
		providers []string
	}
	var targets []target

	wl, err := config.LoadWatchlist(path)
	switch {
	case err == nil:
		for _, entry := range wl.Entries {
			providers := entry.Providers
			if len(providers) == 0 {
				providers = cfg.Aggregate.Providers
			}
			targets = append(targets, target{symbol: entry.Symbol, providers: providers})
		}
	case errors.Is(err, os.ErrNotExist):
		mlog.WithField("path", path).Info("no watchlist file, skipping")
	default:
		mlog.WithError(err).WithField("path", path).Warn("failed to load watchlist")
	}

	for _, sym := range cfg.Aggregate.Symbols {
		targets = append(targets, target{symbol: sym, providers: cfg.Aggregate.Providers})
	}

	var tracked []string
	for _, tg := range targets {
		if len(tg.providers) == 0 {
			mlog.WithField("symbol", tg.symbol).Warn("no providers configured for aggregation target")
			continue
		}
		if err := eng.Track(ctx, tg.symbol, tg.providers); err != nil {
			if strict {
				mlog.WithError(err).WithField("symbol", tg.symbol).Error("failed to track symbol")
				os.Exit(1)
			}
			mlog.WithError(err).WithField("symbol", tg.symbol).Warn("failed to track symbol")
			continue
		}
		tracked = append(tracked, tg.symbol)
	}

	if len(tracked) > 0 {
		mlog.WithFields(logger.Fields{"symbols": tracked}).Info("aggregation targets tracked")
	}
	return tracked
}

// reportLoop periodically logs engine statistics, connection states and
// cross-provider spreads for the tracked symbols.
func reportLoop(ctx context.Context, eng *engine.Engine, tracked []string, log *logger.Log) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	rlog := log.WithComponent("report")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.Report()

			for _, snap := range eng.ConnectionStatus() {
				rlog.WithFields(logger.Fields{
					"provider":   snap.Provider,
					"state":      snap.State.String(),
					"last_event": snap.Metrics.LastEventAt,
					"reconnects": snap.Metrics.ReconnectCount,
				}).Info("provider connection state")
			}

			for _, sym := range tracked {
				spread, ok := eng.AggregatedSpread(sym)
				if !ok {
					continue
				}
				rlog.WithFields(logger.Fields{
					"symbol":       spread.Symbol,
					"min_provider": spread.MinProvider,
					"min_price":    spread.MinPrice,
					"max_provider": spread.MaxProvider,
					"max_price":    spread.MaxPrice,
					"spread_pct":   spread.Percent,
				}).Info("cross-provider spread")
			}
		}
	}
}
