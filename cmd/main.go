package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"quotefeed/internal/cache"
	"quotefeed/internal/compositor"
	"quotefeed/internal/config"
	"quotefeed/internal/feed"
	"quotefeed/internal/httpapi"
	"quotefeed/internal/metrics"
	"quotefeed/internal/symbols"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCache := cache.New(cfg.StalenessThreshold(), logger)
	comp := compositor.New(obsCache, compositor.Config{
		MinVenues:    cfg.MinVenues,
		MaxStaleness: cfg.MaxQuoteStaleness(),
	}, logger)

	var wg sync.WaitGroup
	feeds := make(map[string]*feed.Feed, len(cfg.Venues))
	statuses := make(map[string]httpapi.FeedStatus, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		f, err := feed.New(feed.Config{
			Venue:      vc.Name,
			Endpoints:  vc.Endpoints,
			Pairs:      cfg.Pairs,
			Translator: symbols.NewTranslator(vc.Symbols),
			Decoder:    &feed.BinanceDecoder{WithTrades: vc.WithTrades},
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("building feed", zap.String("venue", vc.Name), zap.Error(err))
		}
		feeds[vc.Name] = f
		statuses[vc.Name] = f

		wg.Add(1)
		go func() {
			defer wg.Done()
			ingest(ctx, f, obsCache)
		}()

		if err := f.Connect(); err != nil {
			// Not fatal: the feed's reconnect scheduler keeps retrying.
			logger.Warn("initial connect failed", zap.String("venue", vc.Name), zap.Error(err))
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupLoop(ctx, obsCache, cfg.CleanupInterval())
	}()

	api := httpapi.NewServer(comp, obsCache, statuses, logger)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	for _, f := range feeds {
		f.Disconnect()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
}

// ingest drains one feed's delivery channel into the cache.
func ingest(ctx context.Context, f *feed.Feed, c *cache.Cache) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-f.Observations():
			c.Set(obs)
			metrics.ObservationsIngested.WithLabelValues(obs.Venue, string(obs.Kind)).Inc()
		}
	}
}

// cleanupLoop bounds cache memory; read-time filtering handles staleness
// regardless of how often this runs.
func cleanupLoop(ctx context.Context, c *cache.Cache, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Cleanup()
			metrics.CleanupRemoved.Add(float64(removed))
			stats := c.GetStats()
			metrics.CacheEntries.WithLabelValues("fresh").Set(float64(stats.FreshEntries))
			metrics.CacheEntries.WithLabelValues("stale").Set(float64(stats.StaleEntries))
		}
	}
}
