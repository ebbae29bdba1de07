// Package app wires configuration, storage, cache, rate limiting,
// providers and the resolver into a running service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/cache"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra/storage"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/provider/binance"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/provider/coingecko"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/provider/tokenmetrics"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/ratelimit"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/service"
)

// App holds the wired service components.
type App struct {
	Config   *infra.Config
	Metrics  *infra.Metrics
	Resolver *service.Resolver

	stream *binance.StreamWorker
	icons  *infra.IconDownloader
}

// New builds the service from configuration. Providers are placed in the
// chain in priority order: TokenMetrics first, then CoinGecko, then
// Binance REST.
func New(cfg *infra.Config) (*App, error) {
	store, err := storage.NewStorage(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var priceCache domain.KVCache
	if cfg.Cache.Persist {
		priceCache = cache.NewPersistent(store)
	} else {
		priceCache = cache.NewMemory()
	}

	limiter := ratelimit.New(map[string]ratelimit.Policy{
		domain.SourceTokenMetrics: {
			MinInterval:  cfg.Providers.TokenMetrics.MinInterval(),
			HourlyBudget: cfg.Providers.TokenMetrics.HourlyBudget,
		},
		domain.SourceCoinGecko: {
			MinInterval:  cfg.Providers.CoinGecko.MinInterval(),
			HourlyBudget: cfg.Providers.CoinGecko.HourlyBudget,
		},
		domain.SourceBinance: {
			MinInterval:  cfg.Providers.Binance.MinInterval(),
			HourlyBudget: cfg.Providers.Binance.HourlyBudget,
		},
	})

	var providers []domain.PriceProvider
	if cfg.Providers.TokenMetrics.Enabled {
		providers = append(providers, tokenmetrics.New(cfg.Providers.TokenMetrics, limiter))
		slog.Info("tokenmetrics provider enabled",
			slog.String("api_key", infra.RedactKey(cfg.Providers.TokenMetrics.APIKey)))
	}
	if cfg.Providers.CoinGecko.Enabled {
		providers = append(providers, coingecko.New(cfg.Providers.CoinGecko))
		slog.Info("coingecko provider enabled")
	}
	if cfg.Providers.Binance.Enabled {
		providers = append(providers, binance.New(cfg.Providers.Binance))
		slog.Info("binance provider enabled")
	}

	metrics := &infra.Metrics{}
	resolver := service.NewResolver(
		priceCache, store, limiter, providers, metrics,
		cfg.CacheTTL(), cfg.FreshWindow(), cfg.ExtendedWindow(),
	)

	a := &App{
		Config:   cfg,
		Metrics:  metrics,
		Resolver: resolver,
	}

	if cfg.Providers.Binance.Enabled && len(cfg.Binance.StreamSymbols) > 0 {
		a.stream = binance.NewStreamWorker(cfg.Binance.WSURL, cfg.Binance.StreamSymbols, priceCache, cfg.CacheTTL())
	}
	if cfg.Icons.Enabled {
		icons, err := infra.NewIconDownloader()
		if err != nil {
			slog.Warn("icon downloader disabled", slog.Any("error", err))
		} else {
			a.icons = icons
		}
	}
	return a, nil
}

// Start launches the background workers.
func (a *App) Start(ctx context.Context) {
	if a.stream != nil {
		if err := a.stream.Connect(ctx); err != nil {
			slog.Warn("binance stream not started", slog.Any("error", err))
		}
	}
	if a.icons != nil && len(a.Config.Binance.StreamSymbols) > 0 {
		go a.syncIcons(ctx, a.Config.Binance.StreamSymbols)
	}
}

// syncIcons downloads asset icons in the background, a few at a time.
// Failures are logged and skipped; icons never block price resolution.
func (a *App) syncIcons(ctx context.Context, symbols []string) {
	sem := make(chan struct{}, 3)
	var wg sync.WaitGroup
	for _, s := range symbols {
		key := domain.NormalizeAssetKey(s)
		if key == "" {
			continue
		}
		if _, err := os.Stat(a.icons.IconPath(key)); err == nil {
			continue // already mirrored
		}
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := a.icons.DownloadIcon(key); err != nil {
				slog.Debug("icon download skipped", slog.String("asset", key), slog.Any("error", err))
			}
		}(key)
	}
	wg.Wait()
	slog.Info("icon sync finished", slog.Int("assets", len(symbols)))
}

// StreamConnected reports the websocket stream state: nil when no stream
// worker is configured, otherwise whether it currently holds a connection.
func (a *App) StreamConnected() *bool {
	if a.stream == nil {
		return nil
	}
	connected := a.stream.IsConnected()
	return &connected
}

// Stop shuts the background workers down.
func (a *App) Stop() {
	if a.stream != nil {
		a.stream.Disconnect()
	}
}
