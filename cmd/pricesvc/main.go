package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/app"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
)

func main() {
	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := infra.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("❌ Configuration failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)
	defer a.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/prices", func(w http.ResponseWriter, r *http.Request) {
		rctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout())
		defer cancel()
		writePrices(w, rctx, a.Resolver, r.URL.Query().Get("symbols"))
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r.Context(), a.Resolver, a.StreamConnected())
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout() + 5*time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "✅ Price service listening", slog.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("❌ HTTP server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", slog.Any("error", err))
	}
}
