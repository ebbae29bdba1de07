package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/service"
)

// priceResolver is the slice of the service the handlers need; tests
// substitute a fake.
type priceResolver interface {
	Resolve(ctx context.Context, symbols []string) (service.Result, error)
	Status(ctx context.Context) service.Status
}

type pricesResponse struct {
	Prices  map[string]domain.PriceRecord `json:"prices"`
	Warning string                        `json:"warning,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writePrices handles GET /api/prices?symbols=BTC,ETH.
func writePrices(w http.ResponseWriter, ctx context.Context, r priceResolver, symbolsParam string) {
	symbols := splitSymbols(symbolsParam)
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "symbols query parameter is required"})
		return
	}

	result, err := r.Resolve(ctx, symbols)
	if err != nil {
		slog.Error("price resolution failed", slog.Any("error", err))
		status := http.StatusBadGateway
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			// misconfigured credentials are our fault, not the upstream's
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, pricesResponse{Prices: result.Prices, Warning: result.Warning})
}

type statusResponse struct {
	service.Status
	StreamConnected *bool `json:"stream_connected,omitempty"`
}

// writeStatus handles GET /api/status. streamConnected is nil when no
// websocket stream worker is configured.
func writeStatus(w http.ResponseWriter, ctx context.Context, r priceResolver, streamConnected *bool) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:          r.Status(ctx),
		StreamConnected: streamConnected,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", slog.Any("error", err))
	}
}

func splitSymbols(param string) []string {
	var out []string
	for _, s := range strings.Split(param, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
