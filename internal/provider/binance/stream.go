package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	maxRetries  = 10
	readTimeout = 60 * time.Second
)

// miniTicker is one combined-stream frame from the Binance miniTicker
// channel.
type miniTicker struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"` // 24hrMiniTicker
		Symbol    string `json:"s"` // BTCUSDT
		Close     string `json:"c"`
		Open      string `json:"o"`
	} `json:"data"`
}

// StreamWorker keeps the local price cache warm from the Binance
// miniTicker websocket stream, spending no REST quota. Records written
// by the worker carry the binance source and the standard cache TTL;
// the shared store is left to REST-resolved prices.
type StreamWorker struct {
	wsURL    string
	symbols  []string
	cache    domain.KVCache
	cacheTTL time.Duration

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStreamWorker creates a worker subscribing to the given asset keys.
func NewStreamWorker(wsURL string, symbols []string, cache domain.KVCache, cacheTTL time.Duration) *StreamWorker {
	return &StreamWorker{
		wsURL:    wsURL,
		symbols:  symbols,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// Connect starts the connection loop in the background.
func (w *StreamWorker) Connect(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return fmt.Errorf("no stream symbols configured")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("binance stream connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			w.readLoop(ctx)
		}
	}
}

// connect dials the combined stream endpoint. Binance takes the
// subscription in the URL, so there is no subscribe message to send.
func (w *StreamWorker) connect(ctx context.Context) error {
	streams := make([]string, 0, len(w.symbols))
	for _, s := range w.symbols {
		key := domain.NormalizeAssetKey(s)
		if key == "" {
			continue
		}
		streams = append(streams, strings.ToLower(key)+"usdt@miniTicker")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := w.wsURL + "?streams=" + strings.Join(streams, "/")
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	slog.Info("binance stream connected", slog.Int("subs", len(streams)))
	return nil
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *StreamWorker) handleMessage(msg []byte) {
	var frame miniTicker
	if json.Unmarshal(msg, &frame) != nil || frame.Data.EventType != "24hrMiniTicker" {
		return
	}

	price, err := decimal.NewFromString(frame.Data.Close)
	if err != nil || !price.IsPositive() {
		return
	}
	key := domain.NormalizeAssetKey(strings.TrimSuffix(frame.Data.Symbol, "USDT"))
	if key == "" {
		return
	}

	rec := domain.PriceRecord{
		AssetKey:  key,
		PriceUSD:  price,
		UpdatedAt: time.Now(),
		Source:    domain.SourceBinance,
	}
	// miniTicker carries no 24h percentage; derive it from open/close
	if open, err := decimal.NewFromString(frame.Data.Open); err == nil && open.IsPositive() {
		ch := price.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
		rec.Change24h = &ch
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	w.cache.Set(key, payload, w.cacheTTL)
}

// IsConnected reports whether the stream currently holds a connection.
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect stops the worker and waits for the loops to exit.
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
