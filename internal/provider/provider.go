// Package provider holds the shared plumbing for external price source
// clients. Each client implements domain.PriceProvider: symbols in,
// normalized PriceRecords out, with retries and penalty-box arming on
// provider-side throttling.
package provider

import (
	"context"
	"net/http"
	"time"
)

// Penalizer is the slice of the rate limiter a client needs to arm the
// penalty box after exhausted 429 retries.
type Penalizer interface {
	Penalize(provider string, d time.Duration)
}

// NewHTTPClient returns an HTTP client with a bounded timeout and
// conservative connection pooling shared by all provider clients.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Chunk splits symbols into batches of at most size. A non-positive size
// yields a single batch.
func Chunk(symbols []string, size int) [][]string {
	if size <= 0 || len(symbols) <= size {
		if len(symbols) == 0 {
			return nil
		}
		return [][]string{symbols}
	}
	out := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}

// SleepCtx waits d or until ctx is done, returning ctx.Err() in the
// latter case.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
