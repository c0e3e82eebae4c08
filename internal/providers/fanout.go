// Package providers implements the external market-data, sentiment, and
// LLM adapters plus the shared fan-out primitive every stage uses for
// bounded per-ticker concurrency.
//
// HTTP clients are resty with retry on 429/5xx (3 attempts, exponential
// backoff) and a gobreaker circuit around each provider: a run of hard
// failures opens the breaker and surfaces as a provider outage instead of
// hammering a dead endpoint.
package providers

import (
	"context"
	"sync"
	"time"
)

// FanOut runs fn over items with at most limit goroutines in flight.
// Per-item errors are collected, not fatal: the result maps each failed
// item's index to its error. A cancelled ctx stops dispatching new items;
// in-flight items run to completion.
func FanOut[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) map[int]error {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[int]error)
	)

	for i, item := range items {
		if ctx.Err() != nil {
			mu.Lock()
			errs[i] = ctx.Err()
			mu.Unlock()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs[i] = err
				mu.Unlock()
			}
		}(i, item)
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Batched iterates items in groups of size, sleeping delay between groups.
// Used for providers with per-minute rate limits (sentiment, news). The
// callback receives each whole batch; ctx cancellation stops between batches.
func Batched[T any](ctx context.Context, items []T, size int, delay time.Duration, fn func(ctx context.Context, batch []T) error) error {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		if err := fn(ctx, items[start:end]); err != nil {
			return err
		}
		if end < len(items) && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}
