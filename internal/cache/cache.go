// Package cache implements the write-through price-data and sentiment
// caches over the state store.
//
// A miss fetches from the corresponding provider and upserts with
// expires_at = fetched_at + TTL (default 16h). Corrupt stored JSON is
// treated as a miss. Concurrent misses for the same key may double-fetch;
// the upsert is idempotent so last write wins harmlessly.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/providers"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

const (
	dataTypeDailyBars    = "daily_bars"
	dataTypeFundamentals = "fundamentals"
)

// BarSource is the slice of the broker contract the price cache fetches
// through on a miss.
type BarSource interface {
	GetBars(ctx context.Context, ticker string, tf broker.Timeframe, start, end time.Time) ([]types.PriceBar, error)
}

// Prices caches daily OHLCV history and fundamental snapshots.
type Prices struct {
	store        *store.Store
	bars         BarSource
	fundamentals providers.FundamentalsSource
	ttl          time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewPrices builds the price-data cache.
func NewPrices(st *store.Store, bars BarSource, fundamentals providers.FundamentalsSource, ttl time.Duration, logger *slog.Logger) *Prices {
	return &Prices{
		store:        st,
		bars:         bars,
		fundamentals: fundamentals,
		ttl:          ttl,
		logger:       logger.With("component", "price-cache"),
		now:          time.Now,
	}
}

// SetNow overrides the wall clock. Tests only.
func (p *Prices) SetNow(now func() time.Time) { p.now = now }

// DailyBars returns at least lookbackDays of daily bars for ticker,
// oldest first, fetching through the broker on a miss.
func (p *Prices) DailyBars(ctx context.Context, ticker string, lookbackDays int) ([]types.PriceBar, error) {
	now := p.now().UTC()

	if blob, err := p.store.GetMarketData(ctx, ticker, dataTypeDailyBars, now); err == nil {
		var bars []types.PriceBar
		if jerr := json.Unmarshal(blob, &bars); jerr == nil && len(bars) > 0 {
			return bars, nil
		}
		// Corrupt rows fall through to a fresh fetch.
		p.logger.Warn("corrupt bar cache row, refetching", "ticker", ticker)
	}

	// Fetch a calendar window wide enough to yield lookbackDays sessions.
	start := now.AddDate(0, 0, -(lookbackDays*7/5 + 10))
	bars, err := p.bars.GetBars(ctx, ticker, broker.TimeframeDay, start, now)
	if err != nil {
		return nil, err
	}
	if blob, err := json.Marshal(bars); err == nil {
		if perr := p.store.PutMarketData(ctx, ticker, dataTypeDailyBars, blob, now, now.Add(p.ttl)); perr != nil {
			p.logger.Warn("bar cache write failed", "ticker", ticker, "error", perr)
		}
	}
	return bars, nil
}

// Fundamentals returns the cached fundamental snapshot for ticker,
// fetching through the provider on a miss.
func (p *Prices) Fundamentals(ctx context.Context, ticker string) (types.Fundamentals, error) {
	now := p.now().UTC()

	if blob, err := p.store.GetMarketData(ctx, ticker, dataTypeFundamentals, now); err == nil {
		var f types.Fundamentals
		if jerr := json.Unmarshal(blob, &f); jerr == nil && f.Ticker != "" {
			return f, nil
		}
		p.logger.Warn("corrupt fundamentals cache row, refetching", "ticker", ticker)
	}

	f, err := p.fundamentals.Fetch(ctx, ticker)
	if err != nil {
		return types.Fundamentals{}, err
	}
	if blob, err := json.Marshal(f); err == nil {
		if perr := p.store.PutMarketData(ctx, ticker, dataTypeFundamentals, blob, now, now.Add(p.ttl)); perr != nil {
			p.logger.Warn("fundamentals cache write failed", "ticker", ticker, "error", perr)
		}
	}
	return f, nil
}

// Sentiment caches per-ticker sentiment readings, batching provider
// fetches to respect rate limits.
type Sentiment struct {
	store      *store.Store
	source     providers.SentimentSource
	ttl        time.Duration
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSentiment builds the sentiment cache.
func NewSentiment(st *store.Store, source providers.SentimentSource, ttl time.Duration, batchSize int, batchDelay time.Duration, logger *slog.Logger) *Sentiment {
	return &Sentiment{
		store:      st,
		source:     source,
		ttl:        ttl,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		logger:     logger.With("component", "sentiment-cache"),
		now:        time.Now,
	}
}

// SetNow overrides the wall clock. Tests only.
func (s *Sentiment) SetNow(now func() time.Time) { s.now = now }

// GetBatch returns sentiment entries for the given tickers, fetching only
// the expired or absent ones. Failed tickers are simply missing from the
// result; callers fall back to the neutral placeholder score.
func (s *Sentiment) GetBatch(ctx context.Context, tickers []string) (map[string]types.SentimentEntry, error) {
	now := s.now().UTC()
	out := make(map[string]types.SentimentEntry, len(tickers))
	var misses []string

	for _, raw := range tickers {
		ticker := types.NormalizeTicker(raw)
		entry, err := s.store.GetSentiment(ctx, ticker, now)
		if err == nil {
			out[ticker] = *entry
			continue
		}
		misses = append(misses, ticker)
	}
	if len(misses) == 0 {
		return out, nil
	}

	err := providers.Batched(ctx, misses, s.batchSize, s.batchDelay, func(ctx context.Context, batch []string) error {
		readings, err := s.source.FetchBatch(ctx, batch)
		if err != nil {
			// A failed batch is logged and skipped; remaining batches proceed.
			s.logger.Warn("sentiment batch failed", "tickers", batch, "error", err)
			return nil
		}
		for _, r := range readings {
			entry := types.SentimentEntry{
				Ticker:    types.NormalizeTicker(r.Ticker),
				Score:     r.Score,
				Summary:   r.Summary,
				Reasoning: r.Reasoning,
				FetchedAt: now,
				ExpiresAt: now.Add(s.ttl),
			}
			if perr := s.store.PutSentiment(ctx, entry); perr != nil {
				s.logger.Warn("sentiment cache write failed", "ticker", entry.Ticker, "error", perr)
			}
			out[entry.Ticker] = entry
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
