package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// FundamentalsSource is what the Research stage scores fundamentals through.
type FundamentalsSource interface {
	Fetch(ctx context.Context, ticker string) (types.Fundamentals, error)
}

// FundamentalsClient fetches fundamental snapshots from the market-data
// provider's HTTP API.
type FundamentalsClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ FundamentalsSource = (*FundamentalsClient)(nil)

// NewFundamentals builds the client.
func NewFundamentals(cfg config.ProvidersConfig, logger *slog.Logger) *FundamentalsClient {
	client := resty.New().
		SetBaseURL(cfg.FundamentalsBaseURL).
		SetTimeout(cfg.Timeouts.MarketData()).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(retryTransient)

	return &FundamentalsClient{
		http:    client,
		breaker: newBreaker("fundamentals", logger),
		logger:  logger.With("component", "fundamentals"),
	}
}

// Fetch returns the fundamental snapshot for one ticker.
func (f *FundamentalsClient) Fetch(ctx context.Context, ticker string) (types.Fundamentals, error) {
	ticker = types.NormalizeTicker(ticker)

	out, err := f.breaker.Execute(func() (any, error) {
		var result types.Fundamentals
		resp, err := f.http.R().
			SetContext(ctx).
			SetPathParam("ticker", ticker).
			SetResult(&result).
			Get("/v1/fundamentals/{ticker}")
		if err != nil {
			return nil, &types.TransientError{Op: "fundamentals " + ticker, Err: err}
		}
		if err := classifyStatus("fundamentals "+ticker, resp.StatusCode(), resp.String()); err != nil {
			return nil, err
		}
		result.Ticker = ticker
		return result, nil
	})
	if err != nil {
		return types.Fundamentals{}, err
	}
	return out.(types.Fundamentals), nil
}
