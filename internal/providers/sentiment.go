package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// SentimentReading is the wire shape of one provider result.
type SentimentReading struct {
	Ticker    string  `json:"ticker"`
	Score     float64 `json:"sentiment_score"`
	Summary   string  `json:"news_summary"`
	Reasoning string  `json:"sentiment_reasoning"`
}

// SentimentSource is what the sentiment cache fetches through on a miss.
type SentimentSource interface {
	FetchBatch(ctx context.Context, tickers []string) ([]SentimentReading, error)
}

// Sentiment is the HTTP sentiment provider. One POST per batch of tickers.
type Sentiment struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ SentimentSource = (*Sentiment)(nil)

// NewSentiment builds the client with retry on 429/5xx and a circuit
// breaker that opens after a run of consecutive failures.
func NewSentiment(cfg config.ProvidersConfig, logger *slog.Logger) *Sentiment {
	client := resty.New().
		SetBaseURL(cfg.SentimentBaseURL).
		SetTimeout(cfg.Timeouts.Sentiment()).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(retryTransient).
		SetHeader("Content-Type", "application/json")
	if cfg.SentimentAPIKey != "" {
		client.SetAuthToken(cfg.SentimentAPIKey)
	}

	return &Sentiment{
		http:    client,
		breaker: newBreaker("sentiment", logger),
		logger:  logger.With("component", "sentiment"),
	}
}

// FetchBatch fetches sentiment for up to one rate-limit batch of tickers.
func (s *Sentiment) FetchBatch(ctx context.Context, tickers []string) ([]SentimentReading, error) {
	normalized := make([]string, len(tickers))
	for i, t := range tickers {
		normalized[i] = types.NormalizeTicker(t)
	}

	out, err := s.breaker.Execute(func() (any, error) {
		var result struct {
			Results []SentimentReading `json:"results"`
		}
		resp, err := s.http.R().
			SetContext(ctx).
			SetBody(map[string]any{"tickers": normalized}).
			SetResult(&result).
			Post("/v1/sentiment/batch")
		if err != nil {
			return nil, &types.TransientError{Op: "sentiment batch", Err: err}
		}
		if err := classifyStatus("sentiment batch", resp.StatusCode(), resp.String()); err != nil {
			return nil, err
		}
		return result.Results, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]SentimentReading), nil
}

// retryTransient is the shared resty retry condition: network errors, 429,
// and 5xx are worth retrying; other statuses are not.
func retryTransient(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// classifyStatus maps an HTTP status onto the error taxonomy.
func classifyStatus(op string, code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &types.TransientError{Op: op, Err: fmt.Errorf("status %d: %s", code, body)}
	default:
		return &types.PermanentError{Op: op, Err: fmt.Errorf("status %d: %s", code, body)}
	}
}

// newBreaker builds the shared provider circuit settings: open after 5
// consecutive failures, retry one probe after 60s.
func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change", "provider", n, "from", from.String(), "to", to.String())
		},
	})
}
