package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// LLMSource is the language-model surface the optimizer and the news
// summarizer consume. Complete is a single request-response; deep selects
// the long-deadline profile used for the final allocation call.
type LLMSource interface {
	Complete(ctx context.Context, system, user string, deep bool) (string, error)
	Summarize(ctx context.Context, payload string) (string, error)
}

// LLM talks to an OpenAI-compatible chat-completions endpoint.
type LLM struct {
	http    *resty.Client
	model   string
	fast    time.Duration
	deep    time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ LLMSource = (*LLM)(nil)

// NewLLM builds the client. The per-request timeout is chosen per call
// (fast vs. deep), so the resty client itself carries no timeout.
func NewLLM(cfg config.ProvidersConfig, logger *slog.Logger) *LLM {
	client := resty.New().
		SetBaseURL(cfg.LLMBaseURL).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		AddRetryCondition(retryTransient).
		SetHeader("Content-Type", "application/json")
	if cfg.LLMAPIKey != "" {
		client.SetAuthToken(cfg.LLMAPIKey)
	}

	return &LLM{
		http:    client,
		model:   cfg.LLMModel,
		fast:    cfg.Timeouts.LLMFast(),
		deep:    cfg.Timeouts.LLMDeep(),
		breaker: newBreaker("llm", logger),
		logger:  logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion and returns the raw content string.
// JSON-mode is requested so optimizer output parses strictly.
func (l *LLM) Complete(ctx context.Context, system, user string, deep bool) (string, error) {
	timeout := l.fast
	if deep {
		timeout = l.deep
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Deep calls are the optimizer's; those must come back as strict JSON.
	var format *respFormat
	if deep {
		format = &respFormat{Type: "json_object"}
	}

	out, err := l.breaker.Execute(func() (any, error) {
		var result chatResponse
		resp, err := l.http.R().
			SetContext(ctx).
			SetBody(chatRequest{
				Model: l.model,
				Messages: []chatMessage{
					{Role: "system", Content: system},
					{Role: "user", Content: user},
				},
				ResponseFormat: format,
			}).
			SetResult(&result).
			Post("/v1/chat/completions")
		if err != nil {
			return nil, &types.TransientError{Op: "llm complete", Err: err}
		}
		if err := classifyStatus("llm complete", resp.StatusCode(), resp.String()); err != nil {
			return nil, err
		}
		if len(result.Choices) == 0 {
			return nil, &types.PermanentError{Op: "llm complete", Err: fmt.Errorf("empty choices")}
		}
		return result.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Summarize condenses a news payload into a short text summary.
func (l *LLM) Summarize(ctx context.Context, payload string) (string, error) {
	return l.Complete(ctx,
		"You summarize market news. Reply with two dense sentences, no preamble.",
		payload, false)
}
