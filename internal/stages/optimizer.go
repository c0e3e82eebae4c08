package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/providers"
	"tradedesk/pkg/types"
)

// promptCandidateLimit bounds the optimizer prompt; candidates beyond the
// limit (ranked by composite) are not shown to the model.
const promptCandidateLimit = 40

// Optimizer turns the Portfolio selections plus full risk data into a
// final capital allocation via the LLM, with a deterministic fallback
// when the model is unavailable or returns garbage.
type Optimizer struct {
	llm     providers.LLMSource
	trading config.TradingConfig
	logger  *slog.Logger
}

// NewOptimizer builds the runner.
func NewOptimizer(llm providers.LLMSource, trading config.TradingConfig, logger *slog.Logger) *Optimizer {
	return &Optimizer{llm: llm, trading: trading, logger: logger.With("component", "optimizer")}
}

// Run produces the final allocation. availableCapital is the cash the
// plan may deploy; portfolioValue bounds per-position size.
func (o *Optimizer) Run(ctx context.Context, candidates []types.Candidate, selections []types.PortfolioSelection, held []types.Position, availableCapital, portfolioValue float64) (types.StageResult, *types.OptimizerResult) {
	res := types.StageResult{Stage: types.StageOptimizer}

	result, err := o.optimize(ctx, candidates, selections, held, availableCapital, portfolioValue)
	if err != nil {
		o.logger.Warn("optimizer falling back to deterministic allocation", "error", err)
		res.Issues = issuef(res.Issues, "llm optimizer unavailable: %v", err)
		result = o.fallback(candidates, held, availableCapital)
	}
	o.validate(result, availableCapital, portfolioValue, &res)

	res.Success = true
	res.QualityScore = optimizerQuality(result, held, o.trading)
	res.Message = fmt.Sprintf("%d buys, %d sells, %.0f%% deployed", len(result.Buys), len(result.Sells), result.DeploymentPct)
	if result.Fallback {
		res.Message += " (deterministic fallback)"
	}
	res.Data = map[string]any{
		"buys":           len(result.Buys),
		"sells":          len(result.Sells),
		"deployment_pct": result.DeploymentPct,
		"fallback":       result.Fallback,
	}
	return res, result
}

// optimize runs the deep LLM call and parses its strict-JSON contract.
func (o *Optimizer) optimize(ctx context.Context, candidates []types.Candidate, selections []types.PortfolioSelection, held []types.Position, availableCapital, portfolioValue float64) (*types.OptimizerResult, error) {
	prompt, err := o.buildPrompt(candidates, selections, held, availableCapital, portfolioValue)
	if err != nil {
		return nil, err
	}
	raw, err := o.llm.Complete(ctx, optimizerSystemPrompt, prompt, true)
	if err != nil {
		return nil, err
	}

	var result types.OptimizerResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil {
		return nil, &types.SchemaError{Source: "optimizer response", Err: err}
	}
	return &result, nil
}

const optimizerSystemPrompt = `You are a portfolio optimizer for a swing-trading equity desk.
Allocate the available capital across the candidate buys and decide explicit sells for current holdings.
Hard constraints: target 15-20 total positions; no single allocation above 10% of portfolio value; deploy 90-100% of available capital; keep any single sector at or below 30%.
Respond with JSON only, shaped exactly as:
{"sells":[{"ticker":"...","sell_pct":0,"reasoning":"..."}],"buys":[{"ticker":"...","allocated_capital":0,"allocation_pct":0,"is_position_adjustment":false,"reasoning":"..."}],"total_allocated":0,"deployment_pct":0,"portfolio_reasoning":"..."}`

// buildPrompt serializes the decision inputs. Candidates are truncated to
// the prompt limit; holdings always ride along in full.
func (o *Optimizer) buildPrompt(candidates []types.Candidate, selections []types.PortfolioSelection, held []types.Position, availableCapital, portfolioValue float64) (string, error) {
	shown := candidates
	if len(shown) > promptCandidateLimit {
		shown = shown[:promptCandidateLimit]
	}
	input := map[string]any{
		"available_capital": availableCapital,
		"portfolio_value":   portfolioValue,
		"candidates":        shown,
		"selections":        selections,
		"holdings":          held,
	}
	blob, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal optimizer input: %w", err)
	}
	return string(blob), nil
}

// fallback is the deterministic allocation used when the LLM cannot:
// equal-weight 90% of capital over the top ten non-held candidates, and
// sell any holding whose re-scored composite dropped under 55.
func (o *Optimizer) fallback(candidates []types.Candidate, held []types.Position, availableCapital float64) *types.OptimizerResult {
	heldSet := make(map[string]bool, len(held))
	for _, p := range held {
		heldSet[types.NormalizeTicker(p.Ticker)] = true
	}

	var buys []types.AIAllocation
	var picked []types.Candidate
	for _, c := range candidates {
		if heldSet[c.Ticker] {
			continue
		}
		picked = append(picked, c)
		if len(picked) == 10 {
			break
		}
	}
	deploy := 0.90 * availableCapital
	if len(picked) > 0 {
		per := decimal.NewFromFloat(deploy).DivRound(decimal.NewFromInt(int64(len(picked))), 2)
		for _, c := range picked {
			buys = append(buys, types.AIAllocation{
				Ticker:           c.Ticker,
				AllocatedCapital: per,
				AllocationPct:    100.0 / float64(len(picked)) * 0.90,
				Reasoning:        "fallback equal-weight allocation",
			})
		}
	}

	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Ticker] = c.CompositeScore
	}
	var sells []types.AISell
	for _, p := range held {
		ticker := types.NormalizeTicker(p.Ticker)
		if score, ok := scores[ticker]; ok && score < 55 {
			sells = append(sells, types.AISell{
				Ticker:    ticker,
				SellPct:   100,
				Reasoning: fmt.Sprintf("composite score %.1f below hold threshold", score),
			})
		}
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i].Ticker < sells[j].Ticker })

	total := decimal.Zero
	for _, b := range buys {
		total = total.Add(b.AllocatedCapital)
	}
	deploymentPct := 0.0
	if availableCapital > 0 {
		deploymentPct, _ = total.Div(decimal.NewFromFloat(availableCapital)).Mul(decimal.NewFromInt(100)).Float64()
	}
	return &types.OptimizerResult{
		Sells:              sells,
		Buys:               buys,
		TotalAllocated:     total,
		DeploymentPct:      deploymentPct,
		PortfolioReasoning: "deterministic fallback: equal-weight top candidates, exit weak holdings",
		Fallback:           true,
	}
}

// validate sanitizes the result in place: invalid entries are dropped,
// over-cap allocations clamped, totals recomputed. Violations become
// stage issues, never silent repairs of intent.
func (o *Optimizer) validate(result *types.OptimizerResult, availableCapital, portfolioValue float64, res *types.StageResult) {
	perCap := decimal.NewFromFloat(o.trading.MaxPositionPct * portfolioValue)

	buys := result.Buys[:0]
	for _, b := range result.Buys {
		b.Ticker = types.NormalizeTicker(b.Ticker)
		if !types.ValidTicker(b.Ticker) || !b.AllocatedCapital.IsPositive() {
			res.Issues = issuef(res.Issues, "dropped malformed buy %q", b.Ticker)
			continue
		}
		if b.AllocatedCapital.GreaterThan(perCap) {
			res.Issues = issuef(res.Issues, "%s allocation clamped to the %.0f%% per-position cap", b.Ticker, o.trading.MaxPositionPct*100)
			b.AllocatedCapital = perCap
		}
		buys = append(buys, b)
	}
	result.Buys = buys

	sells := result.Sells[:0]
	for _, s := range result.Sells {
		s.Ticker = types.NormalizeTicker(s.Ticker)
		if !types.ValidTicker(s.Ticker) || s.SellPct <= 0 {
			res.Issues = issuef(res.Issues, "dropped malformed sell %q", s.Ticker)
			continue
		}
		if s.SellPct > 100 {
			s.SellPct = 100
		}
		sells = append(sells, s)
	}
	result.Sells = sells

	total := decimal.Zero
	for _, b := range result.Buys {
		total = total.Add(b.AllocatedCapital)
	}
	capital := decimal.NewFromFloat(availableCapital)
	if capital.IsPositive() && total.GreaterThan(capital) {
		// Scale every buy down proportionally so deployment tops out at 100%.
		scale := capital.Div(total)
		for i := range result.Buys {
			result.Buys[i].AllocatedCapital = result.Buys[i].AllocatedCapital.Mul(scale).Round(2)
		}
		res.Issues = issuef(res.Issues, "allocations scaled down to available capital")
		total = decimal.Zero
		for _, b := range result.Buys {
			total = total.Add(b.AllocatedCapital)
		}
	}
	result.TotalAllocated = total
	if capital.IsPositive() {
		result.DeploymentPct, _ = total.Div(capital).Mul(decimal.NewFromInt(100)).Float64()
	}
	if len(result.Buys) > 0 && (result.DeploymentPct < 90 || result.DeploymentPct > 100) {
		res.Issues = issuef(res.Issues, "deployment %.1f%% outside the 90-100%% band", result.DeploymentPct)
	}
}

func optimizerQuality(result *types.OptimizerResult, held []types.Position, trading config.TradingConfig) int {
	if result.Fallback {
		return 50
	}
	score := 70.0
	if result.DeploymentPct >= 90 && result.DeploymentPct <= 100 {
		score += 15
	}
	positionsAfter := len(held) - len(result.Sells) + len(result.Buys)
	if positionsAfter >= trading.MinPositions && positionsAfter <= trading.MaxPositions {
		score += 15
	}
	return int(clampScore(score))
}
