package stages

import (
	"context"
	"fmt"
	"log/slog"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// Risk enriches candidates with stop/target levels, position sizing, and
// a suitability rating. Advisory only: it never removes a candidate.
type Risk struct {
	trading config.TradingConfig
	logger  *slog.Logger
}

// NewRisk builds the runner.
func NewRisk(trading config.TradingConfig, logger *slog.Logger) *Risk {
	return &Risk{trading: trading, logger: logger.With("component", "risk")}
}

// Run computes risk metrics for every candidate. Candidates whose
// indicators are missing pass through unenriched with a warning.
func (r *Risk) Run(ctx context.Context, candidates []types.Candidate, indicators map[string]Indicators, availableCapital float64) (types.StageResult, []types.Candidate) {
	res := types.StageResult{Stage: types.StageRisk}

	out := make([]types.Candidate, len(candidates))
	copy(out, candidates)

	var assessed int
	var rrSum float64
	var acceptable int
	for i := range out {
		ind, ok := indicators[out[i].Ticker]
		if !ok || ind.ATR14 <= 0 || ind.Last <= 0 {
			out[i].RiskWarnings = append(out[i].RiskWarnings, "no indicator data, risk metrics unavailable")
			res.Issues = issuef(res.Issues, "%s: risk metrics unavailable", out[i].Ticker)
			continue
		}
		metrics, warnings := r.assess(ind, availableCapital)
		out[i].Risk = &metrics
		out[i].RiskScore = r.score(metrics)
		out[i].RiskWarnings = warnings
		assessed++
		rrSum += metrics.RiskRewardRatio
		if out[i].RiskScore >= 50 {
			acceptable++
		}
	}
	sortCandidates(out)

	res.Success = assessed > 0
	res.Message = fmt.Sprintf("assessed %d of %d candidates", assessed, len(out))
	res.QualityScore = riskQuality(assessed, acceptable, rrSum)
	res.Data = map[string]any{
		"assessed":          assessed,
		"acceptable":        acceptable,
		"available_capital": availableCapital,
	}
	return res, out
}

// assess derives the levels and sizing for one candidate. Stop sits two
// ATRs under entry, target mirrors the risk at a 2:1 reward.
func (r *Risk) assess(ind Indicators, capital float64) (types.RiskMetrics, []string) {
	entry := ind.Last
	riskPerShare := 2 * ind.ATR14
	stop := entry - riskPerShare
	if stop < 0 {
		stop = 0
		riskPerShare = entry
	}
	target := entry + 2*riskPerShare

	// Baseline sizing; the optimizer overrides the final allocation.
	value := 0.10 * capital
	shares := 0.0
	if entry > 0 {
		shares = value / entry
	}
	riskDollars := shares * riskPerShare
	riskPct := 0.0
	if capital > 0 {
		riskPct = riskDollars / capital * 100
	}

	m := types.RiskMetrics{
		EntryPrice:         entry,
		StopLoss:           stop,
		TargetPrice:        target,
		ATR:                ind.ATR14,
		VolatilityPct:      ind.AnnualVolatilityPct,
		RiskRewardRatio:    2,
		PositionSizeShares: shares,
		PositionSizeValue:  value,
		TotalRiskDollars:   riskDollars,
		TotalRiskPct:       riskPct,
	}

	var warnings []string
	if ind.AnnualVolatilityPct > 45 {
		warnings = append(warnings, fmt.Sprintf("volatility %.0f%% above swing range", ind.AnnualVolatilityPct))
	}
	if entry > 0 && riskPerShare/entry*100 > 15 {
		warnings = append(warnings, fmt.Sprintf("stop distance %.1f%% unusually wide", riskPerShare/entry*100))
	}
	if riskPct > r.trading.MaxPerTradeRiskPct {
		warnings = append(warnings, fmt.Sprintf("position risk %.2f%% exceeds the %.2f%% per-trade cap", riskPct, r.trading.MaxPerTradeRiskPct))
	}
	m.Warnings = warnings
	return m, warnings
}

// score rates swing suitability 0–100 in four 25-point bands. Higher is
// a better fit for the strategy, not "safer".
func (r *Risk) score(m types.RiskMetrics) float64 {
	var score float64

	switch vol := m.VolatilityPct; {
	case vol >= 25 && vol <= 35:
		score += 25
	case vol >= 20 && vol <= 45:
		score += 15
	default:
		score += 5
	}

	if m.RiskRewardRatio >= 2 {
		score += 25
	} else if m.RiskRewardRatio >= 1.5 {
		score += 15
	}

	stopDist := 0.0
	if m.EntryPrice > 0 {
		stopDist = (m.EntryPrice - m.StopLoss) / m.EntryPrice * 100
	}
	switch {
	case stopDist >= 5 && stopDist <= 10:
		score += 25
	case stopDist >= 3 && stopDist <= 15:
		score += 15
	default:
		score += 5
	}

	switch {
	case m.TotalRiskPct <= r.trading.MaxPerTradeRiskPct:
		score += 25
	case m.TotalRiskPct <= r.trading.MaxPerTradeRiskPct+1:
		score += 15
	}
	return clampScore(score)
}

// riskQuality balances the acceptance-rate proxy with average R:R.
func riskQuality(assessed, acceptable int, rrSum float64) int {
	if assessed == 0 {
		return 0
	}
	frac := float64(acceptable) / float64(assessed)
	avgRR := rrSum / float64(assessed)
	rrPart := avgRR / 3
	if rrPart > 1 {
		rrPart = 1
	}
	return int(clampScore(frac*50 + rrPart*50))
}
