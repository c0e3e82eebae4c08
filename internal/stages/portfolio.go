package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// Portfolio filters risk-enriched candidates against the hard portfolio
// constraints: minimum score, position-count cap, capital-deployment cap.
// Every dropped candidate gets a structured rejection.
type Portfolio struct {
	trading config.TradingConfig
	logger  *slog.Logger
}

// NewPortfolio builds the runner.
func NewPortfolio(trading config.TradingConfig, logger *slog.Logger) *Portfolio {
	return &Portfolio{trading: trading, logger: logger.With("component", "portfolio")}
}

// PortfolioOutput is the filtered buy list plus its rejection ledger.
type PortfolioOutput struct {
	Selections []types.PortfolioSelection
	Rejections []types.PortfolioRejection
}

// Run applies the constraint filters in order. Candidates arrive ranked;
// when a cap binds, the highest composite scores win the remaining room.
func (p *Portfolio) Run(ctx context.Context, candidates []types.Candidate, held []types.Position, totalCapital float64) (types.StageResult, *PortfolioOutput) {
	res := types.StageResult{Stage: types.StagePortfolio}
	out := &PortfolioOutput{}

	maxDeploy := p.trading.MaxCapitalDeployedPct * totalCapital
	perPositionCap := p.trading.MaxPositionPct * totalCapital
	newSlots := p.trading.MaxPositions - len(held)

	var deployed float64
	for _, c := range candidates {
		if c.Context == types.ContextHolding {
			continue // adjustments and exits belong to the optimizer
		}
		if c.CompositeScore < p.trading.MinCompositeScore {
			out.Rejections = append(out.Rejections, types.PortfolioRejection{
				Ticker: c.Ticker,
				Reason: types.RejectLowScore,
				Detail: fmt.Sprintf("composite %.1f below minimum %.1f", c.CompositeScore, p.trading.MinCompositeScore),
			})
			continue
		}
		if newSlots <= 0 {
			out.Rejections = append(out.Rejections, types.PortfolioRejection{
				Ticker: c.Ticker,
				Reason: types.RejectMaxPositions,
				Detail: fmt.Sprintf("already at the %d-position cap", p.trading.MaxPositions),
			})
			continue
		}
		if len(out.Selections) >= newSlots {
			out.Rejections = append(out.Rejections, types.PortfolioRejection{
				Ticker: c.Ticker,
				Reason: types.RejectInsufficientCapacity,
				Detail: fmt.Sprintf("%d open slots already filled by higher-scoring candidates", newSlots),
			})
			continue
		}

		value := perPositionCap
		if c.Risk != nil && c.Risk.PositionSizeValue > 0 && c.Risk.PositionSizeValue < value {
			value = c.Risk.PositionSizeValue
		}
		if deployed+value > maxDeploy {
			out.Rejections = append(out.Rejections, types.PortfolioRejection{
				Ticker: c.Ticker,
				Reason: types.RejectInsufficientCapital,
				Detail: fmt.Sprintf("would deploy $%.0f past the $%.0f cap", deployed+value, maxDeploy),
			})
			continue
		}
		deployed += value

		out.Selections = append(out.Selections, p.selection(c, value))
	}

	res.Success = true
	res.Message = fmt.Sprintf("selected %d, rejected %d", len(out.Selections), len(out.Rejections))
	res.QualityScore = portfolioQuality(out.Selections, p.trading.TargetPositionCount)
	res.Data = map[string]any{
		"selected":         len(out.Selections),
		"rejected":         len(out.Rejections),
		"capital_deployed": deployed,
	}
	if len(out.Selections) == 0 {
		res.Issues = issuef(res.Issues, "no candidates survived the portfolio constraints")
	}
	return res, out
}

// selection converts a surviving candidate into the intended trade shape.
// Shares are fractional to six decimals.
func (p *Portfolio) selection(c types.Candidate, value float64) types.PortfolioSelection {
	entry := decimal.NewFromFloat(c.CurrentPrice)
	sel := types.PortfolioSelection{
		Ticker:             c.Ticker,
		IntendedEntryPrice: entry.Round(2),
		Sector:             c.Sector,
		CompositeScore:     c.CompositeScore,
	}
	if entry.IsPositive() {
		sel.IntendedShares = decimal.NewFromFloat(value).Div(entry).Round(6)
	}
	if c.Risk != nil {
		sel.IntendedStop = decimal.NewFromFloat(c.Risk.StopLoss).Round(2)
		sel.IntendedTarget = decimal.NewFromFloat(c.Risk.TargetPrice).Round(2)
	}
	return sel
}

func portfolioQuality(selections []types.PortfolioSelection, target int) int {
	if target <= 0 {
		target = 20
	}
	var avg float64
	for _, s := range selections {
		avg += s.CompositeScore
	}
	if len(selections) > 0 {
		avg /= float64(len(selections))
	}
	fill := float64(len(selections)) / float64(target)
	if fill > 1 {
		fill = 1
	}
	return int(clampScore(fill*50 + avg/100*50))
}
