package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// Rejection categories compliance attaches to removed trades.
const (
	CategoryPositionSize = "POSITION_SIZE_CAP"
	CategorySectorCap    = "SECTOR_EXPOSURE_CAP"
	CategoryTradeRisk    = "PER_TRADE_RISK_CAP"
	CategoryRestricted   = "RESTRICTED_SYMBOL"
	CategoryDuplicate    = "DUPLICATE_INTENT"
	CategoryMinTrade     = "MIN_TRADE_SIZE"
)

// Compliance validates every proposed trade against the fixed rulebook
// and converts the survivors into executable orders. Failing trades are
// removed; flagged-but-approved trades carry a compliance note.
//
// A hard safeguard runs last: a ticker on both sides of the approved set
// rejects the entire plan, never a silent rebalance.
type Compliance struct {
	trading config.TradingConfig
	logger  *slog.Logger
}

// NewCompliance builds the runner.
func NewCompliance(trading config.TradingConfig, logger *slog.Logger) *Compliance {
	return &Compliance{trading: trading, logger: logger.With("component", "compliance")}
}

// ComplianceOutput is the approved order list plus the per-trade verdicts.
type ComplianceOutput struct {
	Trades []types.TradeOrder
	Checks []types.ComplianceCheck
}

// Run validates the optimizer's decisions. The returned error is non-nil
// only for the same-symbol safeguard, which voids the whole plan.
func (c *Compliance) Run(ctx context.Context, opt *types.OptimizerResult, selections []types.PortfolioSelection, candidates []types.Candidate, held []types.Position, portfolioValue float64) (types.StageResult, *ComplianceOutput, error) {
	res := types.StageResult{Stage: types.StageCompliance}
	out := &ComplianceOutput{}

	selByTicker := make(map[string]types.PortfolioSelection, len(selections))
	for _, s := range selections {
		selByTicker[s.Ticker] = s
	}
	candByTicker := make(map[string]types.Candidate, len(candidates))
	for _, cd := range candidates {
		candByTicker[cd.Ticker] = cd
	}
	heldByTicker := make(map[string]types.Position, len(held))
	for _, p := range held {
		heldByTicker[types.NormalizeTicker(p.Ticker)] = p
	}
	restricted := make(map[string]bool, len(c.trading.RestrictedSymbols))
	for _, s := range c.trading.RestrictedSymbols {
		restricted[types.NormalizeTicker(s)] = true
	}
	buyIntent := make(map[string]bool, len(opt.Buys))
	for _, b := range opt.Buys {
		buyIntent[b.Ticker] = true
	}
	sellIntent := make(map[string]bool, len(opt.Sells))
	for _, s := range opt.Sells {
		sellIntent[s.Ticker] = true
	}

	// Hard safeguard: a ticker on both sides voids the entire plan. This
	// runs on intent, before any per-trade filtering could mask it.
	var conflicts []string
	for ticker := range buyIntent {
		if sellIntent[ticker] {
			conflicts = append(conflicts, ticker)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		res.Message = "plan voided: same-symbol conflict"
		res.Issues = issuef(res.Issues, "conflicting tickers: %v", conflicts)
		return res, nil, types.NewConflictSafeguard(conflicts)
	}

	sectorCap := decimal.NewFromFloat(c.trading.MaxSectorPct * portfolioValue)
	positionCap := decimal.NewFromFloat(c.trading.MaxPositionPct * portfolioValue)
	minTrade := decimal.NewFromFloat(c.trading.MinTradeDollars)
	sectorTotals := map[string]decimal.Decimal{}

	// Sells first so exits are never blocked by buy-side caps.
	for _, s := range opt.Sells {
		check := types.ComplianceCheck{Ticker: s.Ticker, Checks: map[string]bool{}}

		check.Checks["restricted_symbol"] = !restricted[s.Ticker]
		check.Checks["duplicate_intent"] = !buyIntent[s.Ticker]
		pos, isHeld := heldByTicker[s.Ticker]
		check.Checks["holding_exists"] = isHeld

		switch {
		case !isHeld:
			check.RejectionReason = "sell of a ticker not currently held"
			check.RejectionCategory = CategoryDuplicate
		case !check.Checks["duplicate_intent"]:
			check.RejectionReason = "ticker appears on both sides of the plan"
			check.RejectionCategory = CategoryDuplicate
		case !check.Checks["restricted_symbol"]:
			// Exits from restricted names are allowed but flagged.
			check.Approved = true
			check.Checks["restricted_symbol"] = true
			check.Note = "restricted symbol, exit permitted"
		default:
			check.Approved = true
		}
		out.Checks = append(out.Checks, check)
		if !check.Approved {
			res.Issues = issuef(res.Issues, "SELL %s rejected: %s", s.Ticker, check.RejectionReason)
			continue
		}

		qty := pos.Qty.Mul(decimal.NewFromFloat(s.SellPct / 100)).Round(6)
		out.Trades = append(out.Trades, types.TradeOrder{
			Ticker:    s.Ticker,
			Side:      types.SELL,
			OrderType: types.OrderQuantity,
			Quantity:  qty,
			Note:      s.Reasoning,
		})
	}

	for _, b := range opt.Buys {
		check := types.ComplianceCheck{Ticker: b.Ticker, Checks: map[string]bool{}}
		notional := b.AllocatedCapital.Round(2)
		sel, hasSel := selByTicker[b.Ticker]

		check.Checks["restricted_symbol"] = !restricted[b.Ticker]
		check.Checks["duplicate_intent"] = !sellIntent[b.Ticker]
		check.Checks["position_size"] = notional.LessThanOrEqual(positionCap)
		check.Checks["min_trade_size"] = notional.GreaterThanOrEqual(minTrade)
		check.Checks["per_trade_risk"] = c.riskWithinCap(b.Ticker, notional, candByTicker, portfolioValue)

		sector := sel.Sector
		newSectorTotal := sectorTotals[sector].Add(notional)
		check.Checks["sector_exposure"] = sector == "" || newSectorTotal.LessThanOrEqual(sectorCap)

		switch {
		case !check.Checks["restricted_symbol"]:
			check.RejectionReason = fmt.Sprintf("%s is on the restricted list", b.Ticker)
			check.RejectionCategory = CategoryRestricted
		case !check.Checks["duplicate_intent"]:
			check.RejectionReason = "ticker appears on both sides of the plan"
			check.RejectionCategory = CategoryDuplicate
		case !check.Checks["position_size"]:
			check.RejectionReason = fmt.Sprintf("notional $%s over the per-position cap $%s", notional, positionCap.Round(0))
			check.RejectionCategory = CategoryPositionSize
		case !check.Checks["min_trade_size"]:
			check.RejectionReason = fmt.Sprintf("notional $%s under the $%s minimum", notional, minTrade)
			check.RejectionCategory = CategoryMinTrade
		case !check.Checks["sector_exposure"]:
			check.RejectionReason = fmt.Sprintf("%s exposure would exceed the sector cap", sector)
			check.RejectionCategory = CategorySectorCap
		case !check.Checks["per_trade_risk"]:
			check.RejectionReason = fmt.Sprintf("risk exceeds %.1f%% of portfolio", c.trading.MaxPerTradeRiskPct)
			check.RejectionCategory = CategoryTradeRisk
		default:
			check.Approved = true
		}
		if check.Approved && !hasSel && !b.IsPositionAdjustment {
			check.Note = "buy was not in the portfolio selection set"
		}
		out.Checks = append(out.Checks, check)
		if !check.Approved {
			res.Issues = issuef(res.Issues, "BUY %s rejected: %s", b.Ticker, check.RejectionReason)
			continue
		}
		if sector != "" {
			sectorTotals[sector] = newSectorTotal
		}

		order := types.TradeOrder{
			Ticker:    b.Ticker,
			Side:      types.BUY,
			OrderType: types.OrderNotional,
			Notional:  notional,
			Note:      check.Note,
		}
		if hasSel {
			order.StopLoss = sel.IntendedStop
			order.Target = sel.IntendedTarget
		}
		out.Trades = append(out.Trades, order)
	}

	// Final safeguard over the approved set.
	if conflicts := sameSymbolConflicts(out.Trades); len(conflicts) > 0 {
		res.Message = "plan voided: same-symbol conflict in approved trades"
		res.Issues = issuef(res.Issues, "conflicting tickers: %v", conflicts)
		return res, nil, types.NewConflictSafeguard(conflicts)
	}

	res.Success = true
	res.QualityScore = complianceQuality(out)
	res.Message = fmt.Sprintf("approved %d of %d proposed trades", len(out.Trades), len(out.Checks))
	res.Data = map[string]any{
		"approved": len(out.Trades),
		"proposed": len(out.Checks),
	}
	return res, out, nil
}

// riskWithinCap checks the allocation's dollar risk against the per-trade
// cap, using the Risk department's stop distance. Unknown tickers pass;
// there is nothing to measure.
func (c *Compliance) riskWithinCap(ticker string, notional decimal.Decimal, cands map[string]types.Candidate, portfolioValue float64) bool {
	cand, ok := cands[ticker]
	if !ok || cand.Risk == nil || cand.Risk.EntryPrice <= 0 || portfolioValue <= 0 {
		return true
	}
	stopDist := (cand.Risk.EntryPrice - cand.Risk.StopLoss) / cand.Risk.EntryPrice
	value, _ := notional.Float64()
	riskPct := value * stopDist / portfolioValue * 100
	return riskPct <= c.trading.MaxPerTradeRiskPct
}

// sameSymbolConflicts returns tickers present on both sides, sorted.
func sameSymbolConflicts(trades []types.TradeOrder) []string {
	sides := map[string]map[types.Side]bool{}
	for _, t := range trades {
		if sides[t.Ticker] == nil {
			sides[t.Ticker] = map[types.Side]bool{}
		}
		sides[t.Ticker][t.Side] = true
	}
	var conflicts []string
	for ticker, s := range sides {
		if s[types.BUY] && s[types.SELL] {
			conflicts = append(conflicts, ticker)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

func complianceQuality(out *ComplianceOutput) int {
	if len(out.Checks) == 0 {
		return 50 // nothing proposed, nothing wrong
	}
	return int(clampScore(float64(len(out.Trades)) / float64(len(out.Checks)) * 100))
}
