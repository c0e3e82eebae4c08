package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tradedesk/internal/cache"
	"tradedesk/internal/config"
	"tradedesk/internal/providers"
	"tradedesk/pkg/types"
)

// neutralSentiment is the placeholder score before cache enrichment.
const neutralSentiment = 50.0

// Research screens the trading universe down to a ranked candidate list.
//
// Two passes: a strategic swing-suitability screen over the whole
// universe, then adaptive technical-setup presets iterated strict to
// relaxed until the candidate count lands near the configured target.
type Research struct {
	prices    *cache.Prices
	sentiment *cache.Sentiment
	trading   config.TradingConfig
	fanout    int
	logger    *slog.Logger
}

// NewResearch builds the runner.
func NewResearch(prices *cache.Prices, sentiment *cache.Sentiment, trading config.TradingConfig, fanout int, logger *slog.Logger) *Research {
	return &Research{
		prices:    prices,
		sentiment: sentiment,
		trading:   trading,
		fanout:    fanout,
		logger:    logger.With("component", "research"),
	}
}

// ResearchOutput is what Research hands the coordinator: the ranked list
// plus the per-ticker indicator snapshots downstream stages reuse.
type ResearchOutput struct {
	Candidates []types.Candidate
	Indicators map[string]Indicators
	Scanned    int
	Preset     string
}

// scanRow carries one ticker's derived state between the two passes.
type scanRow struct {
	ticker      string
	ind         Indicators
	suitability float64
}

// Run screens, scores, and ranks the universe against current holdings.
func (r *Research) Run(ctx context.Context, universe []string, held []types.Position) (types.StageResult, *ResearchOutput) {
	res := types.StageResult{Stage: types.StageResearch}
	out := &ResearchOutput{Indicators: make(map[string]Indicators)}

	if len(universe) == 0 {
		res.Message = "empty trading universe"
		res.Issues = []string{"universe CSV produced no tickers"}
		return res, out
	}

	heldSet := make(map[string]bool, len(held))
	for _, p := range held {
		heldSet[types.NormalizeTicker(p.Ticker)] = true
	}

	// Pass 1: swing suitability over the full universe.
	rows := r.scanUniverse(ctx, universe, &res)
	out.Scanned = len(rows)

	target := r.trading.TargetCandidates
	if target <= 0 {
		target = 80
	}
	keep := len(rows) * 15 / 100
	if keep < target {
		keep = target
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].suitability != rows[j].suitability {
			return rows[i].suitability > rows[j].suitability
		}
		return rows[i].ticker < rows[j].ticker
	})
	if keep < len(rows) {
		rows = rows[:keep]
	}

	// Pass 2: adaptive technical presets, strict first.
	rows, preset := applyPresets(rows, target)
	out.Preset = preset

	// Score survivors. Sentiment starts at the neutral placeholder and is
	// enriched from the cache afterwards.
	candidates := r.scoreCandidates(ctx, rows, heldSet, &res)
	r.enrichSentiment(ctx, candidates, &res)
	for i := range candidates {
		candidates[i].CompositeScore = composite(candidates[i])
	}
	sortCandidates(candidates)

	for _, row := range rows {
		out.Indicators[row.ticker] = row.ind
	}
	out.Candidates = candidates

	minRequired := r.trading.MinCandidates
	if minRequired <= 0 {
		minRequired = 3
	}
	res.Success = len(candidates) >= minRequired
	res.QualityScore = researchQuality(candidates, minRequired)
	res.Message = fmt.Sprintf("%d candidates from %d scanned tickers (preset %s)", len(candidates), out.Scanned, preset)
	res.Data = map[string]any{
		"candidate_count": len(candidates),
		"scanned":         out.Scanned,
		"preset":          preset,
	}
	if !res.Success {
		res.Issues = issuef(res.Issues, "only %d candidates, need %d", len(candidates), minRequired)
	}
	return res, out
}

// scanUniverse computes indicators and suitability for each ticker with
// bounded fan-out. Tickers that fail data fetch are skipped and recorded.
func (r *Research) scanUniverse(ctx context.Context, universe []string, res *types.StageResult) []scanRow {
	var mu sync.Mutex
	var rows []scanRow

	errs := providers.FanOut(ctx, universe, r.fanout, func(ctx context.Context, raw string) error {
		ticker := types.NormalizeTicker(raw)
		if !types.ValidTicker(ticker) {
			return fmt.Errorf("invalid ticker %q", raw)
		}
		bars, err := r.prices.DailyBars(ctx, ticker, 120)
		if err != nil {
			return err
		}
		ind, err := ComputeIndicators(bars)
		if err != nil {
			return err
		}
		suit := swingSuitability(ind)
		if suit <= 0 {
			return nil // screened out, not an error
		}
		mu.Lock()
		rows = append(rows, scanRow{ticker: ticker, ind: ind, suitability: suit})
		mu.Unlock()
		return nil
	})
	for i, err := range errs {
		r.logger.Debug("ticker skipped", "ticker", universe[i], "error", err)
	}
	if len(errs) > 0 {
		res.Issues = issuef(res.Issues, "%d of %d tickers skipped on data errors", len(errs), len(universe))
	}
	return rows
}

// swingSuitability scores a ticker's fit for multi-day swing trades.
// Four factors, 25 points each: volatility sweet spot, liquidity, price
// band, and ATR as a percent of price.
func swingSuitability(ind Indicators) float64 {
	var score float64

	switch vol := ind.AnnualVolatilityPct; {
	case vol >= 25 && vol <= 35:
		score += 25
	case vol >= 20 && vol <= 45:
		score += 15
	case vol >= 15 && vol <= 60:
		score += 8
	}

	switch v := ind.AvgVolume20; {
	case v >= 5_000_000:
		score += 25
	case v >= 2_000_000:
		score += 20
	case v >= 1_000_000:
		score += 15
	case v >= 500_000:
		score += 8
	}

	switch p := ind.Last; {
	case p >= 5 && p <= 500:
		score += 25
	case p >= 2 && p <= 1000:
		score += 10
	}

	switch atr := ind.ATRPct(); {
	case atr >= 6 && atr <= 9:
		score += 25
	case atr >= 4 && atr <= 12:
		score += 15
	case atr >= 2:
		score += 8
	}
	return score
}

// setupPreset is one rung of the adaptive technical filter ladder.
type setupPreset struct {
	name      string
	rsiMin    float64
	rsiMax    float64
	minVolume float64
	minPrice  float64
}

var setupPresets = []setupPreset{
	{"strict", 35, 65, 1_000_000, 10},
	{"standard", 30, 70, 750_000, 5},
	{"relaxed", 25, 75, 500_000, 5},
	{"loose", 20, 80, 250_000, 2},
}

// applyPresets walks the ladder strict to relaxed and accepts the first
// preset whose survivor count lands within [0.8T, 1.2T]. Over-production
// is truncated by suitability rank; if even the loosest preset
// under-produces, its survivors are returned as-is.
func applyPresets(rows []scanRow, target int) ([]scanRow, string) {
	lo := target * 8 / 10
	hi := target * 12 / 10

	var last []scanRow
	var lastName string
	for _, p := range setupPresets {
		var kept []scanRow
		for _, row := range rows {
			if row.ind.RSI14 >= p.rsiMin && row.ind.RSI14 <= p.rsiMax &&
				row.ind.AvgVolume20 >= p.minVolume && row.ind.Last >= p.minPrice {
				kept = append(kept, row)
			}
		}
		last, lastName = kept, p.name
		if len(kept) >= lo {
			if len(kept) > hi {
				kept = kept[:hi] // rows arrive suitability-ranked
			}
			return kept, p.name
		}
	}
	return last, lastName
}

// scoreCandidates builds the scored candidate list with bounded fan-out.
func (r *Research) scoreCandidates(ctx context.Context, rows []scanRow, heldSet map[string]bool, res *types.StageResult) []types.Candidate {
	candidates := make([]types.Candidate, len(rows))
	var mu sync.Mutex
	var fundFailures int

	idxs := make([]int, len(rows))
	for i := range idxs {
		idxs[i] = i
	}
	providers.FanOut(ctx, idxs, r.fanout, func(ctx context.Context, i int) error {
		row := rows[i]
		cand := types.Candidate{
			Ticker:         row.ticker,
			TechnicalScore: technicalScore(row.ind),
			SentimentScore: neutralSentiment,
			CurrentPrice:   row.ind.Last,
			Context:        types.ContextBuyCandidate,
		}
		if heldSet[row.ticker] {
			cand.Context = types.ContextHolding
		}

		fund, err := r.prices.Fundamentals(ctx, row.ticker)
		if err != nil {
			// Missing fundamentals score neutral rather than dropping the
			// ticker; the technical signal still carries.
			cand.FundamentalScore = 50
			mu.Lock()
			fundFailures++
			mu.Unlock()
		} else {
			cand.FundamentalScore = fundamentalScore(fund)
			cand.Sector = fund.Sector
		}

		candidates[i] = cand
		return nil
	})
	if fundFailures > 0 {
		res.Issues = issuef(res.Issues, "%d tickers scored with neutral fundamentals on provider errors", fundFailures)
	}
	return candidates
}

// enrichSentiment replaces placeholder sentiment scores with cached
// readings. Missing tickers keep the neutral placeholder.
func (r *Research) enrichSentiment(ctx context.Context, candidates []types.Candidate, res *types.StageResult) {
	if len(candidates) == 0 {
		return
	}
	tickers := make([]string, len(candidates))
	for i, c := range candidates {
		tickers[i] = c.Ticker
	}
	entries, err := r.sentiment.GetBatch(ctx, tickers)
	if err != nil {
		res.Issues = issuef(res.Issues, "sentiment enrichment unavailable: %v", err)
		return
	}
	for i := range candidates {
		if e, ok := entries[candidates[i].Ticker]; ok {
			candidates[i].SentimentScore = e.Score
		}
	}
}

// RescoreHolding re-runs the full scoring pass for one open position.
// Used by the position monitor's proactive score check; the result carries
// the holding context so downstream consumers never mistake it for a
// fresh buy idea.
func (r *Research) RescoreHolding(ctx context.Context, ticker string) (types.Candidate, error) {
	ticker = types.NormalizeTicker(ticker)
	bars, err := r.prices.DailyBars(ctx, ticker, 120)
	if err != nil {
		return types.Candidate{}, err
	}
	ind, err := ComputeIndicators(bars)
	if err != nil {
		return types.Candidate{}, err
	}

	cand := types.Candidate{
		Ticker:         ticker,
		TechnicalScore: technicalScore(ind),
		SentimentScore: neutralSentiment,
		CurrentPrice:   ind.Last,
		Context:        types.ContextHolding,
	}
	fund, err := r.prices.Fundamentals(ctx, ticker)
	if err != nil {
		cand.FundamentalScore = 50
	} else {
		cand.FundamentalScore = fundamentalScore(fund)
		cand.Sector = fund.Sector
	}
	if entries, err := r.sentiment.GetBatch(ctx, []string{ticker}); err == nil {
		if e, ok := entries[ticker]; ok {
			cand.SentimentScore = e.Score
		}
	}
	cand.CompositeScore = composite(cand)
	return cand, nil
}

// technicalScore rates the setup 0–100 from RSI position, MACD signal,
// and trend alignment against the 20- and 50-day moving averages.
func technicalScore(ind Indicators) float64 {
	var score float64

	switch rsi := ind.RSI14; {
	case rsi >= 40 && rsi <= 60:
		score += 40
	case rsi >= 30 && rsi <= 70:
		score += 25
	default:
		score += 10
	}

	switch ind.MACD {
	case MACDBullish:
		score += 30
	case MACDNeutral:
		score += 15
	}

	switch {
	case ind.Last > ind.SMA20 && ind.SMA20 > ind.SMA50:
		score += 30
	case ind.Last > ind.SMA50:
		score += 15
	}
	return clampScore(score)
}

// fundamentalScore rates the business 0–100 across four 25-point bands:
// profitability, valuation, growth, and balance-sheet health.
func fundamentalScore(f types.Fundamentals) float64 {
	var score float64

	switch {
	case f.ReturnOnEquity >= 0.15 && f.ProfitMargins >= 0.10:
		score += 25
	case f.ReturnOnEquity >= 0.08 || f.ProfitMargins >= 0.05:
		score += 15
	case f.ReturnOnEquity > 0:
		score += 8
	}

	switch pe := f.TrailingPE; {
	case pe > 0 && pe <= 25:
		score += 25
	case pe > 25 && pe <= 40:
		score += 15
	case pe > 40:
		score += 5
	default:
		score += 10 // unprofitable or missing, neutral-low
	}

	switch {
	case f.RevenueGrowth >= 0.10 && f.EarningsGrowth >= 0.10:
		score += 25
	case f.RevenueGrowth >= 0.05 || f.EarningsGrowth >= 0.05:
		score += 15
	case f.RevenueGrowth > 0 || f.EarningsGrowth > 0:
		score += 8
	}

	switch {
	case f.DebtToEquity < 1 && f.CurrentRatio >= 1.5:
		score += 25
	case f.DebtToEquity < 2 && f.CurrentRatio >= 1:
		score += 15
	case f.CurrentRatio >= 1:
		score += 8
	}
	return clampScore(score)
}

// composite is the weighted blend of the three dimension scores.
func composite(c types.Candidate) float64 {
	return 0.4*c.TechnicalScore + 0.4*c.FundamentalScore + 0.2*c.SentimentScore
}

// researchQuality blends candidate count against the minimum with the
// average composite score.
func researchQuality(candidates []types.Candidate, minRequired int) int {
	denom := minRequired
	if denom < 5 {
		denom = 5
	}
	var avg float64
	for _, c := range candidates {
		avg += c.CompositeScore
	}
	if len(candidates) > 0 {
		avg /= float64(len(candidates))
	}
	q := float64(len(candidates))/float64(denom)*50 + avg/100*50
	return int(clampScore(q))
}
