// Package sim wraps the broker with paper-trading realism: PDT tracking,
// slippage estimation, margin-interest accrual, and entry-date records.
//
// The wrapper activates only when the inner broker reports paper mode.
// Against a live account every operation is a pass-through.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/clock"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

const (
	// pdtEquityCap is the effective account value used for pattern-day-trader
	// checks. Clamping below the $25k exemption keeps the strictest rule in
	// force regardless of the real paper balance.
	pdtEquityCap = 24_999

	// pdtWindowDays is the rolling trade window scanned for day trades.
	pdtWindowDays = 7

	// pdtBlockAt and pdtWarnAt are the day-trade counts, including the
	// prospective order, at which submission is blocked or flagged.
	pdtBlockAt = 4
	pdtWarnAt  = 3

	// Slippage bounds in basis points.
	slippageFloorBps = 2.0
	slippageCapBps   = 10.0

	// marginAPR is the annual margin interest rate accrued on borrowed cash.
	marginAPR = 0.12
)

// Realism implements broker.Broker around an inner adapter.
type Realism struct {
	inner  broker.Broker
	store  *store.Store
	clock  *clock.Clock
	logger *slog.Logger
}

var _ broker.Broker = (*Realism)(nil)

// Wrap builds the realism layer over a broker adapter.
func Wrap(inner broker.Broker, st *store.Store, clk *clock.Clock, logger *slog.Logger) *Realism {
	return &Realism{
		inner:  inner,
		store:  st,
		clock:  clk,
		logger: logger.With("component", "sim"),
	}
}

func (r *Realism) IsPaper() bool { return r.inner.IsPaper() }

func (r *Realism) GetAccount(ctx context.Context) (types.Account, error) {
	return r.inner.GetAccount(ctx)
}

func (r *Realism) GetPositions(ctx context.Context) ([]types.Position, error) {
	return r.inner.GetPositions(ctx)
}

func (r *Realism) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	return r.inner.GetCalendar(ctx, start, end)
}

func (r *Realism) GetOrdersSince(ctx context.Context, since time.Time) ([]types.BrokerOrder, error) {
	return r.inner.GetOrdersSince(ctx, since)
}

func (r *Realism) GetBars(ctx context.Context, ticker string, tf broker.Timeframe, start, end time.Time) ([]types.PriceBar, error) {
	return r.inner.GetBars(ctx, ticker, tf, start, end)
}

func (r *Realism) GetNews(ctx context.Context, ticker string, start, end time.Time, limit int) ([]types.NewsItem, error) {
	return r.inner.GetNews(ctx, ticker, start, end, limit)
}

// SubmitOrder runs the paper-mode checks, delegates to the inner broker,
// then maintains the entry-date record from the fill.
func (r *Realism) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.BrokerOrder, error) {
	if !r.inner.IsPaper() {
		return r.inner.SubmitOrder(ctx, req)
	}

	if err := r.checkPDT(ctx, req); err != nil {
		return types.BrokerOrder{}, err
	}
	r.logSlippage(ctx, req)

	order, err := r.inner.SubmitOrder(ctx, req)
	if err != nil {
		return order, err
	}
	if err := r.trackEntry(ctx, req, order); err != nil {
		// Entry-date bookkeeping must not fail a filled order.
		r.logger.Error("entry-date tracking failed", "ticker", req.Ticker, "error", err)
	}
	return order, nil
}

// ————————————————————————————————————————————————————————————————————————
// PDT tracking
// ————————————————————————————————————————————————————————————————————————

// checkPDT counts same-day round trips in the rolling window and blocks
// the order that would be the fourth. The check always runs against the
// capped effective equity, so the $25k exemption never applies on paper.
func (r *Realism) checkPDT(ctx context.Context, req types.OrderRequest) error {
	acct, err := r.inner.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("pdt check: %w", err)
	}
	effective := acct.Equity
	cap := decimal.NewFromInt(pdtEquityCap)
	if effective.GreaterThan(cap) {
		effective = cap
	}

	now := r.clock.NowMarket()
	since := now.AddDate(0, 0, -pdtWindowDays)
	trades, err := r.store.ListTradesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("pdt check: %w", err)
	}

	count := countDayTrades(trades, r.clock.Location())
	if wouldDayTrade(trades, req, now, r.clock.Location()) {
		count++
	}

	if count >= pdtBlockAt {
		r.logger.Warn("order blocked by PDT tracker",
			"ticker", req.Ticker, "side", req.Side,
			"day_trades", count, "effective_equity", effective)
		return fmt.Errorf("%s %s: %d day trades in %d days: %w",
			req.Side, req.Ticker, count, pdtWindowDays, types.ErrPDTViolation)
	}
	if count == pdtWarnAt {
		r.logger.Warn("PDT_WARNING: one day trade from violation",
			"ticker", req.Ticker, "day_trades", count)
	}
	return nil
}

// countDayTrades returns how many (ticker, date) pairs carry both a BUY
// and a SELL in the given trade list.
func countDayTrades(trades []store.TradeRow, loc *time.Location) int {
	type key struct{ ticker, date string }
	sides := make(map[key]map[string]bool)
	for _, t := range trades {
		k := key{types.NormalizeTicker(t.Ticker), t.Timestamp.In(loc).Format("2006-01-02")}
		if sides[k] == nil {
			sides[k] = make(map[string]bool)
		}
		sides[k][t.Side] = true
	}
	var n int
	for _, s := range sides {
		if s[string(types.BUY)] && s[string(types.SELL)] {
			n++
		}
	}
	return n
}

// wouldDayTrade reports whether submitting req now would complete a new
// same-day round trip that the existing trades do not already count.
func wouldDayTrade(trades []store.TradeRow, req types.OrderRequest, now time.Time, loc *time.Location) bool {
	ticker := types.NormalizeTicker(req.Ticker)
	today := now.In(loc).Format("2006-01-02")
	opposite := string(types.SELL)
	if req.Side == types.SELL {
		opposite = string(types.BUY)
	}
	var haveOpposite, haveSame bool
	for _, t := range trades {
		if types.NormalizeTicker(t.Ticker) != ticker || t.Timestamp.In(loc).Format("2006-01-02") != today {
			continue
		}
		switch t.Side {
		case opposite:
			haveOpposite = true
		case string(req.Side):
			haveSame = true
		}
	}
	// Already counted when both sides exist today.
	return haveOpposite && !haveSame
}

// ————————————————————————————————————————————————————————————————————————
// Slippage
// ————————————————————————————————————————————————————————————————————————

// SlippageBps models market-impact cost for an order of the given share
// count against the ticker's average daily volume. Bounded to [2, 10] bps.
func SlippageBps(shares, dailyVolume float64) float64 {
	if dailyVolume <= 0 {
		return slippageCapBps
	}
	bps := slippageFloorBps + (shares/dailyVolume)*(slippageCapBps-slippageFloorBps)
	if bps < slippageFloorBps {
		return slippageFloorBps
	}
	if bps > slippageCapBps {
		return slippageCapBps
	}
	return bps
}

// SlippageCost converts the bps estimate to a dollar cost on a notional.
// Never negative.
func SlippageCost(notional decimal.Decimal, bps float64) decimal.Decimal {
	if notional.IsNegative() {
		notional = notional.Neg()
	}
	return notional.Mul(decimal.NewFromFloat(bps)).Div(decimal.NewFromInt(10_000)).Round(4)
}

// logSlippage estimates and logs the market-impact cost of the order.
// Paper fills are frictionless, so the cost is surfaced in the log for the
// operator rather than deducted from the fill.
func (r *Realism) logSlippage(ctx context.Context, req types.OrderRequest) {
	notional := decimal.Zero
	shares := 0.0
	switch {
	case req.Notional != nil:
		notional = *req.Notional
	case req.Qty != nil:
		shares, _ = req.Qty.Float64()
	}

	end := r.clock.NowMarket()
	start := end.AddDate(0, 0, -30)
	bars, err := r.inner.GetBars(ctx, req.Ticker, broker.TimeframeDay, start, end)
	if err != nil || len(bars) == 0 {
		r.logger.Debug("slippage volume lookup failed, using cap", "ticker", req.Ticker)
		return
	}
	last := bars[len(bars)-1]
	if shares == 0 && last.Close > 0 {
		n, _ := notional.Float64()
		shares = n / last.Close
	}
	if notional.IsZero() {
		notional = decimal.NewFromFloat(shares * last.Close)
	}

	var volSum float64
	for _, b := range bars {
		volSum += float64(b.Volume)
	}
	bps := SlippageBps(shares, volSum/float64(len(bars)))
	r.logger.Info("estimated slippage",
		"ticker", req.Ticker, "side", req.Side,
		"bps", bps, "cost", SlippageCost(notional, bps))
}

// ————————————————————————————————————————————————————————————————————————
// Margin interest + entry dates
// ————————————————————————————————————————————————————————————————————————

// MarginInterest accrues simple interest on borrowed cash over a holding
// period. Zero when nothing was borrowed or the period is empty.
func MarginInterest(marginUsed decimal.Decimal, daysHeld int) decimal.Decimal {
	if marginUsed.IsNegative() || marginUsed.IsZero() || daysHeld <= 0 {
		return decimal.Zero
	}
	rate := decimal.NewFromFloat(marginAPR / 365)
	return marginUsed.Mul(rate).Mul(decimal.NewFromInt(int64(daysHeld))).Round(4)
}

// trackEntry maintains the entry_dates record from a fill: upsert on BUY,
// delete on a flat exit, untouched on a partial exit. A flattening SELL
// also settles accrued margin interest.
func (r *Realism) trackEntry(ctx context.Context, req types.OrderRequest, order types.BrokerOrder) error {
	if order.Status != "filled" && order.Status != "partially_filled" {
		return nil
	}
	ticker := types.NormalizeTicker(req.Ticker)
	today := r.clock.Today()

	if req.Side == types.BUY {
		entry := types.EntryDate{
			Ticker:     ticker,
			EntryDate:  today,
			Shares:     order.FilledQty,
			EntryPrice: fillPrice(req, order),
		}
		if req.StopLoss != nil {
			entry.StopLoss = *req.StopLoss
		}
		if req.Target != nil {
			entry.Target = *req.Target
		}
		return r.store.UpsertEntryDate(ctx, entry)
	}

	existing, err := r.store.GetEntryDate(ctx, ticker)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if order.FilledQty.LessThan(existing.Shares) {
		// Partial exit keeps the original entry record.
		return nil
	}

	r.settleMargin(ctx, ticker, existing, today)
	return r.store.DeleteEntryDate(ctx, ticker)
}

// settleMargin logs the interest owed on a closed position when the
// account cash was negative, meaning the position rode on margin.
func (r *Realism) settleMargin(ctx context.Context, ticker string, entry *types.EntryDate, today string) {
	acct, err := r.inner.GetAccount(ctx)
	if err != nil || !acct.Cash.IsNegative() {
		return
	}
	marginUsed := acct.Cash.Neg()
	days := daysBetween(entry.EntryDate, today)
	interest := MarginInterest(marginUsed, days)
	if interest.IsZero() {
		return
	}
	r.logger.Info("margin interest accrued at close",
		"ticker", ticker, "days_held", days,
		"margin_used", marginUsed, "interest", interest)
}

// fillPrice derives an entry price from the fill. Notional fills back it
// out from the filled quantity.
func fillPrice(req types.OrderRequest, order types.BrokerOrder) decimal.Decimal {
	if req.Notional != nil && order.FilledQty.IsPositive() {
		return req.Notional.DivRound(order.FilledQty, 4)
	}
	return decimal.Zero
}

// daysBetween counts whole calendar days between two YYYY-MM-DD dates.
func daysBetween(from, to string) int {
	a, err := time.Parse("2006-01-02", from)
	if err != nil {
		return 0
	}
	b, err := time.Parse("2006-01-02", to)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
