// Package monitor watches open positions between plan cycles and emits
// exit orders when stops, targets, hold limits, or score downgrades fire.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/bus"
	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/stages"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// Exit reasons, recorded on the sell message and the trade row.
const (
	ExitStopLoss       = "STOP_LOSS"
	ExitTargetReached  = "TARGET_REACHED"
	ExitTimeLimit      = "TIME_EXIT"
	ExitScoreDowngrade = "SCORE_DOWNGRADE"
)

// scoreExitThreshold is the composite below which a losing holding is cut.
const scoreExitThreshold = 55.0

// flatPLBandPct bounds what counts as flat P&L for the time-based exit.
const flatPLBandPct = 2.0

// Exit is one emitted sell instruction.
type Exit struct {
	Ticker string          `json:"ticker"`
	Reason string          `json:"reason"`
	Detail string          `json:"detail"`
	Qty    decimal.Decimal `json:"qty"`
}

// Report summarizes one monitor cycle.
type Report struct {
	Checked int    `json:"checked"`
	Exits   []Exit `json:"exits"`
}

// Monitor is the long-lived position watcher. Cycles are serialized: the
// mutex guarantees a new cycle never starts while one is still draining.
type Monitor struct {
	broker   broker.Broker
	store    *store.Store
	research *stages.Research
	clock    *clock.Clock
	bus      *bus.Bus
	trading  config.TradingConfig
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New builds the monitor with its own sender handle on the message bus.
func New(busRoot string, brk broker.Broker, st *store.Store, research *stages.Research, clk *clock.Clock, trading config.TradingConfig, logger *slog.Logger) (*Monitor, error) {
	b, err := bus.New(busRoot, stages.DeptMonitor, logger)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		broker:   brk,
		store:    st,
		research: research,
		clock:    clk,
		bus:      b,
		trading:  trading,
		logger:   logger.With("component", "monitor"),
	}, nil
}

// Start schedules RunOnce on the given interval. Overlapping ticks are
// skipped rather than queued.
func (m *Monitor) Start(interval time.Duration) error {
	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := m.RunOnce(context.Background()); err != nil {
			m.logger.Error("monitor cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	m.cron = c
	c.Start()
	m.logger.Info("monitor started", "interval", interval)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// RunOnce checks every open position against its exit conditions and
// dispatches sell orders for those that fire. A broker or provider outage
// aborts the cycle; no partial exits are emitted on bad data.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor cycle skipped: %w", err)
	}
	entries, err := m.store.ListEntryDates(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor cycle skipped: %w", err)
	}

	report := &Report{Checked: len(positions)}
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		exit, ok := m.evaluate(ctx, pos, entries)
		if !ok {
			continue
		}
		if err := m.dispatch(ctx, exit); err != nil {
			return report, fmt.Errorf("dispatch exit %s: %w", exit.Ticker, err)
		}
		report.Exits = append(report.Exits, exit)
	}

	m.snapshot(ctx, positions)
	m.logger.Info("monitor cycle complete", "checked", report.Checked, "exits", len(report.Exits))
	return report, nil
}

// evaluate applies the exit ladder to one position: stop, target, hold
// limit, then score downgrade. First match wins. Positions with no entry
// record skip only the time-based check.
func (m *Monitor) evaluate(ctx context.Context, pos types.Position, entries map[string]types.EntryDate) (Exit, bool) {
	ticker := types.NormalizeTicker(pos.Ticker)
	last := pos.CurrentPrice
	entry, tracked := entries[ticker]

	if tracked && entry.StopLoss.IsPositive() && last.LessThanOrEqual(entry.StopLoss) {
		return Exit{
			Ticker: ticker, Reason: ExitStopLoss, Qty: pos.Qty,
			Detail: fmt.Sprintf("last %s at or below stop %s", last, entry.StopLoss),
		}, true
	}
	if tracked && entry.Target.IsPositive() && last.GreaterThanOrEqual(entry.Target) {
		return Exit{
			Ticker: ticker, Reason: ExitTargetReached, Qty: pos.Qty,
			Detail: fmt.Sprintf("last %s at or above target %s", last, entry.Target),
		}, true
	}
	if tracked && m.trading.MaxHoldDays > 0 {
		days := daysHeld(entry.EntryDate, m.clock.Today())
		plPct := pos.UnrealizedPLPC.Mul(decimal.NewFromInt(100))
		if days >= m.trading.MaxHoldDays && plPct.Abs().LessThanOrEqual(decimal.NewFromFloat(flatPLBandPct)) {
			return Exit{
				Ticker: ticker, Reason: ExitTimeLimit, Qty: pos.Qty,
				Detail: fmt.Sprintf("held %d days with flat P&L (%s%%)", days, plPct.Round(2)),
			}, true
		}
	}

	cand, err := m.research.RescoreHolding(ctx, ticker)
	if err != nil {
		m.logger.Warn("rescore unavailable, score check skipped", "ticker", ticker, "error", err)
		return Exit{}, false
	}
	if cand.CompositeScore < scoreExitThreshold && pos.UnrealizedPL.IsNegative() {
		return Exit{
			Ticker: ticker, Reason: ExitScoreDowngrade, Qty: pos.Qty,
			Detail: fmt.Sprintf("composite %.1f below %.0f with negative P&L", cand.CompositeScore, scoreExitThreshold),
		}, true
	}
	return Exit{}, false
}

// dispatch writes the trade row and the high-priority sell message for
// one exit, row first.
func (m *Monitor) dispatch(ctx context.Context, exit Exit) error {
	order := types.TradeOrder{
		Ticker:    exit.Ticker,
		Side:      types.SELL,
		OrderType: types.OrderQuantity,
		Quantity:  exit.Qty,
		Note:      fmt.Sprintf("%s: %s", exit.Reason, exit.Detail),
	}
	tradeID, err := m.store.InsertTrade(ctx, store.TradeRow{
		Ticker:   exit.Ticker,
		Side:     string(types.SELL),
		Quantity: exit.Qty,
		Status:   store.TradeApproved,
	})
	if err != nil {
		return err
	}
	id, err := m.bus.Write(stages.DeptTrading, bus.TypeSellOrder,
		fmt.Sprintf("EXIT %s (%s)", exit.Ticker, exit.Reason), exit.Detail,
		bus.WriteOptions{
			Priority: types.PriorityHigh,
			Payload:  types.TradeDispatch{TradeID: tradeID, Order: order},
		})
	if err != nil {
		return err
	}
	return m.bus.Route(id, stages.DeptMonitor, stages.DeptTrading)
}

// snapshot appends a best-effort account observation for the cycle.
func (m *Monitor) snapshot(ctx context.Context, positions []types.Position) {
	acct, err := m.broker.GetAccount(ctx)
	if err != nil {
		m.logger.Warn("snapshot skipped", "error", err)
		return
	}
	snap := types.PortfolioSnapshot{
		TotalValue:     acct.PortfolioValue,
		CashBalance:    acct.Cash,
		EquityValue:    acct.Equity,
		BuyingPower:    acct.BuyingPower,
		PositionsCount: len(positions),
		DailyPL:        acct.Equity.Sub(acct.LastEquity),
		DailyPLPct:     acct.DailyPLPct(),
		Source:         "monitor",
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		m.logger.Warn("snapshot insert failed", "error", err)
	}
}

// daysHeld counts calendar days between an entry date and today.
func daysHeld(entryDate, today string) int {
	a, err := time.Parse("2006-01-02", entryDate)
	if err != nil {
		return 0
	}
	b, err := time.Parse("2006-01-02", today)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
