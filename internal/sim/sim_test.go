package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/clock"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedCalendar struct{ days []types.CalendarDay }

func (f *fixedCalendar) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	return f.days, nil
}

var tradingDay = time.Date(2026, 3, 2, 11, 0, 0, 0, mustLoadNY())

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

func newSim(t *testing.T, stub *broker.Stub) (*Realism, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk, err := clock.New("America/New_York", &fixedCalendar{}, discard())
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	clk.SetNow(func() time.Time { return tradingDay })

	return Wrap(stub, st, clk, discard()), st
}

// insertRoundTrip records a BUY and SELL of one ticker on the same date.
func insertRoundTrip(t *testing.T, st *store.Store, ticker string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, side := range []types.Side{types.BUY, types.SELL} {
		_, err := st.InsertTrade(ctx, store.TradeRow{
			Timestamp: at,
			Ticker:    ticker,
			Side:      string(side),
			Quantity:  decimal.NewFromInt(10),
			Status:    store.TradeFilled,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func notionalBuy(ticker string, dollars int64) types.OrderRequest {
	n := decimal.NewFromInt(dollars)
	return types.OrderRequest{
		Ticker:      ticker,
		Side:        types.BUY,
		OrderType:   types.OrderNotional,
		Notional:    &n,
		TimeInForce: "day",
	}
}

func TestPDTBlocksFourthDayTrade(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	sim, st := newSim(t, stub)
	ctx := context.Background()

	// Three round trips already in the window.
	for i, tk := range []string{"AAA", "BBB", "CCC"} {
		insertRoundTrip(t, st, tk, tradingDay.AddDate(0, 0, -i))
	}
	// A BUY of DDD filled earlier today: selling it now completes trip four.
	if _, err := st.InsertTrade(ctx, store.TradeRow{
		Timestamp: tradingDay.Add(-2 * time.Hour),
		Ticker:    "DDD",
		Side:      string(types.BUY),
		Quantity:  decimal.NewFromInt(5),
		Status:    store.TradeFilled,
	}); err != nil {
		t.Fatal(err)
	}

	qty := decimal.NewFromInt(5)
	_, err := sim.SubmitOrder(ctx, types.OrderRequest{
		Ticker:    "DDD",
		Side:      types.SELL,
		OrderType: types.OrderQuantity,
		Qty:       &qty,
	})
	if err == nil {
		t.Fatal("expected PDT block on fourth day trade")
	}
	if !errors.Is(err, types.ErrPDTViolation) {
		t.Fatalf("error = %v, want ErrPDTViolation", err)
	}
	if len(stub.Submitted) != 0 {
		t.Fatal("blocked order must never reach the broker")
	}
}

func TestPDTAllowsUnderLimit(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	sim, st := newSim(t, stub)

	insertRoundTrip(t, st, "AAA", tradingDay.AddDate(0, 0, -1))
	insertRoundTrip(t, st, "BBB", tradingDay.AddDate(0, 0, -2))

	if _, err := sim.SubmitOrder(context.Background(), notionalBuy("NEW", 1000)); err != nil {
		t.Fatalf("order under PDT limit should pass: %v", err)
	}
	if len(stub.Submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(stub.Submitted))
	}
}

func TestPDTIgnoresTradesOutsideWindow(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(50_000)}
	sim, st := newSim(t, stub)
	ctx := context.Background()

	// Four round trips, all older than the window.
	for i, tk := range []string{"AAA", "BBB", "CCC", "DDD"} {
		insertRoundTrip(t, st, tk, tradingDay.AddDate(0, 0, -10-i))
	}

	if _, err := sim.SubmitOrder(ctx, notionalBuy("NEW", 1000)); err != nil {
		t.Fatalf("stale round trips must not block: %v", err)
	}
}

func TestLiveModePassesThrough(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Paper = false
	sim, st := newSim(t, stub)
	ctx := context.Background()

	// Enough round trips to trip the tracker if it were active.
	for i, tk := range []string{"AAA", "BBB", "CCC", "DDD", "EEE"} {
		insertRoundTrip(t, st, tk, tradingDay.AddDate(0, 0, -i%3))
	}

	if _, err := sim.SubmitOrder(ctx, notionalBuy("NEW", 1000)); err != nil {
		t.Fatalf("live mode must pass through: %v", err)
	}

	// No entry-date bookkeeping either.
	entries, err := st.ListEntryDates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("live mode wrote entry dates: %v", entries)
	}
}

func TestEntryDateLifecycle(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	sim, st := newSim(t, stub)
	ctx := context.Background()

	stop := decimal.NewFromInt(94)
	target := decimal.NewFromInt(112)
	qty := decimal.NewFromInt(50)
	if _, err := sim.SubmitOrder(ctx, types.OrderRequest{
		Ticker:    "ACME",
		Side:      types.BUY,
		OrderType: types.OrderQuantity,
		Qty:       &qty,
		StopLoss:  &stop,
		Target:    &target,
	}); err != nil {
		t.Fatal(err)
	}

	entry, err := st.GetEntryDate(ctx, "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("buy fill should record an entry date")
	}
	if entry.EntryDate != "2026-03-02" {
		t.Fatalf("entry_date = %s, want 2026-03-02", entry.EntryDate)
	}
	if !entry.Shares.Equal(qty) {
		t.Fatalf("shares = %s, want %s", entry.Shares, qty)
	}
	if !entry.StopLoss.Equal(stop) || !entry.Target.Equal(target) {
		t.Fatalf("levels = %s/%s, want %s/%s", entry.StopLoss, entry.Target, stop, target)
	}

	// Partial exit leaves the record alone.
	partial := decimal.NewFromInt(20)
	if _, err := sim.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "ACME", Side: types.SELL, OrderType: types.OrderQuantity, Qty: &partial,
	}); err != nil {
		t.Fatal(err)
	}
	entry, err = st.GetEntryDate(ctx, "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("partial exit must keep the entry record")
	}

	// Flat exit removes it.
	if _, err := sim.SubmitOrder(ctx, types.OrderRequest{
		Ticker: "ACME", Side: types.SELL, OrderType: types.OrderQuantity, Qty: &qty,
	}); err != nil {
		t.Fatal(err)
	}
	entry, err = st.GetEntryDate(ctx, "ACME")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatal("flat exit must delete the entry record")
	}
}

func TestSlippageBpsBounds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		shares, volume float64
		want           float64
	}{
		{100, 1_000_000, 2.0008},
		{0, 1_000_000, 2},
		{500_000, 1_000_000, 6},
		{5_000_000, 1_000_000, 10},
		{100, 0, 10},
	}
	for _, tc := range cases {
		got := SlippageBps(tc.shares, tc.volume)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("SlippageBps(%v, %v) = %v, want %v", tc.shares, tc.volume, got, tc.want)
		}
	}
}

func TestSlippageCostNeverNegative(t *testing.T) {
	t.Parallel()
	cost := SlippageCost(decimal.NewFromInt(-10_000), 5)
	if cost.IsNegative() {
		t.Fatalf("cost = %s, want non-negative", cost)
	}
	if !cost.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("cost = %s, want 5", cost)
	}
}

func TestMarginInterest(t *testing.T) {
	t.Parallel()
	// $10,000 borrowed for 30 days at 12% APR.
	got := MarginInterest(decimal.NewFromInt(10_000), 30)
	want := decimal.NewFromFloat(98.6301)
	if !got.Equal(want) {
		t.Fatalf("interest = %s, want %s", got, want)
	}
	if !MarginInterest(decimal.Zero, 30).IsZero() {
		t.Fatal("no margin means no interest")
	}
	if !MarginInterest(decimal.NewFromInt(10_000), 0).IsZero() {
		t.Fatal("zero days means no interest")
	}
}
