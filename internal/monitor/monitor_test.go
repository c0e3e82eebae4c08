package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/bus"
	"tradedesk/internal/cache"
	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/providers"
	"tradedesk/internal/stages"
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

type failingFund struct{}

func (failingFund) Fetch(ctx context.Context, ticker string) (types.Fundamentals, error) {
	return types.Fundamentals{}, errors.New("fundamentals unavailable")
}

type emptySentiment struct{}

func (emptySentiment) FetchBatch(ctx context.Context, tickers []string) ([]providers.SentimentReading, error) {
	return nil, nil
}

var monitorNow = time.Date(2026, 3, 2, 14, 0, 0, 0, mustLoadNY())

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

// decliningBars produces a steady downtrend: weak RSI, bearish MACD,
// price under both moving averages.
func decliningBars(ticker string, n int) []types.PriceBar {
	bars := make([]types.PriceBar, n)
	price := 100.0
	for i := range bars {
		price *= 0.997
		bars[i] = types.PriceBar{
			Ticker: ticker,
			Date:   monitorNow.AddDate(0, 0, i-n),
			Open:   price * 1.002,
			High:   price * 1.01,
			Low:    price * 0.99,
			Close:  price,
			Volume: 2_000_000,
		}
	}
	return bars
}

func newMonitor(t *testing.T, stub *broker.Stub, trading config.TradingConfig) (*Monitor, *store.Store, string) {
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
	clk.SetNow(func() time.Time { return monitorNow })

	prices := cache.NewPrices(st, stub, failingFund{}, 16*time.Hour, discard())
	sentiment := cache.NewSentiment(st, emptySentiment{}, 16*time.Hour, 5, 0, discard())
	research := stages.NewResearch(prices, sentiment, trading, 5, discard())

	busRoot := t.TempDir()
	m, err := New(busRoot, stub, st, research, clk, trading, discard())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m, st, busRoot
}

// drainTradingInbox reads and returns every message waiting for Trading.
func drainTradingInbox(t *testing.T, busRoot string) []*bus.Message {
	t.Helper()
	b, err := bus.New(busRoot, stages.DeptTrading, discard())
	if err != nil {
		t.Fatal(err)
	}
	paths, err := b.Inbox()
	if err != nil {
		t.Fatal(err)
	}
	var msgs []*bus.Message
	for _, p := range paths {
		msg, err := b.Read(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestStopHitEmitsSell(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	stub.Positions = []types.Position{{
		Ticker:       "ACME",
		Qty:          decimal.NewFromInt(50),
		CurrentPrice: decimal.NewFromInt(93),
		UnrealizedPL: decimal.NewFromInt(-350),
	}}
	m, st, busRoot := newMonitor(t, stub, config.Default().Trading)
	ctx := context.Background()

	if err := st.UpsertEntryDate(ctx, types.EntryDate{
		Ticker: "ACME", EntryDate: "2026-02-25",
		Shares:   decimal.NewFromInt(50),
		StopLoss: decimal.NewFromInt(94),
		Target:   decimal.NewFromInt(112),
	}); err != nil {
		t.Fatal(err)
	}

	report, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Exits) != 1 || report.Exits[0].Reason != ExitStopLoss {
		t.Fatalf("exits = %+v, want one STOP_LOSS", report.Exits)
	}

	msgs := drainTradingInbox(t, busRoot)
	if len(msgs) != 1 {
		t.Fatalf("trading inbox = %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Meta.MessageType != bus.TypeSellOrder {
		t.Fatalf("message type = %s, want SellOrder", msg.Meta.MessageType)
	}
	if msg.Meta.Priority != string(types.PriorityHigh) {
		t.Fatalf("priority = %s, want high", msg.Meta.Priority)
	}
	var dispatch types.TradeDispatch
	if err := json.Unmarshal(msg.Payload, &dispatch); err != nil {
		t.Fatal(err)
	}
	if dispatch.Order.Ticker != "ACME" || dispatch.Order.Side != types.SELL {
		t.Fatalf("order = %+v", dispatch.Order)
	}
	if !dispatch.Order.Quantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("quantity = %s, want 50", dispatch.Order.Quantity)
	}
	if dispatch.TradeID == "" {
		t.Fatal("dispatch must carry the trade row id")
	}
}

func TestTargetHitEmitsSell(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	stub.Positions = []types.Position{{
		Ticker:       "ACME",
		Qty:          decimal.NewFromInt(50),
		CurrentPrice: decimal.NewFromInt(113),
		UnrealizedPL: decimal.NewFromInt(650),
	}}
	m, st, _ := newMonitor(t, stub, config.Default().Trading)
	ctx := context.Background()

	if err := st.UpsertEntryDate(ctx, types.EntryDate{
		Ticker: "ACME", EntryDate: "2026-02-25",
		Shares:   decimal.NewFromInt(50),
		StopLoss: decimal.NewFromInt(94),
		Target:   decimal.NewFromInt(112),
	}); err != nil {
		t.Fatal(err)
	}

	report, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Exits) != 1 || report.Exits[0].Reason != ExitTargetReached {
		t.Fatalf("exits = %+v, want one TARGET_REACHED", report.Exits)
	}
}

func TestTimeExitOnFlatHolding(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	stub.Positions = []types.Position{{
		Ticker:         "SLOW",
		Qty:            decimal.NewFromInt(30),
		CurrentPrice:   decimal.NewFromInt(101),
		UnrealizedPL:   decimal.NewFromInt(30),
		UnrealizedPLPC: decimal.NewFromFloat(0.01),
	}}
	trading := config.Default().Trading
	trading.MaxHoldDays = 30
	m, st, _ := newMonitor(t, stub, trading)
	ctx := context.Background()

	// Held 40 days, no stop or target recorded.
	if err := st.UpsertEntryDate(ctx, types.EntryDate{
		Ticker: "SLOW", EntryDate: "2026-01-21",
		Shares: decimal.NewFromInt(30),
	}); err != nil {
		t.Fatal(err)
	}

	report, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Exits) != 1 || report.Exits[0].Reason != ExitTimeLimit {
		t.Fatalf("exits = %+v, want one TIME_EXIT", report.Exits)
	}
}

func TestUnknownEntrySkipsTimeExitOnly(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	// Winning position, no entry record, no bars for rescoring: every
	// exit check either passes or is skipped.
	stub.Positions = []types.Position{{
		Ticker:         "WIN",
		Qty:            decimal.NewFromInt(10),
		CurrentPrice:   decimal.NewFromInt(150),
		UnrealizedPL:   decimal.NewFromInt(500),
		UnrealizedPLPC: decimal.NewFromFloat(0.20),
	}}
	trading := config.Default().Trading
	trading.MaxHoldDays = 1
	m, _, _ := newMonitor(t, stub, trading)

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Exits) != 0 {
		t.Fatalf("exits = %+v, want none", report.Exits)
	}
	if report.Checked != 1 {
		t.Fatalf("checked = %d, want 1", report.Checked)
	}
}

func TestScoreDowngradeCutsLoser(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{Equity: decimal.NewFromInt(100_000)}
	stub.Bars["FADE"] = decliningBars("FADE", 130)
	stub.Positions = []types.Position{{
		Ticker:         "FADE",
		Qty:            decimal.NewFromInt(40),
		CurrentPrice:   decimal.NewFromInt(67),
		UnrealizedPL:   decimal.NewFromInt(-900),
		UnrealizedPLPC: decimal.NewFromFloat(-0.25),
	}}
	m, _, busRoot := newMonitor(t, stub, config.Default().Trading)

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Exits) != 1 || report.Exits[0].Reason != ExitScoreDowngrade {
		t.Fatalf("exits = %+v, want one SCORE_DOWNGRADE", report.Exits)
	}
	if msgs := drainTradingInbox(t, busRoot); len(msgs) != 1 {
		t.Fatalf("trading inbox = %d messages, want 1", len(msgs))
	}
}

func TestBrokerOutageSkipsCycle(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Err = errors.New("connection refused")
	m, _, busRoot := newMonitor(t, stub, config.Default().Trading)

	if _, err := m.RunOnce(context.Background()); err == nil {
		t.Fatal("expected cycle to abort on broker outage")
	}
	if msgs := drainTradingInbox(t, busRoot); len(msgs) != 0 {
		t.Fatalf("no exits may be emitted on bad data, got %d", len(msgs))
	}
}
