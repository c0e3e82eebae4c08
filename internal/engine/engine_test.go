package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/bus"
	"tradedesk/internal/cache"
	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/guard"
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

type fakeFund struct{}

func (fakeFund) Fetch(ctx context.Context, ticker string) (types.Fundamentals, error) {
	// Strong, distinct-sector fundamentals so composite scores clear the
	// floor and the sector cap never binds.
	return types.Fundamentals{
		Ticker:         ticker,
		Sector:         "Sector-" + ticker[:1],
		MarketCap:      5e10,
		TrailingPE:     20,
		ReturnOnEquity: 0.20,
		ProfitMargins:  0.15,
		RevenueGrowth:  0.15,
		EarningsGrowth: 0.15,
		DebtToEquity:   0.5,
		CurrentRatio:   2.0,
	}, nil
}

type fakeSent struct{}

func (fakeSent) FetchBatch(ctx context.Context, tickers []string) ([]providers.SentimentReading, error) {
	out := make([]providers.SentimentReading, len(tickers))
	for i, tk := range tickers {
		out[i] = providers.SentimentReading{Ticker: tk, Score: 70, Summary: "steady coverage"}
	}
	return out, nil
}

type fakeLLM struct {
	out string
	err error
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string, deep bool) (string, error) {
	return f.out, f.err
}

func (f *fakeLLM) Summarize(ctx context.Context, payload string) (string, error) {
	return f.out, f.err
}

// Monday 2026-03-02, mid-session in New York.
var sessionNow = time.Date(2026, 3, 2, 11, 0, 0, 0, mustLoadNY())

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

// swingBars produces an oscillating uptrend with healthy liquidity: the
// kind of series that survives the research screens.
func swingBars(ticker string, n int) []types.PriceBar {
	bars := make([]types.PriceBar, n)
	for i := range bars {
		price := 50 + 0.05*float64(i) + 2*math.Sin(float64(i)/3)
		bars[i] = types.PriceBar{
			Ticker: ticker,
			Date:   sessionNow.AddDate(0, 0, i-n),
			Open:   price * 0.999,
			High:   price * 1.03,
			Low:    price * 0.97,
			Close:  price,
			Volume: 2_000_000,
		}
	}
	return bars
}

type fixture struct {
	coord    *Coordinator
	plans    *Lifecycle
	store    *store.Store
	busRoot  string
	plansDir string
}

func newFixture(t *testing.T, stub *broker.Stub, llm providers.LLMSource) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cal := &fixedCalendar{days: []types.CalendarDay{{
		Date: sessionNow.Format("2006-01-02"), Open: "09:30", Close: "16:00",
	}}}
	clk, err := clock.New("America/New_York", cal, discard())
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	clk.SetNow(func() time.Time { return sessionNow })

	trading := config.Default().Trading
	trading.TargetCandidates = 5
	trading.MinCandidates = 3

	prices := cache.NewPrices(st, stub, fakeFund{}, 16*time.Hour, discard())
	sentiment := cache.NewSentiment(st, fakeSent{}, 16*time.Hour, 5, 0, discard())
	research := stages.NewResearch(prices, sentiment, trading, 5, discard())
	risk := stages.NewRisk(trading, discard())
	portfolio := stages.NewPortfolio(trading, discard())
	optimizer := stages.NewOptimizer(llm, trading, discard())
	compliance := stages.NewCompliance(trading, discard())

	grd := guard.New(clk, st, config.Default().Guardrails, discard())

	busRoot := t.TempDir()
	plansDir := t.TempDir()
	plans, err := NewLifecycle(plansDir, busRoot, st, grd, clk, discard())
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	coord, err := NewCoordinator(research, risk, portfolio, optimizer, compliance,
		stub, st, grd, clk, plans, busRoot, discard())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &fixture{coord: coord, plans: plans, store: st, busRoot: busRoot, plansDir: plansDir}
}

var testUniverse = []string{"ALFA", "BRAV", "CHAR", "DELT", "ECHO"}

func healthyStub() *broker.Stub {
	stub := broker.NewStub()
	stub.Account = types.Account{
		PortfolioValue: decimal.NewFromInt(100_000),
		Equity:         decimal.NewFromInt(100_000),
		LastEquity:     decimal.NewFromInt(100_000),
		Cash:           decimal.NewFromInt(100_000),
		BuyingPower:    decimal.NewFromInt(200_000),
	}
	for _, tk := range testUniverse {
		stub.Bars[tk] = swingBars(tk, 130)
	}
	return stub
}

func TestCycleProducesPlan(t *testing.T) {
	t.Parallel()
	// LLM down: the deterministic fallback must still carry the cycle.
	fx := newFixture(t, healthyStub(), &fakeLLM{err: os.ErrDeadlineExceeded})
	ctx := context.Background()

	result := fx.coord.RunCycle(ctx, testUniverse)
	if result.Outcome != OutcomePlan {
		t.Fatalf("outcome = %s (%s), want PLAN", result.Outcome, result.Cause)
	}
	if len(result.Stages) != 5 {
		t.Fatalf("stage results = %d, want 5", len(result.Stages))
	}
	for _, st := range result.Stages {
		if !st.Success {
			t.Fatalf("stage %s failed: %s %v", st.Stage, st.Message, st.Issues)
		}
	}

	plan := result.Plan
	if plan.Status != types.PlanReadyForApproval {
		t.Fatalf("plan status = %s, want READY_FOR_APPROVAL", plan.Status)
	}
	if len(plan.Trades) == 0 {
		t.Fatal("plan has no trades")
	}
	for _, trade := range plan.Trades {
		if trade.Side != types.BUY {
			t.Fatalf("unexpected %s in a fresh-book plan", trade.Side)
		}
		if trade.DecisionID == "" {
			t.Fatalf("trade %s has no decision row", trade.Ticker)
		}
	}
	if plan.Summary.OverallQualityScore <= 0 {
		t.Fatal("overall quality must be positive")
	}

	// The plan file on disk is the source of truth.
	loaded, err := fx.plans.Load(sessionNow.Format("2006-01-02"))
	if err != nil {
		t.Fatalf("load plan file: %v", err)
	}
	if loaded.PlanID != plan.PlanID {
		t.Fatalf("loaded plan id = %s, want %s", loaded.PlanID, plan.PlanID)
	}

	// The session is stamped generated, not executed.
	session, err := fx.store.GetSession(ctx, sessionNow.Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	if session == nil || session.PlanGeneratedAt == nil {
		t.Fatal("session must record plan generation")
	}
	if session.PlanExecutedAt != nil {
		t.Fatal("plan generation must not mark the session executed")
	}
}

func TestCycleRoutesStageMessages(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, healthyStub(), &fakeLLM{err: os.ErrDeadlineExceeded})

	result := fx.coord.RunCycle(context.Background(), testUniverse)
	if result.Outcome != OutcomePlan {
		t.Fatalf("outcome = %s (%s), want PLAN", result.Outcome, result.Cause)
	}

	// Each downstream department received its upstream handoff.
	expect := map[string]string{
		stages.DeptRisk:       bus.TypeDailyBriefing,
		stages.DeptPortfolio:  bus.TypeRiskAssessment,
		stages.DeptOptimizer:  bus.TypeBuyOrder,
		stages.DeptCompliance: bus.TypeAllocationDecision,
	}
	for dept, wantType := range expect {
		b, err := bus.New(fx.busRoot, dept, discard())
		if err != nil {
			t.Fatal(err)
		}
		paths, err := b.Inbox()
		if err != nil {
			t.Fatal(err)
		}
		var found bool
		for _, p := range paths {
			msg, err := b.Read(p)
			if err != nil {
				t.Fatalf("read %s: %v", p, err)
			}
			if msg.Meta.MessageType == wantType {
				found = true
			}
		}
		if !found {
			t.Errorf("%s inbox missing a %s message", dept, wantType)
		}
	}

	// The executive got the approval request.
	exec, err := bus.New(fx.busRoot, stages.DeptExecutive, discard())
	if err != nil {
		t.Fatal(err)
	}
	paths, err := exec.Inbox()
	if err != nil {
		t.Fatal(err)
	}
	var approval bool
	for _, p := range paths {
		msg, err := exec.Read(p)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Meta.MessageType == bus.TypeExecutiveApproval {
			approval = true
			if msg.Meta.Priority != string(types.PriorityHigh) {
				t.Errorf("approval priority = %s, want high", msg.Meta.Priority)
			}
		}
	}
	if !approval {
		t.Error("executive inbox missing the approval request")
	}
}

func TestSameSymbolConflictVoidsPlan(t *testing.T) {
	t.Parallel()
	stub := healthyStub()
	stub.Positions = []types.Position{{
		Ticker:        "ALFA",
		Qty:           decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromInt(55),
		MarketValue:   decimal.NewFromInt(5_500),
		AvgEntryPrice: decimal.NewFromInt(50),
	}}
	// The model proposes buying and selling the same holding.
	llm := &fakeLLM{out: `{
		"sells": [{"ticker": "ALFA", "sell_pct": 100, "reasoning": "cut"}],
		"buys": [{"ticker": "ALFA", "allocated_capital": 9000, "allocation_pct": 9, "is_position_adjustment": false, "reasoning": "add"}],
		"total_allocated": 9000, "deployment_pct": 9, "portfolio_reasoning": "conflicted"
	}`}
	fx := newFixture(t, stub, llm)

	result := fx.coord.RunCycle(context.Background(), testUniverse)
	if result.Outcome != OutcomeFailure {
		t.Fatalf("outcome = %s, want FAILURE", result.Outcome)
	}
	if result.Plan != nil {
		t.Fatal("a voided plan must never be attached")
	}
	if len(result.Stages) != 5 {
		t.Fatalf("stage results = %d, want all 5 preserved", len(result.Stages))
	}

	// No plan file may exist for the day.
	if _, err := fx.plans.Load(sessionNow.Format("2006-01-02")); err == nil {
		t.Fatal("voided plan must not be written to disk")
	}
}

func TestResearchShortfallEscalates(t *testing.T) {
	t.Parallel()
	stub := broker.NewStub()
	stub.Account = types.Account{
		PortfolioValue: decimal.NewFromInt(100_000),
		Equity:         decimal.NewFromInt(100_000),
		LastEquity:     decimal.NewFromInt(100_000),
		Cash:           decimal.NewFromInt(100_000),
	}
	// No bars at all: every ticker fails the data fetch.
	fx := newFixture(t, stub, &fakeLLM{})

	result := fx.coord.RunCycle(context.Background(), testUniverse)
	if result.Outcome != OutcomeEscalation {
		t.Fatalf("outcome = %s, want ESCALATION", result.Outcome)
	}
	if result.Escalation.Stage != types.StageResearch {
		t.Fatalf("escalation stage = %s, want RESEARCH", result.Escalation.Stage)
	}
	if result.Escalation.Severity != types.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL for a zero-candidate run", result.Escalation.Severity)
	}
	if result.Plan != nil {
		t.Fatal("no plan on escalation")
	}
	if len(result.Stages) != 1 {
		t.Fatalf("stage results = %d, want 1 (pipeline stops at the gate)", len(result.Stages))
	}
}

func TestLoadUniverse(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "universe.csv")
	content := "ticker,name\n# momentum names\naapl,Apple\nMSFT,Microsoft\n\nmsft,duplicate\nNVDA\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadUniverse(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AAPL", "MSFT", "NVDA"}
	if len(got) != len(want) {
		t.Fatalf("tickers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tickers = %v, want %v", got, want)
		}
	}

	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("THISISTOOLONG,oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadUniverse(bad); err == nil {
		t.Fatal("invalid ticker must fail the load")
	}
}
