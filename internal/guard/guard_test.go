package guard

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

type fixedCalendar struct {
	days []types.CalendarDay
	err  error
}

func (f *fixedCalendar) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	return f.days, f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newGuard wires a guard over an in-memory store and a clock pinned to
// the given market-local time. The calendar marks that date a session.
func newGuard(t *testing.T, now time.Time, tradingDay bool) (*Guard, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cal := &fixedCalendar{}
	if tradingDay {
		cal.days = []types.CalendarDay{{Date: now.Format("2006-01-02"), Open: "09:30", Close: "16:00"}}
	}
	clk, err := clock.New("America/New_York", cal, discard())
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	clk.SetNow(func() time.Time { return now })

	cfg := config.Default().Guardrails
	return New(clk, st, cfg, discard()), st
}

// Monday 2026-03-02, mid-session in New York.
var openSession = time.Date(2026, 3, 2, 11, 0, 0, 0, mustLoadNY())

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

func TestCheckAllGatesPass(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t, openSession, true)

	res, err := g.Check(context.Background(), CheckInput{
		PlanGeneratedAt: openSession.Add(-time.Hour),
		DailyPLPct:      0.4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanExecute {
		t.Fatalf("expected can_execute, failed gates: %v", res.GatesFailed)
	}
	if len(res.GatesPassed) != 4 {
		t.Fatalf("expected 4 gates passed, got %v", res.GatesPassed)
	}
	if res.Recommendation != types.RecommendClear {
		t.Fatalf("recommendation = %s, want CLEAR", res.Recommendation)
	}
	if !res.AllowNewBuys {
		t.Fatal("expected new buys allowed")
	}
}

func TestCheckMarketClosedBlocks(t *testing.T) {
	t.Parallel()
	// Calendar has no session for today.
	g, _ := newGuard(t, openSession, false)

	res, err := g.Check(context.Background(), CheckInput{
		PlanGeneratedAt: openSession.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.CanExecute {
		t.Fatal("expected block when market is closed")
	}
	if len(res.GatesFailed) != 1 || res.GatesFailed[0] != GateMarketStatus {
		t.Fatalf("gates_failed = %v, want [%s]", res.GatesFailed, GateMarketStatus)
	}
	if res.Recommendation != types.RecommendBlocked {
		t.Fatalf("recommendation = %s, want BLOCKED", res.Recommendation)
	}
}

func TestCheckStalePlanRequiresOverride(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t, openSession, true)

	res, err := g.Check(context.Background(), CheckInput{
		PlanGeneratedAt: openSession.Add(-5 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanExecute {
		t.Fatalf("stale plan should stay executable, failed: %v", res.GatesFailed)
	}
	if !res.RequiresOverride {
		t.Fatal("expected requires_override for stale plan")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a freshness warning")
	}
	if res.Recommendation != types.RecommendOverride {
		t.Fatalf("recommendation = %s, want OVERRIDE", res.Recommendation)
	}

	// With the override set the same plan no longer demands one.
	res, err = g.Check(context.Background(), CheckInput{
		PlanGeneratedAt: openSession.Add(-5 * time.Hour),
		Override:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RequiresOverride {
		t.Fatal("override set, requires_override should clear")
	}
}

func TestCheckSecondExecutionSameDay(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t, openSession, true)
	ctx := context.Background()

	if err := g.RecordExecution(ctx, openSession, 3, false, types.CircuitNormal, ""); err != nil {
		t.Fatal(err)
	}

	res, err := g.Check(ctx, CheckInput{PlanGeneratedAt: openSession.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if res.CanExecute {
		t.Fatal("second execution without override must be refused")
	}
	if res.Recommendation != types.RecommendBlocked {
		t.Fatalf("recommendation = %s, want BLOCKED", res.Recommendation)
	}

	res, err = g.Check(ctx, CheckInput{
		PlanGeneratedAt: openSession.Add(-time.Hour),
		Override:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanExecute {
		t.Fatalf("override should permit re-execution, failed: %v", res.GatesFailed)
	}
}

func TestCircuitBreakerLevels(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t, openSession, true)
	ctx := context.Background()

	cases := []struct {
		plPct    float64
		level    types.CircuitLevel
		buysOK   bool
		execOK   bool
		override bool
	}{
		{-1, types.CircuitNormal, true, true, false},
		{-6, types.CircuitYellow, true, true, false},
		{-11, types.CircuitOrange, false, true, false},
		{-16, types.CircuitRed, false, false, false},
		{-16, types.CircuitRed, false, true, true},
	}
	for _, tc := range cases {
		res, err := g.Check(ctx, CheckInput{
			PlanGeneratedAt: openSession.Add(-time.Hour),
			DailyPLPct:      tc.plPct,
			Override:        tc.override,
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.CircuitLevel != tc.level {
			t.Errorf("pl %.0f%%: level = %s, want %s", tc.plPct, res.CircuitLevel, tc.level)
		}
		if res.AllowNewBuys != tc.buysOK {
			t.Errorf("pl %.0f%%: allow_new_buys = %v, want %v", tc.plPct, res.AllowNewBuys, tc.buysOK)
		}
		if res.CanExecute != tc.execOK {
			t.Errorf("pl %.0f%% override=%v: can_execute = %v, want %v", tc.plPct, tc.override, res.CanExecute, tc.execOK)
		}
	}
}

// Increasing loss never lowers severity and never re-enables buys.
func TestCircuitBreakerMonotonic(t *testing.T) {
	t.Parallel()
	g, _ := newGuard(t, openSession, true)
	ctx := context.Background()

	prevLevel := types.CircuitNormal
	prevBuys := true
	for loss := 0.0; loss <= 20; loss += 0.5 {
		res, err := g.Check(ctx, CheckInput{
			PlanGeneratedAt: openSession.Add(-time.Hour),
			DailyPLPct:      -loss,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.CircuitLevel.AtLeast(prevLevel) {
			t.Fatalf("loss %.1f%%: level %s below previous %s", loss, res.CircuitLevel, prevLevel)
		}
		if res.AllowNewBuys && !prevBuys {
			t.Fatalf("loss %.1f%%: buys re-enabled after being blocked", loss)
		}
		prevLevel = res.CircuitLevel
		prevBuys = res.AllowNewBuys
	}
}
