// Package guard implements the session guardrails: the execution gates
// that stand between an approved plan and the broker.
//
// Four gates are always evaluated, never short-circuited, and their
// failures aggregated into one result:
//   - Market Status: today is a trading day and we are inside session hours.
//   - Daily Execution Limit: at most one executed plan per calendar day.
//   - Plan Freshness: the plan was generated within the freshness window.
//   - Circuit Breaker: graduated daily-loss levels NORMAL/YELLOW/ORANGE/RED.
//
// The guard owns the trading_sessions table. Other components read session
// rows through the store; only this package writes them.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// Gate names as they appear in GateResult lists.
const (
	GateMarketStatus = "Market Status"
	GateDailyLimit   = "Daily Execution Limit"
	GateFreshness    = "Plan Freshness"
	GateCircuit      = "Circuit Breaker"
)

// Guard evaluates the execution gates and records session state.
type Guard struct {
	clock  *clock.Clock
	store  *store.Store
	cfg    config.GuardrailsConfig
	logger *slog.Logger
}

// New builds the guard.
func New(clk *clock.Clock, st *store.Store, cfg config.GuardrailsConfig, logger *slog.Logger) *Guard {
	return &Guard{
		clock:  clk,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "guardrails"),
	}
}

// CheckInput carries everything one gate evaluation needs.
type CheckInput struct {
	PlanGeneratedAt time.Time
	DailyPLPct      float64 // signed; losses are negative
	Override        bool    // operator override explicitly set
}

// Level maps a daily-loss percentage onto the graduated circuit levels.
// lossPct is max(0, -daily_pl_pct).
func (g *Guard) Level(lossPct float64) types.CircuitLevel {
	switch {
	case lossPct >= g.cfg.CircuitBreaker.Red:
		return types.CircuitRed
	case lossPct >= g.cfg.CircuitBreaker.Orange:
		return types.CircuitOrange
	case lossPct >= g.cfg.CircuitBreaker.Yellow:
		return types.CircuitYellow
	default:
		return types.CircuitNormal
	}
}

// Check evaluates all four gates against the current session and returns
// the aggregated result. It never mutates session state; recording the
// override and execution happens in RecordExecution after dispatch.
func (g *Guard) Check(ctx context.Context, in CheckInput) (types.GateResult, error) {
	res := types.GateResult{
		CanExecute:   true,
		AllowNewBuys: true,
	}
	now := g.clock.NowMarket()
	today := g.clock.Today()

	// Gate 1: market hours. No override; a closed market is a hard stop.
	if g.clock.IsMarketOpen(ctx) {
		res.GatesPassed = append(res.GatesPassed, GateMarketStatus)
	} else {
		res.GatesFailed = append(res.GatesFailed, GateMarketStatus)
		res.CanExecute = false
	}

	// Gate 2: once per day. An executed session row blocks a second run
	// unless the operator overrides, which is recorded on the session.
	session, err := g.store.GetSession(ctx, today)
	if err != nil {
		return types.GateResult{}, fmt.Errorf("guardrails: read session: %w", err)
	}
	executedToday := session != nil && session.PlanExecutedAt != nil
	switch {
	case !executedToday:
		res.GatesPassed = append(res.GatesPassed, GateDailyLimit)
	case in.Override:
		res.GatesPassed = append(res.GatesPassed, GateDailyLimit)
		res.Warnings = append(res.Warnings, "re-executing an already-executed session under operator override")
	default:
		res.GatesFailed = append(res.GatesFailed, GateDailyLimit)
		res.CanExecute = false
		res.RequiresOverride = true
	}

	// Gate 3: plan freshness. A stale plan is executable but only under
	// an explicit override.
	freshness := time.Duration(g.cfg.PlanFreshnessHours) * time.Hour
	age := now.Sub(in.PlanGeneratedAt)
	switch {
	case in.PlanGeneratedAt.IsZero():
		res.GatesFailed = append(res.GatesFailed, GateFreshness)
		res.CanExecute = false
	case age <= freshness:
		res.GatesPassed = append(res.GatesPassed, GateFreshness)
	default:
		res.GatesPassed = append(res.GatesPassed, GateFreshness)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("plan is %s old, over the %s freshness window", age.Round(time.Minute), freshness))
		if !in.Override {
			res.RequiresOverride = true
		}
	}

	// Gate 4: graduated circuit breaker on the daily loss.
	lossPct := 0.0
	if in.DailyPLPct < 0 {
		lossPct = -in.DailyPLPct
	}
	level := g.Level(lossPct)
	res.CircuitLevel = level
	switch level {
	case types.CircuitNormal:
		res.GatesPassed = append(res.GatesPassed, GateCircuit)
	case types.CircuitYellow:
		res.GatesPassed = append(res.GatesPassed, GateCircuit)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("daily loss %.1f%% at YELLOW threshold", lossPct))
	case types.CircuitOrange:
		res.GatesPassed = append(res.GatesPassed, GateCircuit)
		res.AllowNewBuys = false
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("daily loss %.1f%% at ORANGE threshold, new buys blocked", lossPct))
		if !in.Override {
			res.RequiresOverride = true
		}
	case types.CircuitRed:
		res.AllowNewBuys = false
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("daily loss %.1f%% at RED threshold", lossPct))
		if in.Override {
			// Explicit confirmation lets exits through; buys stay blocked.
			res.GatesPassed = append(res.GatesPassed, GateCircuit)
		} else {
			res.GatesFailed = append(res.GatesFailed, GateCircuit)
			res.CanExecute = false
			res.RequiresOverride = true
		}
	}

	res.Recommendation = recommend(res)
	g.logger.Info("gate check",
		"can_execute", res.CanExecute,
		"failed", res.GatesFailed,
		"circuit_level", res.CircuitLevel,
		"recommendation", res.Recommendation)
	return res, nil
}

// recommend maps the aggregate gate state onto the operator-facing
// recommendation, in strictly decreasing severity.
func recommend(res types.GateResult) types.Recommendation {
	switch {
	case !res.CanExecute:
		return types.RecommendBlocked
	case res.RequiresOverride:
		return types.RecommendOverride
	case len(res.Warnings) > 0:
		return types.RecommendCaution
	default:
		return types.RecommendClear
	}
}

// RecordPlanGenerated stamps today's session with the plan generation time.
func (g *Guard) RecordPlanGenerated(ctx context.Context, at time.Time) error {
	status := "closed"
	if g.clock.IsMarketOpen(ctx) {
		status = "open"
	}
	return g.store.MarkPlanGenerated(ctx, g.clock.Today(), status, at)
}

// RecordExecution stamps today's session as executed. Called exactly once
// per dispatch, after the last trade message is written.
func (g *Guard) RecordExecution(ctx context.Context, at time.Time, trades int, override bool, level types.CircuitLevel, notes string) error {
	return g.store.MarkPlanExecuted(ctx, g.clock.Today(), at, trades, override, level, notes)
}
