// Trade Desk — an automated swing-trading orchestrator that turns a stock
// universe into an approved, guarded daily trading plan.
//
// Architecture:
//
//	main.go               — entry point: cobra CLI, loads config, picks the run mode
//	engine/coordinator.go — runs the five departments in strict order, aggregates the plan
//	engine/plan.go        — durable plan state machine: draft → approval → execution
//	engine/executor.go    — drains the trading inbox and submits orders to the broker
//	stages/               — Research, Risk, Portfolio, AI Optimizer, Compliance runners
//	guard/                — session gates: market status, daily limit, freshness, circuit breaker
//	monitor/              — position watcher: stop/target/time/score-downgrade exits on a cron
//	sim/                  — paper-mode realism: PDT tracking, slippage, margin interest
//	bus/                  — filesystem message bus with outbox/inbox/archive audit trail
//	store/                — sqlite state: sessions, trades, caches, snapshots, entry dates
//	broker/               — Alpaca adapter behind the Broker interface
//
// How a trading day flows:
//
//	run --mode=plan generates the day's plan: Research screens the universe,
//	Risk prices stops and sizes, Portfolio picks what fits the book, the AI
//	Optimizer allocates capital, and Compliance approves each trade. The plan
//	lands on disk awaiting execution. run --mode=execute pushes it through
//	the session guardrails and dispatches orders; run --mode=monitor watches
//	open positions between cycles.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradedesk/internal/config"
	"tradedesk/internal/engine"
)

// Exit codes the operator scripts key off.
const (
	exitOK         = 0
	exitError      = 1
	exitEscalation = 2
	exitFailure    = 3
)

func main() {
	var (
		cfgPath  string
		mode     string
		override bool
		once     bool
	)

	root := &cobra.Command{
		Use:           "desk",
		Short:         "Automated swing-trading desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "config file path")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run one desk mode: plan, execute, monitor, or dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			desk, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}
			defer desk.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch mode {
			case "plan":
				return runPlan(ctx, desk, logger)
			case "execute":
				return runExecute(ctx, desk, logger, override)
			case "monitor":
				return runMonitor(ctx, desk, logger, once)
			case "dashboard":
				return desk.Dashboard(ctx, os.Stdout)
			default:
				return fmt.Errorf("unknown mode %q (plan, execute, monitor, dashboard)", mode)
			}
		},
	}
	run.Flags().StringVar(&mode, "mode", "plan", "plan | execute | monitor | dashboard")
	run.Flags().BoolVar(&override, "override", false, "override soft guardrail blocks (stale plan, re-execution, RED circuit sells)")
	run.Flags().BoolVar(&once, "once", false, "monitor: run a single cycle instead of the loop")
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		slog.Error("desk failed", "error", err)
		os.Exit(exitError)
	}
}

// exitCodeError carries a specific process exit code up through cobra.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func runPlan(ctx context.Context, desk *engine.Desk, logger *slog.Logger) error {
	result, err := desk.Plan(ctx)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case engine.OutcomePlan:
		logger.Info("plan ready for approval",
			"plan_id", result.Plan.PlanID,
			"trades", len(result.Plan.Trades),
			"quality", result.Plan.Summary.OverallQualityScore)
		return nil
	case engine.OutcomeEscalation:
		logger.Warn("pipeline escalated",
			"stage", result.Escalation.Stage,
			"severity", result.Escalation.Severity,
			"context", result.Escalation.Context)
		return &exitCodeError{code: exitEscalation, msg: "pipeline escalated"}
	default:
		logger.Error("pipeline failed", "cause", result.Cause)
		return &exitCodeError{code: exitFailure, msg: result.Cause}
	}
}

func runExecute(ctx context.Context, desk *engine.Desk, logger *slog.Logger, override bool) error {
	result, err := desk.Execute(ctx, override)
	if err != nil {
		if result != nil && engine.IsGuardrailBlock(err) {
			gate := result.Report.Gate
			logger.Warn("execution blocked by guardrails",
				"failed", gate.GatesFailed,
				"warnings", gate.Warnings,
				"recommendation", gate.Recommendation)
			return &exitCodeError{code: exitFailure, msg: "guardrail block"}
		}
		return err
	}
	logger.Info("plan executed",
		"dispatched", result.Report.Dispatched,
		"submitted", result.Submitted,
		"skipped_buys", result.Report.SkippedBuys)
	return nil
}

func runMonitor(ctx context.Context, desk *engine.Desk, logger *slog.Logger, once bool) error {
	if once {
		report, err := desk.MonitorOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("monitor cycle complete", "checked", report.Checked, "exits", len(report.Exits))
		return nil
	}
	err := desk.MonitorLoop(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("monitor stopped")
		return nil
	}
	return err
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
