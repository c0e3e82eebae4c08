package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
	"tradedesk/internal/clock"
	"tradedesk/internal/config"
	"tradedesk/internal/guard"
	"tradedesk/internal/monitor"
	"tradedesk/internal/providers"
	"tradedesk/internal/sim"
	"tradedesk/internal/stages"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// Desk is the assembled trading desk: every component wired and ready
// behind the operator-facing operations the CLI exposes.
type Desk struct {
	cfg      *config.Config
	store    *store.Store
	clock    *clock.Clock
	broker   broker.Broker
	coord    *Coordinator
	plans    *Lifecycle
	executor *Executor
	monitor  *monitor.Monitor
	logger   *slog.Logger
}

// New builds the full desk from configuration. The Alpaca adapter is
// always wrapped by the realism layer; against a live account the wrap
// is a pass-through.
func New(cfg *config.Config, logger *slog.Logger) (*Desk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.Open(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}

	alpaca := broker.NewAlpaca(cfg.Broker)
	clk, err := clock.New(cfg.TimeZone, alpaca, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	brk := sim.Wrap(alpaca, st, clk, logger)

	fundamentals := providers.NewFundamentals(cfg.Providers, logger)
	sentimentSrc := providers.NewSentiment(cfg.Providers, logger)
	llm := providers.NewLLM(cfg.Providers, logger)

	prices := cache.NewPrices(st, brk, fundamentals, cfg.CacheTTL(), logger)
	sentiment := cache.NewSentiment(st, sentimentSrc, cfg.CacheTTL(),
		cfg.Concurrency.SentimentBatchSize,
		time.Duration(cfg.Concurrency.SentimentBatchWait)*time.Second, logger)

	fanout := cfg.Concurrency.PerStageFanout
	research := stages.NewResearch(prices, sentiment, cfg.Trading, fanout, logger)
	risk := stages.NewRisk(cfg.Trading, logger)
	portfolio := stages.NewPortfolio(cfg.Trading, logger)
	optimizer := stages.NewOptimizer(llm, cfg.Trading, logger)
	compliance := stages.NewCompliance(cfg.Trading, logger)

	grd := guard.New(clk, st, cfg.Guardrails, logger)

	busRoot := cfg.Paths.MessagesDir
	plans, err := NewLifecycle(cfg.Paths.PlansDir, busRoot, st, grd, clk, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	coord, err := NewCoordinator(research, risk, portfolio, optimizer, compliance,
		brk, st, grd, clk, plans, busRoot, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	executor, err := NewExecutor(busRoot, brk, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	mon, err := monitor.New(busRoot, brk, st, research, clk, cfg.Trading, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Desk{
		cfg:      cfg,
		store:    st,
		clock:    clk,
		broker:   brk,
		coord:    coord,
		plans:    plans,
		executor: executor,
		monitor:  mon,
		logger:   logger.With("component", "desk"),
	}, nil
}

// Close releases the store. The monitor, if running, is stopped first.
func (d *Desk) Close() error {
	d.monitor.Stop()
	return d.store.Close()
}

// Plan runs one full pipeline cycle over the configured universe.
func (d *Desk) Plan(ctx context.Context) (*CycleResult, error) {
	universe, err := LoadUniverse(d.cfg.Paths.UniverseCSV)
	if err != nil {
		return nil, err
	}
	d.logger.Info("plan cycle starting", "universe", len(universe), "paper", d.broker.IsPaper())
	return d.coord.RunCycle(ctx, universe), nil
}

// ExecuteResult combines the gate outcome with the drain tally.
type ExecuteResult struct {
	Report    *ExecutionReport
	Submitted int
}

// Execute approves and dispatches the latest plan on disk, then drains
// the trading inbox against the broker. The plan file is the source of
// truth; whatever Plan returned in memory is not consulted.
func (d *Desk) Execute(ctx context.Context, override bool) (*ExecuteResult, error) {
	plan, err := d.plans.LoadLatest()
	if err != nil {
		return nil, err
	}
	if plan.Status == types.PlanReadyForApproval {
		if err := d.plans.Approve(plan); err != nil {
			return nil, err
		}
	}
	account, err := d.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker account: %w", err)
	}

	report, err := d.plans.Execute(ctx, plan, account, override)
	if err != nil {
		return &ExecuteResult{Report: report}, err
	}
	submitted, err := d.executor.Drain(ctx)
	if err != nil {
		return &ExecuteResult{Report: report, Submitted: submitted}, err
	}
	return &ExecuteResult{Report: report, Submitted: submitted}, nil
}

// MonitorOnce runs a single monitor cycle and drains any exits it queued.
func (d *Desk) MonitorOnce(ctx context.Context) (*monitor.Report, error) {
	report, err := d.monitor.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.Exits) > 0 {
		if _, err := d.executor.Drain(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

// MonitorLoop schedules monitor cycles on the configured interval and
// blocks until ctx is cancelled.
func (d *Desk) MonitorLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.Monitor.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 4 * time.Hour
	}
	if err := d.monitor.Start(interval); err != nil {
		return err
	}
	<-ctx.Done()
	d.monitor.Stop()
	return ctx.Err()
}

// Dashboard prints a read-only account, position, and session summary.
func (d *Desk) Dashboard(ctx context.Context, w io.Writer) error {
	account, err := d.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("broker account: %w", err)
	}
	positions, err := d.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("broker positions: %w", err)
	}

	mode := "live"
	if d.broker.IsPaper() {
		mode = "paper"
	}
	fmt.Fprintf(w, "Account (%s)\n", mode)
	fmt.Fprintf(w, "  portfolio value  %s\n", account.PortfolioValue.StringFixed(2))
	fmt.Fprintf(w, "  cash             %s\n", account.Cash.StringFixed(2))
	fmt.Fprintf(w, "  buying power     %s\n", account.BuyingPower.StringFixed(2))
	fmt.Fprintf(w, "  daily P&L        %+.2f%%\n\n", account.DailyPLPct())

	fmt.Fprintf(w, "Positions (%d)\n", len(positions))
	for _, p := range positions {
		fmt.Fprintf(w, "  %-8s %10s sh  value %12s  P&L %12s\n",
			p.Ticker, p.Qty.StringFixed(2), p.MarketValue.StringFixed(2), p.UnrealizedPL.StringFixed(2))
	}

	session, err := d.store.GetSession(ctx, d.clock.Today())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nSession %s\n", d.clock.Today())
	if session == nil {
		fmt.Fprintln(w, "  no activity recorded")
	} else {
		if session.PlanGeneratedAt != nil {
			fmt.Fprintf(w, "  plan generated   %s\n", session.PlanGeneratedAt.In(d.clock.Location()).Format(time.Kitchen))
		}
		if session.PlanExecutedAt != nil {
			fmt.Fprintf(w, "  plan executed    %s (%d trades)\n",
				session.PlanExecutedAt.In(d.clock.Location()).Format(time.Kitchen), session.TradesSubmitted)
		}
		if session.CircuitBreakerLevel != "" {
			fmt.Fprintf(w, "  circuit level    %s\n", session.CircuitBreakerLevel)
		}
	}

	if plan, err := d.plans.LoadLatest(); err == nil {
		fmt.Fprintf(w, "\nLatest plan %s\n  status %s, %d trades, quality %d\n",
			plan.PlanID, plan.Status, len(plan.Trades), plan.Summary.OverallQualityScore)
	}
	return nil
}

// LoadUniverse reads the trading universe CSV: one ticker per line, first
// column when comma-separated. Blank lines, comments, and a header row
// are skipped; invalid symbols fail the load.
func LoadUniverse(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer f.Close()

	var tickers []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field := line
		if i := strings.IndexByte(line, ','); i >= 0 {
			field = line[:i]
		}
		ticker := types.NormalizeTicker(field)
		if first {
			first = false
			if ticker == "TICKER" || ticker == "SYMBOL" {
				continue
			}
		}
		if !types.ValidTicker(ticker) {
			return nil, fmt.Errorf("universe %s: invalid ticker %q", path, field)
		}
		if seen[ticker] {
			continue
		}
		seen[ticker] = true
		tickers = append(tickers, ticker)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("universe %s: no tickers", path)
	}
	return tickers, nil
}
