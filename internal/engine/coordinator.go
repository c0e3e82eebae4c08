// Package engine drives the daily pipeline end to end: the workflow
// coordinator runs the five departments in strict order, the plan
// lifecycle owns the durable state machine from draft to execution, and
// the trade executor drains the trading inbox against the broker.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tradedesk/internal/broker"
	"tradedesk/internal/bus"
	"tradedesk/internal/clock"
	"tradedesk/internal/guard"
	"tradedesk/internal/stages"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// Outcome classifies one coordinator cycle for the operator surface.
type Outcome string

const (
	OutcomePlan       Outcome = "PLAN"       // success, a plan is ready for approval
	OutcomeEscalation Outcome = "ESCALATION" // a stage failed its quality gate
	OutcomeFailure    Outcome = "FAILURE"    // internal failure, partial results attached
)

// CycleResult is what one pipeline run hands back to the caller. On
// failure or escalation no plan is ever attached; partial stage results
// always are.
type CycleResult struct {
	Outcome    Outcome
	Plan       *types.TradingPlan
	Escalation *types.Escalation
	Stages     []types.StageResult
	Cause      string
}

// Coordinator executes the departments in strict order and aggregates
// the final plan. Stage N starts only after stage N-1 succeeded and its
// message was routed.
type Coordinator struct {
	research   *stages.Research
	risk       *stages.Risk
	portfolio  *stages.Portfolio
	optimizer  *stages.Optimizer
	compliance *stages.Compliance

	broker broker.Broker
	store  *store.Store
	guard  *guard.Guard
	clock  *clock.Clock
	plans  *Lifecycle
	buses  map[string]*bus.Bus
	logger *slog.Logger
}

// NewCoordinator wires the pipeline. busRoot is the shared message root;
// one bus handle is created per department so senders are attributed.
func NewCoordinator(
	research *stages.Research, risk *stages.Risk, portfolio *stages.Portfolio,
	optimizer *stages.Optimizer, compliance *stages.Compliance,
	brk broker.Broker, st *store.Store, grd *guard.Guard, clk *clock.Clock,
	plans *Lifecycle, busRoot string, logger *slog.Logger,
) (*Coordinator, error) {
	buses := make(map[string]*bus.Bus)
	for _, dept := range []string{
		stages.DeptResearch, stages.DeptRisk, stages.DeptPortfolio,
		stages.DeptOptimizer, stages.DeptCompliance,
	} {
		b, err := bus.New(busRoot, dept, logger)
		if err != nil {
			return nil, err
		}
		buses[dept] = b
	}
	return &Coordinator{
		research:   research,
		risk:       risk,
		portfolio:  portfolio,
		optimizer:  optimizer,
		compliance: compliance,
		broker:     brk,
		store:      st,
		guard:      grd,
		clock:      clk,
		plans:      plans,
		buses:      buses,
		logger:     logger.With("component", "coordinator"),
	}, nil
}

// RunCycle produces one trading plan from the given universe. It never
// returns a partial plan: a failed or cancelled cycle yields FAILURE with
// whatever stage results had accumulated.
func (c *Coordinator) RunCycle(ctx context.Context, universe []string) *CycleResult {
	res := &CycleResult{}

	account, err := c.broker.GetAccount(ctx)
	if err != nil {
		return c.fail(res, "broker account unavailable", err)
	}
	held, err := c.broker.GetPositions(ctx)
	if err != nil {
		return c.fail(res, "broker positions unavailable", err)
	}
	cash, _ := account.Cash.Float64()
	portfolioValue, _ := account.PortfolioValue.Float64()

	c.assessRegime(ctx)

	// Stage 1: Research.
	researchRes, research := c.research.Run(ctx, universe, held)
	res.Stages = append(res.Stages, researchRes)
	if !researchRes.Success {
		return c.escalate(res, researchRes)
	}
	if err := c.send(stages.DeptResearch, stages.DeptRisk, bus.TypeDailyBriefing,
		"Daily candidate briefing", researchRes.Message, types.PriorityRoutine, research.Candidates); err != nil {
		return c.fail(res, "briefing message", err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(res, "cycle cancelled", err)
	}

	// Stage 2: Risk.
	riskRes, enriched := c.risk.Run(ctx, research.Candidates, research.Indicators, cash)
	res.Stages = append(res.Stages, riskRes)
	if !riskRes.Success {
		return c.escalate(res, riskRes)
	}
	if err := c.send(stages.DeptRisk, stages.DeptPortfolio, bus.TypeRiskAssessment,
		"Risk assessment", riskRes.Message, types.PriorityRoutine, enriched); err != nil {
		return c.fail(res, "risk message", err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(res, "cycle cancelled", err)
	}

	// Stage 3: Portfolio.
	portfolioRes, selected := c.portfolio.Run(ctx, enriched, held, portfolioValue)
	res.Stages = append(res.Stages, portfolioRes)
	if !portfolioRes.Success {
		return c.escalate(res, portfolioRes)
	}
	if err := c.send(stages.DeptPortfolio, stages.DeptOptimizer, bus.TypeBuyOrder,
		"Proposed buy candidates", portfolioRes.Message, types.PriorityRoutine, selected); err != nil {
		return c.fail(res, "portfolio message", err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(res, "cycle cancelled", err)
	}

	// Stage 4: AI Optimizer.
	optRes, allocation := c.optimizer.Run(ctx, enriched, selected.Selections, held, cash, portfolioValue)
	res.Stages = append(res.Stages, optRes)
	if !optRes.Success {
		return c.escalate(res, optRes)
	}
	if err := c.send(stages.DeptOptimizer, stages.DeptCompliance, bus.TypeAllocationDecision,
		"Final allocation", optRes.Message, types.PriorityRoutine, allocation); err != nil {
		return c.fail(res, "allocation message", err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(res, "cycle cancelled", err)
	}

	// Stage 5: Compliance, including the same-symbol safeguard.
	compRes, approved, err := c.compliance.Run(ctx, allocation, selected.Selections, enriched, held, portfolioValue)
	res.Stages = append(res.Stages, compRes)
	if err != nil {
		return c.fail(res, "plan voided by safeguard", err)
	}
	if !compRes.Success {
		return c.escalate(res, compRes)
	}

	plan, err := c.aggregate(ctx, res.Stages, approved, account)
	if err != nil {
		return c.fail(res, "plan aggregation", err)
	}

	if err := c.send(stages.DeptCompliance, stages.DeptExecutive, bus.TypeExecutiveApproval,
		fmt.Sprintf("Trading plan %s ready for approval", plan.PlanID),
		fmt.Sprintf("%d trades, overall quality %d", len(plan.Trades), plan.Summary.OverallQualityScore),
		types.PriorityHigh, plan); err != nil {
		return c.fail(res, "approval message", err)
	}

	c.snapshot(ctx, account, len(held))

	res.Outcome = OutcomePlan
	res.Plan = plan
	c.logger.Info("cycle complete", "plan_id", plan.PlanID, "trades", len(plan.Trades),
		"quality", plan.Summary.OverallQualityScore)
	return res
}

// send writes a message from one department and routes it to the next.
func (c *Coordinator) send(from, to, msgType, subject, body string, priority types.Priority, payload any) error {
	id, err := c.buses[from].Write(to, msgType, subject, body, bus.WriteOptions{
		Priority: priority,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	return c.buses[from].Route(id, from, to)
}

// aggregate builds the durable plan from the approved trade list, writes
// the decision audit rows, and persists the plan file before returning.
func (c *Coordinator) aggregate(ctx context.Context, results []types.StageResult, approved *stages.ComplianceOutput, account types.Account) (*types.TradingPlan, error) {
	now := c.clock.NowMarket()
	plan := &types.TradingPlan{
		PlanID:       fmt.Sprintf("PLAN_%s_%s", now.Format("2006-01-02"), uuid.NewString()[:8]),
		GeneratedAt:  now.UTC(),
		Status:       types.PlanReadyForApproval,
		StageQuality: make(map[types.Stage]int, len(results)),
	}

	var total int
	for _, r := range results {
		plan.StageQuality[r.Stage] = r.QualityScore
		total += r.QualityScore
		plan.WorkflowSummary = append(plan.WorkflowSummary, types.StageSummary{
			Stage:        r.Stage,
			Success:      r.Success,
			QualityScore: r.QualityScore,
			Message:      r.Message,
			Issues:       r.Issues,
		})
	}
	plan.Summary.OverallQualityScore = total / len(results)

	for _, trade := range approved.Trades {
		decisionID, err := c.store.SaveDecision(ctx, store.Decision{
			Ticker:        trade.Ticker,
			Decision:      string(trade.Side),
			Conviction:    "standard",
			Rationale:     trade.Note,
			MarketContext: fmt.Sprintf("plan %s", plan.PlanID),
		})
		if err != nil {
			return nil, fmt.Errorf("decision row for %s: %w", trade.Ticker, err)
		}
		trade.DecisionID = decisionID
		plan.Trades = append(plan.Trades, trade)
		if trade.Side == types.BUY {
			plan.Summary.BuyCount++
		} else {
			plan.Summary.SellCount++
		}
	}
	plan.Summary.Narrative = fmt.Sprintf("%d buys, %d sells at quality %d",
		plan.Summary.BuyCount, plan.Summary.SellCount, plan.Summary.OverallQualityScore)

	if err := c.plans.Save(plan); err != nil {
		return nil, err
	}
	if err := c.guard.RecordPlanGenerated(ctx, now); err != nil {
		return nil, err
	}
	return plan, nil
}

// escalate converts a failed stage into the structured escalation result
// and emits it to the executive inbox. CRITICAL under quality 30.
func (c *Coordinator) escalate(res *CycleResult, stage types.StageResult) *CycleResult {
	severity := types.SeverityWarning
	priority := types.PriorityHigh
	if stage.QualityScore < 30 {
		severity = types.SeverityCritical
		priority = types.PriorityCritical
	}
	esc := &types.Escalation{
		Stage:          stage.Stage,
		IssueType:      "quality_gate",
		Severity:       severity,
		Context:        stage.Message,
		Options:        stage.Issues,
		Recommendation: "review stage issues and rerun after the cause clears",
	}
	if err := c.send(string(stage.Stage), stages.DeptExecutive, bus.TypeEscalation,
		fmt.Sprintf("%s stage failed its quality gate", stage.Stage), stage.Message, priority, esc); err != nil {
		c.logger.Error("escalation message failed", "error", err)
	}
	c.logger.Warn("pipeline stopped on escalation", "stage", stage.Stage, "severity", severity)

	res.Outcome = OutcomeEscalation
	res.Escalation = esc
	res.Cause = fmt.Sprintf("%s: %s", stage.Stage, stage.Message)
	return res
}

func (c *Coordinator) fail(res *CycleResult, cause string, err error) *CycleResult {
	c.logger.Error("cycle failed", "cause", cause, "error", err)
	res.Outcome = OutcomeFailure
	res.Cause = fmt.Sprintf("%s: %v", cause, err)
	return res
}

// snapshot appends one account observation. Snapshot writes are
// best-effort; a storage hiccup is logged and dropped.
func (c *Coordinator) snapshot(ctx context.Context, account types.Account, positions int) {
	err := c.store.InsertSnapshot(ctx, types.PortfolioSnapshot{
		TotalValue:     account.PortfolioValue,
		CashBalance:    account.Cash,
		EquityValue:    account.Equity,
		BuyingPower:    account.BuyingPower,
		PositionsCount: positions,
		DailyPL:        account.Equity.Sub(account.LastEquity),
		DailyPLPct:     account.DailyPLPct(),
		Source:         "plan_cycle",
	})
	if err != nil {
		c.logger.Warn("snapshot dropped", "error", err)
	}
}

// assessRegime records the pre-flight market-regime read for the day.
// Best-effort: a failed read never blocks the pipeline.
func (c *Coordinator) assessRegime(ctx context.Context) {
	spy, err := c.broker.GetBars(ctx, "SPY", broker.TimeframeDay, c.clock.NowMarket().AddDate(0, 0, -10), c.clock.NowMarket())
	if err != nil || len(spy) < 2 {
		c.logger.Warn("regime assessment skipped", "error", err)
		return
	}
	last := spy[len(spy)-1].Close
	prev := spy[len(spy)-2].Close
	changePct := 0.0
	if prev > 0 {
		changePct = (last/prev - 1) * 100
	}

	regime, confidence := "neutral", 0.5
	switch {
	case changePct >= 1.5:
		regime, confidence = "risk_on", 0.7
	case changePct <= -1.5:
		regime, confidence = "risk_off", 0.7
	}
	assessment := types.RegimeAssessment{
		Date:           c.clock.Today(),
		SPYPrice:       last,
		SPYChangePct:   changePct,
		Regime:         regime,
		Confidence:     confidence,
		Recommendation: "proceed",
		Reasoning:      fmt.Sprintf("SPY %+.2f%% on the prior session", changePct),
	}
	if regime == "risk_off" {
		assessment.Recommendation = "favor exits and smaller sizing"
	}
	if err := c.store.InsertRegime(ctx, assessment); err != nil {
		c.logger.Warn("regime row dropped", "error", err)
	}
	if err := c.send(stages.DeptResearch, stages.DeptExecutive, bus.TypeRegimeAssessment,
		"Market regime assessment", assessment.Reasoning, types.PriorityRoutine, assessment); err != nil {
		c.logger.Warn("regime message dropped", "error", err)
	}
}
