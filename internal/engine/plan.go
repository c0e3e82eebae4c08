package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"database/sql"

	"tradedesk/internal/bus"
	"tradedesk/internal/clock"
	"tradedesk/internal/guard"
	"tradedesk/internal/stages"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// planFilePrefix names the durable plan files in the plans directory.
const planFilePrefix = "proposed_trades_"

// validTransitions is the plan state machine. Anything not listed here
// is an illegal transition.
var validTransitions = map[types.PlanStatus][]types.PlanStatus{
	types.PlanDraft:            {types.PlanReadyForApproval},
	types.PlanReadyForApproval: {types.PlanApproved, types.PlanRejected},
	types.PlanApproved:         {types.PlanExecuting, types.PlanRejected},
	types.PlanExecuting:        {types.PlanExecuted, types.PlanFailed},
}

// Lifecycle owns every plan transition past READY_FOR_APPROVAL. The plan
// file on disk is the source of truth; each transition is written there
// before the caller observes success.
type Lifecycle struct {
	dir    string
	store  *store.Store
	guard  *guard.Guard
	clock  *clock.Clock
	bus    *bus.Bus // executive sender, dispatches to the trading inbox
	logger *slog.Logger
}

// NewLifecycle builds the lifecycle over the plans directory.
func NewLifecycle(dir, busRoot string, st *store.Store, grd *guard.Guard, clk *clock.Clock, logger *slog.Logger) (*Lifecycle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plans dir: %w", err)
	}
	b, err := bus.New(busRoot, stages.DeptExecutive, logger)
	if err != nil {
		return nil, err
	}
	return &Lifecycle{
		dir:    dir,
		store:  st,
		guard:  grd,
		clock:  clk,
		bus:    b,
		logger: logger.With("component", "plan-lifecycle"),
	}, nil
}

// Save writes the plan file atomically. The file name is keyed by the
// plan's generation date in market time, one plan file per day.
func (l *Lifecycle) Save(plan *types.TradingPlan) error {
	date := plan.GeneratedAt.In(l.clock.Location()).Format("2006-01-02")
	path := filepath.Join(l.dir, planFilePrefix+date+".json")

	blob, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// Load reads the plan for one market date (YYYY-MM-DD).
func (l *Lifecycle) Load(date string) (*types.TradingPlan, error) {
	blob, err := os.ReadFile(filepath.Join(l.dir, planFilePrefix+date+".json"))
	if os.IsNotExist(err) {
		return nil, types.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan types.TradingPlan
	if err := json.Unmarshal(blob, &plan); err != nil {
		return nil, &types.SchemaError{Source: planFilePrefix + date, Err: err}
	}
	return &plan, nil
}

// LoadLatest returns the most recent plan on disk.
func (l *Lifecycle) LoadLatest() (*types.TradingPlan, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, planFilePrefix) && strings.HasSuffix(name, ".json") {
			dates = append(dates, strings.TrimSuffix(strings.TrimPrefix(name, planFilePrefix), ".json"))
		}
	}
	if len(dates) == 0 {
		return nil, types.ErrPlanNotFound
	}
	sort.Strings(dates)
	return l.Load(dates[len(dates)-1])
}

// transition validates and applies one state change in memory. The caller
// persists with Save.
func (l *Lifecycle) transition(plan *types.TradingPlan, to types.PlanStatus) error {
	for _, allowed := range validTransitions[plan.Status] {
		if allowed == to {
			l.logger.Info("plan transition", "plan_id", plan.PlanID, "from", plan.Status, "to", to)
			plan.Status = to
			return nil
		}
	}
	return fmt.Errorf("illegal plan transition %s -> %s", plan.Status, to)
}

// Approve moves a plan to APPROVED, durably.
func (l *Lifecycle) Approve(plan *types.TradingPlan) error {
	if err := l.transition(plan, types.PlanApproved); err != nil {
		return err
	}
	return l.Save(plan)
}

// Reject moves a plan to REJECTED, durably.
func (l *Lifecycle) Reject(plan *types.TradingPlan, reason string) error {
	if err := l.transition(plan, types.PlanRejected); err != nil {
		return err
	}
	plan.Summary.Narrative = strings.TrimSpace(plan.Summary.Narrative + " | rejected: " + reason)
	return l.Save(plan)
}

// ExecutionReport is the operator-facing outcome of a dispatch attempt.
type ExecutionReport struct {
	PlanID      string           `json:"plan_id"`
	Gate        types.GateResult `json:"gate"`
	Dispatched  int              `json:"dispatched"`
	SkippedBuys []string         `json:"skipped_buys,omitempty"`
}

// Execute dispatches an APPROVED plan through the session guardrails.
// Each surviving trade becomes one message in the trading inbox plus an
// audit row; the session is stamped executed exactly once, after the
// last message is written.
//
// At circuit level ORANGE new buys are dropped at dispatch while sells
// proceed. A gate block returns ErrGuardrailBlock with the full gate
// result attached to the report.
func (l *Lifecycle) Execute(ctx context.Context, plan *types.TradingPlan, account types.Account, override bool) (*ExecutionReport, error) {
	report := &ExecutionReport{PlanID: plan.PlanID}

	gate, err := l.guard.Check(ctx, guard.CheckInput{
		PlanGeneratedAt: plan.GeneratedAt,
		DailyPLPct:      account.DailyPLPct(),
		Override:        override,
	})
	if err != nil {
		return report, err
	}
	report.Gate = gate
	if !gate.CanExecute || gate.RequiresOverride {
		l.logger.Warn("execution blocked by guardrails",
			"plan_id", plan.PlanID, "failed", gate.GatesFailed, "recommendation", gate.Recommendation)
		return report, types.ErrGuardrailBlock
	}

	if err := l.transition(plan, types.PlanExecuting); err != nil {
		return report, err
	}
	if err := l.Save(plan); err != nil {
		return report, err
	}

	now := l.clock.NowMarket()
	for _, trade := range plan.Trades {
		if trade.Side == types.BUY && !gate.AllowNewBuys {
			report.SkippedBuys = append(report.SkippedBuys, trade.Ticker)
			l.logger.Warn("buy dropped at dispatch", "ticker", trade.Ticker, "circuit_level", gate.CircuitLevel)
			continue
		}
		if err := l.dispatch(ctx, plan.PlanID, trade); err != nil {
			_ = l.transition(plan, types.PlanFailed)
			_ = l.Save(plan)
			return report, fmt.Errorf("dispatch %s %s: %w", trade.Side, trade.Ticker, err)
		}
		report.Dispatched++
	}

	notes := fmt.Sprintf("plan %s: %d dispatched, %d buys dropped", plan.PlanID, report.Dispatched, len(report.SkippedBuys))
	if err := l.guard.RecordExecution(ctx, now, report.Dispatched, override, gate.CircuitLevel, notes); err != nil {
		return report, err
	}

	if err := l.transition(plan, types.PlanExecuted); err != nil {
		return report, err
	}
	if err := l.Save(plan); err != nil {
		return report, err
	}
	return report, nil
}

// dispatch writes the audit row and the trading-inbox message for one
// trade. The row is written first so a crash between the two leaves an
// approved-but-unsent row, never an untracked order.
func (l *Lifecycle) dispatch(ctx context.Context, planID string, trade types.TradeOrder) error {
	tradeID, err := l.store.InsertTrade(ctx, store.TradeRow{
		DecisionID: sql.NullString{String: trade.DecisionID, Valid: trade.DecisionID != ""},
		Ticker:     trade.Ticker,
		Side:       string(trade.Side),
		Quantity:   trade.Quantity,
		Status:     store.TradeApproved,
	})
	if err != nil {
		return err
	}

	msgType := bus.TypeBuyOrder
	if trade.Side == types.SELL {
		msgType = bus.TypeSellOrder
	}
	id, err := l.bus.Write(stages.DeptTrading, msgType,
		fmt.Sprintf("%s %s", trade.Side, trade.Ticker), trade.Note,
		bus.WriteOptions{
			Priority: types.PriorityHigh,
			Payload:  types.TradeDispatch{TradeID: tradeID, PlanID: planID, Order: trade},
		})
	if err != nil {
		return err
	}
	return l.bus.Route(id, stages.DeptExecutive, stages.DeptTrading)
}

// IsGuardrailBlock reports whether err is the structured gate block.
func IsGuardrailBlock(err error) bool {
	return errors.Is(err, types.ErrGuardrailBlock)
}
