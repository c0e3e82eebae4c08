// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading desk — candidates,
// risk metrics, trade orders, plans, sessions, and the stage result contract
// every department runner returns. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates how an order's size is expressed.
type OrderType string

const (
	OrderMarket   OrderType = "MARKET"   // market order sized by quantity
	OrderNotional OrderType = "NOTIONAL" // market order sized by dollar amount
	OrderQuantity OrderType = "QUANTITY" // explicit share quantity
)

// PlanStatus enumerates the trading-plan lifecycle states.
type PlanStatus string

const (
	PlanDraft            PlanStatus = "DRAFT"
	PlanReadyForApproval PlanStatus = "READY_FOR_APPROVAL"
	PlanApproved         PlanStatus = "APPROVED"
	PlanRejected         PlanStatus = "REJECTED"
	PlanExecuting        PlanStatus = "EXECUTING"
	PlanExecuted         PlanStatus = "EXECUTED"
	PlanFailed           PlanStatus = "FAILED"
)

// Priority classifies message urgency on the bus.
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Stage identifies one department in the daily pipeline, in execution order.
type Stage string

const (
	StageResearch   Stage = "RESEARCH"
	StageRisk       Stage = "RISK"
	StagePortfolio  Stage = "PORTFOLIO"
	StageOptimizer  Stage = "OPTIMIZER"
	StageCompliance Stage = "COMPLIANCE"
)

// Severity grades an escalation.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// CircuitLevel is the graduated loss circuit-breaker state.
type CircuitLevel string

const (
	CircuitNormal CircuitLevel = "NORMAL"
	CircuitYellow CircuitLevel = "YELLOW"
	CircuitOrange CircuitLevel = "ORANGE"
	CircuitRed    CircuitLevel = "RED"
)

// severityRank orders circuit levels from least to most severe.
var circuitRank = map[CircuitLevel]int{
	CircuitNormal: 0,
	CircuitYellow: 1,
	CircuitOrange: 2,
	CircuitRed:    3,
}

// AtLeast reports whether l is at least as severe as other.
func (l CircuitLevel) AtLeast(other CircuitLevel) bool {
	return circuitRank[l] >= circuitRank[other]
}

// Recommendation is the guardrail layer's overall verdict.
type Recommendation string

const (
	RecommendClear    Recommendation = "CLEAR"
	RecommendCaution  Recommendation = "CAUTION"
	RecommendOverride Recommendation = "OVERRIDE"
	RecommendBlocked  Recommendation = "BLOCKED"
)

// NormalizeTicker canonicalizes a symbol: trimmed, uppercased.
// All ticker comparisons in the system go through this first.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidTicker reports whether a canonicalized symbol is 1–8 characters.
func ValidTicker(s string) bool {
	n := len(NormalizeTicker(s))
	return n >= 1 && n <= 8
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceBar is one daily OHLCV candle.
type PriceBar struct {
	Ticker string    `json:"ticker"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Fundamentals is the minimum fundamental snapshot the scoring model needs.
type Fundamentals struct {
	Ticker         string  `json:"ticker"`
	Sector         string  `json:"sector"`
	Industry       string  `json:"industry"`
	MarketCap      float64 `json:"market_cap"`
	TrailingPE     float64 `json:"trailing_pe"`
	ForwardPE      float64 `json:"forward_pe"`
	PriceToBook    float64 `json:"price_to_book"`
	ReturnOnEquity float64 `json:"return_on_equity"`
	ProfitMargins  float64 `json:"profit_margins"`
	RevenueGrowth  float64 `json:"revenue_growth"`
	EarningsGrowth float64 `json:"earnings_growth"`
	DebtToEquity   float64 `json:"debt_to_equity"`
	CurrentRatio   float64 `json:"current_ratio"`
	High52w        float64 `json:"52w_high"`
	Low52w         float64 `json:"52w_low"`
}

// SentimentEntry is one cached sentiment reading for a ticker.
type SentimentEntry struct {
	Ticker    string    `json:"ticker"`
	Score     float64   `json:"sentiment_score"` // 0–100
	Summary   string    `json:"news_summary"`
	Reasoning string    `json:"sentiment_reasoning"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AgeHours returns how long ago the entry was fetched, in hours.
func (s SentimentEntry) AgeHours(now time.Time) float64 {
	return now.Sub(s.FetchedAt).Hours()
}

// NewsItem is one headline returned by the broker's news endpoint.
type NewsItem struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
}

// ————————————————————————————————————————————————————————————————————————
// Pipeline entities
// ————————————————————————————————————————————————————————————————————————

// CandidateContext distinguishes fresh buy ideas from re-scored holdings.
type CandidateContext string

const (
	ContextBuyCandidate CandidateContext = "buy_candidate"
	ContextHolding      CandidateContext = "holding"
)

// Candidate is a ticker surfaced by Research as a potential trade.
// Later stages only add to it (risk metrics, warnings); they never mutate
// the scores Research assigned.
type Candidate struct {
	Ticker           string           `json:"ticker"`
	CompositeScore   float64          `json:"composite_score"` // 0–100
	TechnicalScore   float64          `json:"technical_score"`
	FundamentalScore float64          `json:"fundamental_score"`
	SentimentScore   float64          `json:"sentiment_score"`
	Sector           string           `json:"sector"`
	CurrentPrice     float64          `json:"current_price"`
	Context          CandidateContext `json:"context"`

	// Added by the Risk department (advisory, never filters).
	Risk         *RiskMetrics `json:"risk_metrics,omitempty"`
	RiskScore    float64      `json:"risk_score,omitempty"`
	RiskWarnings []string     `json:"risk_warnings,omitempty"`
}

// RiskMetrics describes the risk profile of one candidate position.
// All values derive from price-bar history and are never negative.
type RiskMetrics struct {
	EntryPrice         float64  `json:"entry_price"`
	StopLoss           float64  `json:"stop_loss"`
	TargetPrice        float64  `json:"target_price"`
	ATR                float64  `json:"atr"`
	VolatilityPct      float64  `json:"volatility_pct"`
	RiskRewardRatio    float64  `json:"risk_reward_ratio"`
	PositionSizeShares float64  `json:"position_size_shares"`
	PositionSizeValue  float64  `json:"position_size_value"`
	TotalRiskDollars   float64  `json:"total_risk_dollars"`
	TotalRiskPct       float64  `json:"total_risk_pct"`
	Warnings           []string `json:"warnings,omitempty"`
}

// RejectionReason is the structured cause a Portfolio candidate was dropped.
type RejectionReason string

const (
	RejectLowScore             RejectionReason = "LOW_SCORE"
	RejectInsufficientCapacity RejectionReason = "INSUFFICIENT_CAPACITY"
	RejectMaxPositions         RejectionReason = "MAX_POSITIONS_REACHED"
	RejectInsufficientCapital  RejectionReason = "INSUFFICIENT_CAPITAL"
)

// PortfolioSelection is a candidate that survived the Portfolio filters.
type PortfolioSelection struct {
	Ticker             string          `json:"ticker"`
	IntendedShares     decimal.Decimal `json:"intended_shares"`
	IntendedEntryPrice decimal.Decimal `json:"intended_entry_price"`
	IntendedStop       decimal.Decimal `json:"intended_stop"`
	IntendedTarget     decimal.Decimal `json:"intended_target"`
	Sector             string          `json:"sector"`
	CompositeScore     float64         `json:"composite_score"`
}

// PortfolioRejection records why a candidate was dropped.
type PortfolioRejection struct {
	Ticker string          `json:"ticker"`
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail"`
}

// AIAllocation is the optimizer's final capital assignment for one buy.
type AIAllocation struct {
	Ticker               string          `json:"ticker"`
	AllocatedCapital     decimal.Decimal `json:"allocated_capital"`
	AllocationPct        float64         `json:"allocation_pct"`
	IsPositionAdjustment bool            `json:"is_position_adjustment"`
	Reasoning            string          `json:"reasoning"`
	ConvictionLevel      string          `json:"conviction_level,omitempty"`
}

// AISell is the optimizer's explicit sell decision for one holding.
type AISell struct {
	Ticker    string  `json:"ticker"`
	SellPct   float64 `json:"sell_pct"` // (0,100]
	Reasoning string  `json:"reasoning"`
}

// OptimizerResult is the parsed contract with the LLM provider.
type OptimizerResult struct {
	Sells              []AISell        `json:"sells"`
	Buys               []AIAllocation  `json:"buys"`
	TotalAllocated     decimal.Decimal `json:"total_allocated"`
	DeploymentPct      float64         `json:"deployment_pct"`
	PortfolioReasoning string          `json:"portfolio_reasoning"`
	Fallback           bool            `json:"fallback,omitempty"` // true when the deterministic fallback produced this
}

// ComplianceCheck is the per-trade verdict from the Compliance department.
type ComplianceCheck struct {
	Ticker            string          `json:"ticker"`
	Approved          bool            `json:"approved"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	RejectionCategory string          `json:"rejection_category,omitempty"`
	Checks            map[string]bool `json:"checks"`
	Note              string          `json:"compliance_note,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Plans, sessions, snapshots
// ————————————————————————————————————————————————————————————————————————

// TradeOrder is one executable instruction in a plan.
type TradeOrder struct {
	Ticker     string          `json:"ticker"`
	Side       Side            `json:"side"`
	OrderType  OrderType       `json:"order_type"`
	Quantity   decimal.Decimal `json:"quantity,omitempty"`
	Notional   decimal.Decimal `json:"notional,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	Target     decimal.Decimal `json:"target,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// TradeDispatch is the payload of a BuyOrder or SellOrder message in the
/// trading inbox: one executable order plus the audit ids tying it back to
// its trade row and plan.
type TradeDispatch struct {
	TradeID string     `json:"trade_id"`
	PlanID  string     `json:"plan_id,omitempty"`
	Order   TradeOrder `json:"order"`
}

// StageSummary preserves one stage's outcome inside the final plan.
type StageSummary struct {
	Stage        Stage    `json:"stage"`
	Success      bool     `json:"success"`
	QualityScore int      `json:"quality_score"`
	Message      string   `json:"message"`
	Issues       []string `json:"issues,omitempty"`
}

// PlanSummary is the roll-up block of a trading plan.
type PlanSummary struct {
	OverallQualityScore int    `json:"overall_quality_score"`
	BuyCount            int    `json:"buy_count"`
	SellCount           int    `json:"sell_count"`
	Narrative           string `json:"narrative,omitempty"`
}

// TradingPlan is the durable output of one coordinator cycle.
type TradingPlan struct {
	PlanID          string         `json:"plan_id"`
	GeneratedAt     time.Time      `json:"generated_at"`
	Status          PlanStatus     `json:"status"`
	Summary         PlanSummary    `json:"summary"`
	StageQuality    map[Stage]int  `json:"stage_quality"`
	Trades          []TradeOrder   `json:"trades"`
	WorkflowSummary []StageSummary `json:"workflow_summary"`
}

// TradingSession is the calendar-day bucket enforcing once-per-day execution.
type TradingSession struct {
	SessionID           string       `db:"session_id" json:"session_id"`
	Date                string       `db:"date" json:"date"` // YYYY-MM-DD in market time
	PlanGeneratedAt     *time.Time   `db:"plan_generated_at" json:"plan_generated_at,omitempty"`
	PlanExecutedAt      *time.Time   `db:"plan_executed_at" json:"plan_executed_at,omitempty"`
	MarketStatus        string       `db:"market_status" json:"market_status"`
	TradesSubmitted     int          `db:"trades_submitted" json:"trades_submitted"`
	UserOverride        bool         `db:"user_override" json:"user_override"`
	CircuitBreakerLevel CircuitLevel `db:"circuit_breaker_level" json:"circuit_breaker_level"`
	Notes               string       `db:"notes" json:"notes,omitempty"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
}

// PortfolioSnapshot is one append-only account observation.
type PortfolioSnapshot struct {
	SnapshotID     string          `db:"snapshot_id" json:"snapshot_id"`
	Timestamp      time.Time       `db:"timestamp" json:"timestamp"`
	TotalValue     decimal.Decimal `db:"total_value" json:"total_value"`
	CashBalance    decimal.Decimal `db:"cash_balance" json:"cash_balance"`
	EquityValue    decimal.Decimal `db:"equity_value" json:"equity_value"`
	BuyingPower    decimal.Decimal `db:"buying_power" json:"buying_power"`
	PositionsCount int             `db:"positions_count" json:"positions_count"`
	DailyPL        decimal.Decimal `db:"daily_pl" json:"daily_pl"`
	DailyPLPct     float64         `db:"daily_pl_pct" json:"daily_pl_pct"`
	Source         string          `db:"source" json:"source"`
	Notes          string          `db:"notes" json:"notes,omitempty"`
}

// EntryDate tracks when a currently open position was established.
// Owned by the realism simulator: created on fill, removed on full exit.
type EntryDate struct {
	Ticker     string          `db:"ticker" json:"ticker"`
	EntryDate  string          `db:"entry_date" json:"entry_date"` // YYYY-MM-DD
	Shares     decimal.Decimal `db:"shares" json:"shares"`
	EntryPrice decimal.Decimal `db:"entry_price" json:"entry_price"`
	StopLoss   decimal.Decimal `db:"stop_loss" json:"stop_loss"`
	Target     decimal.Decimal `db:"target" json:"target"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// RegimeAssessment is the pre-flight market-regime record for one day.
type RegimeAssessment struct {
	AssessmentID   string    `db:"assessment_id" json:"assessment_id"`
	Date           string    `db:"date" json:"date"`
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	SPYPrice       float64   `db:"spy_price" json:"spy_price"`
	SPYChangePct   float64   `db:"spy_change_pct" json:"spy_change_pct"`
	VIXLevel       float64   `db:"vix_level" json:"vix_level"`
	VIXChangePct   float64   `db:"vix_change_pct" json:"vix_change_pct"`
	Regime         string    `db:"regime" json:"regime"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	Recommendation string    `db:"recommendation" json:"recommendation"`
	Reasoning      string    `db:"reasoning" json:"reasoning"`
}

// ————————————————————————————————————————————————————————————————————————
// Stage result contract + escalation
// ————————————————————————————————————————————————————————————————————————

// StageResult is the uniform contract every department runner returns.
// Data carries stage-specific typed payloads (candidate lists, selections,
// allocations); the coordinator passes them forward without inspecting
// their internals.
type StageResult struct {
	Stage        Stage          `json:"stage"`
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	Message      string         `json:"message"`
	QualityScore int            `json:"quality_score"` // 0–100
	Issues       []string       `json:"issues,omitempty"`
}

// Escalation is the structured non-success result the coordinator emits
// when a stage fails its quality gate.
type Escalation struct {
	Stage          Stage    `json:"stage"`
	IssueType      string   `json:"issue_type"`
	Severity       Severity `json:"severity"`
	Context        string   `json:"context"`
	Options        []string `json:"options,omitempty"`
	Recommendation string   `json:"recommendation"`
}

// GateResult aggregates the session guardrail verdicts. All gates are
// evaluated; failures are never short-circuited.
type GateResult struct {
	CanExecute       bool           `json:"can_execute"`
	GatesPassed      []string       `json:"gates_passed"`
	GatesFailed      []string       `json:"gates_failed"`
	Warnings         []string       `json:"warnings,omitempty"`
	RequiresOverride bool           `json:"requires_override"`
	Recommendation   Recommendation `json:"recommendation"`
	CircuitLevel     CircuitLevel   `json:"circuit_breaker_level"`
	AllowNewBuys     bool           `json:"allow_new_buys"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker vocabulary
// ————————————————————————————————————————————————————————————————————————

// Account is the broker account state the core consumes.
type Account struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
}

// DailyPLPct is today's portfolio change vs. yesterday's close, in percent.
func (a Account) DailyPLPct() float64 {
	if a.LastEquity.IsZero() {
		return 0
	}
	diff := a.Equity.Sub(a.LastEquity)
	pct, _ := diff.Div(a.LastEquity).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Position is an open holding reported by the broker.
type Position struct {
	Ticker         string          `json:"ticker"`
	Qty            decimal.Decimal `json:"qty"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
	Side           string          `json:"side"`
}

// CalendarDay is one trading session from the broker calendar.
type CalendarDay struct {
	Date  string `json:"date"`  // YYYY-MM-DD
	Open  string `json:"open"`  // HH:MM local market time
	Close string `json:"close"` // HH:MM local market time
}

// OrderRequest is the broker-facing order submission shape. StopLoss and
// Target, when set, request a bracket around the entry.
type OrderRequest struct {
	Ticker      string           `json:"ticker"`
	Side        Side             `json:"side"`
	OrderType   OrderType        `json:"order_type"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	Notional    *decimal.Decimal `json:"notional,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	Target      *decimal.Decimal `json:"target,omitempty"`
	TimeInForce string           `json:"time_in_force"`
}

// BrokerOrder is the broker's acknowledgement of a submitted order.
type BrokerOrder struct {
	ID        string          `json:"id"`
	Ticker    string          `json:"ticker"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	FilledAt  *time.Time      `json:"filled_at,omitempty"`
}
