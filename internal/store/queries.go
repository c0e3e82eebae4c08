package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Decisions + trades (audit trail)
// ————————————————————————————————————————————————————————————————————————

// Decision is one audit row explaining why a trade was placed.
type Decision struct {
	ID            string    `db:"id"`
	Timestamp     time.Time `db:"timestamp"`
	Ticker        string    `db:"ticker"`
	Decision      string    `db:"decision"`
	Conviction    string    `db:"conviction"`
	Rationale     string    `db:"rationale"`
	LatestPrice   float64   `db:"latest_price"`
	MarketContext string    `db:"market_context"`
}

// TradeStatus values for the trades table.
const (
	TradeApproved        = "approved"
	TradeSubmitted       = "submitted"
	TradeFilled          = "filled"
	TradePartial         = "partial"
	TradeCancelled       = "cancelled"
	TradeExecutionFailed = "execution_failed"
)

// TradeRow is one dispatched trade.
type TradeRow struct {
	ID            string          `db:"id"`
	DecisionID    sql.NullString  `db:"decision_id"`
	Timestamp     time.Time       `db:"timestamp"`
	Ticker        string          `db:"ticker"`
	Side          string          `db:"side"`
	Quantity      decimal.Decimal `db:"quantity"`
	Status        string          `db:"status"`
	BrokerOrderID sql.NullString  `db:"broker_order_id"`
}

// SaveDecision inserts one decision audit row, assigning an id when empty.
func (s *Store) SaveDecision(ctx context.Context, d Decision) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, timestamp, ticker, decision, conviction, rationale, latest_price, market_context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp, d.Ticker, d.Decision, d.Conviction, d.Rationale, d.LatestPrice, d.MarketContext)
	if err != nil {
		return "", fmt.Errorf("insert decision: %w", err)
	}
	return d.ID, nil
}

// InsertTrade records a trade in status approved (or the given status).
func (s *Store) InsertTrade(ctx context.Context, t TradeRow) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = nowUTC()
	}
	if t.Status == "" {
		t.Status = TradeApproved
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, decision_id, timestamp, ticker, side, quantity, status, broker_order_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DecisionID, t.Timestamp, t.Ticker, t.Side, t.Quantity.String(), t.Status, t.BrokerOrderID)
	if err != nil {
		return "", fmt.Errorf("insert trade: %w", err)
	}
	return t.ID, nil
}

// UpdateTradeStatus moves a trade to a new status, optionally attaching the
// broker order id.
func (s *Store) UpdateTradeStatus(ctx context.Context, id, status, brokerOrderID string) error {
	var boid any
	if brokerOrderID != "" {
		boid = brokerOrderID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, broker_order_id = COALESCE(?, broker_order_id) WHERE id = ?`,
		status, boid, id)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update trade status: no trade with id %s", id)
	}
	return nil
}

// ListTradesSince returns trades at or after the given instant, oldest first.
// Used by the PDT tracker's rolling window.
func (s *Store) ListTradesSince(ctx context.Context, since time.Time) ([]TradeRow, error) {
	type raw struct {
		ID            string         `db:"id"`
		DecisionID    sql.NullString `db:"decision_id"`
		Timestamp     time.Time      `db:"timestamp"`
		Ticker        string         `db:"ticker"`
		Side          string         `db:"side"`
		Quantity      string         `db:"quantity"`
		Status        string         `db:"status"`
		BrokerOrderID sql.NullString `db:"broker_order_id"`
	}
	var rows []raw
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM trades WHERE timestamp >= ? ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	out := make([]TradeRow, 0, len(rows))
	for _, r := range rows {
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			qty = decimal.Zero
		}
		out = append(out, TradeRow{
			ID: r.ID, DecisionID: r.DecisionID, Timestamp: r.Timestamp,
			Ticker: r.Ticker, Side: r.Side, Quantity: qty,
			Status: r.Status, BrokerOrderID: r.BrokerOrderID,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading sessions
// ————————————————————————————————————————————————————————————————————————

type sessionRow struct {
	SessionID           string       `db:"session_id"`
	Date                string       `db:"date"`
	PlanGeneratedAt     sql.NullTime `db:"plan_generated_at"`
	PlanExecutedAt      sql.NullTime `db:"plan_executed_at"`
	MarketStatus        string       `db:"market_status"`
	TradesSubmitted     int          `db:"trades_submitted"`
	UserOverride        bool         `db:"user_override"`
	CircuitBreakerLevel string       `db:"circuit_breaker_level"`
	Notes               string       `db:"notes"`
	CreatedAt           time.Time    `db:"created_at"`
}

func (r sessionRow) toSession() *types.TradingSession {
	sess := &types.TradingSession{
		SessionID:           r.SessionID,
		Date:                r.Date,
		MarketStatus:        r.MarketStatus,
		TradesSubmitted:     r.TradesSubmitted,
		UserOverride:        r.UserOverride,
		CircuitBreakerLevel: types.CircuitLevel(r.CircuitBreakerLevel),
		Notes:               r.Notes,
		CreatedAt:           r.CreatedAt,
	}
	if r.PlanGeneratedAt.Valid {
		t := r.PlanGeneratedAt.Time
		sess.PlanGeneratedAt = &t
	}
	if r.PlanExecutedAt.Valid {
		t := r.PlanExecutedAt.Time
		sess.PlanExecutedAt = &t
	}
	return sess
}

// GetSession returns the session for a YYYY-MM-DD date, or nil when none exists.
func (s *Store) GetSession(ctx context.Context, date string) (*types.TradingSession, error) {
	var r sessionRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM trading_sessions WHERE date = ?`, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r.toSession(), nil
}

// ensureSession creates the day's session row if absent and returns its id.
func (s *Store) ensureSession(ctx context.Context, date, marketStatus string) (string, error) {
	existing, err := s.GetSession(ctx, date)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.SessionID, nil
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trading_sessions (session_id, date, market_status, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(date) DO NOTHING`,
		id, date, marketStatus, nowUTC())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// MarkPlanGenerated stamps the session for date with a plan generation time.
func (s *Store) MarkPlanGenerated(ctx context.Context, date, marketStatus string, at time.Time) error {
	if _, err := s.ensureSession(ctx, date, marketStatus); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trading_sessions SET plan_generated_at = ?, market_status = ? WHERE date = ?`,
		at.UTC(), marketStatus, date)
	if err != nil {
		return fmt.Errorf("mark plan generated: %w", err)
	}
	return nil
}

// MarkPlanExecuted durably records a completed execution for the day. This
// write is what the once-per-day gate checks; it is a critical write and
// its failure must abort the caller.
func (s *Store) MarkPlanExecuted(ctx context.Context, date string, at time.Time, trades int, override bool, level types.CircuitLevel, notes string) error {
	if _, err := s.ensureSession(ctx, date, "open"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trading_sessions
		 SET plan_executed_at = ?, trades_submitted = ?, user_override = ?, circuit_breaker_level = ?, notes = ?
		 WHERE date = ?`,
		at.UTC(), trades, override, string(level), notes, date)
	if err != nil {
		return fmt.Errorf("mark plan executed: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// InsertSnapshot appends one portfolio snapshot. Snapshot failures are
// non-critical; callers log and drop the error.
func (s *Store) InsertSnapshot(ctx context.Context, snap types.PortfolioSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolio_snapshots
		 (snapshot_id, timestamp, total_value, cash_balance, equity_value, buying_power, positions_count, daily_pl, daily_pl_pct, source, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.Timestamp, snap.TotalValue.String(), snap.CashBalance.String(),
		snap.EquityValue.String(), snap.BuyingPower.String(), snap.PositionsCount,
		snap.DailyPL.String(), snap.DailyPLPct, snap.Source, snap.Notes)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Entry dates
// ————————————————————————————————————————————————————————————————————————

type entryDateRow struct {
	Ticker     string    `db:"ticker"`
	EntryDate  string    `db:"entry_date"`
	Shares     string    `db:"shares"`
	EntryPrice string    `db:"entry_price"`
	StopLoss   string    `db:"stop_loss"`
	Target     string    `db:"target"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r entryDateRow) toEntry() types.EntryDate {
	dec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return types.EntryDate{
		Ticker:     r.Ticker,
		EntryDate:  r.EntryDate,
		Shares:     dec(r.Shares),
		EntryPrice: dec(r.EntryPrice),
		StopLoss:   dec(r.StopLoss),
		Target:     dec(r.Target),
		UpdatedAt:  r.UpdatedAt,
	}
}

// GetEntryDate returns the entry record for a ticker, or nil when unknown.
func (s *Store) GetEntryDate(ctx context.Context, ticker string) (*types.EntryDate, error) {
	var r entryDateRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM entry_dates WHERE ticker = ?`, types.NormalizeTicker(ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry date: %w", err)
	}
	e := r.toEntry()
	return &e, nil
}

// UpsertEntryDate records or refreshes the entry for an open ticker.
func (s *Store) UpsertEntryDate(ctx context.Context, e types.EntryDate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_dates (ticker, entry_date, shares, entry_price, stop_loss, target, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticker) DO UPDATE SET
		   entry_date = excluded.entry_date, shares = excluded.shares,
		   entry_price = excluded.entry_price, stop_loss = excluded.stop_loss,
		   target = excluded.target, updated_at = excluded.updated_at`,
		types.NormalizeTicker(e.Ticker), e.EntryDate, e.Shares.String(), e.EntryPrice.String(),
		e.StopLoss.String(), e.Target.String(), nowUTC())
	if err != nil {
		return fmt.Errorf("upsert entry date: %w", err)
	}
	return nil
}

// DeleteEntryDate removes the record after a full exit.
func (s *Store) DeleteEntryDate(ctx context.Context, ticker string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entry_dates WHERE ticker = ?`, types.NormalizeTicker(ticker))
	if err != nil {
		return fmt.Errorf("delete entry date: %w", err)
	}
	return nil
}

// ListEntryDates returns all tracked entries keyed by ticker.
func (s *Store) ListEntryDates(ctx context.Context) (map[string]types.EntryDate, error) {
	var rows []entryDateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM entry_dates`); err != nil {
		return nil, fmt.Errorf("list entry dates: %w", err)
	}
	out := make(map[string]types.EntryDate, len(rows))
	for _, r := range rows {
		out[r.Ticker] = r.toEntry()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Caches
// ————————————————————————————————————————————————————————————————————————

// GetMarketData returns the cached JSON blob for (ticker, dataType) when it
// has not expired. Expired or absent rows return types.ErrCacheMiss.
func (s *Store) GetMarketData(ctx context.Context, ticker, dataType string, now time.Time) ([]byte, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob,
		`SELECT data_json FROM market_data_cache WHERE ticker = ? AND data_type = ? AND expires_at > ?`,
		types.NormalizeTicker(ticker), dataType, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get market data: %w", err)
	}
	return []byte(blob), nil
}

// PutMarketData upserts a cache row. Idempotent per (ticker, dataType);
// duplicate concurrent fetches simply overwrite each other.
func (s *Store) PutMarketData(ctx context.Context, ticker, dataType string, blob []byte, fetchedAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_data_cache (ticker, data_type, data_json, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ticker, data_type) DO UPDATE SET
		   data_json = excluded.data_json, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		types.NormalizeTicker(ticker), dataType, string(blob), fetchedAt.UTC(), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("put market data: %w", err)
	}
	return nil
}

// GetSentiment returns the unexpired sentiment row for a ticker, or
// types.ErrCacheMiss.
func (s *Store) GetSentiment(ctx context.Context, ticker string, now time.Time) (*types.SentimentEntry, error) {
	var r struct {
		Ticker    string    `db:"ticker"`
		Score     float64   `db:"sentiment_score"`
		Summary   string    `db:"news_summary"`
		Reasoning string    `db:"sentiment_reasoning"`
		FetchedAt time.Time `db:"fetched_at"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM sentiment_cache WHERE ticker = ? AND expires_at > ?`,
		types.NormalizeTicker(ticker), now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get sentiment: %w", err)
	}
	return &types.SentimentEntry{
		Ticker: r.Ticker, Score: r.Score, Summary: r.Summary,
		Reasoning: r.Reasoning, FetchedAt: r.FetchedAt, ExpiresAt: r.ExpiresAt,
	}, nil
}

// PutSentiment upserts one sentiment row.
func (s *Store) PutSentiment(ctx context.Context, e types.SentimentEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sentiment_cache (ticker, sentiment_score, news_summary, sentiment_reasoning, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticker) DO UPDATE SET
		   sentiment_score = excluded.sentiment_score, news_summary = excluded.news_summary,
		   sentiment_reasoning = excluded.sentiment_reasoning, fetched_at = excluded.fetched_at,
		   expires_at = excluded.expires_at`,
		types.NormalizeTicker(e.Ticker), e.Score, e.Summary, e.Reasoning, e.FetchedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("put sentiment: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market regime
// ————————————————————————————————————————————————————————————————————————

// InsertRegime appends one regime assessment row.
func (s *Store) InsertRegime(ctx context.Context, r types.RegimeAssessment) error {
	if r.AssessmentID == "" {
		r.AssessmentID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_regime_assessments
		 (assessment_id, date, timestamp, spy_price, spy_change_pct, vix_level, vix_change_pct, regime, confidence, recommendation, reasoning)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AssessmentID, r.Date, r.Timestamp, r.SPYPrice, r.SPYChangePct, r.VIXLevel, r.VIXChangePct,
		r.Regime, r.Confidence, r.Recommendation, r.Reasoning)
	if err != nil {
		return fmt.Errorf("insert regime: %w", err)
	}
	return nil
}
