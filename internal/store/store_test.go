package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	id, err := st.InsertTrade(ctx, TradeRow{Ticker: "ALFA", Side: "BUY", Quantity: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	rows, err := st2.ListTradesSince(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("rows after reopen = %+v", rows)
	}
}

func TestTradeStatusLifecycle(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()

	id, err := st.InsertTrade(ctx, TradeRow{Ticker: "ALFA", Side: "BUY", Quantity: decimal.NewFromFloat(12.5)})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTradeStatus(ctx, id, TradeSubmitted, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTradeStatus(ctx, id, TradeFilled, "broker-42"); err != nil {
		t.Fatal(err)
	}

	rows, err := st.ListTradesSince(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Status != TradeFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if !got.BrokerOrderID.Valid || got.BrokerOrderID.String != "broker-42" {
		t.Fatalf("broker order id = %+v", got.BrokerOrderID)
	}
	if !got.Quantity.Equal(decimal.NewFromFloat(12.5)) {
		t.Fatalf("quantity = %s, want 12.5", got.Quantity)
	}

	if err := st.UpdateTradeStatus(ctx, "missing-id", TradeFilled, ""); err == nil {
		t.Fatal("updating an unknown trade must fail")
	}
}

func TestListTradesSinceWindow(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{9 * 24 * time.Hour, 3 * 24 * time.Hour, time.Hour} {
		_, err := st.InsertTrade(ctx, TradeRow{
			Ticker:    "ALFA",
			Side:      "BUY",
			Quantity:  decimal.NewFromInt(int64(i + 1)),
			Timestamp: now.Add(-age),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rows, err := st.ListTradesSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows in window = %d, want 2", len(rows))
	}
	if !rows[0].Timestamp.Before(rows[1].Timestamp) {
		t.Fatal("rows must come back oldest first")
	}
}

func TestSessionStamps(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()
	date := "2026-03-02"

	got, err := st.GetSession(ctx, date)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("unknown date must return nil, not an error")
	}

	genAt := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if err := st.MarkPlanGenerated(ctx, date, "open", genAt); err != nil {
		t.Fatal(err)
	}
	session, err := st.GetSession(ctx, date)
	if err != nil {
		t.Fatal(err)
	}
	if session == nil || session.PlanGeneratedAt == nil || !session.PlanGeneratedAt.Equal(genAt) {
		t.Fatalf("session after generation = %+v", session)
	}
	if session.PlanExecutedAt != nil {
		t.Fatal("generation must not stamp execution")
	}

	execAt := genAt.Add(30 * time.Minute)
	if err := st.MarkPlanExecuted(ctx, date, execAt, 7, true, types.CircuitYellow, "7 dispatched"); err != nil {
		t.Fatal(err)
	}
	session, err = st.GetSession(ctx, date)
	if err != nil {
		t.Fatal(err)
	}
	if session.PlanExecutedAt == nil || !session.PlanExecutedAt.Equal(execAt) {
		t.Fatalf("executed_at = %v, want %v", session.PlanExecutedAt, execAt)
	}
	if session.TradesSubmitted != 7 || !session.UserOverride {
		t.Fatalf("session = %+v", session)
	}
	if session.CircuitBreakerLevel != types.CircuitYellow {
		t.Fatalf("circuit level = %s, want YELLOW", session.CircuitBreakerLevel)
	}
}

func TestEntryDates(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()

	entry := types.EntryDate{
		Ticker:     "alfa",
		EntryDate:  "2026-03-02",
		Shares:     decimal.NewFromInt(50),
		EntryPrice: decimal.NewFromFloat(55.25),
		StopLoss:   decimal.NewFromInt(49),
		Target:     decimal.NewFromInt(68),
	}
	if err := st.UpsertEntryDate(ctx, entry); err != nil {
		t.Fatal(err)
	}

	// The ticker is normalized on write and on read.
	got, err := st.GetEntryDate(ctx, "ALFA")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.EntryDate != "2026-03-02" || !got.Shares.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("entry = %+v", got)
	}

	// Upsert replaces in place.
	entry.Shares = decimal.NewFromInt(30)
	if err := st.UpsertEntryDate(ctx, entry); err != nil {
		t.Fatal(err)
	}
	all, err := st.ListEntryDates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all["ALFA"].Shares.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("entries = %+v", all)
	}

	if err := st.DeleteEntryDate(ctx, "ALFA"); err != nil {
		t.Fatal(err)
	}
	got, err = st.GetEntryDate(ctx, "ALFA")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("deleted entry must be gone")
	}
}

func TestMarketDataCacheExpiry(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.GetMarketData(ctx, "ALFA", "daily_bars", now); !errors.Is(err, types.ErrCacheMiss) {
		t.Fatalf("absent row err = %v, want ErrCacheMiss", err)
	}

	blob := []byte(`[{"close": 55.0}]`)
	if err := st.PutMarketData(ctx, "ALFA", "daily_bars", blob, now, now.Add(16*time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetMarketData(ctx, "ALFA", "daily_bars", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(blob) {
		t.Fatalf("blob = %s", got)
	}

	// Past the TTL the row is a miss again.
	if _, err := st.GetMarketData(ctx, "ALFA", "daily_bars", now.Add(17*time.Hour)); !errors.Is(err, types.ErrCacheMiss) {
		t.Fatalf("expired row err = %v, want ErrCacheMiss", err)
	}

	// Same ticker, different data type, separate row.
	if _, err := st.GetMarketData(ctx, "ALFA", "fundamentals", now); !errors.Is(err, types.ErrCacheMiss) {
		t.Fatalf("other data type err = %v, want ErrCacheMiss", err)
	}
}

func TestSentimentCacheUpsert(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := types.SentimentEntry{
		Ticker:    "ALFA",
		Score:     72,
		Summary:   "coverage improving",
		FetchedAt: now,
		ExpiresAt: now.Add(16 * time.Hour),
	}
	if err := st.PutSentiment(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSentiment(ctx, "ALFA", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 72 || got.Summary != "coverage improving" {
		t.Fatalf("entry = %+v", got)
	}

	entry.Score = 40
	if err := st.PutSentiment(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err = st.GetSentiment(ctx, "ALFA", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 40 {
		t.Fatalf("score after upsert = %.0f, want 40", got.Score)
	}

	if _, err := st.GetSentiment(ctx, "ALFA", now.Add(17*time.Hour)); !errors.Is(err, types.ErrCacheMiss) {
		t.Fatalf("expired err = %v, want ErrCacheMiss", err)
	}
}
