package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/pkg/types"
)

// Stub is an in-memory Broker used by tests and dry runs. Submitted orders
// fill immediately at the configured price. Safe for concurrent use.
type Stub struct {
	mu sync.Mutex

	Account   types.Account
	Positions []types.Position
	Calendar  []types.CalendarDay
	Bars      map[string][]types.PriceBar
	News      map[string][]types.NewsItem
	Paper     bool

	// Err, when set, is returned by every call. Simulates a provider outage.
	Err error

	Submitted []types.OrderRequest
	orders    []types.BrokerOrder
}

var _ Broker = (*Stub)(nil)

// NewStub returns a paper-mode stub with an empty book.
func NewStub() *Stub {
	return &Stub{
		Bars:  make(map[string][]types.PriceBar),
		News:  make(map[string][]types.NewsItem),
		Paper: true,
	}
}

func (s *Stub) IsPaper() bool { return s.Paper }

func (s *Stub) GetAccount(ctx context.Context) (types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return types.Account{}, s.Err
	}
	return s.Account, nil
}

func (s *Stub) GetPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]types.Position, len(s.Positions))
	copy(out, s.Positions)
	return out, nil
}

func (s *Stub) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []types.CalendarDay
	for _, d := range s.Calendar {
		if d.Date >= start.Format("2006-01-02") && d.Date <= end.Format("2006-01-02") {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Stub) GetOrdersSince(ctx context.Context, since time.Time) ([]types.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []types.BrokerOrder
	for _, o := range s.orders {
		if !o.CreatedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Stub) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return types.BrokerOrder{}, s.Err
	}
	s.Submitted = append(s.Submitted, req)

	qty := decimal.Zero
	if req.Qty != nil {
		qty = *req.Qty
	}
	now := time.Now().UTC()
	ord := types.BrokerOrder{
		ID:        uuid.NewString(),
		Ticker:    types.NormalizeTicker(req.Ticker),
		Side:      req.Side,
		Qty:       qty,
		FilledQty: qty,
		Status:    "filled",
		CreatedAt: now,
		FilledAt:  &now,
	}
	s.orders = append(s.orders, ord)
	return ord, nil
}

func (s *Stub) GetBars(ctx context.Context, ticker string, tf Timeframe, start, end time.Time) ([]types.PriceBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	bars, ok := s.Bars[types.NormalizeTicker(ticker)]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", ticker)
	}
	return bars, nil
}

func (s *Stub) GetNews(ctx context.Context, ticker string, start, end time.Time, limit int) ([]types.NewsItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	items := s.News[types.NormalizeTicker(ticker)]
	if len(items) > limit && limit > 0 {
		items = items[:limit]
	}
	return items, nil
}
