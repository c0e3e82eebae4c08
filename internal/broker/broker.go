// Package broker defines the brokerage contract the core depends on and
// its Alpaca implementation.
//
// Everything above this package talks to the Broker interface; only the
// startup builder knows which concrete adapter is behind it (live Alpaca,
// paper Alpaca wrapped by the realism simulator, or the in-memory stub
// used by tests).
package broker

import (
	"context"
	"time"

	"tradedesk/pkg/types"
)

// Timeframe selects the bar resolution for GetBars.
type Timeframe string

const (
	TimeframeDay Timeframe = "1Day"
)

// Broker is the full brokerage surface the core consumes. All operations
// honor ctx cancellation and deadlines.
type Broker interface {
	GetAccount(ctx context.Context) (types.Account, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error)
	GetOrdersSince(ctx context.Context, since time.Time) ([]types.BrokerOrder, error)
	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.BrokerOrder, error)
	GetBars(ctx context.Context, ticker string, tf Timeframe, start, end time.Time) ([]types.PriceBar, error)
	GetNews(ctx context.Context, ticker string, start, end time.Time, limit int) ([]types.NewsItem, error)
	IsPaper() bool
}
