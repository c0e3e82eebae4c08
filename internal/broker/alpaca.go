package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradedesk/internal/config"
	"tradedesk/pkg/types"
)

// Alpaca implements Broker against the Alpaca trading and market-data APIs.
type Alpaca struct {
	trade *alpaca.Client
	data  *marketdata.Client
	paper bool
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca builds the adapter. Empty credentials defer to the APCA_*
// environment variables the SDK reads natively. Paper mode is detected
// from the base URL.
func NewAlpaca(cfg config.BrokerConfig) *Alpaca {
	opts := alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	}
	return &Alpaca{
		trade: alpaca.NewClient(opts),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		paper: cfg.BaseURL == "" || strings.Contains(cfg.BaseURL, "paper-api"),
	}
}

// IsPaper reports whether the account is a paper-trading account.
func (a *Alpaca) IsPaper() bool { return a.paper }

func (a *Alpaca) GetAccount(ctx context.Context) (types.Account, error) {
	acct, err := a.trade.GetAccount()
	if err != nil {
		return types.Account{}, fmt.Errorf("get account: %w", err)
	}
	return types.Account{
		PortfolioValue: acct.PortfolioValue,
		Equity:         acct.Equity,
		LastEquity:     acct.LastEquity,
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
	}, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]types.Position, error) {
	positions, err := a.trade.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		pos := types.Position{
			Ticker:        types.NormalizeTicker(p.Symbol),
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			CostBasis:     p.CostBasis,
			Side:          string(p.Side),
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
		}
		if p.MarketValue != nil {
			pos.MarketValue = *p.MarketValue
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPL = *p.UnrealizedPL
		}
		if p.UnrealizedPLPC != nil {
			pos.UnrealizedPLPC = *p.UnrealizedPLPC
		}
		out = append(out, pos)
	}
	return out, nil
}

func (a *Alpaca) GetCalendar(ctx context.Context, start, end time.Time) ([]types.CalendarDay, error) {
	days, err := a.trade.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}
	out := make([]types.CalendarDay, 0, len(days))
	for _, d := range days {
		out = append(out, types.CalendarDay{Date: d.Date, Open: d.Open, Close: d.Close})
	}
	return out, nil
}

func (a *Alpaca) GetOrdersSince(ctx context.Context, since time.Time) ([]types.BrokerOrder, error) {
	orders, err := a.trade.GetOrders(alpaca.GetOrdersRequest{
		Status: "all",
		After:  since,
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	out := make([]types.BrokerOrder, 0, len(orders))
	for i := range orders {
		out = append(out, mapOrder(&orders[i]))
	}
	return out, nil
}

func (a *Alpaca) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.BrokerOrder, error) {
	tif := alpaca.Day
	if req.TimeInForce != "" {
		tif = alpaca.TimeInForce(req.TimeInForce)
	}
	order := alpaca.PlaceOrderRequest{
		Symbol:      types.NormalizeTicker(req.Ticker),
		Qty:         req.Qty,
		Notional:    req.Notional,
		Side:        alpaca.Side(strings.ToLower(string(req.Side))),
		Type:        alpaca.Market,
		TimeInForce: tif,
	}
	// Bracket legs need a share quantity; notional entries carry their
	// levels in the entry-date record instead.
	if req.Qty != nil && req.StopLoss != nil && req.Target != nil {
		order.OrderClass = alpaca.Bracket
		order.TakeProfit = &alpaca.TakeProfit{LimitPrice: req.Target}
		order.StopLoss = &alpaca.StopLoss{StopPrice: req.StopLoss}
	}
	placed, err := a.trade.PlaceOrder(order)
	if err != nil {
		return types.BrokerOrder{}, fmt.Errorf("submit order %s %s: %w", req.Side, req.Ticker, err)
	}
	return mapOrder(placed), nil
}

func (a *Alpaca) GetBars(ctx context.Context, ticker string, tf Timeframe, start, end time.Time) ([]types.PriceBar, error) {
	frame := marketdata.OneDay
	bars, err := a.data.GetBars(types.NormalizeTicker(ticker), marketdata.GetBarsRequest{
		TimeFrame: frame,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", ticker, err)
	}
	out := make([]types.PriceBar, 0, len(bars))
	for _, b := range bars {
		out = append(out, types.PriceBar{
			Ticker: types.NormalizeTicker(ticker),
			Date:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: int64(b.Volume),
		})
	}
	return out, nil
}

func (a *Alpaca) GetNews(ctx context.Context, ticker string, start, end time.Time, limit int) ([]types.NewsItem, error) {
	news, err := a.data.GetNews(marketdata.GetNewsRequest{
		Symbols:    []string{types.NormalizeTicker(ticker)},
		Start:      start,
		End:        end,
		TotalLimit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get news %s: %w", ticker, err)
	}
	out := make([]types.NewsItem, 0, len(news))
	for _, n := range news {
		out = append(out, types.NewsItem{Headline: n.Headline, Summary: n.Summary})
	}
	return out, nil
}

func mapOrder(o *alpaca.Order) types.BrokerOrder {
	ord := types.BrokerOrder{
		ID:        o.ID,
		Ticker:    types.NormalizeTicker(o.Symbol),
		Side:      types.Side(strings.ToUpper(string(o.Side))),
		FilledQty: o.FilledQty,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		FilledAt:  o.FilledAt,
	}
	if o.Qty != nil {
		ord.Qty = *o.Qty
	}
	return ord
}
