package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"tradedesk/internal/broker"
	"tradedesk/internal/bus"
	"tradedesk/internal/stages"
	"tradedesk/internal/store"
	"tradedesk/pkg/types"
)

// Executor is the trading adapter: it drains the trading inbox, submits
// each order through the broker, and keeps the trade rows current.
// Processed messages are archived; unparseable ones go to dead letter.
type Executor struct {
	bus    *bus.Bus
	broker broker.Broker
	store  *store.Store
	logger *slog.Logger
}

// NewExecutor builds the trading adapter over the shared message root.
func NewExecutor(busRoot string, brk broker.Broker, st *store.Store, logger *slog.Logger) (*Executor, error) {
	b, err := bus.New(busRoot, stages.DeptTrading, logger)
	if err != nil {
		return nil, err
	}
	return &Executor{
		bus:    b,
		broker: brk,
		store:  st,
		logger: logger.With("component", "executor"),
	}, nil
}

// Drain processes every pending order message, oldest first, and returns
// the number submitted. Per-message failures are recorded on the trade
// row and do not stop the drain.
func (e *Executor) Drain(ctx context.Context) (int, error) {
	paths, err := e.bus.Inbox()
	if err != nil {
		return 0, err
	}

	var submitted int
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		msg, err := e.bus.Read(path)
		if err != nil {
			var schema *types.SchemaError
			if errors.As(err, &schema) {
				if dlErr := e.bus.DeadLetter(path); dlErr != nil {
					e.logger.Error("dead-letter failed", "path", path, "error", dlErr)
				}
				continue
			}
			return submitted, err
		}
		if msg.Meta.MessageType != bus.TypeBuyOrder && msg.Meta.MessageType != bus.TypeSellOrder {
			// Not ours; leave it for whoever routed it wrong to notice.
			e.logger.Warn("unexpected message type in trading inbox", "id", msg.Meta.MessageID, "type", msg.Meta.MessageType)
			continue
		}

		if err := e.process(ctx, msg); err != nil {
			e.logger.Error("order failed", "id", msg.Meta.MessageID, "error", err)
		} else {
			submitted++
		}
		if err := e.bus.Archive(path); err != nil {
			e.logger.Error("archive failed", "path", path, "error", err)
		}
	}
	return submitted, nil
}

// process submits one dispatched trade and advances its row through
// submitted to its terminal status.
func (e *Executor) process(ctx context.Context, msg *bus.Message) error {
	var dispatch types.TradeDispatch
	if err := json.Unmarshal(msg.Payload, &dispatch); err != nil {
		return &types.SchemaError{Source: msg.Meta.MessageID, Err: err}
	}
	trade := dispatch.Order

	req := types.OrderRequest{
		Ticker:      trade.Ticker,
		Side:        trade.Side,
		OrderType:   trade.OrderType,
		TimeInForce: "day",
	}
	switch trade.OrderType {
	case types.OrderNotional:
		n := trade.Notional
		req.Notional = &n
	default:
		q := trade.Quantity
		req.Qty = &q
	}
	if !trade.StopLoss.IsZero() {
		s := trade.StopLoss
		req.StopLoss = &s
	}
	if !trade.Target.IsZero() {
		t := trade.Target
		req.Target = &t
	}

	if dispatch.TradeID != "" {
		if err := e.store.UpdateTradeStatus(ctx, dispatch.TradeID, store.TradeSubmitted, ""); err != nil {
			return err
		}
	}
	order, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		if dispatch.TradeID != "" {
			if uerr := e.store.UpdateTradeStatus(ctx, dispatch.TradeID, store.TradeExecutionFailed, ""); uerr != nil {
				e.logger.Error("trade row update failed", "trade_id", dispatch.TradeID, "error", uerr)
			}
		}
		return fmt.Errorf("submit %s %s: %w", trade.Side, trade.Ticker, err)
	}

	status := store.TradeSubmitted
	switch order.Status {
	case "filled":
		status = store.TradeFilled
	case "partially_filled":
		status = store.TradePartial
	case "canceled", "cancelled":
		status = store.TradeCancelled
	}
	if dispatch.TradeID != "" {
		if err := e.store.UpdateTradeStatus(ctx, dispatch.TradeID, status, order.ID); err != nil {
			return err
		}
	}
	e.logger.Info("order placed", "ticker", trade.Ticker, "side", trade.Side,
		"broker_order_id", order.ID, "status", order.Status)
	return nil
}
