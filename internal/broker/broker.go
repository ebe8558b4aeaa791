// Package broker is C1: the broker REST/WebSocket client. It is
// intentionally stateless with respect to strategy — it only knows how to
// place, modify, cancel and list orders and stream fills, the way the
// teacher's exec.Client and feeds.PolymarketFeed are split from
// core.Engine. Endpoint routing is the one invariant this package owns and
// must never violate: a demo account's orders are only ever placed/read
// against the demo base, a live account's only against the live base (P6).
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/model"
)

// Order is what the broker reports back for a placed/queried order.
type Order struct {
	BrokerOrderID string
	AccountID     string
	Ticker        string
	Action        model.Action
	Qty           decimal.Decimal
	Price         *decimal.Decimal
	Tag           string
	Status        model.OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	UpdatedAt     time.Time
}

// Position is the broker's own view of what's held, used by the reconciler
// to compare against the engine's virtual position.
type Position struct {
	AccountID string
	Ticker    string
	Side      model.Side
	Qty       decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Fill is one execution reported over the user-event stream or via polling.
type Fill struct {
	BrokerOrderID string
	AccountID     string
	Ticker        string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	TS            time.Time
}

// Client is the broker collaborator's contract. Everything here is a
// network call; callers pass a context for cancellation/timeout.
type Client interface {
	PlaceMarket(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, tag string) (Order, error)
	PlaceLimit(ctx context.Context, accountID, ticker string, action model.Action, qty, price decimal.Decimal, tag string) (Order, error)
	ModifyOrder(ctx context.Context, accountID, brokerOrderID string, price *decimal.Decimal, qty *decimal.Decimal) (Order, error)
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error
	GetOrder(ctx context.Context, accountID, brokerOrderID string) (Order, error)
	ListOrders(ctx context.Context, accountID string) ([]Order, error)
	ListPositions(ctx context.Context, accountID string) ([]Position, error)
	ContractFor(ctx context.Context, ticker string) (model.Contract, error)
}
