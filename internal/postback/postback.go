// Package postback is the engine's own addition: it subscribes to the order
// and fill topics broker.Stream publishes and turns them into store writes
// and position closures. The teacher has no equivalent — PolymarketFeed's
// broadcasts are consumed directly by core.Engine's strategy loop — but
// this engine's execution pipeline and exit FSM are both request/response
// (they place an order and move on), so something has to own the
// asynchronous postback side of the order lifecycle. Subscriber shape
// (one goroutine per topic draining its own channel) follows notify.Telegram.
package postback

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/exitfsm"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// Handler keeps the order store in sync with broker postbacks and closes
// out a virtual position's bracket once its TP or SL leg fills.
type Handler struct {
	orders    *store.OrderRepo
	positions *store.PositionRepo
	trades    *store.TradeRepo
	recorders *store.RecorderRepo
	client    broker.Client
	fsm       *exitfsm.Machine
}

func New(orders *store.OrderRepo, positions *store.PositionRepo, trades *store.TradeRepo, recorders *store.RecorderRepo, client broker.Client, fsm *exitfsm.Machine) *Handler {
	return &Handler{orders: orders, positions: positions, trades: trades, recorders: recorders, client: client, fsm: fsm}
}

// Subscribe wires the handler to the bus. Fill and status-change postbacks
// share a single topic per status bucket, so each handler type-switches on
// the payload it actually cares about rather than ignoring the other.
func (h *Handler) Subscribe(bus *eventbus.Bus) {
	go h.drain(bus.Subscribe(eventbus.TopicOrderFilled), h.onFilled)
	go h.drain(bus.Subscribe(eventbus.TopicOrderPlaced), h.onStatusChange)
	go h.drain(bus.Subscribe(eventbus.TopicOrderCanceled), h.onStatusChange)
	go h.drain(bus.Subscribe(eventbus.TopicOrderRejected), h.onStatusChange)
}

func (h *Handler) drain(ch <-chan eventbus.Event, handle func(eventbus.Event)) {
	for evt := range ch {
		handle(evt)
	}
}

func (h *Handler) onStatusChange(evt eventbus.Event) {
	o, ok := evt.Payload.(broker.Order)
	if !ok {
		return
	}
	h.applyStatus(o)
}

func (h *Handler) onFilled(evt eventbus.Event) {
	switch payload := evt.Payload.(type) {
	case broker.Order:
		h.applyStatus(payload)
		h.closeBracketIfFilled(payload)
	case broker.Fill:
		log.Debug().Str("broker_order_id", payload.BrokerOrderID).Str("ticker", payload.Ticker).
			Str("qty", payload.Qty.String()).Msg("📨 fill postback")
	}
}

// applyStatus persists the broker's reported status onto the engine's own
// order row, so the reconciler and exit FSM always see the latest state.
func (h *Handler) applyStatus(o broker.Order) {
	row, err := h.orders.ByBrokerID(o.BrokerOrderID)
	if err != nil {
		return // not an engine-placed order, or not yet persisted
	}
	row.Status = o.Status
	row.UpdatedAt = o.UpdatedAt
	if err := h.orders.Save(row); err != nil {
		log.Error().Err(err).Str("broker_order_id", o.BrokerOrderID).Msg("postback: failed to persist order status")
	}
}

// closeBracketIfFilled closes the virtual position and records a Trade when
// a TP or SL leg fills, then hands the trader's exit to the exit state
// machine (startExit), whose cancel step cancels the other bracket order if
// it is still working at the broker.
func (h *Handler) closeBracketIfFilled(o broker.Order) {
	accountID, _, recorderID, role, _, ok := broker.ParseTag(o.Tag)
	if !ok || (role != model.RoleTP && role != model.RoleSL) {
		return
	}

	row, err := h.orders.ByBrokerID(o.BrokerOrderID)
	if err != nil {
		return
	}

	pos, err := h.positions.GetOpen(recorderID, row.Ticker)
	if err != nil {
		return
	}

	contract, err := h.client.ContractFor(context.Background(), pos.Ticker)
	if err != nil {
		log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("postback: contract lookup failed, skipping PnL")
		return
	}

	exitPrice := pos.AvgEntryPrice
	if row.Price != nil {
		exitPrice = *row.Price
	}

	trade := model.Trade{
		VirtualPositionID: pos.ID,
		EntryPrice:        pos.AvgEntryPrice,
		ExitPrice:         exitPrice,
		Qty:               pos.TotalQty,
		PnLUSD:            model.PnLUSD(pos.Side, pos.AvgEntryPrice, exitPrice, pos.TotalQty, contract),
		OpenedAt:          pos.OpenedAt,
		ClosedAt:          o.UpdatedAt,
	}
	if err := h.trades.Save(trade); err != nil {
		log.Error().Err(err).Msg("postback: failed to save trade")
	}

	pos.Status = model.PositionClosed
	pos.ExitPrice = exitPrice
	if role == model.RoleTP {
		pos.ExitReason = model.ExitReasonTPFill
	} else {
		pos.ExitReason = model.ExitReasonSLFill
	}
	if err := h.positions.Save(pos); err != nil {
		log.Error().Err(err).Msg("postback: failed to close virtual position")
	}
	log.Info().Str("ticker", pos.Ticker).Str("role", string(role)).Str("pnl", trade.PnLUSD.String()).
		Msg("🎯 bracket filled, position closed")

	h.startExit(accountID, recorderID, pos.Ticker, pos.ExitReason)
}

// startExit hands the fill off to the exit state machine so the sibling
// bracket order gets canceled and the flatten gets confirmed, rather than
// waiting on the next reconcile sweep to notice it — StartExit blocks on
// broker round-trips, so it runs on its own goroutine here.
func (h *Handler) startExit(accountID, recorderID, ticker string, reason model.ExitReason) {
	trader, err := h.recorders.TraderFor(recorderID, accountID)
	if err != nil {
		log.Error().Err(err).Str("recorder", recorderID).Str("account", accountID).
			Msg("postback: trader lookup failed, exit FSM not triggered")
		return
	}
	go func() {
		if err := h.fsm.StartExit(context.Background(), accountID, trader.ID, ticker, reason); err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("postback: exit FSM failed after bracket fill")
		}
	}()
}
