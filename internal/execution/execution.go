// Package execution is C6: turns a tracker Transition into broker orders —
// entry placement, TP/SL bracket management, and the single-TP invariant
// that prefers modify-in-place over cancel-then-replace. Order lifecycle
// bookkeeping (placed -> working -> filled, persisted role/tag/seq) follows
// the teacher's Executor (execution/executor.go), generalized from a
// paper/live toggle with one order type to the full entry+TP+SL bracket
// set spec §4.6 requires. Full position closes hand off to the exit state
// machine (C7) rather than placing a bare market order here, since
// flattening needs the cancel/confirm lifecycle that machine owns; a flip's
// close-old-side leg is a plain market ENTRY order placed by applyFlip.
package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/exitfsm"
	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
	"github.com/justtrades/engine/internal/tracker"
)

// Pipeline places and maintains orders for one trader's positions.
type Pipeline struct {
	client broker.Client
	orders *store.OrderRepo
	market *marketdata.Cache
	fsm    *exitfsm.Machine
	bus    *eventbus.Bus
}

func New(client broker.Client, orders *store.OrderRepo, market *marketdata.Cache, fsm *exitfsm.Machine, bus *eventbus.Bus) *Pipeline {
	return &Pipeline{client: client, orders: orders, market: market, fsm: fsm, bus: bus}
}

// ApplyTransition places whatever orders the transition implies for one
// trader.
func (p *Pipeline) ApplyTransition(ctx context.Context, trader model.Trader, recorder model.Recorder, t tracker.Transition) error {
	switch t.Kind {
	case model.TransitionOpened:
		seq, err := p.nextSeq(trader.AccountID, t.Position.Ticker, model.RoleEntry)
		if err != nil {
			return err
		}
		qty := resolveQty(t.OrderQty, trader.BaseQtyOverride)
		if err := p.placeEntry(ctx, trader, t.Position.Ticker, entryAction(t.Position.Side), qty, seq); err != nil {
			return err
		}
		return p.placeBrackets(ctx, trader, recorder, t.Position)

	case model.TransitionDCA:
		seq, err := p.nextSeq(trader.AccountID, t.Position.Ticker, model.RoleEntry)
		if err != nil {
			return err
		}
		qty := resolveAddQty(t.OrderQty, recorder.AddQty, trader.AddQtyOverride)
		if err := p.placeEntry(ctx, trader, t.Position.Ticker, entryAction(t.Position.Side), qty, seq); err != nil {
			return err
		}
		return p.updateBrackets(ctx, trader, recorder, t.Position)

	case model.TransitionTrimmed:
		// The position stays on the same side, just smaller — the reduce
		// order runs opposite the remaining side, the same as the signal
		// that caused the trim.
		if err := p.placeReduce(ctx, trader, t.Position.Ticker, oppositeAction(t.Position.Side), t.OrderQty); err != nil {
			return err
		}
		return p.updateBrackets(ctx, trader, recorder, t.Position)

	case model.TransitionFlipped:
		return p.applyFlip(ctx, trader, recorder, t)

	case model.TransitionClosed:
		return p.applyClose(ctx, trader, t)

	default:
		return nil
	}
}

// placeEntry submits a market order for one (ticker, action, qty, seq)
// entry leg — used for the initial open, a DCA add, a trim's reduce order,
// and both legs of a flip.
func (p *Pipeline) placeEntry(ctx context.Context, trader model.Trader, ticker string, action model.Action, qty decimal.Decimal, seq int) error {
	tag := broker.Tag(trader.AccountID, ticker, trader.RecorderID, model.RoleEntry, seq)
	order, err := p.client.PlaceMarket(ctx, trader.AccountID, ticker, action, qty, tag)
	if err != nil {
		return err
	}
	p.persist(order, model.RoleEntry, seq)
	p.bus.Publish(eventbus.TopicOrderPlaced, order)
	return nil
}

// placeReduce submits a reduce-only-in-intent market order against the
// position's current entry generation — a trim doesn't start a new
// generation, so it reuses the entry side's current seq rather than minting
// a fresh one.
func (p *Pipeline) placeReduce(ctx context.Context, trader model.Trader, ticker string, action model.Action, qty decimal.Decimal) error {
	seq, err := p.orders.MaxSeq(trader.AccountID, ticker, model.RoleEntry)
	if err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}
	return p.placeEntry(ctx, trader, ticker, action, qty, seq)
}

// applyFlip places both broker legs a flip requires (§4.6): close the old
// side for its full prior size, cancel the old side's brackets, then open
// the new side with the remainder under a fresh entry generation and brand
// new brackets. Brackets are never modified across a flip — the side itself
// changed, so the old TP/SL are meaningless for the new position.
func (p *Pipeline) applyFlip(ctx context.Context, trader model.Trader, recorder model.Recorder, t tracker.Transition) error {
	ticker := t.Position.Ticker
	oldSide := model.SideLong
	if t.Position.Side == model.SideLong {
		oldSide = model.SideShort
	}

	closeSeq, err := p.orders.MaxSeq(trader.AccountID, ticker, model.RoleEntry)
	if err != nil {
		return jterr.Wrap(jterr.KindTransientIO, err)
	}
	if err := p.placeEntry(ctx, trader, ticker, oppositeAction(oldSide), t.ClosedQty, closeSeq); err != nil {
		return err
	}

	if err := p.cancelBrackets(ctx, trader, ticker); err != nil {
		return err
	}

	seq, err := p.nextSeq(trader.AccountID, ticker, model.RoleEntry)
	if err != nil {
		return err
	}
	qty := resolveQty(t.OrderQty, trader.BaseQtyOverride)
	if err := p.placeEntry(ctx, trader, ticker, entryAction(t.Position.Side), qty, seq); err != nil {
		return err
	}
	return p.placeBrackets(ctx, trader, recorder, t.Position)
}

// applyClose cancels this trader's resting brackets by tag (a cheap,
// precise lookup against our own order store) and then hands the full
// flatten-and-confirm lifecycle to the exit state machine — a close signal
// does not rely on the existing TP/SL limit orders at all (§4.6).
func (p *Pipeline) applyClose(ctx context.Context, trader model.Trader, t tracker.Transition) error {
	ticker := t.Position.Ticker
	if err := p.cancelBrackets(ctx, trader, ticker); err != nil {
		return err
	}
	return p.fsm.StartExit(ctx, trader.AccountID, trader.ID, ticker, model.ExitReasonCloseSignal)
}

// placeBrackets places a fresh TP and (if enabled) SL for the current
// position size, each under its own freshly assigned per-role seq — TP and
// SL go stale (fill, get canceled) independently of each other and of the
// entry side, so each needs its own generation counter (§4.1).
func (p *Pipeline) placeBrackets(ctx context.Context, trader model.Trader, recorder model.Recorder, pos model.VirtualPosition) error {
	contract, err := p.client.ContractFor(ctx, pos.Ticker)
	if err != nil {
		return err
	}

	tpPrice, exitAction := resolveTPPrice(trader, recorder, pos, contract)

	tpSeq, err := p.nextSeq(trader.AccountID, pos.Ticker, model.RoleTP)
	if err != nil {
		return err
	}
	if err := p.placeTP(ctx, trader, pos, exitAction, tpPrice, contract.TickSize, tpSeq); err != nil {
		return err
	}

	if !recorder.SLEnabled {
		return nil
	}
	slTicks := recorder.SLTicks
	if trader.SLTicksOverride != nil {
		slTicks = *trader.SLTicksOverride
	}
	slPrice := offsetPrice(pos.Side, pos.AvgEntryPrice, contract.TickSize, slTicks, false)
	slSeq, err := p.nextSeq(trader.AccountID, pos.Ticker, model.RoleSL)
	if err != nil {
		return err
	}
	slTag := broker.Tag(trader.AccountID, pos.Ticker, trader.RecorderID, model.RoleSL, slSeq)
	slOrder, err := p.client.PlaceLimit(ctx, trader.AccountID, pos.Ticker, exitAction, pos.TotalQty, slPrice, slTag)
	if err != nil {
		return err
	}
	p.persist(slOrder, model.RoleSL, slSeq)
	p.bus.Publish(eventbus.TopicOrderPlaced, slOrder)
	return nil
}

// placeTP enforces the marketability guard (§4.6 step 5): a TP priced less
// than one tick beyond the current market in the profitable direction would
// fill immediately, which isn't a take-profit at all. When that happens
// placement is deferred rather than sent as-is, and re-checked every 2s
// until the TP clears the market by a full tick.
func (p *Pipeline) placeTP(ctx context.Context, trader model.Trader, pos model.VirtualPosition, action model.Action, price, tickSize decimal.Decimal, seq int) error {
	if last, ok := p.market.GetLastPrice(pos.Ticker); ok && !tpBeyondMarket(pos.Side, price, last, tickSize) {
		log.Warn().Str("ticker", pos.Ticker).Str("tp_price", price.String()).Str("last", last.String()).
			Msg("⏳ TP not beyond market by a full tick, deferring placement")
		time.AfterFunc(2*time.Second, func() {
			if err := p.placeTP(context.Background(), trader, pos, action, price, tickSize, seq); err != nil {
				log.Error().Err(err).Str("ticker", pos.Ticker).Msg("❌ deferred TP placement failed")
			}
		})
		return nil
	}

	tag := broker.Tag(trader.AccountID, pos.Ticker, trader.RecorderID, model.RoleTP, seq)
	order, err := p.client.PlaceLimit(ctx, trader.AccountID, pos.Ticker, action, pos.TotalQty, price, tag)
	if err != nil {
		return err
	}
	p.persist(order, model.RoleTP, seq)
	p.bus.Publish(eventbus.TopicOrderPlaced, order)
	return nil
}

// resolveTPPrice computes the TP's offset price and exit-side action for
// pos, honoring a trader's per-account tick override — shared by
// placeBrackets and EnsureTP so both price a TP identically.
func resolveTPPrice(trader model.Trader, recorder model.Recorder, pos model.VirtualPosition, contract model.Contract) (decimal.Decimal, model.Action) {
	tpTicks := recorder.TPTicks
	if trader.TPTicksOverride != nil {
		tpTicks = *trader.TPTicksOverride
	}
	price := offsetPrice(pos.Side, pos.AvgEntryPrice, contract.TickSize, tpTicks, true)
	return price, oppositeAction(pos.Side)
}

// CancelBrackets cancels any still-working TP/SL for (trader, ticker) — used
// by a close signal and by the reconciler when the broker reports the
// position flat out from under the virtual one (§4.8).
func (p *Pipeline) CancelBrackets(ctx context.Context, trader model.Trader, ticker string) error {
	return p.cancelBrackets(ctx, trader, ticker)
}

// ResizeTP re-sizes the working TP bracket to qty without touching its
// price — the reconciler's partial-close correction (§4.8).
func (p *Pipeline) ResizeTP(ctx context.Context, trader model.Trader, ticker string, qty decimal.Decimal) error {
	existing, err := p.currentBracket(trader.AccountID, trader.RecorderID, ticker, model.RoleTP)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status.IsTerminal() {
		return nil
	}
	updated, err := p.client.ModifyOrder(ctx, trader.AccountID, existing.BrokerOrderID, nil, &qty)
	if err != nil {
		return err
	}
	p.persist(updated, model.RoleTP, existing.Seq)
	return nil
}

// EnsureTP places a fresh TP bracket if none is currently working at the
// broker for (trader, ticker) — the reconciler's auto-place correction
// (§4.8), reusing the same marketability guard a normal bracket placement
// gets. Reports whether it actually placed one, so the caller can
// distinguish "already had a working TP" from "just fixed a missing one".
func (p *Pipeline) EnsureTP(ctx context.Context, trader model.Trader, recorder model.Recorder, pos model.VirtualPosition) (bool, error) {
	existing, err := p.currentBracket(trader.AccountID, trader.RecorderID, pos.Ticker, model.RoleTP)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Status.IsWorking() {
		return false, nil
	}

	contract, err := p.client.ContractFor(ctx, pos.Ticker)
	if err != nil {
		return false, err
	}
	tpPrice, exitAction := resolveTPPrice(trader, recorder, pos, contract)

	seq, err := p.nextSeq(trader.AccountID, pos.Ticker, model.RoleTP)
	if err != nil {
		return false, err
	}
	if err := p.placeTP(ctx, trader, pos, exitAction, tpPrice, contract.TickSize, seq); err != nil {
		return false, err
	}
	return true, nil
}

// tpBeyondMarket reports whether price clears last by at least one tick in
// the direction that makes it a genuine take-profit for side.
func tpBeyondMarket(side model.Side, price, last, tickSize decimal.Decimal) bool {
	if side == model.SideLong {
		return price.Sub(last).GreaterThanOrEqual(tickSize)
	}
	return last.Sub(price).GreaterThanOrEqual(tickSize)
}

// updateBrackets re-sizes (and re-prices, for DCA's new VWAP) the existing
// TP/SL by modifying them in place while they're still working — never
// cancel-then-replace, which would leave a window with zero working TP (§9
// design note, single-TP invariant). A bracket that was never placed, or
// whose stored status is already terminal, is skipped: no fresh TP or SL is
// placed in its stead here.
func (p *Pipeline) updateBrackets(ctx context.Context, trader model.Trader, recorder model.Recorder, pos model.VirtualPosition) error {
	for _, role := range []model.OrderRole{model.RoleTP, model.RoleSL} {
		existing, err := p.currentBracket(trader.AccountID, trader.RecorderID, pos.Ticker, role)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status.IsTerminal() {
			continue // never placed (e.g. SL disabled), or already gone
		}

		contract, err := p.client.ContractFor(ctx, pos.Ticker)
		if err != nil {
			return err
		}
		ticks := recorder.TPTicks
		isTP := role == model.RoleTP
		if !isTP {
			ticks = recorder.SLTicks
		}
		price := offsetPrice(pos.Side, pos.AvgEntryPrice, contract.TickSize, ticks, isTP)

		updated, err := p.client.ModifyOrder(ctx, trader.AccountID, existing.BrokerOrderID, &price, &pos.TotalQty)
		if err != nil {
			return err
		}
		p.persist(updated, role, existing.Seq)
	}
	return nil
}

func (p *Pipeline) cancelBrackets(ctx context.Context, trader model.Trader, ticker string) error {
	for _, role := range []model.OrderRole{model.RoleTP, model.RoleSL} {
		existing, err := p.currentBracket(trader.AccountID, trader.RecorderID, ticker, role)
		if err != nil || existing == nil || existing.Status.IsTerminal() {
			continue
		}
		if err := p.client.CancelOrder(ctx, trader.AccountID, existing.BrokerOrderID); err != nil {
			log.Error().Err(err).Str("order", existing.BrokerOrderID).Msg("❌ bracket cancel failed")
			return err
		}
		p.bus.Publish(eventbus.TopicOrderCanceled, *existing)
	}
	return nil
}

// currentBracket looks up the latest-generation TP/SL order for
// (accountID, ticker, role). Each role tracks its own seq independently of
// ENTRY's, since a bracket can fill and be re-placed without the entry side
// ever changing.
func (p *Pipeline) currentBracket(accountID, recorderID, ticker string, role model.OrderRole) (*model.BrokerOrder, error) {
	seq, err := p.orders.MaxSeq(accountID, ticker, role)
	if err != nil {
		return nil, jterr.Wrap(jterr.KindTransientIO, err)
	}
	if seq == 0 {
		return nil, nil
	}
	tag := broker.Tag(accountID, ticker, recorderID, role, seq)
	existing, err := p.orders.ByTag(tag)
	if err != nil {
		return nil, nil
	}
	return existing, nil
}

// nextSeq returns the next per-(account,symbol,role) tag sequence (§4.1) —
// every order of a role gets its own monotonic counter so a fresh
// placement can always be told apart from whatever it superseded.
func (p *Pipeline) nextSeq(accountID, ticker string, role model.OrderRole) (int, error) {
	max, err := p.orders.MaxSeq(accountID, ticker, role)
	if err != nil {
		return 0, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return max + 1, nil
}

func (p *Pipeline) persist(o broker.Order, role model.OrderRole, seq int) {
	row := model.BrokerOrder{
		BrokerOrderID: o.BrokerOrderID, AccountID: o.AccountID, Ticker: o.Ticker,
		Role: role, Action: o.Action, Qty: o.Qty, Price: o.Price, Tag: o.Tag, Seq: seq,
		Status: o.Status, PlacedAt: o.UpdatedAt, UpdatedAt: o.UpdatedAt,
	}
	if err := p.orders.Save(&row); err != nil {
		log.Error().Err(err).Msg("execution: failed to persist order")
	}
}

// resolveQty prefers a trader's explicit per-account override over the
// quantity the signal itself resolved to — an override means "this
// sub-account always trades this size," independent of what the alert said.
func resolveQty(signalQty decimal.Decimal, override *decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	return signalQty
}

// resolveAddQty is the DCA analogue: AddQtyOverride/AddQty name a standard
// scale-in size, which takes priority over the signal's own derived
// quantity when configured.
func resolveAddQty(signalQty, recorderAddQty decimal.Decimal, override *decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	if !recorderAddQty.IsZero() {
		return recorderAddQty
	}
	return signalQty
}

func entryAction(side model.Side) model.Action {
	if side == model.SideShort {
		return model.ActionSell
	}
	return model.ActionBuy
}

func oppositeAction(side model.Side) model.Action {
	if side == model.SideLong {
		return model.ActionSell
	}
	return model.ActionBuy
}

// offsetPrice computes a TP/SL price ticks away from entry in the
// direction that makes it a TP (profit side) or SL (loss side) for side.
func offsetPrice(side model.Side, entry, tickSize decimal.Decimal, ticks int, isTP bool) decimal.Decimal {
	offset := tickSize.Mul(decimal.NewFromInt(int64(ticks)))
	profitDirectionUp := side == model.SideLong
	if !isTP {
		profitDirectionUp = !profitDirectionUp
	}
	if profitDirectionUp {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}
