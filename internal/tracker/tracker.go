// Package tracker is C3: the engine's signal-derived virtual position,
// independent of what the broker reports (that comparison is the
// reconciler's job, C8). The update math — VWAP on add, FIFO trim on
// partial close — follows the teacher's Executor.updatePosition
// (execution/executor.go), generalized from a single-fill weighted average
// to the full signal transition table in spec §4.3.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// PriceSource resolves a fallback price when a signal arrives without one:
// webhook price (handled by the caller) -> market data cache -> last entry
// price -> jterr.NoPrice.
type PriceSource interface {
	GetLastPrice(ticker string) (decimal.Decimal, bool)
}

// Tracker applies signals to persisted VirtualPositions. Callers are
// expected to serialize calls per (recorderID, ticker) themselves — the
// scheduler (C9) owns that, not this package, so Tracker itself holds no
// locks.
type Tracker struct {
	positions *store.PositionRepo
	market    PriceSource
}

func New(positions *store.PositionRepo, market *marketdata.Cache) *Tracker {
	return &Tracker{positions: positions, market: market}
}

// Transition is the result of applying one signal to a position.
type Transition struct {
	Kind     model.TransitionKind
	Position model.VirtualPosition
	// ClosedQty is set for "trimmed"/"closed"/"flipped" — the quantity that
	// left the prior side, for P&L and exit-order sizing.
	ClosedQty decimal.Decimal
	// OrderQty is set for "opened"/"dca"/"flipped" — the quantity to add to
	// the book on the (new or existing) side, for entry-order sizing — and
	// for "trimmed", where it is the quantity the reduce order takes off.
	OrderQty decimal.Decimal
	// ExitPrice is the price the closed/trimmed qty is marked at.
	ExitPrice decimal.Decimal
}

// Apply resolves sig's price (falling back through the chain described
// above) and applies the signal to the (recorderID, ticker) position,
// returning the transition that occurred. signalPrice may be nil.
func (t *Tracker) Apply(ctx context.Context, recorderID, ticker string, action model.Action, qty decimal.Decimal, signalPrice *decimal.Decimal) (Transition, error) {
	price, err := t.resolvePrice(ticker, signalPrice, recorderID)
	if err != nil {
		return Transition{}, err
	}

	existing, err := t.positions.GetOpen(recorderID, ticker)
	isFlat := err != nil
	if err != nil && !isRecordNotFound(err) {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	if isFlat {
		existing = &model.VirtualPosition{RecorderID: recorderID, Ticker: ticker, Side: model.SideFlat, Status: model.PositionClosed}
	}

	switch {
	case existing.Side == model.SideFlat && action == model.ActionClose:
		return Transition{Kind: model.TransitionNoop, Position: *existing}, nil

	case existing.Side == model.SideFlat:
		return t.open(existing, action, qty, price)

	case action == model.ActionClose:
		return t.close(existing, price)

	case sameDirection(existing.Side, action):
		return t.addToPosition(existing, qty, price)

	default:
		return t.oppositeSignal(existing, action, qty, price)
	}
}

func sameDirection(side model.Side, action model.Action) bool {
	return (side == model.SideLong && action == model.ActionBuy) ||
		(side == model.SideShort && action == model.ActionSell)
}

func (t *Tracker) open(pos *model.VirtualPosition, action model.Action, qty, price decimal.Decimal) (Transition, error) {
	pos.Side = sideForOpen(action)
	pos.Entries = []model.Entry{{Price: price, Qty: qty, TS: time.Now()}}
	pos.Status = model.PositionOpen
	pos.OpenedAt = time.Now()
	pos.ClosedAt = nil
	pos.Recompute()
	if err := t.positions.Save(pos); err != nil {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return Transition{Kind: model.TransitionOpened, Position: *pos, OrderQty: qty}, nil
}

func sideForOpen(action model.Action) model.Side {
	if action == model.ActionSell {
		return model.SideShort
	}
	return model.SideLong
}

// addToPosition is a DCA: a same-direction signal adds a new entry, and the
// VWAP invariant (avg == Σ(p·q)/Σq) is enforced by Recompute.
func (t *Tracker) addToPosition(pos *model.VirtualPosition, qty, price decimal.Decimal) (Transition, error) {
	pos.Entries = append(pos.Entries, model.Entry{Price: price, Qty: qty, TS: time.Now()})
	pos.Recompute()
	if err := t.positions.Save(pos); err != nil {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return Transition{Kind: model.TransitionDCA, Position: *pos, OrderQty: qty}, nil
}

// close flattens the position entirely (explicit close signal).
func (t *Tracker) close(pos *model.VirtualPosition, price decimal.Decimal) (Transition, error) {
	closedQty := pos.TotalQty
	now := time.Now()
	pos.Status = model.PositionClosed
	pos.ClosedAt = &now
	pos.ExitReason = model.ExitReasonCloseSignal
	pos.ExitPrice = price
	pos.Entries = nil
	pos.TotalQty = decimal.Zero
	pos.Side = model.SideFlat
	if err := t.positions.Save(pos); err != nil {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return Transition{Kind: model.TransitionClosed, Position: *pos, ClosedQty: closedQty, ExitPrice: price}, nil
}

// oppositeSignal handles a BUY against a short or SELL against a long.
// If the incoming qty is less than the position's total it trims FIFO; if
// it equals the total it closes; if it exceeds the total it flips:
// close the old side and open the new one with the remainder.
func (t *Tracker) oppositeSignal(pos *model.VirtualPosition, action model.Action, qty, price decimal.Decimal) (Transition, error) {
	switch {
	case qty.LessThan(pos.TotalQty):
		return t.trim(pos, qty, price)
	case qty.Equal(pos.TotalQty):
		return t.close(pos, price)
	default:
		return t.flip(pos, action, qty, price)
	}
}

// trim removes qty from the oldest entries first (FIFO), leaving the
// position open on the same side with a smaller size.
func (t *Tracker) trim(pos *model.VirtualPosition, qty, price decimal.Decimal) (Transition, error) {
	remaining := qty
	var kept []model.Entry
	for _, e := range pos.Entries {
		if remaining.IsZero() {
			kept = append(kept, e)
			continue
		}
		if e.Qty.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(e.Qty)
			continue
		}
		kept = append(kept, model.Entry{Price: e.Price, Qty: e.Qty.Sub(remaining), TS: e.TS})
		remaining = decimal.Zero
	}
	pos.Entries = kept
	pos.Recompute()
	if err := t.positions.Save(pos); err != nil {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return Transition{Kind: model.TransitionTrimmed, Position: *pos, ClosedQty: qty, OrderQty: qty, ExitPrice: price}, nil
}

// flip closes the existing side and opens the opposite side with the
// excess quantity.
func (t *Tracker) flip(pos *model.VirtualPosition, action model.Action, qty, price decimal.Decimal) (Transition, error) {
	closedQty := pos.TotalQty
	remainder := qty.Sub(pos.TotalQty)
	now := time.Now()

	pos.ExitReason = model.ExitReasonOppositeSig
	pos.ExitPrice = price
	pos.Side = sideForOpen(action)
	pos.Entries = []model.Entry{{Price: price, Qty: remainder, TS: now}}
	pos.Status = model.PositionOpen
	pos.OpenedAt = now
	pos.ClosedAt = nil
	pos.Recompute()
	if err := t.positions.Save(pos); err != nil {
		return Transition{}, jterr.Wrap(jterr.KindTransientIO, err)
	}
	return Transition{Kind: model.TransitionFlipped, Position: *pos, ClosedQty: closedQty, OrderQty: remainder, ExitPrice: price}, nil
}

// resolvePrice implements the §4.3 fallback chain: webhook price, then
// market data cache, then the position's last entry price, then NoPrice.
func (t *Tracker) resolvePrice(ticker string, signalPrice *decimal.Decimal, recorderID string) (decimal.Decimal, error) {
	if signalPrice != nil {
		return *signalPrice, nil
	}
	if price, ok := t.market.GetLastPrice(ticker); ok {
		return price, nil
	}
	if pos, err := t.positions.GetOpen(recorderID, ticker); err == nil && len(pos.Entries) > 0 {
		return pos.Entries[len(pos.Entries)-1].Price, nil
	}
	return decimal.Decimal{}, jterr.NoPrice
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
