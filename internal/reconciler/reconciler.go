// Package reconciler is C8: compares the engine's virtual positions against
// what the broker actually reports and corrects drift — closing a virtual
// position the broker shows flat, shrinking one the broker shows partially
// closed, auto-placing a TP the broker lost track of, and kill-switching
// one the broker shows on the opposite side. Startup recovery (load
// persisted positions, log what survived a crash) follows the teacher's
// Reconciler.RecoverPositions (execution/reconciler.go); the periodic sweep
// and its full corrective-action table are this engine's own addition,
// since the teacher never runs reconciliation outside startup.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/execution"
	"github.com/justtrades/engine/internal/exitfsm"
	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// avgDriftTickFraction is the threshold (0.1 tick) past which a
// matching-qty position's average price is flagged as drifted.
const avgDriftTickFraction = 0.1

// Reconciler periodically sweeps every trader's broker account and
// compares it against the tracker's virtual position.
type Reconciler struct {
	client    broker.Client
	positions *store.PositionRepo
	recorders *store.RecorderRepo
	market    *marketdata.Cache
	exec      *execution.Pipeline
	fsm       *exitfsm.Machine
	bus       *eventbus.Bus

	interval  time.Duration
	fullSweep time.Duration

	stopCh chan struct{}
}

func New(client broker.Client, positions *store.PositionRepo, recorders *store.RecorderRepo, market *marketdata.Cache, exec *execution.Pipeline, fsm *exitfsm.Machine, bus *eventbus.Bus, interval, fullSweep time.Duration) *Reconciler {
	return &Reconciler{
		client: client, positions: positions, recorders: recorders, market: market,
		exec: exec, fsm: fsm, bus: bus,
		interval: interval, fullSweep: fullSweep, stopCh: make(chan struct{}),
	}
}

// RecoverOnStartup logs every open virtual position found at boot — these
// survived a crash or restart and the reconciler's first sweep will
// validate each one against the broker within one interval. Also used as
// the slower full-audit pass, where "recovered" reads as "still open".
func (r *Reconciler) RecoverOnStartup() error {
	open, err := r.positions.ListOpen()
	if err != nil {
		log.Error().Err(err).Msg("❌ failed to load persisted positions")
		return err
	}
	if len(open) == 0 {
		log.Info().Msg("📦 no persisted positions to recover")
		return nil
	}
	log.Warn().Int("count", len(open)).Msg("⚠️ found persisted positions from previous session")
	for _, pos := range open {
		log.Warn().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
			Str("side", string(pos.Side)).Str("qty", pos.TotalQty.String()).
			Msg("📥 recovered virtual position")
	}
	return nil
}

// Start runs the periodic sweep loop in the background, plus a slower full
// audit pass that re-logs every open position regardless of whether it
// drifted — a cheap paper trail independent of the lightweight sweep.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		fullTicker := time.NewTicker(r.fullSweep)
		defer ticker.Stop()
		defer fullTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("❌ reconcile sweep failed")
				}
			case <-fullTicker.C:
				if err := r.RecoverOnStartup(); err != nil {
					log.Error().Err(err).Msg("❌ reconcile full audit failed")
				}
			}
		}
	}()
}

func (r *Reconciler) Stop() { close(r.stopCh) }

// Action describes one corrective step the sweep took or would take.
type Action struct {
	RecorderID string
	Ticker     string
	Kind       string
	Detail     string
}

// Sweep compares every open virtual position against the broker's reported
// position for the matching account, publishing one reconcile.action event
// per position so every comparison is auditable, not just its corrections —
// then sweeps for broker positions with no virtual position at all, which
// has no virtual position to key the main loop off of.
func (r *Reconciler) Sweep(ctx context.Context) error {
	open, err := r.positions.ListOpen()
	if err != nil {
		return err
	}

	recordersByID := make(map[string]model.Recorder)
	tradersByRecorder := make(map[string][]model.Trader)
	for _, pos := range open {
		recorder, ok := recordersByID[pos.RecorderID]
		if !ok {
			got, err := r.recorders.Get(pos.RecorderID)
			if err != nil {
				log.Error().Err(err).Str("recorder", pos.RecorderID).Msg("reconcile: recorder lookup failed")
				continue
			}
			recorder = *got
			recordersByID[pos.RecorderID] = recorder
		}

		traders, ok := tradersByRecorder[pos.RecorderID]
		if !ok {
			traders, err = r.recorders.TradersFor(pos.RecorderID)
			if err != nil {
				log.Error().Err(err).Str("recorder", pos.RecorderID).Msg("reconcile: trader lookup failed")
				continue
			}
			tradersByRecorder[pos.RecorderID] = traders
		}

		for _, trader := range traders {
			action := r.reconcileOne(ctx, trader, recorder, pos)
			r.bus.Publish(eventbus.TopicReconcileAction, action)
		}
	}

	if err := r.sweepOrphanBrokerPositions(ctx); err != nil {
		log.Error().Err(err).Msg("❌ reconcile orphan sweep failed")
	}
	return nil
}

// reconcileOne implements the per-position corrective-action table for one
// (trader, virtual position) pair, comparing it against whatever the broker
// currently reports for that ticker:
//
//	broker flat                     -> closeManual (manual_broker_close)
//	broker opposite side            -> killInconsistent (kill-switch)
//	broker qty < virtual qty        -> shrinkPartial (FIFO shrink + TP resize)
//	broker qty > virtual qty        -> logged as orphan excess, no auto-adjust
//	broker qty == virtual qty       -> checkInSync (drift check + TP ensure)
func (r *Reconciler) reconcileOne(ctx context.Context, trader model.Trader, recorder model.Recorder, pos model.VirtualPosition) Action {
	brokerPositions, err := r.client.ListPositions(ctx, trader.AccountID)
	if err != nil {
		return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "sweep_error", Detail: err.Error()}
	}

	var match *broker.Position
	for i := range brokerPositions {
		if brokerPositions[i].Ticker == pos.Ticker {
			match = &brokerPositions[i]
			break
		}
	}

	switch {
	case match == nil || match.Qty.IsZero():
		return r.closeManual(ctx, trader, pos)

	case match.Side != pos.Side:
		return r.killInconsistent(ctx, trader, pos)

	case match.Qty.LessThan(pos.TotalQty):
		return r.shrinkPartial(ctx, trader, pos, match.Qty)

	case match.Qty.GreaterThan(pos.TotalQty):
		log.Warn().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
			Str("virtual_qty", pos.TotalQty.String()).Str("broker_qty", match.Qty.String()).
			Msg("⚠️ reconcile: broker reports more size than the virtual position — orphan entries, not auto-adjusting")
		return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "orphan_excess",
			Detail: "virtual=" + pos.TotalQty.String() + " broker=" + match.Qty.String()}

	default:
		return r.checkInSync(ctx, trader, recorder, pos, *match)
	}
}

// closeManual handles the broker-flat case: the position closed at the
// broker without an engine-tracked exit (a human flattened it, or a
// postback was missed). Exit price falls back to the last-known market
// price since there's no fill to read one from.
func (r *Reconciler) closeManual(ctx context.Context, trader model.Trader, pos model.VirtualPosition) Action {
	log.Warn().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
		Msg("⚠️ reconcile: broker reports flat but virtual position is open — treating as manual close")

	exitPrice := pos.AvgEntryPrice
	if last, ok := r.market.GetLastPrice(pos.Ticker); ok {
		exitPrice = last
	}
	now := time.Now()
	pos.Status = model.PositionClosed
	pos.ExitReason = model.ExitReasonManualClose
	pos.ExitPrice = exitPrice
	pos.ClosedAt = &now
	if err := r.positions.Save(&pos); err != nil {
		log.Error().Err(err).Msg("reconcile: failed to persist manual-close flatten")
	}
	if err := r.exec.CancelBrackets(ctx, trader, pos.Ticker); err != nil {
		log.Error().Err(err).Str("ticker", pos.Ticker).Msg("reconcile: failed to cancel lingering brackets")
	}
	return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "closed_virtual",
		Detail: "broker flat, treated as manual_broker_close at " + exitPrice.String()}
}

// killInconsistent handles the opposite-side case: the broker's reported
// side contradicts the signal history the virtual position was built from.
// That's the one scenario the exit FSM's kill-switch path exists for — a
// single forced flatten attempt, no retries.
func (r *Reconciler) killInconsistent(ctx context.Context, trader model.Trader, pos model.VirtualPosition) Action {
	log.Error().Err(jterr.Inconsistent).Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
		Str("virtual_side", string(pos.Side)).Msg("🔪 reconcile: broker reports opposite side, arming kill-switch")
	if err := r.fsm.StartExit(ctx, trader.AccountID, trader.ID, pos.Ticker, model.ExitReasonKillSwitch); err != nil {
		log.Error().Err(err).Str("ticker", pos.Ticker).Msg("reconcile: kill-switch flatten failed")
	}
	return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "killed_inconsistent",
		Detail: "broker side contradicts virtual position"}
}

// shrinkPartial handles the partial-close case: the broker shows less size
// than the virtual position tracks. Entries shrink FIFO (oldest lots close
// first) to match, and the working TP is resized to the new qty in place.
func (r *Reconciler) shrinkPartial(ctx context.Context, trader model.Trader, pos model.VirtualPosition, brokerQty decimal.Decimal) Action {
	log.Warn().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
		Str("virtual_qty", pos.TotalQty.String()).Str("broker_qty", brokerQty.String()).
		Msg("⚠️ reconcile: broker shows a partial close, shrinking virtual position")

	pos.Entries = shrinkEntriesFIFO(pos.Entries, brokerQty)
	pos.Recompute()
	if err := r.positions.Save(&pos); err != nil {
		log.Error().Err(err).Msg("reconcile: failed to persist partial-close shrink")
	}
	if err := r.exec.ResizeTP(ctx, trader, pos.Ticker, brokerQty); err != nil {
		log.Error().Err(err).Str("ticker", pos.Ticker).Msg("reconcile: failed to resize TP after partial close")
	}
	return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "partial_close_shrunk",
		Detail: "virtual shrunk to broker qty " + brokerQty.String()}
}

// checkInSync handles the matching-qty case: optionally flags average-price
// drift past 0.1 tick (informational only), then makes sure a working TP
// actually exists at the broker — an engine-placed TP can go missing
// without a postback ever reaching this process.
func (r *Reconciler) checkInSync(ctx context.Context, trader model.Trader, recorder model.Recorder, pos model.VirtualPosition, match broker.Position) Action {
	if contract, err := r.client.ContractFor(ctx, pos.Ticker); err == nil && !contract.TickSize.IsZero() {
		drift := match.AvgPrice.Sub(pos.AvgEntryPrice).Abs()
		threshold := contract.TickSize.Mul(decimal.NewFromFloat(avgDriftTickFraction))
		if drift.GreaterThan(threshold) {
			log.Warn().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).
				Str("virtual_avg", pos.AvgEntryPrice.String()).Str("broker_avg", match.AvgPrice.String()).
				Msg("⚠️ reconcile: average price drifted past 0.1 tick")
		}
	}

	placed, err := r.exec.EnsureTP(ctx, trader, recorder, pos)
	if err != nil {
		log.Error().Err(err).Str("ticker", pos.Ticker).Msg("reconcile: failed to auto-place missing TP")
		return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "tp_ensure_failed", Detail: err.Error()}
	}
	if placed {
		log.Info().Str("recorder", pos.RecorderID).Str("ticker", pos.Ticker).Msg("🎯 reconcile: auto-placed a missing TP")
		return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "tp_auto_placed"}
	}
	return Action{RecorderID: pos.RecorderID, Ticker: pos.Ticker, Kind: "in_sync"}
}

// sweepOrphanBrokerPositions catches a broker position with no virtual
// position behind it at all. This has no open VirtualPosition to anchor a
// per-position sweep on, so it walks every enabled trader directly instead.
func (r *Reconciler) sweepOrphanBrokerPositions(ctx context.Context) error {
	traders, err := r.recorders.AllTraders()
	if err != nil {
		return err
	}
	for _, trader := range traders {
		recorder, err := r.recorders.Get(trader.RecorderID)
		if err != nil {
			continue
		}
		brokerPositions, err := r.client.ListPositions(ctx, trader.AccountID)
		if err != nil {
			log.Error().Err(err).Str("account", trader.AccountID).Msg("reconcile: orphan sweep position list failed")
			continue
		}
		for _, bp := range brokerPositions {
			if bp.Qty.IsZero() {
				continue
			}
			if _, err := r.positions.GetOpen(recorder.ID, bp.Ticker); err == nil {
				continue // already tracked by the main sweep
			}
			log.Error().Str("account", trader.AccountID).Str("ticker", bp.Ticker).Str("qty", bp.Qty.String()).
				Msg("🚨 reconcile: broker position has no matching virtual position — not trading against it")
			r.bus.Publish(eventbus.TopicReconcileAction, Action{
				RecorderID: recorder.ID, Ticker: bp.Ticker, Kind: "orphan_broker_position",
				Detail: "broker qty=" + bp.Qty.String() + " with no virtual position",
			})
		}
	}
	return nil
}

// shrinkEntriesFIFO drops qty from the front (oldest) of entries until the
// total matches target, splitting the boundary entry if target falls
// inside it. entries already summing to target (or less) pass through
// unchanged — this only ever shrinks.
func shrinkEntriesFIFO(entries []model.Entry, target decimal.Decimal) []model.Entry {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Qty)
	}
	excess := total.Sub(target)
	if excess.LessThanOrEqual(decimal.Zero) {
		return entries
	}

	out := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if excess.IsZero() {
			out = append(out, e)
			continue
		}
		if e.Qty.LessThanOrEqual(excess) {
			excess = excess.Sub(e.Qty)
			continue
		}
		e.Qty = e.Qty.Sub(excess)
		excess = decimal.Zero
		out = append(out, e)
	}
	return out
}
