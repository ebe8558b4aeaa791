// Package exitfsm is C7: the explicit exit state machine. All exits go to
// MARKET orders only (P4) — once a position must come off, limit-order
// patience is no longer appropriate. A normal exit (close signal, flip,
// TP/SL fill) retries flatten+confirm up to maxExitAttempts times before
// giving up; the kill switch is the machine's own last resort and skips the
// retry loop entirely — one shot against a single hard budget, then KILL.
// Transition-table shape follows the teacher's explicit OrderState enum
// (execution/executor.go) generalized to the five states in spec §4.7.
package exitfsm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/model"
)

// maxExitAttempts bounds the WORKING_EXIT retry loop (§4.7).
const maxExitAttempts = 3

// Machine tracks one ExitState per (trader,ticker) key and drives it
// through IDLE -> PREPARE_EXIT -> WORKING_EXIT -> CONFIRM_FLAT, with KILL
// as the forced terminal state when a normal exit exhausts its retries, or
// when the kill switch's own flatten attempt fails outright.
type Machine struct {
	client             broker.Client
	bus                *eventbus.Bus
	workingExitTimeout time.Duration
	confirmTimeout     time.Duration
	killBudget         time.Duration
	pollInterval       time.Duration

	mu     sync.Mutex
	states map[string]*model.ExitState
}

func New(client broker.Client, bus *eventbus.Bus, workingExitTimeout, confirmTimeout, killBudget time.Duration) *Machine {
	return &Machine{
		client: client, bus: bus,
		workingExitTimeout: workingExitTimeout, confirmTimeout: confirmTimeout, killBudget: killBudget,
		pollInterval: 100 * time.Millisecond,
		states:       make(map[string]*model.ExitState),
	}
}

// StartExit begins flattening traderID's position in ticker for reason.
// Blocks until CONFIRM_FLAT or KILL — callers that want async behavior
// should run this in a goroutine themselves.
func (m *Machine) StartExit(ctx context.Context, accountID, traderID, ticker string, reason model.ExitReason) error {
	key := traderID + "|" + ticker
	state := &model.ExitState{TraderID: traderID, Ticker: ticker, State: model.ExitPrepareExit, Reason: reason}
	m.setState(key, state)
	m.bus.Publish(eventbus.TopicExitStarted, *state)

	if reason == model.ExitReasonKillSwitch {
		return m.forceFlatten(ctx, key, state, accountID, ticker)
	}
	return m.exitWithRetry(ctx, key, state, accountID, ticker)
}

// forceFlatten is the kill switch's own path: cancel, flatten, confirm once,
// all inside a single killBudget window. No retries — the kill switch is
// already the system's last resort, so there's nothing further to fall back
// to if this fails.
func (m *Machine) forceFlatten(ctx context.Context, key string, state *model.ExitState, accountID, ticker string) error {
	budgetCtx, cancel := context.WithTimeout(ctx, m.killBudget)
	defer cancel()

	if err := m.cancelWorkingOrders(budgetCtx, accountID, ticker); err != nil {
		log.Error().Err(err).Str("trader", state.TraderID).Str("ticker", ticker).Msg("⚠️ kill: bracket cancel failed, proceeding to flatten")
	}

	state.State = model.ExitWorkingExit
	m.setState(key, state)

	if err := m.flatten(budgetCtx, accountID, ticker); err != nil {
		return m.kill(key, state, err)
	}
	if err := m.confirmFlat(budgetCtx, accountID, ticker); err != nil {
		return m.kill(key, state, err)
	}

	state.State = model.ExitConfirmFlat
	m.setState(key, state)
	m.bus.Publish(eventbus.TopicExitConfirmed, *state)
	return nil
}

// exitWithRetry drives a normal (non-kill-switch) exit per §4.7: cancel
// brackets once, then retry flatten+confirm up to maxExitAttempts times
// (each bounded by workingExitTimeout), and finally confirm flat once more
// under confirmTimeout before declaring CONFIRM_FLAT. Any attempt left
// unresolved after the retry budget kills the position rather than leaving
// it in an unknown state.
func (m *Machine) exitWithRetry(ctx context.Context, key string, state *model.ExitState, accountID, ticker string) error {
	if err := m.cancelWorkingOrders(ctx, accountID, ticker); err != nil {
		log.Error().Err(err).Str("trader", state.TraderID).Str("ticker", ticker).Msg("⚠️ exit: bracket cancel failed, proceeding to flatten")
	}

	state.State = model.ExitWorkingExit
	m.setState(key, state)

	var lastErr error
	for attempt := 1; attempt <= maxExitAttempts; attempt++ {
		state.Attempt = attempt
		m.setState(key, state)

		lastErr = m.attemptFlatten(ctx, accountID, ticker)
		if lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).Str("trader", state.TraderID).Str("ticker", ticker).Int("attempt", attempt).
			Msg("🔁 exit attempt failed, retrying")
	}
	if lastErr != nil {
		return m.kill(key, state, lastErr)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, m.confirmTimeout)
	defer cancel()
	if err := m.confirmFlat(confirmCtx, accountID, ticker); err != nil {
		return m.kill(key, state, err)
	}

	state.State = model.ExitConfirmFlat
	m.setState(key, state)
	m.bus.Publish(eventbus.TopicExitConfirmed, *state)
	return nil
}

func (m *Machine) attemptFlatten(ctx context.Context, accountID, ticker string) error {
	workingCtx, cancel := context.WithTimeout(ctx, m.workingExitTimeout)
	defer cancel()
	if err := m.flatten(workingCtx, accountID, ticker); err != nil {
		return err
	}
	return m.confirmFlat(workingCtx, accountID, ticker)
}

func (m *Machine) cancelWorkingOrders(ctx context.Context, accountID, ticker string) error {
	orders, err := m.client.ListOrders(ctx, accountID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Ticker == ticker && o.Status.IsWorking() {
			if err := m.client.CancelOrder(ctx, accountID, o.BrokerOrderID); err != nil {
				return err
			}
		}
	}
	return nil
}

// flatten submits a market order sized to whatever the broker currently
// reports for ticker — the broker's own position, not the virtual one, is
// authoritative at exit time.
func (m *Machine) flatten(ctx context.Context, accountID, ticker string) error {
	positions, err := m.client.ListPositions(ctx, accountID)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Ticker != ticker || pos.Side == model.SideFlat || pos.Qty.IsZero() {
			continue
		}
		action := model.ActionSell
		if pos.Side == model.SideShort {
			action = model.ActionBuy
		}
		tag := broker.Tag(accountID, ticker, "exit", model.RoleEntry, 0)
		if _, err := m.client.PlaceMarket(ctx, accountID, ticker, action, pos.Qty, tag); err != nil {
			return err
		}
	}
	return nil
}

// confirmFlat polls the broker's reported position every pollInterval
// until it reads flat or the context's budget expires.
func (m *Machine) confirmFlat(ctx context.Context, accountID, ticker string) error {
	ticker2 := time.NewTicker(m.pollInterval)
	defer ticker2.Stop()
	for {
		positions, err := m.client.ListPositions(ctx, accountID)
		if err == nil {
			flat := true
			for _, pos := range positions {
				if pos.Ticker == ticker && !pos.Qty.IsZero() {
					flat = false
					break
				}
			}
			if flat {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker2.C:
		}
	}
}

func (m *Machine) kill(key string, state *model.ExitState, cause error) error {
	state.State = model.ExitKill
	m.setState(key, state)
	m.bus.Publish(eventbus.TopicExitKilled, *state)
	log.Error().Err(cause).Str("trader", state.TraderID).Str("ticker", state.Ticker).
		Msg("🔪 kill switch triggered — exit budget exceeded")
	return jterr.FlattenFailed
}

func (m *Machine) setState(key string, s *model.ExitState) {
	m.mu.Lock()
	m.states[key] = s
	m.mu.Unlock()
}

// State returns the current exit state for (traderID, ticker), or nil if
// none is in flight.
func (m *Machine) State(traderID, ticker string) *model.ExitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[traderID+"|"+ticker]
}
