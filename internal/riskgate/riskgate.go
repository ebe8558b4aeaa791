// Package riskgate is C4: an ordered chain of hard-block filters a signal
// must clear before it reaches execution. Structured as a sequence of
// named checks returning on the first rejection, the way the teacher's
// RiskGate.CanEnter walks its hard-block list (risk/gate.go) — generalized
// from balance/circuit-breaker checks to the per-recorder filter set in
// spec §4.4.
package riskgate

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// Request is what the intake pipeline asks the gate to approve.
type Request struct {
	Recorder model.Recorder
	Action   model.Action
	Now      time.Time
}

// Decision is the gate's verdict. Rejected requests carry a *jterr.Error
// with Kind KindFilterBlocked and FilterName set to the failing filter.
type Decision struct {
	Approved bool
	Err      *jterr.Error
}

// Gate evaluates the seven filters in a fixed order, so the first one that
// blocks is always the one reported — callers don't need to reason about
// which of several simultaneously-failing filters "really" caused the
// rejection.
type Gate struct {
	signals *store.SignalRepo
	trades  *store.TradeRepo
}

func New(signals *store.SignalRepo, trades *store.TradeRepo) *Gate {
	return &Gate{signals: signals, trades: trades}
}

// Evaluate runs the filter chain for req and returns the first rejection,
// or an approval if every filter passes.
func (g *Gate) Evaluate(req Request) Decision {
	if reject := g.checkDirection(req); reject != nil {
		return g.deny("direction", reject)
	}
	if reject := g.checkTimeWindows(req); reject != nil {
		return g.deny("time_window", reject)
	}
	if reject := g.checkCooldown(req); reject != nil {
		return g.deny("cooldown", reject)
	}
	if reject := g.checkMaxPerSession(req); reject != nil {
		return g.deny("max_per_session", reject)
	}
	if reject := g.checkMaxDailyLoss(req); reject != nil {
		return g.deny("max_daily_loss", reject)
	}
	if reject := g.checkMaxContracts(req); reject != nil {
		return g.deny("max_contracts", reject)
	}
	if reject := g.checkDelayN(req); reject != nil {
		return g.deny("delay_n", reject)
	}
	return Decision{Approved: true}
}

func (g *Gate) deny(filter string, reason error) Decision {
	log.Debug().Str("recorder", filter).Str("reason", reason.Error()).Msg("🚫 signal rejected by risk gate")
	return Decision{Approved: false, Err: jterr.FilterBlocked(filter, reason.Error())}
}

// 1. Direction: the recorder's AllowLong/AllowShort toggles.
func (g *Gate) checkDirection(req Request) error {
	f := req.Recorder.Filters
	if req.Action == model.ActionBuy && !f.AllowLong {
		return errBlocked("long entries disabled for this recorder")
	}
	if req.Action == model.ActionSell && !f.AllowShort {
		return errBlocked("short entries disabled for this recorder")
	}
	return nil
}

// 2. Time windows: up to two configured windows; the signal must fall
// inside at least one enabled window (in that window's own timezone).
func (g *Gate) checkTimeWindows(req Request) error {
	windows := req.Recorder.Filters.TimeWindows
	if len(windows) == 0 {
		return nil
	}
	for _, w := range windows {
		if !w.Enabled {
			continue
		}
		if inWindow(req.Now, w) {
			return nil
		}
	}
	return errBlocked("outside configured trading windows")
}

func inWindow(now time.Time, w model.TimeWindow) bool {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if len(w.DaysOfWeek) > 0 {
		matched := false
		for _, d := range w.DaysOfWeek {
			if local.Weekday() == d {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	start, err1 := time.ParseInLocation("15:04", w.StartHHMM, loc)
	end, err2 := time.ParseInLocation("15:04", w.EndHHMM, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	hhmm := time.Date(0, 1, 1, local.Hour(), local.Minute(), 0, 0, time.UTC)
	startHHMM := time.Date(0, 1, 1, start.Hour(), start.Minute(), 0, 0, time.UTC)
	endHHMM := time.Date(0, 1, 1, end.Hour(), end.Minute(), 0, 0, time.UTC)
	if endHHMM.Before(startHHMM) {
		// window wraps midnight
		return !hhmm.Before(startHHMM) || hhmm.Before(endHHMM)
	}
	return !hhmm.Before(startHHMM) && hhmm.Before(endHHMM)
}

// 3. Cooldown: minimum seconds since the recorder's last accepted signal.
func (g *Gate) checkCooldown(req Request) error {
	if req.Recorder.Filters.CooldownSeconds <= 0 {
		return nil
	}
	last, err := g.signals.LastAccepted(req.Recorder.ID)
	if err != nil {
		return nil // no prior signal, nothing to cool down from
	}
	elapsed := req.Now.Sub(last.ReceivedAt)
	cooldown := time.Duration(req.Recorder.Filters.CooldownSeconds) * time.Second
	if elapsed < cooldown {
		return errBlocked("cooldown active")
	}
	return nil
}

// 4. Max signals accepted per session (since the last session boundary,
// 17:00 America/Chicago — stdlib time math, no pack library improves on
// this).
func (g *Gate) checkMaxPerSession(req Request) error {
	if req.Recorder.Filters.MaxPerSession <= 0 {
		return nil
	}
	since := sessionStart(req.Now)
	count, err := g.signals.CountAccepted(req.Recorder.ID, since)
	if err != nil {
		return nil
	}
	if count >= int64(req.Recorder.Filters.MaxPerSession) {
		return errBlocked("max signals per session reached")
	}
	return nil
}

// sessionStart returns the most recent 17:00 America/Chicago boundary at or
// before now.
func sessionStart(now time.Time) time.Time {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), 17, 0, 0, 0, loc)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// 5. Max daily loss in USD, realized since the session boundary.
func (g *Gate) checkMaxDailyLoss(req Request) error {
	limit := req.Recorder.Filters.MaxDailyLossUSD
	if limit.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	trades, err := g.trades.ListRecent(500)
	if err != nil {
		return nil
	}
	since := sessionStart(req.Now)
	loss := decimal.Zero
	for _, t := range trades {
		if t.ClosedAt.Before(since) {
			continue
		}
		if t.PnLUSD.IsNegative() {
			loss = loss.Add(t.PnLUSD.Abs())
		}
	}
	if loss.GreaterThanOrEqual(limit) {
		return errBlocked("max daily loss reached")
	}
	return nil
}

// 6. Max contracts: caller supplies the size after sizing decisions are
// made elsewhere, so this filter only caps the recorder's own config.
func (g *Gate) checkMaxContracts(req Request) error {
	if req.Recorder.Filters.MaxContracts <= 0 {
		return nil
	}
	if req.Recorder.BaseQty.GreaterThan(decimal.NewFromInt(int64(req.Recorder.Filters.MaxContracts))) {
		return errBlocked("configured size exceeds max contracts")
	}
	return nil
}

// 7. Delay-N: only every Nth signal for this recorder is accepted — tuned
// by operators to thin out noisy strategies without disabling them.
func (g *Gate) checkDelayN(req Request) error {
	n := req.Recorder.Filters.DelayN
	if n <= 1 {
		return nil
	}
	since := sessionStart(req.Now)
	count, err := g.signals.CountAccepted(req.Recorder.ID, since)
	if err != nil {
		return nil
	}
	if (count+1)%int64(n) != 0 {
		return errBlocked("delay-n filter: waiting for every Nth signal")
	}
	return nil
}

type blockedError struct{ msg string }

func (e blockedError) Error() string { return e.msg }

func errBlocked(msg string) error { return blockedError{msg: msg} }
