package riskgate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	db, err := store.Open(":memory:", ":memory:")
	require.NoError(t, err)
	return New(db.Signals, db.Trades)
}

func baseRecorder() model.Recorder {
	return model.Recorder{
		ID: "rec-1",
		Filters: model.FilterConfig{
			AllowLong:  true,
			AllowShort: true,
		},
		BaseQty: decimal.NewFromInt(2),
	}
}

func TestEvaluateApprovesWithNoFiltersConfigured(t *testing.T) {
	g := newTestGate(t)
	decision := g.Evaluate(Request{Recorder: baseRecorder(), Action: model.ActionBuy, Now: time.Now()})
	require.True(t, decision.Approved)
}

func TestEvaluateBlocksDisallowedDirection(t *testing.T) {
	g := newTestGate(t)
	rec := baseRecorder()
	rec.Filters.AllowLong = false

	decision := g.Evaluate(Request{Recorder: rec, Action: model.ActionBuy, Now: time.Now()})
	require.False(t, decision.Approved)
	require.Equal(t, "direction", decision.Err.FilterName)
}

func TestEvaluateBlocksOutsideMaxContracts(t *testing.T) {
	g := newTestGate(t)
	rec := baseRecorder()
	rec.Filters.MaxContracts = 1 // BaseQty is 2, over the cap

	decision := g.Evaluate(Request{Recorder: rec, Action: model.ActionBuy, Now: time.Now()})
	require.False(t, decision.Approved)
	require.Equal(t, "max_contracts", decision.Err.FilterName)
}

func TestInWindowHandlesMidnightWrap(t *testing.T) {
	w := model.TimeWindow{Enabled: true, Timezone: "UTC", StartHHMM: "22:00", EndHHMM: "02:00"}

	late := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	early := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)
	outside := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, inWindow(late, w))
	require.True(t, inWindow(early, w))
	require.False(t, inWindow(outside, w))
}

func TestInWindowRespectsDayOfWeek(t *testing.T) {
	w := model.TimeWindow{
		Enabled:    true,
		Timezone:   "UTC",
		StartHHMM:  "00:00",
		EndHHMM:    "23:59",
		DaysOfWeek: []time.Weekday{time.Monday},
	}
	monday := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC) // a Monday
	tuesday := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

	require.True(t, inWindow(monday, w))
	require.False(t, inWindow(tuesday, w))
}

func TestSessionStartRollsBackToPriorDayBeforeBoundary(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	before := time.Date(2026, 3, 10, 10, 0, 0, 0, loc) // before 17:00
	got := sessionStart(before)
	require.Equal(t, 9, got.Day())
	require.Equal(t, 17, got.Hour())

	after := time.Date(2026, 3, 10, 18, 0, 0, 0, loc) // after 17:00
	got2 := sessionStart(after)
	require.Equal(t, 10, got2.Day())
}
