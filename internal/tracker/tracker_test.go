package tracker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := store.Open(":memory:", ":memory:")
	require.NoError(t, err)
	return New(db.Positions, marketdata.NewCache())
}

func price(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func TestApplyOpensFromFlat(t *testing.T) {
	tr := newTestTracker(t)
	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(2), price(100))
	require.NoError(t, err)
	require.Equal(t, model.TransitionOpened, transition.Kind)
	require.Equal(t, model.SideLong, transition.Position.Side)
	require.True(t, transition.Position.TotalQty.Equal(decimal.NewFromInt(2)))
}

func TestApplyDCAAddsSameDirection(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(2), price(100))
	require.NoError(t, err)

	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(1), price(110))
	require.NoError(t, err)
	require.Equal(t, model.TransitionDCA, transition.Kind)
	require.True(t, transition.Position.TotalQty.Equal(decimal.NewFromInt(3)))

	expectedAvg := decimal.NewFromFloat(310).Div(decimal.NewFromInt(3))
	require.True(t, transition.Position.AvgEntryPrice.Equal(expectedAvg))
}

func TestApplyOppositeSmallerQtyTrims(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(3), price(100))
	require.NoError(t, err)

	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionSell, decimal.NewFromInt(1), price(105))
	require.NoError(t, err)
	require.Equal(t, model.TransitionTrimmed, transition.Kind)
	require.True(t, transition.Position.TotalQty.Equal(decimal.NewFromInt(2)))
	require.Equal(t, model.SideLong, transition.Position.Side)
}

func TestApplyOppositeEqualQtyCloses(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(2), price(100))
	require.NoError(t, err)

	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionSell, decimal.NewFromInt(2), price(105))
	require.NoError(t, err)
	require.Equal(t, model.TransitionClosed, transition.Kind)
	require.Equal(t, model.SideFlat, transition.Position.Side)
	require.True(t, transition.ClosedQty.Equal(decimal.NewFromInt(2)))
}

func TestApplyOppositeLargerQtyFlips(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(2), price(100))
	require.NoError(t, err)

	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionSell, decimal.NewFromInt(5), price(105))
	require.NoError(t, err)
	require.Equal(t, model.TransitionFlipped, transition.Kind)
	require.Equal(t, model.SideShort, transition.Position.Side)
	require.True(t, transition.Position.TotalQty.Equal(decimal.NewFromInt(3)))
	require.True(t, transition.ClosedQty.Equal(decimal.NewFromInt(2)))
}

func TestApplyCloseOnFlatIsNoop(t *testing.T) {
	tr := newTestTracker(t)
	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionClose, decimal.NewFromInt(1), price(100))
	require.NoError(t, err)
	require.Equal(t, model.TransitionNoop, transition.Kind)
}

func TestApplyWithoutPriceFallsBackToMarketCache(t *testing.T) {
	db, err := store.Open(":memory:", ":memory:")
	require.NoError(t, err)
	cache := marketdata.NewCache()
	cache.Set("ES", decimal.NewFromFloat(4500))
	tr := New(db.Positions, cache)

	transition, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(1), nil)
	require.NoError(t, err)
	require.True(t, transition.Position.AvgEntryPrice.Equal(decimal.NewFromFloat(4500)))
}

func TestApplyWithoutPriceOrCacheReturnsNoPrice(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Apply(context.Background(), "rec-1", "ES", model.ActionBuy, decimal.NewFromInt(1), nil)
	require.Error(t, err)
}
