package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusIsTerminal(t *testing.T) {
	cases := []struct {
		status   OrderStatus
		terminal bool
	}{
		{OrderWorking, false},
		{OrderNew, false},
		{OrderPendingNew, false},
		{OrderFilled, true},
		{OrderCanceled, true},
		{OrderRejected, true},
		{OrderExpired, true},
		{"bogus", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.terminal, c.status.IsTerminal(), "status=%s", c.status)
		assert.Equal(t, !c.terminal, c.status.IsWorking())
	}
}

func TestNormalizeOrderStatusSpellingVariants(t *testing.T) {
	assert.Equal(t, OrderCanceled, NormalizeOrderStatus("Canceled"))
	assert.Equal(t, OrderCanceled, NormalizeOrderStatus("Cancelled"))
	assert.Equal(t, OrderCanceled, NormalizeOrderStatus("CANCELLED"))
	assert.Equal(t, OrderWorking, NormalizeOrderStatus("working"))
	assert.Equal(t, OrderPendingNew, NormalizeOrderStatus("pending_new"))
}

func TestVirtualPositionRecomputeVWAP(t *testing.T) {
	pos := VirtualPosition{
		Entries: []Entry{
			{Price: decimal.NewFromFloat(100), Qty: decimal.NewFromInt(2)},
			{Price: decimal.NewFromFloat(110), Qty: decimal.NewFromInt(1)},
		},
	}
	pos.Recompute()

	require.True(t, pos.TotalQty.Equal(decimal.NewFromInt(3)))
	expectedAvg := decimal.NewFromFloat(310).Div(decimal.NewFromInt(3))
	assert.True(t, pos.AvgEntryPrice.Equal(expectedAvg))
}

func TestVirtualPositionRecomputeGoesFlatWhenEmpty(t *testing.T) {
	pos := VirtualPosition{Side: SideLong, Status: PositionOpen, Entries: nil}
	pos.Recompute()

	assert.Equal(t, SideFlat, pos.Side)
	assert.Equal(t, PositionClosed, pos.Status)
	assert.True(t, pos.TotalQty.IsZero())
	assert.Nil(t, pos.Entries)
}

func TestPnLUSDLongAndShort(t *testing.T) {
	contract := Contract{TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(12.50)}

	longPnL := PnLUSD(SideLong, decimal.NewFromFloat(100), decimal.NewFromFloat(101), decimal.NewFromInt(2), contract)
	assert.True(t, longPnL.Equal(decimal.NewFromFloat(100)), "got %s", longPnL)

	shortPnL := PnLUSD(SideShort, decimal.NewFromFloat(100), decimal.NewFromFloat(99), decimal.NewFromInt(2), contract)
	assert.True(t, shortPnL.Equal(decimal.NewFromFloat(100)), "got %s", shortPnL)
}

func TestVirtualPositionKey(t *testing.T) {
	pos := VirtualPosition{RecorderID: "r1", Ticker: "ES"}
	assert.Equal(t, "r1|ES", pos.Key())
}

func TestExitStateKey(t *testing.T) {
	e := ExitState{TraderID: "t1", Ticker: "NQ", Deadline: time.Now()}
	assert.Equal(t, "t1|NQ", e.Key())
}
