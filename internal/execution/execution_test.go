package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/exitfsm"
	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
	"github.com/justtrades/engine/internal/tracker"
)

type fakeBroker struct {
	placed   []broker.Order
	modified []broker.Order
	canceled []string
	contract model.Contract
	nextID   int
}

func (f *fakeBroker) PlaceMarket(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, tag string) (broker.Order, error) {
	return f.place(tag, qty, nil)
}
func (f *fakeBroker) PlaceLimit(ctx context.Context, accountID, ticker string, action model.Action, qty, price decimal.Decimal, tag string) (broker.Order, error) {
	return f.place(tag, qty, &price)
}
func (f *fakeBroker) place(tag string, qty decimal.Decimal, price *decimal.Decimal) (broker.Order, error) {
	f.nextID++
	o := broker.Order{BrokerOrderID: tag, Tag: tag, Qty: qty, Price: price, Status: model.OrderWorking}
	f.placed = append(f.placed, o)
	return o, nil
}
func (f *fakeBroker) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, price *decimal.Decimal, qty *decimal.Decimal) (broker.Order, error) {
	o := broker.Order{BrokerOrderID: brokerOrderID, Status: model.OrderWorking}
	if price != nil {
		o.Price = price
	}
	if qty != nil {
		o.Qty = *qty
	}
	f.modified = append(f.modified, o)
	return o, nil
}
func (f *fakeBroker) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	f.canceled = append(f.canceled, brokerOrderID)
	return nil
}
func (f *fakeBroker) GetOrder(ctx context.Context, accountID, brokerOrderID string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeBroker) ListOrders(ctx context.Context, accountID string) ([]broker.Order, error) {
	return nil, nil
}
func (f *fakeBroker) ListPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	return nil, nil
}
func (f *fakeBroker) ContractFor(ctx context.Context, ticker string) (model.Contract, error) {
	return f.contract, nil
}

func newTestPipeline(t *testing.T, client *fakeBroker) (*Pipeline, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:", ":memory:")
	require.NoError(t, err)
	bus := eventbus.New()
	fsm := exitfsm.New(client, bus, time.Second, time.Second, time.Second)
	return New(client, db.Orders, marketdata.NewCache(), fsm, bus), db
}

func testContract() model.Contract {
	return model.Contract{Symbol: "ES", TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(12.5)}
}

func TestApplyTransitionOpenedPlacesEntryAndBrackets(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, _ := newTestPipeline(t, client)

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	recorder := model.Recorder{ID: "rec-1", BaseQty: decimal.NewFromInt(2), TPTicks: 8, SLEnabled: true, SLTicks: 4}
	transition := tracker.Transition{
		Kind: model.TransitionOpened,
		Position: model.VirtualPosition{
			RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
			TotalQty: decimal.NewFromInt(2), AvgEntryPrice: decimal.NewFromFloat(5000),
		},
		OrderQty: decimal.NewFromInt(2),
	}

	err := pipeline.ApplyTransition(context.Background(), trader, recorder, transition)
	require.NoError(t, err)

	require.Len(t, client.placed, 3) // entry + TP + SL
	assert.Equal(t, "JT:acct-1:ES:rec-1:ENTRY:1", client.placed[0].Tag)
	assert.Equal(t, "JT:acct-1:ES:rec-1:TP:1", client.placed[1].Tag)
	assert.Equal(t, "JT:acct-1:ES:rec-1:SL:1", client.placed[2].Tag)
}

func TestApplyTransitionOpenedSkipsSLWhenDisabled(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, _ := newTestPipeline(t, client)

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	recorder := model.Recorder{ID: "rec-1", BaseQty: decimal.NewFromInt(1), TPTicks: 8, SLEnabled: false}
	transition := tracker.Transition{
		Kind: model.TransitionOpened,
		Position: model.VirtualPosition{
			RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
			TotalQty: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromFloat(5000),
		},
		OrderQty: decimal.NewFromInt(1),
	}

	err := pipeline.ApplyTransition(context.Background(), trader, recorder, transition)
	require.NoError(t, err)
	require.Len(t, client.placed, 2) // entry + TP only
}

func TestApplyTransitionClosedCancelsBrackets(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, db := newTestPipeline(t, client)

	tpPrice := decimal.NewFromFloat(5010)
	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "tp-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleTP, Tag: "JT:acct-1:ES:rec-1:TP:1", Price: &tpPrice, Status: model.OrderWorking, Seq: 1,
	}))

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	transition := tracker.Transition{Kind: model.TransitionClosed, Position: model.VirtualPosition{Ticker: "ES"}}

	err := pipeline.ApplyTransition(context.Background(), trader, model.Recorder{}, transition)
	require.NoError(t, err)
	assert.Contains(t, client.canceled, "tp-1")
}

func TestApplyTransitionDCAAddsEntryAndUpdatesBracket(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, db := newTestPipeline(t, client)

	tpPrice := decimal.NewFromFloat(5010)
	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "tp-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleTP, Tag: "JT:acct-1:ES:rec-1:TP:1", Price: &tpPrice, Status: model.OrderWorking, Seq: 1,
	}))
	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "entry-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleEntry, Tag: "JT:acct-1:ES:rec-1:ENTRY:1", Status: model.OrderFilled, Seq: 1,
	}))

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	recorder := model.Recorder{ID: "rec-1", AddQty: decimal.NewFromInt(1), TPTicks: 8}
	transition := tracker.Transition{
		Kind: model.TransitionDCA,
		Position: model.VirtualPosition{
			RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
			TotalQty: decimal.NewFromInt(3), AvgEntryPrice: decimal.NewFromFloat(5000),
		},
		OrderQty: decimal.NewFromInt(1),
	}

	err := pipeline.ApplyTransition(context.Background(), trader, recorder, transition)
	require.NoError(t, err)

	require.Len(t, client.placed, 1) // just the add; bracket is a modify, not a place
	assert.Equal(t, "JT:acct-1:ES:rec-1:ENTRY:2", client.placed[0].Tag)
	assert.True(t, client.placed[0].Qty.Equal(decimal.NewFromInt(1)))

	require.Len(t, client.modified, 1)
	assert.Equal(t, "tp-1", client.modified[0].BrokerOrderID)
}

func TestApplyTransitionTrimmedPlacesReduceOrder(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, db := newTestPipeline(t, client)

	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "entry-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleEntry, Tag: "JT:acct-1:ES:rec-1:ENTRY:1", Status: model.OrderFilled, Seq: 1,
	}))

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	recorder := model.Recorder{ID: "rec-1", TPTicks: 8}
	transition := tracker.Transition{
		Kind: model.TransitionTrimmed,
		Position: model.VirtualPosition{
			RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
			TotalQty: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromFloat(5000),
		},
		OrderQty: decimal.NewFromInt(1),
	}

	err := pipeline.ApplyTransition(context.Background(), trader, recorder, transition)
	require.NoError(t, err)

	require.Len(t, client.placed, 1)
	assert.Equal(t, "JT:acct-1:ES:rec-1:ENTRY:1", client.placed[0].Tag) // trim stays on entry's current generation
	assert.True(t, client.placed[0].Qty.Equal(decimal.NewFromInt(1)))
}

func TestApplyTransitionFlippedPlacesTwoLegsAndFreshBrackets(t *testing.T) {
	client := &fakeBroker{contract: testContract()}
	pipeline, db := newTestPipeline(t, client)

	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "entry-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleEntry, Tag: "JT:acct-1:ES:rec-1:ENTRY:1", Status: model.OrderFilled, Seq: 1,
	}))

	trader := model.Trader{ID: "t1", AccountID: "acct-1", RecorderID: "rec-1"}
	recorder := model.Recorder{ID: "rec-1", BaseQty: decimal.NewFromInt(1), TPTicks: 8, SLEnabled: false}
	transition := tracker.Transition{
		Kind: model.TransitionFlipped,
		Position: model.VirtualPosition{
			RecorderID: "rec-1", Ticker: "ES", Side: model.SideShort,
			TotalQty: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromFloat(5000),
		},
		ClosedQty: decimal.NewFromInt(1),
		OrderQty:  decimal.NewFromInt(1),
	}

	err := pipeline.ApplyTransition(context.Background(), trader, recorder, transition)
	require.NoError(t, err)

	require.Len(t, client.placed, 3) // close-old-side leg + new entry + TP
	assert.Equal(t, "JT:acct-1:ES:rec-1:ENTRY:1", client.placed[0].Tag) // closes the old long at its own generation
	assert.Equal(t, "JT:acct-1:ES:rec-1:ENTRY:2", client.placed[1].Tag) // new short entry, fresh generation
	assert.Equal(t, "JT:acct-1:ES:rec-1:TP:1", client.placed[2].Tag)    // brand new bracket, first of its own generation
}

func TestTPBeyondMarketRequiresOneTickOfRoom(t *testing.T) {
	tick := decimal.NewFromFloat(0.25)

	assert.True(t, tpBeyondMarket(model.SideLong, decimal.NewFromFloat(5001), decimal.NewFromFloat(5000), tick))
	assert.False(t, tpBeyondMarket(model.SideLong, decimal.NewFromFloat(5000), decimal.NewFromFloat(5000), tick))
	assert.True(t, tpBeyondMarket(model.SideShort, decimal.NewFromFloat(4999), decimal.NewFromFloat(5000), tick))
	assert.False(t, tpBeyondMarket(model.SideShort, decimal.NewFromFloat(5000.1), decimal.NewFromFloat(5000), tick))
}

func TestOffsetPriceDirectionForLongAndShort(t *testing.T) {
	entry := decimal.NewFromFloat(5000)
	tick := decimal.NewFromFloat(0.25)

	assert.True(t, offsetPrice(model.SideLong, entry, tick, 4, true).Equal(decimal.NewFromFloat(5001)))
	assert.True(t, offsetPrice(model.SideLong, entry, tick, 4, false).Equal(decimal.NewFromFloat(4999)))
	assert.True(t, offsetPrice(model.SideShort, entry, tick, 4, true).Equal(decimal.NewFromFloat(4999)))
	assert.True(t, offsetPrice(model.SideShort, entry, tick, 4, false).Equal(decimal.NewFromFloat(5001)))
}
