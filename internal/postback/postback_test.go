package postback

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
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// fakeClient is a minimal broker.Client double: the position is already
// flat (the bracket fill that triggers the handler already closed it at the
// broker), so ListPositions/ListOrders report nothing outstanding and the
// exit FSM confirms flat on its first pass.
type fakeClient struct {
	canceled []string
}

func (f *fakeClient) PlaceMarket(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, tag string) (broker.Order, error) {
	return broker.Order{BrokerOrderID: tag, Status: model.OrderFilled}, nil
}
func (f *fakeClient) PlaceLimit(ctx context.Context, accountID, ticker string, action model.Action, qty, price decimal.Decimal, tag string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, price *decimal.Decimal, qty *decimal.Decimal) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	f.canceled = append(f.canceled, brokerOrderID)
	return nil
}
func (f *fakeClient) GetOrder(ctx context.Context, accountID, brokerOrderID string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) ListOrders(ctx context.Context, accountID string) ([]broker.Order, error) {
	return []broker.Order{{BrokerOrderID: "sibling-1", Ticker: "ES", Status: model.OrderWorking}}, nil
}
func (f *fakeClient) ListPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	return nil, nil
}
func (f *fakeClient) ContractFor(ctx context.Context, ticker string) (model.Contract, error) {
	return model.Contract{Symbol: ticker, TickSize: decimal.NewFromFloat(0.25), TickValue: decimal.NewFromFloat(12.5)}, nil
}

func newTestHandler(t *testing.T, client *fakeClient) (*Handler, *store.Store, *eventbus.Bus) {
	t.Helper()
	db, err := store.Open(":memory:", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Recorders.UpsertTrader(model.Trader{ID: "t1", RecorderID: "rec-1", AccountID: "acct-1", Enabled: true}))

	bus := eventbus.New()
	fsm := exitfsm.New(client, bus, time.Second, time.Second, time.Second)
	h := New(db.Orders, db.Positions, db.Trades, db.Recorders, client, fsm)
	return h, db, bus
}

func TestCloseBracketIfFilledClosesPositionAndRecordsTrade(t *testing.T) {
	client := &fakeClient{}
	h, db, _ := newTestHandler(t, client)

	entry := decimal.NewFromFloat(5000)
	pos := &model.VirtualPosition{
		RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
		TotalQty: decimal.NewFromInt(2), AvgEntryPrice: entry, Status: model.PositionOpen,
	}
	require.NoError(t, db.Positions.Save(pos))

	tpPrice := decimal.NewFromFloat(5010)
	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "tp-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleTP, Tag: "JT:acct-1:ES:rec-1:TP:1", Price: &tpPrice, Status: model.OrderWorking,
	}))

	h.closeBracketIfFilled(broker.Order{
		BrokerOrderID: "tp-1", Tag: "JT:acct-1:ES:rec-1:TP:1",
		Price: &tpPrice, Status: model.OrderFilled, UpdatedAt: time.Now(),
	})

	closed, err := db.Positions.GetOpen("rec-1", "ES")
	assert.Error(t, err) // no longer open
	assert.Nil(t, closed)

	trades, err := db.Trades.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnLUSD.GreaterThan(decimal.Zero))
}

func TestCloseBracketIfFilledTriggersExitFSM(t *testing.T) {
	client := &fakeClient{}
	h, db, bus := newTestHandler(t, client)
	confirmed := bus.Subscribe(eventbus.TopicExitConfirmed)

	entry := decimal.NewFromFloat(5000)
	pos := &model.VirtualPosition{
		RecorderID: "rec-1", Ticker: "ES", Side: model.SideLong,
		TotalQty: decimal.NewFromInt(1), AvgEntryPrice: entry, Status: model.PositionOpen,
	}
	require.NoError(t, db.Positions.Save(pos))

	slPrice := decimal.NewFromFloat(4990)
	require.NoError(t, db.Orders.Save(&model.BrokerOrder{
		BrokerOrderID: "sl-1", AccountID: "acct-1", Ticker: "ES",
		Role: model.RoleSL, Tag: "JT:acct-1:ES:rec-1:SL:1", Price: &slPrice, Status: model.OrderWorking,
	}))

	h.closeBracketIfFilled(broker.Order{
		BrokerOrderID: "sl-1", Tag: "JT:acct-1:ES:rec-1:SL:1",
		Price: &slPrice, Status: model.OrderFilled, UpdatedAt: time.Now(),
	})

	select {
	case evt := <-confirmed:
		state := evt.Payload.(model.ExitState)
		assert.Equal(t, model.ExitConfirmFlat, state.State)
	case <-time.After(time.Second):
		t.Fatal("expected exit.confirmed event after bracket fill")
	}
	assert.Contains(t, client.canceled, "sibling-1") // the other bracket leg, canceled by the exit FSM
}
