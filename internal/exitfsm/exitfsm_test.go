package exitfsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/model"
)

// fakeClient is a minimal broker.Client test double. Only the methods the
// exit FSM calls (ListOrders, CancelOrder, ListPositions, PlaceMarket) do
// anything interesting; the rest are unused by this package.
type fakeClient struct {
	workingOrders []broker.Order
	positions     []broker.Position
	flattenAfter  int // ListPositions calls after which the position goes flat
	calls         int
	placeErr      error
}

func (f *fakeClient) PlaceMarket(ctx context.Context, accountID, ticker string, action model.Action, qty decimal.Decimal, tag string) (broker.Order, error) {
	if f.placeErr != nil {
		return broker.Order{}, f.placeErr
	}
	return broker.Order{BrokerOrderID: "flatten-1", Status: model.OrderFilled}, nil
}
func (f *fakeClient) PlaceLimit(ctx context.Context, accountID, ticker string, action model.Action, qty, price decimal.Decimal, tag string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, price *decimal.Decimal, qty *decimal.Decimal) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	return nil
}
func (f *fakeClient) GetOrder(ctx context.Context, accountID, brokerOrderID string) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeClient) ListOrders(ctx context.Context, accountID string) ([]broker.Order, error) {
	return f.workingOrders, nil
}
func (f *fakeClient) ListPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	f.calls++
	if f.flattenAfter > 0 && f.calls > f.flattenAfter {
		return nil, nil
	}
	return f.positions, nil
}
func (f *fakeClient) ContractFor(ctx context.Context, ticker string) (model.Contract, error) {
	return model.Contract{}, nil
}

func TestStartExitConfirmsFlatWithinBudget(t *testing.T) {
	client := &fakeClient{
		positions:    []broker.Position{{AccountID: "acct-1", Ticker: "ES", Side: model.SideLong, Qty: decimal.NewFromInt(2)}},
		flattenAfter: 1,
	}
	bus := eventbus.New()
	confirmed := bus.Subscribe(eventbus.TopicExitConfirmed)

	m := New(client, bus, time.Second, time.Second, 2*time.Second)
	err := m.StartExit(context.Background(), "acct-1", "trader-1", "ES", model.ExitReasonCloseSignal)
	require.NoError(t, err)

	select {
	case evt := <-confirmed:
		state := evt.Payload.(model.ExitState)
		assert.Equal(t, model.ExitConfirmFlat, state.State)
	case <-time.After(time.Second):
		t.Fatal("expected exit.confirmed event")
	}
}

func TestStartExitKillsWhenFlattenFails(t *testing.T) {
	client := &fakeClient{
		positions: []broker.Position{{AccountID: "acct-1", Ticker: "ES", Side: model.SideLong, Qty: decimal.NewFromInt(2)}},
		placeErr:  errors.New("broker rejected order"),
	}
	bus := eventbus.New()
	killed := bus.Subscribe(eventbus.TopicExitKilled)

	m := New(client, bus, time.Second, time.Second, 200*time.Millisecond)
	err := m.StartExit(context.Background(), "acct-1", "trader-1", "ES", model.ExitReasonKillSwitch)
	require.Error(t, err)

	select {
	case evt := <-killed:
		state := evt.Payload.(model.ExitState)
		assert.Equal(t, model.ExitKill, state.State)
	case <-time.After(time.Second):
		t.Fatal("expected exit.killed event")
	}
}

func TestStateReturnsNilBeforeAnyExit(t *testing.T) {
	m := New(&fakeClient{}, eventbus.New(), time.Second, time.Second, time.Second)
	assert.Nil(t, m.State("trader-x", "ES"))
}
