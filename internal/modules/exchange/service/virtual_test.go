package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croupier_bot/internal/models"
)

func drainUpdate(t *testing.T, v *VirtualConnector) OrderUpdate {
	t.Helper()
	select {
	case u := <-v.Updates():
		return u
	case <-time.After(time.Second):
		t.Fatal("no order update")
		return OrderUpdate{}
	}
}

func TestVirtualMainOrderFillsInstantly(t *testing.T) {
	v := NewVirtualConnector(10000)
	v.SetPrice("BTC-USDT-SWAP", 50000)

	o, err := models.NewOrder("BTC-USDT-SWAP", models.OrderKindMain, models.SideLong, 0, 0.1, models.ExecModeLive)
	require.NoError(t, err)
	res, err := v.ExecuteOrder(context.Background(), o)
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)

	u := drainUpdate(t, v)
	assert.Equal(t, res.ID, u.OrderID)
	assert.Equal(t, models.OrderStatusFilled, u.Status)
	assert.Equal(t, 50000.0, u.Price)

	pos, err := v.FetchPositions(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 0.1, pos[0].Size)

	bal, err := v.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000-0.1*50000, bal.Available, 1e-9)
}

func TestVirtualConditionalLegTriggersOnPrice(t *testing.T) {
	v := NewVirtualConnector(10000)
	v.SetPrice("BTC-USDT-SWAP", 50000)

	tp, err := models.NewOrder("BTC-USDT-SWAP", models.OrderKindTakeProfit, models.SideLong, 50500, 0.1, models.ExecModeGhost)
	require.NoError(t, err)
	res, err := v.ExecuteOrder(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOpen, res.Status)

	v.SetPrice("BTC-USDT-SWAP", 50400) // below trigger, nothing happens
	select {
	case u := <-v.Updates():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(20 * time.Millisecond):
	}

	v.SetPrice("BTC-USDT-SWAP", 50600)
	u := drainUpdate(t, v)
	assert.Equal(t, res.ID, u.OrderID)
	assert.Equal(t, models.OrderStatusFilled, u.Status)

	// the leg is off the book now
	open, err := v.FetchOpenOrders(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestVirtualGhostFillsNeverTouchBalance(t *testing.T) {
	v := NewVirtualConnector(10000)
	v.SetPrice("ETH-USDT-SWAP", 3000)

	o, err := models.NewOrder("ETH-USDT-SWAP", models.OrderKindMain, models.SideLong, 0, 1, models.ExecModeGhost)
	require.NoError(t, err)
	_, err = v.ExecuteOrder(context.Background(), o)
	require.NoError(t, err)
	drainUpdate(t, v)

	bal, err := v.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, bal.Available)

	pos, err := v.FetchPositions(context.Background(), "ETH-USDT-SWAP")
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestVirtualRejectsOrderWithoutPrice(t *testing.T) {
	v := NewVirtualConnector(10000)
	o, err := models.NewOrder("NOPRICE-SWAP", models.OrderKindMain, models.SideLong, 0, 1, models.ExecModeGhost)
	require.NoError(t, err)

	_, err = v.ExecuteOrder(context.Background(), o)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestVirtualFailNext(t *testing.T) {
	v := NewVirtualConnector(10000)
	v.SetPrice("X", 1)
	v.FailNext(2, &NetworkError{Err: errors.New("conn reset")})

	_, err := v.FetchBalance(context.Background())
	assert.Error(t, err)
	_, err = v.GetCurrentPrice(context.Background(), "X")
	assert.Error(t, err)

	px, err := v.GetCurrentPrice(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 1.0, px)
}

func TestVirtualClosePositionRealizesPnl(t *testing.T) {
	v := NewVirtualConnector(10000)
	v.SetPrice("BTC-USDT-SWAP", 50000)

	o, err := models.NewOrder("BTC-USDT-SWAP", models.OrderKindMain, models.SideLong, 0, 0.1, models.ExecModeLive)
	require.NoError(t, err)
	_, err = v.ExecuteOrder(context.Background(), o)
	require.NoError(t, err)
	drainUpdate(t, v)

	v.SetPrice("BTC-USDT-SWAP", 51000)
	require.NoError(t, v.ClosePosition(context.Background(), "BTC-USDT-SWAP"))
	drainUpdate(t, v)

	bal, err := v.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10100.0, bal.Total, 1e-6) // +0.1 * 1000
	assert.InDelta(t, 10100.0, bal.Available, 1e-6)

	pos, err := v.FetchPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, pos)
}
