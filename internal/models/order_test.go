package models

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderValidation(t *testing.T) {
	_, err := NewOrder("", OrderKindMain, SideLong, 0, 1, ExecModeGhost)
	assert.Error(t, err)

	_, err = NewOrder("BTC-USDT-SWAP", OrderKindMain, SideLong, 0, 0, ExecModeGhost)
	assert.Error(t, err)

	// protective legs need a trigger price, market entries do not
	_, err = NewOrder("BTC-USDT-SWAP", OrderKindStopLoss, SideShort, 0, 1, ExecModeGhost)
	assert.Error(t, err)

	o, err := NewOrder("BTC-USDT-SWAP", OrderKindMain, SideLong, 0, 0.5, ExecModeLive)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, o.Status)
	assert.False(t, o.CreatedAt.IsZero())
}

func TestLinkSiblings(t *testing.T) {
	tp, err := NewOrder("X", OrderKindTakeProfit, SideShort, 101, 1, ExecModeGhost)
	require.NoError(t, err)
	sl, err := NewOrder("X", OrderKindStopLoss, SideShort, 99, 1, ExecModeGhost)
	require.NoError(t, err)
	tp.ID, sl.ID = "tp-1", "sl-1"

	require.NoError(t, LinkSiblings(tp, sl))
	assert.Equal(t, "sl-1", tp.LinkedOrderID)
	assert.Equal(t, "tp-1", sl.LinkedOrderID)

	assert.Error(t, LinkSiblings(sl, tp)) // kinds swapped
	assert.Error(t, LinkSiblings(tp, nil))
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderStatusPending.Terminal())
	assert.False(t, OrderStatusOpen.Terminal())
	assert.True(t, OrderStatusFilled.Terminal())
	assert.True(t, OrderStatusCanceled.Terminal())
	assert.True(t, OrderStatusRejected.Terminal())
}

func TestBracketStateTerminal(t *testing.T) {
	assert.True(t, BracketClosed.Terminal())
	assert.True(t, BracketFailed.Terminal())
	assert.False(t, BracketActive.Terminal())
	assert.False(t, BracketClosing.Terminal())
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
}

func TestOrderJSONStaysHumanReadable(t *testing.T) {
	o, err := NewOrder("BTC-USDT-SWAP", OrderKindTakeProfit, SideShort, 50500, 0.5, ExecModeGhost)
	require.NoError(t, err)

	data, err := sonic.Marshal(o)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"take_profit"`)
	assert.Contains(t, string(data), `"side":"short"`)
	assert.Contains(t, string(data), `"mode":"ghost"`)

	var back Order
	require.NoError(t, sonic.Unmarshal(data, &back))
	assert.Equal(t, OrderKindTakeProfit, back.Kind)
	assert.Equal(t, SideShort, back.Side)
	assert.Equal(t, ExecModeGhost, back.Mode)
}

func TestEnumsRejectUnknownValues(t *testing.T) {
	var k OrderKind
	assert.Error(t, k.UnmarshalJSON([]byte(`"liquidation"`)))

	var s Side
	assert.Error(t, s.UnmarshalJSON([]byte(`"sideways"`)))

	var m ExecMode
	assert.Error(t, m.UnmarshalJSON([]byte(`"paper"`)))
}
