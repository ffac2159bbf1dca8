package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSourceRank(t *testing.T) {
	// OVERRIDE > REALTIME > RCP_SNAP > MSPA
	assert.Greater(t, SourceOverride.Rank(), SourceRealtime.Rank())
	assert.Greater(t, SourceRealtime.Rank(), SourceRcpSnap.Rank())
	assert.Greater(t, SourceRcpSnap.Rank(), SourceMspa.Rank())
	assert.Equal(t, 0, PriceSource("BOGUS").Rank())
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderRejected, OrderCanceled, OrderOrphaned}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	open := []OrderStatus{OrderNew, OrderPendingNew, OrderSent, OrderAcknowledged, OrderPartialFill}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestOrderStateVWAP(t *testing.T) {
	t.Run("vwap is notional over filled quantity at 8dp", func(t *testing.T) {
		// 30@1.0540 + 50@1.0545 + 20@1.0530 over 100 = 1.05405
		state := OrderState{
			FilledQty: decimal.NewFromInt(100),
			Notional: decimal.RequireFromString("31.62").
				Add(decimal.RequireFromString("52.725")).
				Add(decimal.RequireFromString("21.06")),
		}
		assert.True(t, decimal.RequireFromString("1.05405").Equal(state.VWAP()),
			"got %s", state.VWAP())
	})

	t.Run("zero-filled order reports zero", func(t *testing.T) {
		state := OrderState{FilledQty: decimal.Zero, Notional: decimal.Zero}
		assert.True(t, state.VWAP().IsZero())
	})

	t.Run("rounding is half-up at 8dp", func(t *testing.T) {
		state := OrderState{
			FilledQty: decimal.NewFromInt(3),
			Notional:  decimal.NewFromInt(1),
		}
		assert.Equal(t, "0.33333333", state.VWAP().String())
	})
}
