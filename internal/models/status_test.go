package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-service/internal/apperr"
)

func TestOrderTransitionTable(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusConfirmed, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusConfirmed, OrderStatusProcessing, true},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusConfirmed, false},
		{OrderStatusShipped, OrderStatusCancelled, true},
		{OrderStatusDelivered, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusRefunded, OrderStatusDelivered, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.True(t, OrderStatusRefunded.IsTerminal())
	assert.False(t, OrderStatusDelivered.IsTerminal())
}

func TestParseOrderStatusRejectsUnknown(t *testing.T) {
	_, err := ParseOrderStatus("teleported")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	s, err := ParseOrderStatus("shipped")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusShipped, s)
}

func TestTransactionTransitions(t *testing.T) {
	assert.True(t, TxStatusPending.CanTransitionTo(TxStatusProcessing))
	assert.True(t, TxStatusProcessing.CanTransitionTo(TxStatusCompleted))
	assert.True(t, TxStatusCompleted.CanTransitionTo(TxStatusRefunded))
	assert.True(t, TxStatusCompleted.CanTransitionTo(TxStatusCancelled))
	assert.False(t, TxStatusCompleted.CanTransitionTo(TxStatusFailed))
	assert.False(t, TxStatusFailed.CanTransitionTo(TxStatusCompleted))
	assert.False(t, TxStatusRefunded.CanTransitionTo(TxStatusCancelled))
}

func TestCanRetry(t *testing.T) {
	txn := &PaymentTransaction{Status: TxStatusFailed, RetryCount: 2}
	assert.True(t, txn.CanRetry())

	txn.RetryCount = 3
	assert.False(t, txn.CanRetry())

	txn = &PaymentTransaction{Status: TxStatusProcessing}
	assert.False(t, txn.CanRetry())
}

func TestDeriveStockStatus(t *testing.T) {
	cases := []struct {
		name string
		p    Product
		want StockStatus
	}{
		{"untracked", Product{TrackStock: false, StockQuantity: -4}, StockInStock},
		{"plenty", Product{TrackStock: true, StockQuantity: 20, MinStockQuantity: 5}, StockInStock},
		{"low", Product{TrackStock: true, StockQuantity: 5, MinStockQuantity: 5}, StockLow},
		{"empty", Product{TrackStock: true, StockQuantity: 0}, StockOut},
		{"backorder", Product{TrackStock: true, StockQuantity: -2, AllowBackorder: true}, StockBackorder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.p.DeriveStockStatus())
		})
	}
}

func TestItemStatusReturnFlow(t *testing.T) {
	assert.True(t, ItemStatusDelivered.CanTransitionTo(ItemStatusReturnRequested))
	assert.True(t, ItemStatusReturnRequested.CanTransitionTo(ItemStatusReturned))
	assert.True(t, ItemStatusExchangeRequested.CanTransitionTo(ItemStatusDelivered))
	assert.False(t, ItemStatusShipped.CanTransitionTo(ItemStatusReturnRequested))
	assert.False(t, ItemStatusReturned.FollowsOrder())
	assert.True(t, ItemStatusShipped.FollowsOrder())
}

func TestCheckAmounts(t *testing.T) {
	o := &Order{
		OrderNumber:    "ORD-1",
		Subtotal:       decimal.NewFromInt(50000),
		ShippingCost:   decimal.NewFromInt(3000),
		CouponDiscount: decimal.NewFromInt(4000),
	}
	o.TotalAmount = o.ExpectedTotal()

	require.NoError(t, o.CheckAmounts())
	assert.True(t, o.TotalAmount.Equal(decimal.NewFromInt(49000)))

	o.TotalAmount = decimal.NewFromInt(1)
	assert.Error(t, o.CheckAmounts())

	o.TotalAmount = o.ExpectedTotal()
	o.TaxAmount = decimal.NewFromInt(-1)
	o.TotalAmount = o.ExpectedTotal()
	assert.True(t, errors.Is(o.CheckAmounts(), apperr.ErrValidation))
}

func TestRefundableAmount(t *testing.T) {
	txn := &PaymentTransaction{
		Amount:              decimal.NewFromInt(20000),
		RefundAmount:        decimal.NewFromInt(5000),
		PendingRefundAmount: decimal.NewFromInt(1000),
	}
	assert.True(t, txn.RefundableAmount().Equal(decimal.NewFromInt(14000)))
}
