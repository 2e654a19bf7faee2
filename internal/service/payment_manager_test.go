package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

type memGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memGuard) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *memGuard) ForgetIdempotencyKey(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

func TestInitiate_PollConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(17000, 5)

	order, txn := f.paidOrder(p, 2)

	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.True(t, order.StockDeducted)
	assert.Equal(t, models.TxStatusCompleted, txn.Status)
	assert.True(t, order.TotalAmount.Equal(txn.Amount))
	assert.NotEmpty(t, txn.ApprovalNumber)
	require.NotNil(t, txn.GatewayTxID)
	assert.Contains(t, *txn.GatewayTxID, "MOCK-")
	assert.Equal(t, 3, f.product(p.ID).StockQuantity)
}

func TestInitiate_RejectsSecondAttempt(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})

	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "", "", customer)
	require.NoError(t, err)
	assert.Equal(t, "card", attempt.Transaction.Method)
	assert.Equal(t, models.TxStatusProcessing, attempt.Transaction.Status)
	assert.NotEmpty(t, attempt.RedirectOrToken)

	_, err = f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "nope", customer)
	assert.Error(t, err)
	assert.Len(t, f.payments(placed.Order.ID), 1)
}

func TestFail_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		txn, err := f.svc.Payments.Fail(f.ctx, attempt.Transaction.ID, "card declined", operator)
		require.NoError(t, err)
		assert.Equal(t, models.TxStatusFailed, txn.Status)
	}

	assert.Equal(t, 1, f.notifier.count(models.EventTypePaymentFailed))
	assert.Equal(t, models.PaymentStatusFailed, f.order(placed.Order.ID).PaymentStatus)

	failed := 0
	for _, e := range f.audit(models.EntityPayment, attempt.Transaction.ID) {
		if e.Action == "failed" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	_, err = f.svc.Payments.Approve(f.ctx, attempt.Transaction.ID, "", operator)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRetry_ChainIsCapped(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)

	first := attempt.Transaction.ID
	current := first
	for i := 1; i <= models.MaxPaymentRetries; i++ {
		_, err := f.svc.Payments.Fail(f.ctx, current, "declined", operator)
		require.NoError(t, err)

		next, err := f.svc.Payments.Retry(f.ctx, current, customer)
		require.NoError(t, err)
		assert.Equal(t, i, next.Transaction.RetryCount)
		require.NotNil(t, next.Transaction.ParentID)
		assert.Equal(t, current, *next.Transaction.ParentID)
		assert.Equal(t, models.PaymentStatusPending, f.order(placed.Order.ID).PaymentStatus)
		current = next.Transaction.ID
	}

	_, err = f.svc.Payments.Retry(f.ctx, first, customer)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition, "older attempts cannot be retried")

	_, err = f.svc.Payments.Fail(f.ctx, current, "declined", operator)
	require.NoError(t, err)
	_, err = f.svc.Payments.Retry(f.ctx, current, customer)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	appErr, _ := apperr.As(err)
	assert.Contains(t, appErr.Message, "retry limit")

	assert.Len(t, f.payments(placed.Order.ID), models.MaxPaymentRetries+1)
}

func TestRetry_SucceedsAfterFailure(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	_, err = f.svc.Payments.Fail(f.ctx, attempt.Transaction.ID, "declined", operator)
	require.NoError(t, err)

	_, err = f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	retry, err := f.svc.Payments.Retry(f.ctx, attempt.Transaction.ID, customer)
	require.NoError(t, err)
	outcome, err := f.svc.Payments.Poll(f.ctx, retry.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	o := f.order(placed.Order.ID)
	assert.Equal(t, models.OrderStatusConfirmed, o.Status)
	assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
}

func TestInitiate_GatewayErrorFailsAttempt(t *testing.T) {
	f := newFixture(t)
	f.flaky.On("Initiate", mock.Anything, mock.Anything).Return(nil, errGatewayDown).Once()
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})

	_, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "flaky", customer)
	require.ErrorIs(t, err, apperr.ErrGateway)
	assert.ErrorIs(t, err, errGatewayDown)

	txns := f.payments(placed.Order.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxStatusFailed, txns[0].Status)
	assert.Equal(t, errGatewayDown.Error(), txns[0].FailureReason)
	assert.Equal(t, models.PaymentStatusFailed, f.order(placed.Order.ID).PaymentStatus)
	f.flaky.AssertExpectations(t)
}

func TestPoll_PendingLeavesAttemptInFlight(t *testing.T) {
	f := newFixture(t)
	f.flaky.On("Initiate", mock.Anything, mock.Anything).
		Return(&gateway.InitiateResult{GatewayTxID: "FL-1"}, nil)
	f.flaky.On("QueryStatus", mock.Anything, "FL-1").
		Return(&gateway.StatusResult{Status: gateway.StatusPending}, nil)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})

	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "flaky", customer)
	require.NoError(t, err)
	before := f.payment(attempt.Transaction.ID).UpdatedAt
	cutoff := before.Add(time.Nanosecond)

	stale, err := f.svc.Payments.StalePayments(f.ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	outcome, err := f.svc.Payments.Poll(f.ctx, attempt.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
	polled := f.payment(attempt.Transaction.ID)
	assert.Equal(t, models.TxStatusProcessing, polled.Status)
	assert.True(t, polled.UpdatedAt.After(before))
	assert.Equal(t, models.OrderStatusPending, f.order(placed.Order.ID).Status)

	stale, err = f.svc.Payments.StalePayments(f.ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestApprove_InsufficientStockKeepsPayment(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 1)
	f.paidOrder(p, 1)

	second := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, second.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	outcome, err := f.svc.Payments.Poll(f.ctx, attempt.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	o := f.order(second.Order.ID)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	assert.False(t, o.StockDeducted)
	assert.Equal(t, models.TxStatusCompleted, f.payment(attempt.Transaction.ID).Status)
	assert.Equal(t, 0, f.product(p.ID).StockQuantity)
}

func webhook(gatewayTxID, status string) models.WebhookPayload {
	raw, _ := json.Marshal(map[string]string{"gateway_tx_id": gatewayTxID, "status": status})
	return models.WebhookPayload{GatewayTxID: gatewayTxID, Status: status, ApprovalNumber: "A-1", Raw: raw}
}

func TestHandleWebhook_ReplayIsDuplicate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		guard IdempotencyGuard
	}{
		{name: "stored fingerprint"},
		{name: "dedupe key", guard: &memGuard{keys: map[string]bool{}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixtureWith(t, func(d *Dependencies, _ *Settings) { d.Idem = tc.guard })
			p := f.seedProduct(1000, 5)
			placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
			attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
			require.NoError(t, err)
			payload := webhook(*attempt.Transaction.GatewayTxID, "approved")

			outcome, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", payload)
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, outcome)

			outcome, err = f.svc.Payments.HandleWebhook(f.ctx, "mock", payload)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, outcome)

			txn := f.payment(attempt.Transaction.ID)
			assert.Equal(t, models.TxStatusCompleted, txn.Status)
			assert.Equal(t, "A-1", txn.ApprovalNumber)
			assert.NotEmpty(t, txn.WebhookHash)
			assert.Equal(t, models.OrderStatusConfirmed, f.order(placed.Order.ID).Status)
			assert.Equal(t, 4, f.product(p.ID).StockQuantity)
		})
	}
}

func TestHandleWebhook_LateResultIsIgnored(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	_, txn := f.paidOrder(p, 1)

	outcome, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook(*txn.GatewayTxID, "failed"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.TxStatusCompleted, f.payment(txn.ID).Status)

	var ignored bool
	for _, e := range f.audit(models.EntityPayment, txn.ID) {
		ignored = ignored || e.Action == "gateway_result_ignored"
	}
	assert.True(t, ignored)
}

func TestAdminCancel_InFlightPaymentThenGatewayApproves(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 2})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	gwTxID := *attempt.Transaction.GatewayTxID

	result, err := f.svc.Admin.UpdateStatus(f.ctx, placed.Order.ID, "cancelled", "customer called", operator)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	assert.Equal(t, models.TxStatusCancelled, f.payment(attempt.Transaction.ID).Status)

	require.NoError(t, f.gw.Settle(gwTxID, gateway.StatusApproved, ""))
	outcome, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook(gwTxID, "approved"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	txn := f.payment(attempt.Transaction.ID)
	assert.Equal(t, models.TxStatusCancelled, txn.Status)
	assert.True(t, txn.RefundAmount.Equal(txn.Amount))
	assert.True(t, txn.PendingRefundAmount.IsZero())
	assert.NotEmpty(t, txn.GatewayRefundID)

	order := f.order(placed.Order.ID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.PaymentStatusCancelled, order.PaymentStatus)
	assert.Equal(t, 5, f.product(p.ID).StockQuantity)

	var reversed bool
	for _, e := range f.audit(models.EntityPayment, txn.ID) {
		reversed = reversed || e.Action == "capture_reversed"
	}
	assert.True(t, reversed)

	again, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook(gwTxID, "approved"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again)
}

func TestApprove_ClosedOrderReversesCapture(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	gwTxID := *attempt.Transaction.GatewayTxID

	// another writer closed the order while the attempt was in flight
	f.read(func(r store.Repos) error {
		o, err := r.Orders().GetForUpdate(f.ctx, placed.Order.ID)
		if err != nil {
			return err
		}
		o.Status = models.OrderStatusCancelled
		return r.Orders().Update(f.ctx, o)
	})

	require.NoError(t, f.gw.Settle(gwTxID, gateway.StatusApproved, ""))
	outcome, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook(gwTxID, "approved"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	txn := f.payment(attempt.Transaction.ID)
	assert.Equal(t, models.TxStatusRefunded, txn.Status)
	assert.True(t, txn.RefundAmount.Equal(txn.Amount))
	assert.NotEmpty(t, txn.GatewayRefundID)

	order := f.order(placed.Order.ID)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.NotEqual(t, models.PaymentStatusPaid, order.PaymentStatus)
}

func TestHandleWebhook_AmountMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	gwTxID := *attempt.Transaction.GatewayTxID

	short := webhook(gwTxID, "approved")
	short.Amount = attempt.Transaction.Amount.Sub(decimal.NewFromInt(1))
	short.Raw = nil
	_, err = f.svc.Payments.HandleWebhook(f.ctx, "mock", short)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, models.TxStatusProcessing, f.payment(attempt.Transaction.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, f.order(placed.Order.ID).PaymentStatus)

	exact := webhook(gwTxID, "approved")
	exact.Amount = attempt.Transaction.Amount
	exact.Raw = nil
	outcome, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", exact)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.TxStatusCompleted, f.payment(attempt.Transaction.ID).Status)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Payments.HandleWebhook(f.ctx, "mock", models.WebhookPayload{Status: "approved"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook("MOCK-x", "settled"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Payments.HandleWebhook(f.ctx, "mock", webhook("MOCK-unknown", "approved"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancel_InFlightAndVoid(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 5)

	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: p.ID, Quantity: 1})
	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(t, err)
	txn, err := f.svc.Payments.Cancel(f.ctx, attempt.Transaction.ID, "changed mind", customer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCancelled, txn.Status)
	assert.Equal(t, models.PaymentStatusCancelled, f.order(placed.Order.ID).PaymentStatus)

	_, paid := f.paidOrder(p, 1)
	voided, err := f.svc.Payments.Cancel(f.ctx, paid.ID, "duplicate charge", operator)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCancelled, voided.Status)
	assert.True(t, voided.RefundAmount.Equal(voided.Amount))
	assert.True(t, voided.PendingRefundAmount.IsZero())
	assert.NotEmpty(t, voided.GatewayRefundID)
}

func TestWebhookFingerprint_StableForSamePayload(t *testing.T) {
	a, err := WebhookFingerprint(webhook("MOCK-1", "approved"))
	require.NoError(t, err)
	b, err := WebhookFingerprint(webhook("MOCK-1", "approved"))
	require.NoError(t, err)
	c, err := WebhookFingerprint(webhook("MOCK-1", "failed"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	d, err := WebhookFingerprint(models.WebhookPayload{GatewayTxID: "MOCK-1", Status: "approved", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Len(t, d, 64)
}
