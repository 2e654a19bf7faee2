package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// SettleOutcome says what an inbound gateway result did to a transaction.
type SettleOutcome string

const (
	OutcomeApplied   SettleOutcome = "applied"
	OutcomeDuplicate SettleOutcome = "duplicate"
	OutcomeIgnored   SettleOutcome = "ignored"
	OutcomePending   SettleOutcome = "pending"
)

// PaymentAttempt is a dispatched transaction plus what the customer needs to finish paying.
type PaymentAttempt struct {
	Transaction     models.PaymentTransaction `json:"transaction"`
	RedirectOrToken string                    `json:"redirect_or_token,omitempty"`
}

// PaymentManager drives payment transactions through their states.
// Gateway calls never happen inside a unit of work.
//
// Lock order is payment rows first, then the order row.
type PaymentManager struct {
	*base
	orders *OrderMachine
}

func paymentLockKey(orderID int64) string {
	return fmt.Sprintf("order-payment:%d", orderID)
}

// Initiate opens the first payment attempt of a pending order and dispatches it to the gateway
func (p *PaymentManager) Initiate(ctx context.Context, orderID int64, method, gatewayName string, actor models.Actor) (*PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Initiate", attribute.Int64("order_id", orderID))

	attempt, err := func() (*PaymentAttempt, error) {
		gw, err := p.resolveGateway(gatewayName)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(method) == "" {
			method = "card"
		}

		var attempt *PaymentAttempt
		err = p.withLock(ctx, paymentLockKey(orderID), func() error {
			var txn *models.PaymentTransaction
			var orderNumber string
			err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
				history, err := r.Payments().ListByOrder(ctx, orderID)
				if err != nil {
					return err
				}
				order, err := r.Orders().GetForUpdate(ctx, orderID)
				if err != nil {
					return notFoundAs(err, "order", orderID)
				}
				if err := checkPayable(order); err != nil {
					return err
				}
				if n := len(history); n > 0 {
					latest := history[n-1]
					if latest.Status == models.TxStatusFailed {
						return apperr.InvalidTransitionReason("payment", string(latest.Status), string(models.TxStatusPending),
							"the previous attempt failed, retry it instead")
					}
					if latest.Status.InFlight() || latest.Status == models.TxStatusCompleted {
						return apperr.InvalidTransitionReason("payment", string(latest.Status), string(models.TxStatusPending),
							"a payment attempt for this order already exists")
					}
				}

				txn, err = p.createAttemptTx(ctx, r, order, gw.Name(), method, 0, nil, actor)
				orderNumber = order.OrderNumber
				return err
			})
			if err != nil {
				return err
			}

			attempt, err = p.dispatch(ctx, gw, txn, orderNumber, actor)
			return err
		})
		return attempt, err
	}()

	util.EndSpan(span, err)
	return attempt, err
}

// Retry opens a new attempt for the newest failed one, up to the retry cap
func (p *PaymentManager) Retry(ctx context.Context, txnID int64, actor models.Actor) (*PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Retry", attribute.Int64("transaction_id", txnID))

	attempt, err := func() (*PaymentAttempt, error) {
		var failed *models.PaymentTransaction
		if err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
			var err error
			failed, err = r.Payments().GetByID(ctx, txnID)
			return notFoundAs(err, "payment", txnID)
		}); err != nil {
			return nil, err
		}
		gw, err := p.resolveGateway(failed.Gateway)
		if err != nil {
			return nil, err
		}

		var attempt *PaymentAttempt
		err = p.withLock(ctx, paymentLockKey(failed.OrderID), func() error {
			var txn *models.PaymentTransaction
			var orderNumber string
			err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
				prev, err := r.Payments().GetForUpdate(ctx, txnID)
				if err != nil {
					return notFoundAs(err, "payment", txnID)
				}
				if !prev.CanRetry() {
					reason := "only failed attempts can be retried"
					if prev.Status == models.TxStatusFailed {
						reason = fmt.Sprintf("retry limit of %d reached", models.MaxPaymentRetries)
					}
					return apperr.InvalidTransitionReason("payment", string(prev.Status), "retry", reason)
				}

				history, err := r.Payments().ListByOrder(ctx, prev.OrderID)
				if err != nil {
					return err
				}
				if latest := history[len(history)-1]; latest.ID != prev.ID {
					return apperr.InvalidTransitionReason("payment", string(prev.Status), "retry",
						fmt.Sprintf("attempt %s is newer", latest.TransactionID))
				}

				order, err := r.Orders().GetForUpdate(ctx, prev.OrderID)
				if err != nil {
					return notFoundAs(err, "order", prev.OrderID)
				}
				if err := checkPayable(order); err != nil {
					return err
				}

				parentID := prev.ID
				txn, err = p.createAttemptTx(ctx, r, order, prev.Gateway, prev.Method, prev.RetryCount+1, &parentID, actor)
				if err != nil {
					return err
				}
				if order.PaymentStatus != models.PaymentStatusPending {
					order.PaymentStatus = models.PaymentStatusPending
					if err := r.Orders().Update(ctx, order); err != nil {
						return err
					}
				}
				orderNumber = order.OrderNumber
				fx.add(func(ctx context.Context) { util.PaymentRetriesTotal.Inc() })
				return nil
			})
			if err != nil {
				return err
			}

			attempt, err = p.dispatch(ctx, gw, txn, orderNumber, actor)
			return err
		})
		return attempt, err
	}()

	util.EndSpan(span, err)
	return attempt, err
}

func (p *PaymentManager) resolveGateway(name string) (gateway.Gateway, error) {
	if strings.TrimSpace(name) == "" {
		name = p.settings.DefaultGateway
	}
	return p.deps.Gateways.Get(name)
}

func checkPayable(order *models.Order) error {
	if order.Status != models.OrderStatusPending {
		return apperr.InvalidTransitionReason("order", string(order.Status), string(order.Status),
			"only pending orders accept payment")
	}
	if order.PaymentStatus.HoldsFunds() {
		return apperr.InvalidTransitionReason("payment", string(order.PaymentStatus), string(models.PaymentStatusPaid),
			"order is already paid")
	}
	if !order.TotalAmount.IsPositive() {
		return apperr.Validation("order %s has nothing to pay", order.OrderNumber)
	}
	return nil
}

func (p *PaymentManager) createAttemptTx(ctx context.Context, r store.Repos, order *models.Order, gatewayName, method string,
	retryCount int, parentID *int64, actor models.Actor) (*models.PaymentTransaction, error) {
	txn := &models.PaymentTransaction{
		TransactionID: "PAY-" + uuid.New().String(),
		OrderID:       order.ID,
		ParentID:      parentID,
		Gateway:       gatewayName,
		Method:        method,
		Amount:        order.TotalAmount,
		Currency:      order.Currency,
		Status:        models.TxStatusPending,
		RetryCount:    retryCount,
	}
	request, err := json.Marshal(gateway.InitiateRequest{
		TransactionID: txn.TransactionID,
		OrderNumber:   order.OrderNumber,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Method:        method,
	})
	if err != nil {
		return nil, err
	}
	txn.GatewayRequest = types.JSONText(request)

	if err := r.Payments().Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create payment transaction: %w", err)
	}
	if err := p.audit(ctx, r, models.EntityPayment, txn.ID, "created", "", string(txn.Status), actor, "",
		map[string]interface{}{"retry_count": retryCount, "gateway": gatewayName}); err != nil {
		return nil, err
	}
	return txn, nil
}

// dispatch calls the gateway for a freshly created attempt and records the answer.
func (p *PaymentManager) dispatch(ctx context.Context, gw gateway.Gateway, txn *models.PaymentTransaction,
	orderNumber string, actor models.Actor) (*PaymentAttempt, error) {
	util.PaymentAttemptsTotal.WithLabelValues(gw.Name()).Inc()

	start := time.Now()
	res, gwErr := gw.Initiate(ctx, gateway.InitiateRequest{
		TransactionID: txn.TransactionID,
		OrderNumber:   orderNumber,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Method:        txn.Method,
	})
	util.GatewayLatency.WithLabelValues(gw.Name(), "initiate").Observe(time.Since(start).Seconds())

	if gwErr != nil {
		p.logger.Error("Gateway initiate failed",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("gateway", gw.Name()),
			zap.Error(gwErr))

		err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
			cur, err := r.Payments().GetForUpdate(ctx, txn.ID)
			if err != nil {
				return err
			}
			_, err = p.failTx(ctx, r, fx, cur, gwErr.Error(), actor)
			return err
		})
		if err != nil {
			p.logger.Error("Failed to record gateway failure, attempt left pending",
				zap.String("transaction_id", txn.TransactionID),
				zap.Error(err))
		}
		return nil, apperr.Gateway("initiate", gwErr)
	}

	var recorded *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		gatewayTxID := res.GatewayTxID
		cur.GatewayTxID = &gatewayTxID
		if len(res.Raw) > 0 {
			cur.GatewayResponse = types.JSONText(res.Raw)
		}
		from := cur.Status
		if cur.Status == models.TxStatusPending {
			cur.Status = models.TxStatusProcessing
		}
		if err := r.Payments().Update(ctx, cur); err != nil {
			return err
		}
		if err := p.audit(ctx, r, models.EntityPayment, cur.ID, "dispatched", string(from), string(cur.Status), actor, "",
			map[string]string{"gateway_tx_id": gatewayTxID}); err != nil {
			return err
		}
		recorded = cur
		return nil
	})
	if err != nil {
		// the gateway holds a payment we could not link; reconcile by gateway_tx_id
		p.logger.Error("Failed to record gateway transaction id",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("gateway_tx_id", res.GatewayTxID),
			zap.Error(err))
		return nil, err
	}

	return &PaymentAttempt{Transaction: *recorded, RedirectOrToken: res.RedirectOrToken}, nil
}

// Approve completes an in-flight attempt
func (p *PaymentManager) Approve(ctx context.Context, txnID int64, approvalNumber string, actor models.Actor) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Approve", attribute.Int64("transaction_id", txnID))

	var txn *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txnID)
		if err != nil {
			return notFoundAs(err, "payment", txnID)
		}
		if err := p.approveTx(ctx, r, fx, cur, approvalNumber, nil, actor); err != nil {
			return err
		}
		txn = cur
		return nil
	})

	util.EndSpan(span, err)
	return txn, err
}

// approveTx is the only path to completed. Confirming the order runs after commit.
// Money captured for an order that was already closed is refunded instead.
func (p *PaymentManager) approveTx(ctx context.Context, r store.Repos, fx *effects, txn *models.PaymentTransaction,
	approvalNumber string, raw json.RawMessage, actor models.Actor) error {
	if !txn.Status.InFlight() {
		return apperr.InvalidTransition("payment", string(txn.Status), string(models.TxStatusCompleted))
	}

	order, err := r.Orders().GetForUpdate(ctx, txn.OrderID)
	if err != nil {
		return notFoundAs(err, "order", txn.OrderID)
	}

	from := txn.Status
	now := p.now()
	txn.Status = models.TxStatusCompleted
	txn.ApprovedAt = &now
	txn.ApprovalNumber = approvalNumber
	if len(raw) > 0 {
		txn.GatewayResponse = types.JSONText(raw)
	}
	if err := r.Payments().Update(ctx, txn); err != nil {
		return fmt.Errorf("failed to approve payment: %w", err)
	}
	if err := p.audit(ctx, r, models.EntityPayment, txn.ID, "approved", string(from), string(txn.Status), actor, "",
		map[string]string{"approval_number": approvalNumber}); err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		p.logger.Warn("Payment approved for a closed order",
			zap.String("transaction_id", txn.TransactionID),
			zap.Int64("order_id", order.ID),
			zap.String("order_status", string(order.Status)))
		return p.reverseCaptureTx(ctx, r, fx, txn, "order closed before the payment settled")
	}

	order.PaymentStatus = models.PaymentStatusPaid
	if err := r.Orders().Update(ctx, order); err != nil {
		return err
	}

	orderID := order.ID
	fx.add(func(ctx context.Context) {
		util.PaymentSuccessTotal.Inc()
		p.confirmPaidOrder(ctx, orderID)
	})

	p.logger.Info("Payment approved",
		zap.String("transaction_id", txn.TransactionID),
		zap.Int64("order_id", txn.OrderID))
	return nil
}

// reverseCaptureTx reserves a full refund of money the gateway captured for an attempt
// nothing will fulfil. The gateway refund runs after commit.
func (p *PaymentManager) reverseCaptureTx(ctx context.Context, r store.Repos, fx *effects, txn *models.PaymentTransaction, reason string) error {
	if !txn.PendingRefundAmount.IsZero() || txn.RefundAmount.GreaterThanOrEqual(txn.Amount) {
		return nil
	}
	if txn.GatewayTxID == nil || !txn.RefundAmount.IsZero() {
		fx.add(func(ctx context.Context) {
			util.OrdersNeedingAttention.WithLabelValues("captured_after_close").Inc()
		})
		p.logger.Error("Captured payment cannot be reversed automatically",
			zap.String("transaction_id", txn.TransactionID),
			zap.Int64("order_id", txn.OrderID))
		return nil
	}

	txn.PendingRefundAmount = txn.Amount
	if err := r.Payments().Update(ctx, txn); err != nil {
		return fmt.Errorf("failed to reserve capture reversal: %w", err)
	}
	snapshot := *txn
	fx.add(func(ctx context.Context) {
		p.reverseCapture(ctx, &snapshot, reason)
	})
	return nil
}

// reverseCapture refunds txn in full at the gateway and records the refund on the attempt.
// The order is left as it is. Failures are counted for an operator.
func (p *PaymentManager) reverseCapture(ctx context.Context, txn *models.PaymentTransaction, reason string) {
	res, gwErr := p.gatewayRefund(ctx, txn, txn.Amount)
	if gwErr != nil {
		if err := p.releaseReservation(ctx, txn.ID, txn.Amount); err != nil {
			p.logger.Error("Failed to release refund reservation",
				zap.String("transaction_id", txn.TransactionID),
				zap.Error(err))
		}
		util.OrdersNeedingAttention.WithLabelValues("capture_not_reversed").Inc()
		return
	}

	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		from := cur.Status
		now := p.now()
		cur.RefundAmount = cur.RefundAmount.Add(txn.Amount)
		cur.PendingRefundAmount = cur.PendingRefundAmount.Sub(txn.Amount)
		if cur.PendingRefundAmount.IsNegative() {
			cur.PendingRefundAmount = decimal.Zero
		}
		cur.GatewayRefundID = res.GatewayRefundID
		cur.RefundReason = reason
		cur.RefundedAt = &now
		if cur.Status == models.TxStatusCompleted {
			cur.Status = models.TxStatusRefunded
		}
		if err := r.Payments().Update(ctx, cur); err != nil {
			return err
		}
		return p.audit(ctx, r, models.EntityPayment, cur.ID, "capture_reversed", string(from), string(cur.Status),
			models.SystemActor(), reason, map[string]string{"gateway_refund_id": res.GatewayRefundID})
	})
	if err != nil {
		util.OrdersNeedingAttention.WithLabelValues("void_not_recorded").Inc()
		p.logger.Error("Gateway reversed capture but the result was not recorded",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("gateway_refund_id", res.GatewayRefundID),
			zap.Error(err))
		return
	}
	p.logger.Info("Captured payment reversed",
		zap.String("transaction_id", txn.TransactionID),
		zap.Int64("order_id", txn.OrderID),
		zap.String("gateway_refund_id", res.GatewayRefundID))
}

// confirmPaidOrder moves a pending order to confirmed once its payment is captured.
// On failure the money stays captured and the order is left pending for an operator.
func (p *PaymentManager) confirmPaidOrder(ctx context.Context, orderID int64) {
	_, err := p.orders.Transition(ctx, orderID, models.OrderStatusConfirmed, models.SystemActor(), "payment approved")
	if err == nil {
		return
	}
	if apperr.KindOf(err) == apperr.KindInvalidTransition {
		// already moved on by someone else
		return
	}
	util.OrdersNeedingAttention.WithLabelValues("confirm_after_payment").Inc()
	p.logger.Error("Order paid but could not be confirmed",
		zap.Int64("order_id", orderID),
		zap.Error(err))
}

// Fail marks an attempt failed. Failing an already failed attempt changes nothing
func (p *PaymentManager) Fail(ctx context.Context, txnID int64, reason string, actor models.Actor) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Fail", attribute.Int64("transaction_id", txnID))

	var txn *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txnID)
		if err != nil {
			return notFoundAs(err, "payment", txnID)
		}
		if _, err := p.failTx(ctx, r, fx, cur, reason, actor); err != nil {
			return err
		}
		txn = cur
		return nil
	})

	util.EndSpan(span, err)
	return txn, err
}

// failTx reports whether anything changed.
func (p *PaymentManager) failTx(ctx context.Context, r store.Repos, fx *effects, txn *models.PaymentTransaction,
	reason string, actor models.Actor) (bool, error) {
	if txn.Status == models.TxStatusFailed {
		return false, nil
	}
	if !txn.Status.CanTransitionTo(models.TxStatusFailed) {
		return false, apperr.InvalidTransition("payment", string(txn.Status), string(models.TxStatusFailed))
	}
	if reason == "" {
		reason = "payment failed"
	}

	from := txn.Status
	now := p.now()
	txn.Status = models.TxStatusFailed
	txn.FailureReason = reason
	txn.FailedAt = &now
	if err := r.Payments().Update(ctx, txn); err != nil {
		return false, fmt.Errorf("failed to mark payment failed: %w", err)
	}

	order, err := r.Orders().GetForUpdate(ctx, txn.OrderID)
	if err != nil {
		return false, notFoundAs(err, "order", txn.OrderID)
	}
	if order.PaymentStatus == models.PaymentStatusPending {
		order.PaymentStatus = models.PaymentStatusFailed
		if err := r.Orders().Update(ctx, order); err != nil {
			return false, err
		}
	}

	if err := p.audit(ctx, r, models.EntityPayment, txn.ID, "failed", string(from), string(txn.Status), actor, reason, nil); err != nil {
		return false, err
	}

	event := &models.PaymentFailedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentFailed),
		OrderID:       txn.OrderID,
		TransactionID: txn.TransactionID,
		Reason:        reason,
		RetryCount:    txn.RetryCount,
		CanRetry:      txn.CanRetry(),
	}
	fx.add(func(ctx context.Context) { util.PaymentFailedTotal.Inc() })
	p.notify(fx, event.EventType, func(ctx context.Context, n Notifier) error {
		return n.PublishPaymentFailed(ctx, event)
	})

	p.logger.Warn("Payment failed",
		zap.String("transaction_id", txn.TransactionID),
		zap.Int("retry_count", txn.RetryCount),
		zap.String("reason", reason))
	return true, nil
}

// cancelInFlightTx cancels an attempt the gateway has not settled. No money moved.
func (p *PaymentManager) cancelInFlightTx(ctx context.Context, r store.Repos, txn *models.PaymentTransaction,
	reason string, actor models.Actor) error {
	from := txn.Status
	now := p.now()
	txn.Status = models.TxStatusCancelled
	txn.CancelReason = reason
	txn.CancelledAt = &now
	if err := r.Payments().Update(ctx, txn); err != nil {
		return fmt.Errorf("failed to cancel payment: %w", err)
	}
	return p.audit(ctx, r, models.EntityPayment, txn.ID, "cancelled", string(from), string(txn.Status), actor, reason, nil)
}

// Cancel cancels an attempt. A completed attempt is voided through a gateway refund first
func (p *PaymentManager) Cancel(ctx context.Context, txnID int64, reason string, actor models.Actor) (*models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Cancel", attribute.Int64("transaction_id", txnID))

	txn, err := func() (*models.PaymentTransaction, error) {
		var txn *models.PaymentTransaction
		needsVoid := false
		err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
			cur, err := r.Payments().GetForUpdate(ctx, txnID)
			if err != nil {
				return notFoundAs(err, "payment", txnID)
			}
			txn = cur

			switch {
			case cur.Status == models.TxStatusCancelled:
				return nil
			case cur.Status.InFlight():
				if err := p.cancelInFlightTx(ctx, r, cur, reason, actor); err != nil {
					return err
				}
				order, err := r.Orders().GetForUpdate(ctx, cur.OrderID)
				if err != nil {
					return notFoundAs(err, "order", cur.OrderID)
				}
				if order.PaymentStatus == models.PaymentStatusPending {
					order.PaymentStatus = models.PaymentStatusCancelled
					return r.Orders().Update(ctx, order)
				}
				return nil
			case cur.Status == models.TxStatusCompleted:
				if !cur.RefundAmount.IsZero() || !cur.PendingRefundAmount.IsZero() {
					return apperr.InvalidRefundState("payment %s is partially refunded and can only be refunded further",
						cur.TransactionID)
				}
				if cur.GatewayTxID == nil {
					return apperr.InvalidRefundState("payment %s has no gateway reference", cur.TransactionID)
				}
				cur.PendingRefundAmount = cur.Amount
				needsVoid = true
				return r.Payments().Update(ctx, cur)
			default:
				return apperr.InvalidTransition("payment", string(cur.Status), string(models.TxStatusCancelled))
			}
		})
		if err != nil || !needsVoid {
			return txn, err
		}
		return p.void(ctx, txn, reason, actor)
	}()

	util.EndSpan(span, err)
	return txn, err
}

// void refunds a completed attempt in full at the gateway and marks it cancelled.
func (p *PaymentManager) void(ctx context.Context, txn *models.PaymentTransaction, reason string, actor models.Actor) (*models.PaymentTransaction, error) {
	res, gwErr := p.gatewayRefund(ctx, txn, txn.Amount)
	if gwErr != nil {
		if err := p.releaseReservation(ctx, txn.ID, txn.Amount); err != nil {
			p.logger.Error("Failed to release refund reservation",
				zap.String("transaction_id", txn.TransactionID),
				zap.Error(err))
		}
		return nil, apperr.Gateway("refund", gwErr)
	}

	var voided *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		from := cur.Status
		now := p.now()
		cur.Status = models.TxStatusCancelled
		cur.CancelReason = reason
		cur.CancelledAt = &now
		cur.RefundAmount = cur.Amount
		cur.PendingRefundAmount = cur.PendingRefundAmount.Sub(txn.Amount)
		cur.GatewayRefundID = res.GatewayRefundID
		if err := r.Payments().Update(ctx, cur); err != nil {
			return err
		}

		order, err := r.Orders().GetForUpdate(ctx, cur.OrderID)
		if err != nil {
			return err
		}
		order.PaymentStatus = models.PaymentStatusCancelled
		if err := r.Orders().Update(ctx, order); err != nil {
			return err
		}
		if err := p.audit(ctx, r, models.EntityPayment, cur.ID, "voided", string(from), string(cur.Status), actor, reason,
			map[string]string{"gateway_refund_id": res.GatewayRefundID}); err != nil {
			return err
		}
		voided = cur
		return nil
	})
	if err != nil {
		util.OrdersNeedingAttention.WithLabelValues("void_not_recorded").Inc()
		p.logger.Error("Gateway voided payment but the result was not recorded",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("gateway_refund_id", res.GatewayRefundID),
			zap.Error(err))
		return nil, err
	}
	return voided, nil
}

func (p *PaymentManager) gatewayRefund(ctx context.Context, txn *models.PaymentTransaction, amount decimal.Decimal) (*gateway.RefundResult, error) {
	gw, err := p.deps.Gateways.Get(txn.Gateway)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := gw.Refund(ctx, *txn.GatewayTxID, amount)
	util.GatewayLatency.WithLabelValues(gw.Name(), "refund").Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger.Error("Gateway refund failed",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// releaseReservation gives back a refund reservation after a failed gateway call.
func (p *PaymentManager) releaseReservation(ctx context.Context, txnID int64, amount decimal.Decimal) error {
	return p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		cur.PendingRefundAmount = cur.PendingRefundAmount.Sub(amount)
		if cur.PendingRefundAmount.IsNegative() {
			cur.PendingRefundAmount = decimal.Zero
		}
		return r.Payments().Update(ctx, cur)
	})
}

// WebhookFingerprint identifies a payload so identical replays can be recognized.
func WebhookFingerprint(payload models.WebhookPayload) (string, error) {
	raw := []byte(payload.Raw)
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return "", err
		}
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HandleWebhook applies a gateway callback. Delivery is at-least-once, so replays are no-ops
func (p *PaymentManager) HandleWebhook(ctx context.Context, gatewayName string, payload models.WebhookPayload) (SettleOutcome, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.HandleWebhook", attribute.String("gateway_tx_id", payload.GatewayTxID))

	outcome, err := p.handleWebhook(ctx, gatewayName, "", payload)

	label := string(outcome)
	if err != nil {
		label = "error"
	}
	util.WebhooksTotal.WithLabelValues(label).Inc()
	util.EndSpan(span, err)
	return outcome, err
}

// HandleRelayedWebhook applies a callback delivered through the broker. The broker message id
// is recorded in the same unit of work, so a redelivered message settles nothing twice.
func (p *PaymentManager) HandleRelayedWebhook(ctx context.Context, event *models.PaymentWebhookEvent) (SettleOutcome, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.HandleRelayedWebhook",
		attribute.String("event_id", event.EventID),
		attribute.String("gateway_tx_id", event.Payload.GatewayTxID))

	outcome, err := p.handleWebhook(ctx, event.Gateway, event.EventID, event.Payload)

	label := string(outcome)
	if err != nil {
		label = "error"
	}
	util.WebhooksTotal.WithLabelValues(label).Inc()
	util.EndSpan(span, err)
	return outcome, err
}

func (p *PaymentManager) handleWebhook(ctx context.Context, gatewayName, messageID string, payload models.WebhookPayload) (SettleOutcome, error) {
	if strings.TrimSpace(payload.GatewayTxID) == "" {
		return "", apperr.Validation("webhook is missing the gateway transaction id")
	}
	status := gateway.Status(strings.ToLower(payload.Status))
	switch status {
	case gateway.StatusPending, gateway.StatusApproved, gateway.StatusFailed, gateway.StatusCancelled:
	default:
		return "", apperr.Validation("unknown webhook status %q", payload.Status)
	}

	hash, err := WebhookFingerprint(payload)
	if err != nil {
		return "", apperr.Validation("webhook payload cannot be encoded: %v", err)
	}

	claimKey := fmt.Sprintf("webhook:%s:%s", payload.GatewayTxID, hash)
	claimed := false
	if p.deps.Idem != nil {
		ok, err := p.deps.Idem.ClaimIdempotencyKey(ctx, claimKey, p.settings.WebhookDedupeTTL)
		switch {
		case err != nil:
			p.logger.Warn("Webhook dedupe key unavailable, relying on stored fingerprint", zap.Error(err))
		case !ok:
			return OutcomeDuplicate, nil
		default:
			claimed = true
		}
	}

	raw := payload.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(payload)
	}

	var outcome SettleOutcome
	err = p.inTx(ctx, func(r store.Repos, fx *effects) error {
		if messageID != "" {
			fresh, err := r.Audit().MarkProcessed(ctx, messageID, models.EventTypePaymentWebhook)
			if err != nil {
				return fmt.Errorf("failed to mark message processed: %w", err)
			}
			if !fresh {
				outcome = OutcomeDuplicate
				return nil
			}
		}

		txn, err := r.Payments().GetByGatewayTxIDForUpdate(ctx, payload.GatewayTxID)
		if err != nil {
			return notFoundAs(err, "payment", payload.GatewayTxID)
		}
		if gatewayName != "" && txn.Gateway != gatewayName {
			return apperr.Validation("transaction %s does not belong to gateway %s", txn.TransactionID, gatewayName)
		}
		if txn.WebhookHash == hash && !txn.Status.InFlight() {
			outcome = OutcomeDuplicate
			return nil
		}
		if status == gateway.StatusApproved && !payload.Amount.IsZero() && !payload.Amount.Equal(txn.Amount) {
			util.OrdersNeedingAttention.WithLabelValues("webhook_amount_mismatch").Inc()
			p.logger.Error("Webhook amount does not match the payment",
				zap.String("transaction_id", txn.TransactionID),
				zap.String("expected", txn.Amount.String()),
				zap.String("received", payload.Amount.String()))
			return apperr.Validation("webhook amount %s does not match payment amount %s",
				payload.Amount.String(), txn.Amount.String())
		}

		now := p.now()
		txn.WebhookPayload = types.JSONText(raw)
		txn.WebhookHash = hash
		txn.WebhookReceivedAt = &now
		if err := r.Payments().Update(ctx, txn); err != nil {
			return err
		}

		outcome, err = p.settleTx(ctx, r, fx, txn, &gateway.StatusResult{
			Status:         status,
			ApprovalNumber: payload.ApprovalNumber,
			Reason:         payload.Reason,
			Raw:            raw,
		}, "webhook")
		return err
	})
	if err != nil {
		if claimed {
			if ferr := p.deps.Idem.ForgetIdempotencyKey(context.Background(), claimKey); ferr != nil {
				p.logger.Warn("Failed to forget webhook dedupe key", zap.Error(ferr))
			}
		}
		return "", err
	}
	return outcome, nil
}

// settleTx applies a gateway status to a locked transaction.
func (p *PaymentManager) settleTx(ctx context.Context, r store.Repos, fx *effects, txn *models.PaymentTransaction,
	res *gateway.StatusResult, source string) (SettleOutcome, error) {
	var target models.TransactionStatus
	switch res.Status {
	case gateway.StatusApproved:
		target = models.TxStatusCompleted
	case gateway.StatusFailed:
		target = models.TxStatusFailed
	case gateway.StatusCancelled:
		target = models.TxStatusCancelled
	default:
		return OutcomePending, nil
	}

	if txn.Status == target {
		return OutcomeDuplicate, nil
	}
	actor := models.GatewayActor()
	if !txn.Status.InFlight() {
		p.logger.Warn("Gateway result ignored for settled payment",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("status", string(txn.Status)),
			zap.String("gateway_status", string(res.Status)),
			zap.String("source", source))
		if err := p.audit(ctx, r, models.EntityPayment, txn.ID, "gateway_result_ignored",
			string(txn.Status), string(target), actor, source, nil); err != nil {
			return "", err
		}
		if res.Status == gateway.StatusApproved &&
			(txn.Status == models.TxStatusCancelled || txn.Status == models.TxStatusFailed) {
			if err := p.reverseCaptureTx(ctx, r, fx, txn, "gateway captured a closed attempt"); err != nil {
				return "", err
			}
		}
		return OutcomeIgnored, nil
	}

	var err error
	switch target {
	case models.TxStatusCompleted:
		err = p.approveTx(ctx, r, fx, txn, res.ApprovalNumber, res.Raw, actor)
	case models.TxStatusFailed:
		_, err = p.failTx(ctx, r, fx, txn, res.Reason, actor)
	case models.TxStatusCancelled:
		reason := res.Reason
		if reason == "" {
			reason = "cancelled by gateway"
		}
		if err = p.cancelInFlightTx(ctx, r, txn, reason, actor); err == nil {
			var order *models.Order
			order, err = r.Orders().GetForUpdate(ctx, txn.OrderID)
			if err == nil && order.PaymentStatus == models.PaymentStatusPending {
				order.PaymentStatus = models.PaymentStatusCancelled
				err = r.Orders().Update(ctx, order)
			}
		}
	}
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// Poll asks the gateway for the status of an in-flight attempt and applies the answer
func (p *PaymentManager) Poll(ctx context.Context, txnID int64) (SettleOutcome, error) {
	ctx, span := util.StartSpan(ctx, "PaymentManager.Poll", attribute.Int64("transaction_id", txnID))

	outcome, err := func() (SettleOutcome, error) {
		var txn *models.PaymentTransaction
		if err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
			var err error
			txn, err = r.Payments().GetByID(ctx, txnID)
			return notFoundAs(err, "payment", txnID)
		}); err != nil {
			return "", err
		}
		if !txn.Status.InFlight() {
			return OutcomeDuplicate, nil
		}
		if txn.GatewayTxID == nil {
			return OutcomePending, nil
		}

		gw, err := p.deps.Gateways.Get(txn.Gateway)
		if err != nil {
			return "", err
		}
		start := time.Now()
		res, err := gw.QueryStatus(ctx, *txn.GatewayTxID)
		util.GatewayLatency.WithLabelValues(gw.Name(), "query").Observe(time.Since(start).Seconds())
		if err != nil {
			return "", apperr.Gateway("status query", err)
		}
		if !res.Status.IsFinal() {
			return OutcomePending, p.touch(ctx, txnID)
		}

		var outcome SettleOutcome
		err = p.inTx(ctx, func(r store.Repos, fx *effects) error {
			cur, err := r.Payments().GetForUpdate(ctx, txnID)
			if err != nil {
				return err
			}
			outcome, err = p.settleTx(ctx, r, fx, cur, res, "poll")
			return err
		})
		return outcome, err
	}()

	util.EndSpan(span, err)
	return outcome, err
}

// touch bumps updated_at of a still in-flight attempt so stale scans move on to others.
func (p *PaymentManager) touch(ctx context.Context, txnID int64) error {
	return p.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if !cur.Status.InFlight() {
			return nil
		}
		return r.Payments().Update(ctx, cur)
	})
}

// StalePayments lists in-flight attempts that have not moved since before
func (p *PaymentManager) StalePayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		txns, err = r.Payments().ListStale(ctx, before, limit)
		return err
	})
	return txns, err
}

// Get returns one attempt
func (p *PaymentManager) Get(ctx context.Context, txnID int64) (*models.PaymentTransaction, error) {
	var txn *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		txn, err = r.Payments().GetByID(ctx, txnID)
		return notFoundAs(err, "payment", txnID)
	})
	return txn, err
}

// ListByOrder returns every attempt of the order, oldest first
func (p *PaymentManager) ListByOrder(ctx context.Context, orderID int64) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		if _, err := r.Orders().GetByID(ctx, orderID); err != nil {
			return notFoundAs(err, "order", orderID)
		}
		var err error
		txns, err = r.Payments().ListByOrder(ctx, orderID)
		return err
	})
	return txns, err
}

// latestTx returns the newest attempt of an order matching keep, or nil.
func latestTx(ctx context.Context, r store.Repos, orderID int64, keep func(t *models.PaymentTransaction) bool) (*models.PaymentTransaction, error) {
	txns, err := r.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := len(txns) - 1; i >= 0; i-- {
		if keep(&txns[i]) {
			return &txns[i], nil
		}
	}
	return nil, nil
}

// Latest returns the newest attempt of the order
func (p *PaymentManager) Latest(ctx context.Context, orderID int64) (*models.PaymentTransaction, error) {
	var txn *models.PaymentTransaction
	err := p.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		txn, err = latestTx(ctx, r, orderID, func(*models.PaymentTransaction) bool { return true })
		if err != nil {
			return err
		}
		if txn == nil {
			return apperr.NotFound("payment", orderID)
		}
		return nil
	})
	return txn, err
}
