package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"fulfillment-service/internal/models"
)

type paymentRepo struct {
	db sqlx.ExtContext
}

func normalizeBlobs(txn *models.PaymentTransaction) {
	txn.GatewayRequest = jsonOrEmpty(txn.GatewayRequest)
	txn.GatewayResponse = jsonOrEmpty(txn.GatewayResponse)
	txn.WebhookPayload = jsonOrEmpty(txn.WebhookPayload)
}

// Create creates a new payment transaction row
func (r *paymentRepo) Create(ctx context.Context, txn *models.PaymentTransaction) error {
	normalizeBlobs(txn)

	query := `
		INSERT INTO payment_transactions (
			transaction_id, order_id, parent_id, gateway, method, amount, currency, status,
			gateway_tx_id, gateway_request, gateway_response, retry_count)
		VALUES (
			:transaction_id, :order_id, :parent_id, :gateway, :method, :amount, :currency, :status,
			:gateway_tx_id, :gateway_request, :gateway_response, :retry_count)
		RETURNING id, created_at, updated_at`

	return insertReturning(ctx, r.db, query, txn, &txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
}

func (r *paymentRepo) getOne(ctx context.Context, query string, arg interface{}) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := sqlx.GetContext(ctx, r.db, &txn, query, arg); err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	return r.getOne(ctx, "SELECT * FROM payment_transactions WHERE id = $1", id)
}

func (r *paymentRepo) GetForUpdate(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	return r.getOne(ctx, "SELECT * FROM payment_transactions WHERE id = $1 FOR UPDATE", id)
}

func (r *paymentRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	return r.getOne(ctx, "SELECT * FROM payment_transactions WHERE transaction_id = $1", transactionID)
}

func (r *paymentRepo) GetByGatewayTxIDForUpdate(ctx context.Context, gatewayTxID string) (*models.PaymentTransaction, error) {
	return r.getOne(ctx, "SELECT * FROM payment_transactions WHERE gateway_tx_id = $1 FOR UPDATE", gatewayTxID)
}

// ListByOrder retrieves the attempt history of an order
func (r *paymentRepo) ListByOrder(ctx context.Context, orderID int64) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := sqlx.SelectContext(ctx, r.db, &txns,
		"SELECT * FROM payment_transactions WHERE order_id = $1 ORDER BY id", orderID)
	return txns, err
}

// Update writes every mutable column of the transaction
func (r *paymentRepo) Update(ctx context.Context, txn *models.PaymentTransaction) error {
	normalizeBlobs(txn)

	query := `
		UPDATE payment_transactions SET
			status = :status,
			gateway_tx_id = :gateway_tx_id,
			gateway_request = :gateway_request,
			gateway_response = :gateway_response,
			approval_number = :approval_number,
			failure_reason = :failure_reason,
			cancel_reason = :cancel_reason,
			refund_reason = :refund_reason,
			refund_amount = :refund_amount,
			pending_refund_amount = :pending_refund_amount,
			gateway_refund_id = :gateway_refund_id,
			webhook_payload = :webhook_payload,
			webhook_hash = :webhook_hash,
			webhook_received_at = :webhook_received_at,
			approved_at = :approved_at,
			failed_at = :failed_at,
			cancelled_at = :cancelled_at,
			refunded_at = :refunded_at,
			updated_at = NOW()
		WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, r.db, query, txn)
	if err != nil {
		return fmt.Errorf("failed to update payment transaction %s: %w", txn.TransactionID, err)
	}
	return requireOneRow(res)
}

// ListStale returns in-flight attempts the gateway has not settled yet
func (r *paymentRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := sqlx.SelectContext(ctx, r.db, &txns,
		`SELECT * FROM payment_transactions
		 WHERE status IN ($1, $2) AND gateway_tx_id IS NOT NULL AND updated_at < $3
		 ORDER BY updated_at
		 LIMIT $4`,
		models.TxStatusPending, models.TxStatusProcessing, before, limit)
	return txns, err
}
