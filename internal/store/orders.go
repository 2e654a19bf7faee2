package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"fulfillment-service/internal/models"
)

type orderRepo struct {
	db sqlx.ExtContext
}

// insertReturning runs a named INSERT ... RETURNING and scans the first row into dest.
func insertReturning(ctx context.Context, db sqlx.ExtContext, query string, arg interface{}, dest ...interface{}) error {
	rows, err := sqlx.NamedQueryContext(ctx, db, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return fmt.Errorf("insert returned no rows")
	}
	return rows.Scan(dest...)
}

func jsonOrEmpty(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}

// Create inserts a new order
func (r *orderRepo) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			order_number, user_id, status, payment_status,
			subtotal, shipping_cost, tax_amount, discount_amount, coupon_discount, total_amount, currency,
			shipping_name, shipping_phone, shipping_postal_code, shipping_line1, shipping_line2,
			shipping_city, shipping_country,
			coupon_id, coupon_code, admin_notes, stock_deducted, idempotency_key, session_id)
		VALUES (
			:order_number, :user_id, :status, :payment_status,
			:subtotal, :shipping_cost, :tax_amount, :discount_amount, :coupon_discount, :total_amount, :currency,
			:shipping_name, :shipping_phone, :shipping_postal_code, :shipping_line1, :shipping_line2,
			:shipping_city, :shipping_country,
			:coupon_id, :coupon_code, :admin_notes, :stock_deducted, :idempotency_key, :session_id)
		RETURNING id, created_at, updated_at`

	return insertReturning(ctx, r.db, query, order, &order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetByID retrieves an order by ID
func (r *orderRepo) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := sqlx.GetContext(ctx, r.db, &order, "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// GetForUpdate retrieves and locks an order
func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := sqlx.GetContext(ctx, r.db, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// GetByIdempotencyKey retrieves an order by idempotency key
func (r *orderRepo) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, r.db, &order,
		"SELECT * FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// Update writes every mutable column of the order
func (r *orderRepo) Update(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET
			status = :status,
			payment_status = :payment_status,
			subtotal = :subtotal,
			shipping_cost = :shipping_cost,
			tax_amount = :tax_amount,
			discount_amount = :discount_amount,
			coupon_discount = :coupon_discount,
			total_amount = :total_amount,
			admin_notes = :admin_notes,
			carrier = :carrier,
			tracking_number = :tracking_number,
			stock_deducted = :stock_deducted,
			confirmed_at = :confirmed_at,
			shipped_at = :shipped_at,
			delivered_at = :delivered_at,
			cancelled_at = :cancelled_at,
			refunded_at = :refunded_at,
			updated_at = NOW()
		WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, r.db, query, order)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	return requireOneRow(res)
}

// CountPriorOrders counts orders that make a customer "existing"
func (r *orderRepo) CountPriorOrders(ctx context.Context, userID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.db, &n,
		"SELECT COUNT(*) FROM orders WHERE user_id = $1 AND status NOT IN ($2, $3)",
		userID, models.OrderStatusCancelled, models.OrderStatusRefunded)
	return n, err
}

// CreateItem creates a new order item
func (r *orderRepo) CreateItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (
			order_id, product_id, product_name, product_sku, product_image, category_id,
			quantity, unit_price, total_price, status)
		VALUES (
			:order_id, :product_id, :product_name, :product_sku, :product_image, :category_id,
			:quantity, :unit_price, :total_price, :status)
		RETURNING id, created_at, updated_at`

	return insertReturning(ctx, r.db, query, item, &item.ID, &item.CreatedAt, &item.UpdatedAt)
}

// ListItems retrieves all items for an order
func (r *orderRepo) ListItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, r.db, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpdateItem writes the item's status and review deadline
func (r *orderRepo) UpdateItem(ctx context.Context, item *models.OrderItem) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE order_items SET status = $1, review_deadline = $2, updated_at = NOW() WHERE id = $3",
		item.Status, item.ReviewDeadline, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update order item %d: %w", item.ID, err)
	}
	return requireOneRow(res)
}
