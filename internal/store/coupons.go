package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"fulfillment-service/internal/models"
)

type couponRepo struct {
	db sqlx.ExtContext
}

func (r *couponRepo) getOne(ctx context.Context, query string, arg interface{}) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := sqlx.GetContext(ctx, r.db, &coupon, query, arg); err != nil {
		return nil, notFound(err)
	}
	return &coupon, nil
}

func (r *couponRepo) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return r.getOne(ctx, "SELECT * FROM coupons WHERE code = $1", code)
}

// GetByCodeForUpdate serializes redemptions of one coupon
func (r *couponRepo) GetByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error) {
	return r.getOne(ctx, "SELECT * FROM coupons WHERE code = $1 FOR UPDATE", code)
}

func (r *couponRepo) GetForUpdate(ctx context.Context, id int64) (*models.Coupon, error) {
	return r.getOne(ctx, "SELECT * FROM coupons WHERE id = $1 FOR UPDATE", id)
}

func (r *couponRepo) UpdateUsedCount(ctx context.Context, coupon *models.Coupon) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE coupons SET used_count = $1, updated_at = NOW() WHERE id = $2",
		coupon.UsedCount, coupon.ID)
	if err != nil {
		return fmt.Errorf("failed to update coupon %s: %w", coupon.Code, err)
	}
	return requireOneRow(res)
}

func (r *couponRepo) CreateUsage(ctx context.Context, usage *models.CouponUsage) error {
	query := `
		INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_amount, order_amount)
		VALUES (:coupon_id, :user_id, :order_id, :discount_amount, :order_amount)
		RETURNING id, used_at`

	return insertReturning(ctx, r.db, query, usage, &usage.ID, &usage.UsedAt)
}

func (r *couponRepo) DeleteUsageByOrder(ctx context.Context, couponID, orderID int64) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM coupon_usages WHERE coupon_id = $1 AND order_id = $2", couponID, orderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *couponRepo) CountUsages(ctx context.Context, couponID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.db, &n, "SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1", couponID)
	return n, err
}

func (r *couponRepo) CountUsagesByUser(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.db, &n,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2", couponID, userID)
	return n, err
}
