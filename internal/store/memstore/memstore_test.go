package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	p := s.SeedProduct(models.Product{SKU: "A", Name: "A", StockQuantity: 5, TrackStock: true})
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(r store.Repos) error {
		prod, err := r.Products().GetForUpdate(ctx, p.ID)
		require.NoError(t, err)
		prod.StockQuantity = 1
		require.NoError(t, r.Products().UpdateStock(ctx, prod))
		return boom
	})
	assert.Equal(t, boom, err)

	err = s.WithinTx(ctx, func(r store.Repos) error {
		prod, err := r.Products().GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, prod.StockQuantity)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateStock_RejectsNegativeTrackedStock(t *testing.T) {
	s := New()
	p := s.SeedProduct(models.Product{SKU: "A", StockQuantity: 1, TrackStock: true})
	ctx := context.Background()

	err := s.WithinTx(ctx, func(r store.Repos) error {
		prod, _ := r.Products().GetForUpdate(ctx, p.ID)
		prod.StockQuantity = -1
		return r.Products().UpdateStock(ctx, prod)
	})
	assert.Error(t, err)
}

func TestUpdateStock_VersionIncreases(t *testing.T) {
	s := New()
	p := s.SeedProduct(models.Product{SKU: "A", StockQuantity: 1, TrackStock: true})
	ctx := context.Background()

	var updated models.Product
	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		prod, _ := r.Products().GetForUpdate(ctx, p.ID)
		prod.StockQuantity = 2
		updated = *prod
		return r.Products().UpdateStock(ctx, &updated)
	}))
	assert.Greater(t, updated.Snapshot().Version, p.Snapshot().Version)
}

func TestOrders_IdempotencyKeyUnique(t *testing.T) {
	s := New()
	ctx := context.Background()

	newOrder := func(number string) *models.Order {
		return &models.Order{
			OrderNumber:    number,
			UserID:         7,
			Status:         models.OrderStatusPending,
			PaymentStatus:  models.PaymentStatusPending,
			Subtotal:       decimal.NewFromInt(100),
			TotalAmount:    decimal.NewFromInt(100),
			IdempotencyKey: "k1",
		}
	}

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		return r.Orders().Create(ctx, newOrder("ORD-1"))
	}))

	err := s.WithinTx(ctx, func(r store.Repos) error {
		return r.Orders().Create(ctx, newOrder("ORD-2"))
	})
	assert.True(t, errors.Is(err, apperr.ErrConcurrencyConflict))

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		found, err := r.Orders().GetByIdempotencyKey(ctx, 7, "k1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "ORD-1", found.OrderNumber)

		missing, err := r.Orders().GetByIdempotencyKey(ctx, 8, "k1")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))
}

func TestOrders_TotalMustMatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(r store.Repos) error {
		return r.Orders().Create(ctx, &models.Order{
			OrderNumber: "ORD-1",
			Subtotal:    decimal.NewFromInt(100),
			TotalAmount: decimal.NewFromInt(90),
		})
	})
	assert.Error(t, err)
}

func TestCoupons_UsageLimitCheck(t *testing.T) {
	s := New()
	limit := 1
	c := s.SeedCoupon(models.Coupon{Code: "ONE", DiscountType: models.DiscountFixed, UsageLimit: &limit})
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		coupon, _ := r.Coupons().GetForUpdate(ctx, c.ID)
		coupon.UsedCount = 1
		return r.Coupons().UpdateUsedCount(ctx, coupon)
	}))

	err := s.WithinTx(ctx, func(r store.Repos) error {
		coupon, _ := r.Coupons().GetForUpdate(ctx, c.ID)
		coupon.UsedCount = 2
		return r.Coupons().UpdateUsedCount(ctx, coupon)
	})
	assert.Error(t, err)
}

func TestAudit_MarkProcessed(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		first, err := r.Audit().MarkProcessed(ctx, "m-1", "webhook")
		require.NoError(t, err)
		assert.True(t, first)

		again, err := r.Audit().MarkProcessed(ctx, "m-1", "webhook")
		require.NoError(t, err)
		assert.False(t, again)
		return nil
	}))
}

func TestAudit_RolledBackAppendIsNotVisible(t *testing.T) {
	s := New()
	ctx := context.Background()
	appendNote := func(r store.Repos, note string) error {
		return r.Audit().Append(ctx, &models.AuditEvent{
			EntityKind: models.EntityOrder, EntityID: 1, Action: "status_changed", Note: note,
		})
	}

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error { return appendNote(r, "first") }))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(r store.Repos) error {
		require.NoError(t, appendNote(r, "discarded"))
		return boom
	})
	assert.Equal(t, boom, err)

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error { return appendNote(r, "second") }))

	require.NoError(t, s.WithinTx(ctx, func(r store.Repos) error {
		events, err := r.Audit().List(ctx, models.EntityOrder, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "first", events[0].Note)
		assert.Equal(t, "second", events[1].Note)
		return nil
	}))
}
