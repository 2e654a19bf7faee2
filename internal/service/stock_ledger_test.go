package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
)

type memCache struct {
	mu    sync.Mutex
	snaps map[int64]models.StockSnapshot
	err   error
}

func (c *memCache) SetStock(ctx context.Context, snap models.StockSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.ProductID] = snap
	return nil
}

func (c *memCache) GetStock(ctx context.Context, productID int64) (*models.StockSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	snap, ok := c.snaps[productID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func TestDeductRestore(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 3)

	got, err := f.svc.Stock.Deduct(f.ctx, p.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StockQuantity)
	assert.Equal(t, 3, got.SalesCount)
	assert.Equal(t, models.StockOut, got.StockStatus)

	_, err = f.svc.Stock.Deduct(f.ctx, p.ID, 1)
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	appErr, _ := apperr.As(err)
	assert.Equal(t, 0, appErr.Details["available"])
	assert.Equal(t, 1, appErr.Details["requested"])

	_, err = f.svc.Stock.Deduct(f.ctx, p.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err = f.svc.Stock.Restore(f.ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StockQuantity)
	assert.Equal(t, models.StockLow, got.StockStatus)
	assert.Equal(t, 1, f.notifier.count(models.EventTypeInventoryRestocked))

	got, err = f.svc.Stock.Restore(f.ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, got.StockQuantity)
	assert.Equal(t, 0, got.SalesCount)
	assert.Equal(t, 1, f.notifier.count(models.EventTypeInventoryRestocked))

	_, err = f.svc.Stock.Deduct(f.ctx, 999, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeduct_UntrackedAndBackorder(t *testing.T) {
	f := newFixture(t)
	untracked := f.store.SeedProduct(models.Product{Name: "Gift card", StockQuantity: 0})
	backorder := f.store.SeedProduct(models.Product{Name: "Preorder", StockQuantity: 1, TrackStock: true, AllowBackorder: true})

	got, err := f.svc.Stock.Deduct(f.ctx, untracked.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StockQuantity)
	assert.Equal(t, 0, got.SalesCount)

	got, err = f.svc.Stock.Deduct(f.ctx, backorder.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, -2, got.StockQuantity)
	assert.Equal(t, models.StockBackorder, got.StockStatus)
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(1000, 2)
	untracked := f.store.SeedProduct(models.Product{Name: "Service"})

	_, err := f.svc.Stock.Adjust(f.ctx, p.ID, 0, "noop", operator)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Stock.Adjust(f.ctx, p.ID, 5, "", operator)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Stock.Adjust(f.ctx, untracked.ID, 5, "count", operator)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Stock.Adjust(f.ctx, p.ID, -3, "shrinkage", operator)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	got, err := f.svc.Stock.Adjust(f.ctx, p.ID, -2, "damaged", operator)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StockQuantity)

	got, err = f.svc.Stock.Adjust(f.ctx, p.ID, 10, "delivery", operator)
	require.NoError(t, err)
	assert.Equal(t, 10, got.StockQuantity)
	assert.Equal(t, 1, f.notifier.count(models.EventTypeInventoryRestocked))

	events := f.audit(models.EntityProduct, p.ID)
	require.Len(t, events, 2)
	assert.Equal(t, "stock_adjusted", events[1].Action)
	assert.Equal(t, "0", events[1].FromStatus)
	assert.Equal(t, "10", events[1].ToStatus)
}

func TestSnapshot_PrefersCache(t *testing.T) {
	cache := &memCache{snaps: map[int64]models.StockSnapshot{}}
	f := newFixtureWith(t, func(d *Dependencies, _ *Settings) { d.Cache = cache })
	p := f.seedProduct(1000, 4)

	snap, err := f.svc.Stock.Snapshot(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.StockQuantity)
	assert.Contains(t, cache.snaps, p.ID, "a miss fills the cache")

	_, err = f.svc.Stock.Deduct(f.ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, cache.snaps[p.ID].StockQuantity)

	cache.snaps[p.ID] = models.StockSnapshot{ProductID: p.ID, StockQuantity: 99}
	snap, err = f.svc.Stock.Snapshot(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, snap.StockQuantity)

	cache.err = errors.New("redis down")
	snap, err = f.svc.Stock.Snapshot(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.StockQuantity)
}

func TestSyncCache(t *testing.T) {
	cache := &memCache{snaps: map[int64]models.StockSnapshot{}}
	f := newFixtureWith(t, func(d *Dependencies, _ *Settings) { d.Cache = cache })
	a := f.seedProduct(1000, 1)
	b := f.seedProduct(1000, 2)

	n, err := f.svc.Stock.SyncCache(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, cache.snaps[a.ID].StockQuantity)
	assert.Equal(t, 2, cache.snaps[b.ID].StockQuantity)
}
