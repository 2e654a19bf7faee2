package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// StockLedger owns every change to product stock.
type StockLedger struct {
	*base
}

// Deduct removes qty units from a product in its own unit of work
func (l *StockLedger) Deduct(ctx context.Context, productID int64, qty int) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Deduct", attribute.Int64("product_id", productID))
	var product *models.Product
	err := l.inTx(ctx, func(r store.Repos, fx *effects) error {
		p, err := l.deductTx(ctx, r, fx, productID, qty)
		product = p
		return err
	})
	util.EndSpan(span, err)
	return product, err
}

// Restore puts qty units back in its own unit of work
func (l *StockLedger) Restore(ctx context.Context, productID int64, qty int) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Restore", attribute.Int64("product_id", productID))
	var product *models.Product
	err := l.inTx(ctx, func(r store.Repos, fx *effects) error {
		p, err := l.restoreTx(ctx, r, fx, productID, qty)
		product = p
		return err
	})
	util.EndSpan(span, err)
	return product, err
}

// deductTx locks the product row, checks availability and decrements.
// Untracked products are left untouched.
func (l *StockLedger) deductTx(ctx context.Context, r store.Repos, fx *effects, productID int64, qty int) (*models.Product, error) {
	if qty <= 0 {
		return nil, apperr.Validation("deduct quantity must be positive, got %d", qty)
	}

	product, err := r.Products().GetForUpdate(ctx, productID)
	if err != nil {
		return nil, notFoundAs(err, "product", productID)
	}
	if !product.TrackStock {
		return product, nil
	}

	if !product.AllowBackorder && product.StockQuantity < qty {
		util.InsufficientStockTotal.Inc()
		return nil, apperr.InsufficientStock(productID, product.StockQuantity, qty)
	}

	product.StockQuantity -= qty
	product.SalesCount += qty
	product.StockStatus = product.DeriveStockStatus()
	if err := r.Products().UpdateStock(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to deduct stock for product %d: %w", productID, err)
	}

	util.StockMovementsTotal.WithLabelValues("deduct").Inc()
	l.refreshCache(fx, product)
	return product, nil
}

// restoreTx is the inverse of deductTx and has no business failure mode.
func (l *StockLedger) restoreTx(ctx context.Context, r store.Repos, fx *effects, productID int64, qty int) (*models.Product, error) {
	product, err := r.Products().GetForUpdate(ctx, productID)
	if err != nil {
		return nil, notFoundAs(err, "product", productID)
	}
	if !product.TrackStock || qty <= 0 {
		return product, nil
	}

	wasUnavailable := product.StockQuantity <= 0
	product.StockQuantity += qty
	product.SalesCount -= qty
	if product.SalesCount < 0 {
		product.SalesCount = 0
	}
	product.StockStatus = product.DeriveStockStatus()
	if err := r.Products().UpdateStock(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to restore stock for product %d: %w", productID, err)
	}

	util.StockMovementsTotal.WithLabelValues("restore").Inc()
	l.refreshCache(fx, product)
	if wasUnavailable && product.StockQuantity > 0 {
		l.notifyRestocked(fx, product)
	}
	return product, nil
}

// deductItems deducts every line in product id order so concurrent orders lock rows in the same order.
func (l *StockLedger) deductItems(ctx context.Context, r store.Repos, fx *effects, items []models.OrderItem) error {
	start := time.Now()
	defer func() {
		util.StockDeductLatency.Observe(time.Since(start).Seconds())
	}()

	for _, item := range sortedByProduct(items) {
		if _, err := l.deductTx(ctx, r, fx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *StockLedger) restoreItems(ctx context.Context, r store.Repos, fx *effects, items []models.OrderItem) error {
	for _, item := range sortedByProduct(items) {
		if _, err := l.restoreTx(ctx, r, fx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func sortedByProduct(items []models.OrderItem) []models.OrderItem {
	sorted := append([]models.OrderItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	return sorted
}

// Adjust applies a manual stock correction and records it
func (l *StockLedger) Adjust(ctx context.Context, productID int64, delta int, reason string, actor models.Actor) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Adjust", attribute.Int64("product_id", productID))

	var product *models.Product
	err := func() error {
		if delta == 0 {
			return apperr.Validation("adjustment delta must not be zero")
		}
		if reason == "" {
			return apperr.Validation("adjustment reason is required")
		}

		return l.inTx(ctx, func(r store.Repos, fx *effects) error {
			p, err := r.Products().GetForUpdate(ctx, productID)
			if err != nil {
				return notFoundAs(err, "product", productID)
			}
			if !p.TrackStock {
				return apperr.Validation("product %d does not track stock", productID)
			}

			before := p.StockQuantity
			after := before + delta
			if after < 0 && !p.AllowBackorder {
				return apperr.InsufficientStock(productID, before, -delta)
			}

			p.StockQuantity = after
			p.StockStatus = p.DeriveStockStatus()
			if err := r.Products().UpdateStock(ctx, p); err != nil {
				return err
			}

			adj := &models.InventoryAdjustment{ProductID: productID, ActorID: actor.ID, Delta: delta, Reason: reason}
			if err := r.Products().CreateAdjustment(ctx, adj); err != nil {
				return err
			}
			if err := l.audit(ctx, r, models.EntityProduct, productID, "stock_adjusted",
				fmt.Sprint(before), fmt.Sprint(after), actor, reason, map[string]int{"delta": delta}); err != nil {
				return err
			}

			util.StockMovementsTotal.WithLabelValues("adjust").Inc()
			l.refreshCache(fx, p)
			if before <= 0 && after > 0 {
				l.notifyRestocked(fx, p)
			}
			product = p
			return nil
		})
	}()

	util.EndSpan(span, err)
	if err == nil {
		l.logger.Info("Stock adjusted",
			zap.Int64("product_id", productID),
			zap.Int("delta", delta),
			zap.Int("stock_quantity", product.StockQuantity))
	}
	return product, err
}

// Snapshot returns the cached stock view, falling back to the database
func (l *StockLedger) Snapshot(ctx context.Context, productID int64) (*models.StockSnapshot, error) {
	if l.deps.Cache != nil {
		snap, err := l.deps.Cache.GetStock(ctx, productID)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err != nil {
			l.logger.Warn("Stock cache read failed", zap.Int64("product_id", productID), zap.Error(err))
		}
	}

	var snap models.StockSnapshot
	err := l.inTx(ctx, func(r store.Repos, fx *effects) error {
		p, err := r.Products().GetByID(ctx, productID)
		if err != nil {
			return notFoundAs(err, "product", productID)
		}
		snap = p.Snapshot()
		l.refreshCache(fx, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SyncCache mirrors every product's stock into the cache
func (l *StockLedger) SyncCache(ctx context.Context) (int, error) {
	if l.deps.Cache == nil {
		return 0, nil
	}
	l.logger.Info("Starting stock sync to cache")

	var products []models.Product
	err := l.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		products, err = r.Products().List(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list products: %w", err)
	}

	synced := 0
	for i := range products {
		if err := l.deps.Cache.SetStock(ctx, products[i].Snapshot()); err != nil {
			l.logger.Error("Failed to cache stock",
				zap.Int64("product_id", products[i].ID),
				zap.Error(err))
			continue
		}
		synced++
	}

	l.logger.Info("Stock sync completed", zap.Int("count", synced))
	return synced, nil
}

func (l *StockLedger) refreshCache(fx *effects, product *models.Product) {
	if l.deps.Cache == nil {
		return
	}
	snap := product.Snapshot()
	fx.add(func(ctx context.Context) {
		if err := l.deps.Cache.SetStock(ctx, snap); err != nil {
			l.logger.Warn("Failed to refresh stock cache",
				zap.Int64("product_id", snap.ProductID),
				zap.Error(err))
		}
	})
}

func (l *StockLedger) notifyRestocked(fx *effects, product *models.Product) {
	event := &models.InventoryRestockedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeInventoryRestocked),
		ProductID:     product.ID,
		StockQuantity: product.StockQuantity,
		StockStatus:   product.StockStatus,
	}
	l.notify(fx, event.EventType, func(ctx context.Context, n Notifier) error {
		return n.PublishInventoryRestocked(ctx, event)
	})
}
