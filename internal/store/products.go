package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"fulfillment-service/internal/models"
)

type productRepo struct {
	db sqlx.ExtContext
}

// GetByID retrieves a product by ID
func (r *productRepo) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	if err := sqlx.GetContext(ctx, r.db, &product, "SELECT * FROM products WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// GetForUpdate retrieves a product and locks its row (stock serialization)
func (r *productRepo) GetForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	if err := sqlx.GetContext(ctx, r.db, &product, "SELECT * FROM products WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// GetByIDs retrieves multiple products by IDs
func (r *productRepo) GetByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var products []models.Product
	err = sqlx.SelectContext(ctx, r.db, &products, query, args...)
	return products, err
}

// List retrieves all products
func (r *productRepo) List(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := sqlx.SelectContext(ctx, r.db, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// updateStockSQL stamps updated_at with the wall clock at write time, never earlier than the
// previous stamp. NOW() is the transaction start and would let a writer that waited on the row
// lock move the version backwards.
const updateStockSQL = `UPDATE products
	 SET stock_quantity = $1, stock_status = $2, sales_count = $3,
	     updated_at = GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')
	 WHERE id = $4
	 RETURNING updated_at`

// UpdateStock persists the stock slice and refreshes updated_at, which doubles as the cache version
func (r *productRepo) UpdateStock(ctx context.Context, product *models.Product) error {
	err := sqlx.GetContext(ctx, r.db, &product.UpdatedAt, updateStockSQL,
		product.StockQuantity, product.StockStatus, product.SalesCount, product.ID)
	if err != nil {
		if isNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update stock for product %d: %w", product.ID, err)
	}
	return nil
}

// CreateAdjustment records a manual stock change
func (r *productRepo) CreateAdjustment(ctx context.Context, adj *models.InventoryAdjustment) error {
	query := `
		INSERT INTO inventory_adjustments (product_id, actor_id, delta, reason)
		VALUES (:product_id, :actor_id, :delta, :reason)
		RETURNING id, created_at`

	return insertReturning(ctx, r.db, query, adj, &adj.ID, &adj.CreatedAt)
}
