package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// Repos is the set of repositories bound to one transaction.
type Repos interface {
	Orders() OrderRepository
	Products() ProductRepository
	Payments() PaymentRepository
	Coupons() CouponRepository
	Customers() CustomerRepository
	Audit() AuditRepository
}

// TxManager runs fn inside one atomic unit. Returning an error rolls everything back.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(r Repos) error) error
}

type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	// GetForUpdate locks the order row until the transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*models.Order, error)
	// GetByIdempotencyKey returns nil, nil when no order uses the key.
	GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	// CountPriorOrders counts the user's orders that are neither cancelled nor refunded.
	CountPriorOrders(ctx context.Context, userID int64) (int, error)

	CreateItem(ctx context.Context, item *models.OrderItem) error
	ListItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateItem(ctx context.Context, item *models.OrderItem) error
}

type ProductRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Product, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Product, error)
	GetByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	List(ctx context.Context) ([]models.Product, error)
	// UpdateStock writes stock_quantity, stock_status and sales_count.
	UpdateStock(ctx context.Context, product *models.Product) error
	CreateAdjustment(ctx context.Context, adj *models.InventoryAdjustment) error
}

type PaymentRepository interface {
	Create(ctx context.Context, txn *models.PaymentTransaction) error
	GetByID(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	GetForUpdate(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	GetByGatewayTxIDForUpdate(ctx context.Context, gatewayTxID string) (*models.PaymentTransaction, error)
	// ListByOrder returns every attempt of the order, oldest first.
	ListByOrder(ctx context.Context, orderID int64) ([]models.PaymentTransaction, error)
	Update(ctx context.Context, txn *models.PaymentTransaction) error
	// ListStale returns in-flight attempts with a gateway id not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
}

type CouponRepository interface {
	GetByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error)
	GetForUpdate(ctx context.Context, id int64) (*models.Coupon, error)
	// UpdateUsedCount persists coupon.UsedCount.
	UpdateUsedCount(ctx context.Context, coupon *models.Coupon) error
	CreateUsage(ctx context.Context, usage *models.CouponUsage) error
	// DeleteUsageByOrder removes the order's usage rows and reports how many were removed.
	DeleteUsageByOrder(ctx context.Context, couponID, orderID int64) (int, error)
	CountUsages(ctx context.Context, couponID int64) (int, error)
	CountUsagesByUser(ctx context.Context, couponID, userID int64) (int, error)
}

type CustomerRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Customer, error)
}

type AuditRepository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	List(ctx context.Context, kind models.EntityKind, entityID int64) ([]models.AuditEvent, error)
	// MarkProcessed records a consumed message id; false means it was seen before.
	MarkProcessed(ctx context.Context, messageID, kind string) (bool, error)
}
