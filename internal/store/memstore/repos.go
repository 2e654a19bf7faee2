package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

type repos struct {
	s *Store
	d *dataset
}

func (r *repos) Orders() store.OrderRepository       { return &orderRepo{r} }
func (r *repos) Products() store.ProductRepository   { return &productRepo{r} }
func (r *repos) Payments() store.PaymentRepository   { return &paymentRepo{r} }
func (r *repos) Coupons() store.CouponRepository     { return &couponRepo{r} }
func (r *repos) Customers() store.CustomerRepository { return &customerRepo{r} }
func (r *repos) Audit() store.AuditRepository        { return &auditRepo{r} }

func checkViolation(constraint string) error {
	return fmt.Errorf("new row violates check constraint %q", constraint)
}

func uniqueViolation(constraint string) error {
	return apperr.Conflict(fmt.Sprintf("duplicate value violates %s", constraint), nil)
}

func emptyJSON(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}

// Orders

type orderRepo struct{ *repos }

func (r *orderRepo) checkOrder(o *models.Order) error {
	if err := o.CheckAmounts(); err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return err
		}
		return checkViolation("total_matches")
	}
	for id, other := range r.d.orders {
		if id == o.ID {
			continue
		}
		if other.OrderNumber == o.OrderNumber {
			return uniqueViolation("orders_order_number_key")
		}
		if other.UserID == o.UserID && other.IdempotencyKey == o.IdempotencyKey {
			return uniqueViolation("orders_user_idempotency")
		}
	}
	return nil
}

func (r *orderRepo) Create(ctx context.Context, order *models.Order) error {
	if err := r.checkOrder(order); err != nil {
		return err
	}
	order.ID = r.d.id()
	order.CreatedAt = r.s.now()
	order.UpdatedAt = order.CreatedAt
	r.d.orders[order.ID] = *order
	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := r.d.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *orderRepo) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	for _, o := range r.d.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (r *orderRepo) Update(ctx context.Context, order *models.Order) error {
	if _, ok := r.d.orders[order.ID]; !ok {
		return store.ErrNotFound
	}
	if err := r.checkOrder(order); err != nil {
		return err
	}
	order.UpdatedAt = r.s.now()
	r.d.orders[order.ID] = *order
	return nil
}

func (r *orderRepo) CountPriorOrders(ctx context.Context, userID int64) (int, error) {
	n := 0
	for _, o := range r.d.orders {
		if o.UserID == userID && o.Status.CountsAsPriorOrder() {
			n++
		}
	}
	return n, nil
}

func (r *orderRepo) CreateItem(ctx context.Context, item *models.OrderItem) error {
	if _, ok := r.d.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d does not exist", item.OrderID)
	}
	if item.Quantity <= 0 || !item.TotalPrice.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
		return checkViolation("order_items_total_price_check")
	}
	item.ID = r.d.id()
	item.CreatedAt = r.s.now()
	item.UpdatedAt = item.CreatedAt
	r.d.items[item.ID] = *item
	return nil
}

func (r *orderRepo) ListItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	for _, it := range r.d.items {
		if it.OrderID == orderID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r *orderRepo) UpdateItem(ctx context.Context, item *models.OrderItem) error {
	cur, ok := r.d.items[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = item.Status
	cur.ReviewDeadline = item.ReviewDeadline
	cur.UpdatedAt = r.s.now()
	item.UpdatedAt = cur.UpdatedAt
	r.d.items[item.ID] = cur
	return nil
}

// Products

type productRepo struct{ *repos }

func (r *productRepo) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	p, ok := r.d.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *productRepo) GetForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return r.GetByID(ctx, id)
}

func (r *productRepo) GetByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	products := []models.Product{}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if p, ok := r.d.products[id]; ok && !seen[id] {
			seen[id] = true
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *productRepo) List(ctx context.Context) ([]models.Product, error) {
	products := make([]models.Product, 0, len(r.d.products))
	for _, p := range r.d.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *productRepo) UpdateStock(ctx context.Context, product *models.Product) error {
	cur, ok := r.d.products[product.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.TrackStock && !cur.AllowBackorder && product.StockQuantity < 0 {
		return checkViolation("stock_non_negative")
	}
	cur.StockQuantity = product.StockQuantity
	cur.StockStatus = product.StockStatus
	cur.SalesCount = product.SalesCount
	cur.UpdatedAt = r.s.now()
	product.UpdatedAt = cur.UpdatedAt
	r.d.products[product.ID] = cur
	return nil
}

func (r *productRepo) CreateAdjustment(ctx context.Context, adj *models.InventoryAdjustment) error {
	if _, ok := r.d.products[adj.ProductID]; !ok {
		return fmt.Errorf("product %d does not exist", adj.ProductID)
	}
	adj.ID = r.d.id()
	adj.CreatedAt = r.s.now()
	r.d.adjustments = append(r.d.adjustments, *adj)
	return nil
}

// Payments

type paymentRepo struct{ *repos }

func (r *paymentRepo) check(txn *models.PaymentTransaction) error {
	if txn.RefundAmount.Add(txn.PendingRefundAmount).GreaterThan(txn.Amount) {
		return checkViolation("refund_within_amount")
	}
	for id, other := range r.d.payments {
		if id == txn.ID {
			continue
		}
		if other.TransactionID == txn.TransactionID {
			return uniqueViolation("payment_transactions_transaction_id_key")
		}
		if txn.GatewayTxID != nil && other.GatewayTxID != nil && *other.GatewayTxID == *txn.GatewayTxID {
			return uniqueViolation("payment_transactions_gateway_tx_id_key")
		}
	}
	return nil
}

func (r *paymentRepo) normalize(txn *models.PaymentTransaction) {
	txn.GatewayRequest = emptyJSON(txn.GatewayRequest)
	txn.GatewayResponse = emptyJSON(txn.GatewayResponse)
	txn.WebhookPayload = emptyJSON(txn.WebhookPayload)
}

func (r *paymentRepo) Create(ctx context.Context, txn *models.PaymentTransaction) error {
	if _, ok := r.d.orders[txn.OrderID]; !ok {
		return fmt.Errorf("order %d does not exist", txn.OrderID)
	}
	if err := r.check(txn); err != nil {
		return err
	}
	r.normalize(txn)
	txn.ID = r.d.id()
	txn.CreatedAt = r.s.now()
	txn.UpdatedAt = txn.CreatedAt
	r.d.payments[txn.ID] = *txn
	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	t, ok := r.d.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (r *paymentRepo) GetForUpdate(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	return r.GetByID(ctx, id)
}

func (r *paymentRepo) find(match func(t *models.PaymentTransaction) bool) (*models.PaymentTransaction, error) {
	for _, t := range r.d.payments {
		if match(&t) {
			found := t
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *paymentRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error) {
	return r.find(func(t *models.PaymentTransaction) bool { return t.TransactionID == transactionID })
}

func (r *paymentRepo) GetByGatewayTxIDForUpdate(ctx context.Context, gatewayTxID string) (*models.PaymentTransaction, error) {
	return r.find(func(t *models.PaymentTransaction) bool {
		return t.GatewayTxID != nil && *t.GatewayTxID == gatewayTxID
	})
}

func (r *paymentRepo) ListByOrder(ctx context.Context, orderID int64) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	for _, t := range r.d.payments {
		if t.OrderID == orderID {
			txns = append(txns, t)
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns, nil
}

func (r *paymentRepo) Update(ctx context.Context, txn *models.PaymentTransaction) error {
	if _, ok := r.d.payments[txn.ID]; !ok {
		return store.ErrNotFound
	}
	if err := r.check(txn); err != nil {
		return err
	}
	r.normalize(txn)
	txn.UpdatedAt = r.s.now()
	r.d.payments[txn.ID] = *txn
	return nil
}

func (r *paymentRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	for _, t := range r.d.payments {
		if t.Status.InFlight() && t.GatewayTxID != nil && t.UpdatedAt.Before(before) {
			txns = append(txns, t)
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].UpdatedAt.Before(txns[j].UpdatedAt) })
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

// Coupons

type couponRepo struct{ *repos }

func (r *couponRepo) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	for _, c := range r.d.coupons {
		if c.Code == code {
			found := c
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *couponRepo) GetByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error) {
	return r.GetByCode(ctx, code)
}

func (r *couponRepo) GetForUpdate(ctx context.Context, id int64) (*models.Coupon, error) {
	c, ok := r.d.coupons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (r *couponRepo) UpdateUsedCount(ctx context.Context, coupon *models.Coupon) error {
	cur, ok := r.d.coupons[coupon.ID]
	if !ok {
		return store.ErrNotFound
	}
	if coupon.UsedCount < 0 {
		return checkViolation("used_non_negative")
	}
	if cur.UsageLimit != nil && coupon.UsedCount > *cur.UsageLimit {
		return checkViolation("used_within_limit")
	}
	cur.UsedCount = coupon.UsedCount
	cur.UpdatedAt = r.s.now()
	r.d.coupons[coupon.ID] = cur
	return nil
}

func (r *couponRepo) CreateUsage(ctx context.Context, usage *models.CouponUsage) error {
	for _, u := range r.d.usages {
		if u.CouponID == usage.CouponID && u.OrderID == usage.OrderID {
			return uniqueViolation("coupon_usage_once_per_order")
		}
	}
	usage.ID = r.d.id()
	usage.UsedAt = r.s.now()
	r.d.usages[usage.ID] = *usage
	return nil
}

func (r *couponRepo) DeleteUsageByOrder(ctx context.Context, couponID, orderID int64) (int, error) {
	n := 0
	for id, u := range r.d.usages {
		if u.CouponID == couponID && u.OrderID == orderID {
			delete(r.d.usages, id)
			n++
		}
	}
	return n, nil
}

func (r *couponRepo) CountUsages(ctx context.Context, couponID int64) (int, error) {
	n := 0
	for _, u := range r.d.usages {
		if u.CouponID == couponID {
			n++
		}
	}
	return n, nil
}

func (r *couponRepo) CountUsagesByUser(ctx context.Context, couponID, userID int64) (int, error) {
	n := 0
	for _, u := range r.d.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

// Customers

type customerRepo struct{ *repos }

func (r *customerRepo) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	c, ok := r.d.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// Audit

type auditRepo struct{ *repos }

func (r *auditRepo) Append(ctx context.Context, event *models.AuditEvent) error {
	if event.EntityKind == "" || event.Action == "" {
		return errors.New("audit event requires entity kind and action")
	}
	event.Payload = emptyJSON(event.Payload)
	event.ID = r.d.id()
	event.CreatedAt = r.s.now()
	r.d.audit = append(r.d.audit, *event)
	return nil
}

func (r *auditRepo) List(ctx context.Context, kind models.EntityKind, entityID int64) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for _, e := range r.d.audit {
		if e.EntityKind == kind && e.EntityID == entityID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (r *auditRepo) MarkProcessed(ctx context.Context, messageID, kind string) (bool, error) {
	if _, seen := r.d.processed[messageID]; seen {
		return false, nil
	}
	r.d.processed[messageID] = kind
	return true, nil
}
