package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	k8srand "k8s.io/apimachinery/pkg/util/rand"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// CheckoutItem is one requested product line
type CheckoutItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CheckoutRequest represents a request to place an order
type CheckoutRequest struct {
	UserID          int64                  `json:"-"`
	SessionID       string                 `json:"-"`
	Items           []CheckoutItem         `json:"items" binding:"required,min=1"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

// CheckoutResult is the created (or replayed) order
type CheckoutResult struct {
	Order    models.Order       `json:"order"`
	Items    []models.OrderItem `json:"items"`
	Replayed bool               `json:"replayed"`
}

// CheckoutService turns a cart into a pending order.
type CheckoutService struct {
	*base
	coupons *CouponEngine
}

func (req *CheckoutRequest) validate() error {
	if req.UserID <= 0 {
		return apperr.Validation("user id is required")
	}
	if len(req.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}
	for _, item := range req.Items {
		if item.ProductID <= 0 {
			return apperr.Validation("invalid product id %d", item.ProductID)
		}
		if item.Quantity <= 0 {
			return apperr.Validation("quantity for product %d must be positive", item.ProductID)
		}
	}
	addr := req.ShippingAddress
	if strings.TrimSpace(addr.RecipientName) == "" || strings.TrimSpace(addr.Line1) == "" {
		return apperr.Validation("shipping recipient and address line are required")
	}
	return nil
}

// mergeItems folds repeated products into one line, ordered by product id.
func mergeItems(items []CheckoutItem) []CheckoutItem {
	qty := make(map[int64]int, len(items))
	for _, item := range items {
		qty[item.ProductID] += item.Quantity
	}
	merged := make([]CheckoutItem, 0, len(qty))
	for id, q := range qty {
		merged = append(merged, CheckoutItem{ProductID: id, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}

func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(k8srand.String(8)))
}

// Checkout creates the order, its items and the coupon redemption in one unit of work.
// Stock is not touched until the order is confirmed.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout", attribute.Int64("user_id", req.UserID))

	result, err := s.checkout(ctx, req)
	util.EndSpan(span, err)
	return result, err
}

func (s *CheckoutService) checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}
	lines := mergeItems(req.Items)

	var result *CheckoutResult
	err := s.inTx(ctx, func(r store.Repos, fx *effects) error {
		existing, err := s.replayTx(ctx, r, req.UserID, req.IdempotencyKey)
		if err != nil || existing != nil {
			result = existing
			return err
		}

		items, subtotal, err := priceLinesTx(ctx, r, lines)
		if err != nil {
			return err
		}

		order := &models.Order{
			OrderNumber:     newOrderNumber(s.now()),
			UserID:          req.UserID,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			Subtotal:        subtotal,
			ShippingCost:    s.shippingFor(subtotal),
			TaxAmount:       subtotal.Mul(s.settings.TaxPercent).Div(decimal.NewFromInt(100)).Round(2),
			DiscountAmount:  decimal.Zero,
			CouponDiscount:  decimal.Zero,
			Currency:        s.settings.Currency,
			ShippingAddress: req.ShippingAddress,
			IdempotencyKey:  req.IdempotencyKey,
			SessionID:       req.SessionID,
		}

		var quote *CouponQuote
		if strings.TrimSpace(req.CouponCode) != "" {
			quote, err = s.coupons.reserveTx(ctx, r, req.CouponCode, req.UserID, subtotal, couponItems(items))
			if err != nil {
				return err
			}
			couponID, code := quote.Coupon.ID, quote.Coupon.Code
			order.CouponID = &couponID
			order.CouponCode = &code
			order.CouponDiscount = quote.Discount
		}
		order.TotalAmount = order.ExpectedTotal()
		if err := order.CheckAmounts(); err != nil {
			return err
		}

		if err := r.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for i := range items {
			items[i].OrderID = order.ID
			if err := r.Orders().CreateItem(ctx, &items[i]); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}
		if quote != nil {
			coupon := quote.Coupon
			if err := s.coupons.useTx(ctx, r, &coupon, order, quote.Discount); err != nil {
				return err
			}
		}

		actor := models.Actor{Kind: models.ActorCustomer, ID: req.UserID, SessionID: req.SessionID}
		if err := s.audit(ctx, r, models.EntityOrder, order.ID, "created", "", string(order.Status), actor, "",
			map[string]string{"total_amount": order.TotalAmount.String()}); err != nil {
			return err
		}
		fx.add(func(ctx context.Context) { util.OrdersCreatedTotal.Inc() })
		s.notifyOrderChanged(fx, order, "", "order placed")

		result = &CheckoutResult{Order: *order, Items: items}
		return nil
	})

	if err != nil && apperr.KindOf(err) == apperr.KindConcurrencyConflict {
		// a concurrent request with the same key may have won the insert
		var replay *CheckoutResult
		if rerr := s.inTx(ctx, func(r store.Repos, fx *effects) error {
			var err error
			replay, err = s.replayTx(ctx, r, req.UserID, req.IdempotencyKey)
			return err
		}); rerr == nil && replay != nil {
			return replay, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		s.logger.Info("Duplicate checkout request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", result.Order.ID))
	} else {
		s.logger.Info("Order created",
			zap.Int64("order_id", result.Order.ID),
			zap.String("order_number", result.Order.OrderNumber),
			zap.String("total_amount", result.Order.TotalAmount.String()))
	}
	return result, nil
}

func (s *CheckoutService) replayTx(ctx context.Context, r store.Repos, userID int64, key string) (*CheckoutResult, error) {
	existing, err := r.Orders().GetByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	items, err := r.Orders().ListItems(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: *existing, Items: items, Replayed: true}, nil
}

// priceLinesTx snapshots the catalog into order items and sums them.
func priceLinesTx(ctx context.Context, r store.Repos, lines []CheckoutItem) ([]models.OrderItem, decimal.Decimal, error) {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
	}
	products, err := r.Products().GetByIDs(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	items := make([]models.OrderItem, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		p, ok := byID[line.ProductID]
		if !ok {
			return nil, decimal.Zero, apperr.NotFound("product", line.ProductID)
		}
		total := p.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, models.OrderItem{
			ProductID:    p.ID,
			ProductName:  p.Name,
			ProductSKU:   p.SKU,
			ProductImage: p.ImageURL,
			CategoryID:   p.CategoryID,
			Quantity:     line.Quantity,
			UnitPrice:    p.Price,
			TotalPrice:   total,
			Status:       models.ItemStatusPending,
		})
		subtotal = subtotal.Add(total)
	}
	return items, subtotal, nil
}

// QuoteCoupon prices a cart at current catalog prices and quotes a coupon against it
func (s *CheckoutService) QuoteCoupon(ctx context.Context, userID int64, code string, items []CheckoutItem) (*CouponQuote, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return nil, apperr.Validation("invalid line for product %d", item.ProductID)
		}
	}

	var priced []models.OrderItem
	if err := s.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		priced, _, err = priceLinesTx(ctx, r, mergeItems(items))
		return err
	}); err != nil {
		return nil, err
	}
	return s.coupons.Preview(ctx, code, userID, couponItems(priced))
}

func (s *CheckoutService) shippingFor(subtotal decimal.Decimal) decimal.Decimal {
	threshold := s.settings.FreeShippingThreshold
	if threshold.IsPositive() && subtotal.GreaterThanOrEqual(threshold) {
		return decimal.Zero
	}
	return s.settings.ShippingFee
}
