package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// Coupon rejection reasons, checked in this order.
const (
	ReasonInactive          = "coupon is not active"
	ReasonNotStarted        = "coupon is not valid yet"
	ReasonExpired           = "coupon has expired"
	ReasonMinOrder          = "order amount is below the coupon minimum"
	ReasonUsageLimit        = "coupon usage limit reached"
	ReasonUserLimit         = "coupon already used the maximum number of times by this customer"
	ReasonNewCustomersOnly  = "coupon is only for new customers"
	ReasonExistingCustomers = "coupon is only for existing customers"
	ReasonUserLevel         = "customer level is too low for this coupon"
	ReasonUserTags          = "customer is not in the coupon's target group"
	ReasonFirstOrderOnly    = "coupon is only valid on the first order"
	ReasonNoApplicableItems = "no items in the order qualify for this coupon"
)

// CouponItem is one order line as the coupon rules see it.
type CouponItem struct {
	ProductID  int64
	CategoryID int64
	TotalPrice decimal.Decimal
}

// CouponContext carries everything Validate needs besides the coupon.
type CouponContext struct {
	Customer       models.CustomerProfile
	OrderAmount    decimal.Decimal
	Items          []CouponItem
	UserUsageCount int
	Now            time.Time
}

// CouponQuote is a validation outcome plus the discount it would give.
type CouponQuote struct {
	Coupon   models.Coupon   `json:"coupon"`
	Valid    bool            `json:"valid"`
	Reason   string          `json:"reason,omitempty"`
	Discount decimal.Decimal `json:"discount"`
}

// CouponEngine validates coupons and keeps used_count in step with the usage ledger.
type CouponEngine struct {
	*base
}

// Validate applies the coupon rules in order and returns the first failing reason.
func Validate(c *models.Coupon, cc CouponContext) (bool, string) {
	if !c.IsActive {
		return false, ReasonInactive
	}
	if c.StartsAt != nil && cc.Now.Before(*c.StartsAt) {
		return false, ReasonNotStarted
	}
	if c.ExpiresAt != nil && cc.Now.After(*c.ExpiresAt) {
		return false, ReasonExpired
	}
	if cc.OrderAmount.LessThan(c.MinOrderAmount) {
		return false, ReasonMinOrder
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return false, ReasonUsageLimit
	}
	if c.UsageLimitPerUser != nil && cc.UserUsageCount >= *c.UsageLimitPerUser {
		return false, ReasonUserLimit
	}

	switch c.UserSegment {
	case models.SegmentNew:
		if cc.Customer.PriorOrderCount > 0 {
			return false, ReasonNewCustomersOnly
		}
	case models.SegmentExisting:
		if cc.Customer.PriorOrderCount == 0 {
			return false, ReasonExistingCustomers
		}
	}
	if c.MinUserLevel > 0 && cc.Customer.Level < c.MinUserLevel {
		return false, ReasonUserLevel
	}
	if len(c.UserTags) > 0 && !intersects(c.UserTags, cc.Customer.Tags) {
		return false, ReasonUserTags
	}
	if c.FirstOrderOnly && cc.Customer.PriorOrderCount > 0 {
		return false, ReasonFirstOrderOnly
	}

	if c.HasItemRestriction() {
		qualifying := false
		for _, item := range cc.Items {
			if itemQualifies(c, item) {
				qualifying = true
				break
			}
		}
		if !qualifying {
			return false, ReasonNoApplicableItems
		}
	}
	return true, ""
}

// CalculateDiscount returns the discount the coupon gives on orderAmount, rounded to 2 decimals.
func CalculateDiscount(c *models.Coupon, orderAmount decimal.Decimal, items []CouponItem) decimal.Decimal {
	applicable := orderAmount
	if c.HasItemRestriction() {
		applicable = decimal.Zero
		for _, item := range items {
			if itemQualifies(c, item) {
				applicable = applicable.Add(item.TotalPrice)
			}
		}
	}
	if !applicable.IsPositive() {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch c.DiscountType {
	case models.DiscountFixed:
		discount = c.Value
	case models.DiscountPercentage:
		discount = applicable.Mul(c.Value).Div(decimal.NewFromInt(100))
		if c.MaxDiscountAmount.Valid && discount.GreaterThan(c.MaxDiscountAmount.Decimal) {
			discount = c.MaxDiscountAmount.Decimal
		}
	default:
		return decimal.Zero
	}

	if discount.GreaterThan(applicable) {
		discount = applicable
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount.Round(2)
}

// itemQualifies: deny lists win, then the item must match an allow list if any is set.
func itemQualifies(c *models.Coupon, item CouponItem) bool {
	if containsID(c.ExcludedProductIDs, item.ProductID) || containsID(c.ExcludedCategoryIDs, item.CategoryID) {
		return false
	}
	if len(c.ProductIDs) == 0 && len(c.CategoryIDs) == 0 {
		return true
	}
	return containsID(c.ProductIDs, item.ProductID) || containsID(c.CategoryIDs, item.CategoryID)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func couponItems(items []models.OrderItem) []CouponItem {
	out := make([]CouponItem, 0, len(items))
	for _, item := range items {
		out = append(out, CouponItem{ProductID: item.ProductID, CategoryID: item.CategoryID, TotalPrice: item.TotalPrice})
	}
	return out
}

// profileTx builds the customer view used by the segment rules.
// A customer without a profile row gets level 0 and no tags.
func (e *CouponEngine) profileTx(ctx context.Context, r store.Repos, userID int64) (models.CustomerProfile, error) {
	profile := models.CustomerProfile{Customer: models.Customer{ID: userID}}
	customer, err := r.Customers().GetByID(ctx, userID)
	switch {
	case err == nil:
		profile.Customer = *customer
	case !errors.Is(err, store.ErrNotFound):
		return profile, fmt.Errorf("failed to load customer %d: %w", userID, err)
	}

	prior, err := r.Orders().CountPriorOrders(ctx, userID)
	if err != nil {
		return profile, fmt.Errorf("failed to count prior orders: %w", err)
	}
	profile.PriorOrderCount = prior
	return profile, nil
}

// quoteTx validates the coupon for a user and computes the discount. forUpdate locks the coupon row.
func (e *CouponEngine) quoteTx(ctx context.Context, r store.Repos, code string, userID int64,
	orderAmount decimal.Decimal, items []CouponItem, forUpdate bool) (*CouponQuote, error) {
	code = normalizeCode(code)

	var coupon *models.Coupon
	var err error
	if forUpdate {
		coupon, err = r.Coupons().GetByCodeForUpdate(ctx, code)
	} else {
		coupon, err = r.Coupons().GetByCode(ctx, code)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.CouponInvalid(code, "coupon does not exist")
		}
		return nil, err
	}

	profile, err := e.profileTx(ctx, r, userID)
	if err != nil {
		return nil, err
	}
	userUsage, err := r.Coupons().CountUsagesByUser(ctx, coupon.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count coupon usage: %w", err)
	}

	quote := &CouponQuote{Coupon: *coupon, Discount: decimal.Zero}
	quote.Valid, quote.Reason = Validate(coupon, CouponContext{
		Customer:       profile,
		OrderAmount:    orderAmount,
		Items:          items,
		UserUsageCount: userUsage,
		Now:            e.now(),
	})
	if quote.Valid {
		quote.Discount = CalculateDiscount(coupon, orderAmount, items)
	}
	return quote, nil
}

// reserveTx locks and validates the coupon for checkout. An invalid coupon is a CouponInvalid error.
func (e *CouponEngine) reserveTx(ctx context.Context, r store.Repos, code string, userID int64,
	orderAmount decimal.Decimal, items []CouponItem) (*CouponQuote, error) {
	quote, err := e.quoteTx(ctx, r, code, userID, orderAmount, items, true)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindCouponInvalid {
			util.CouponRejectionsTotal.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}
	if !quote.Valid {
		util.CouponRejectionsTotal.WithLabelValues(quote.Reason).Inc()
		return nil, apperr.CouponInvalid(quote.Coupon.Code, quote.Reason)
	}
	return quote, nil
}

// useTx records one redemption. The coupon must already be locked by reserveTx.
func (e *CouponEngine) useTx(ctx context.Context, r store.Repos, coupon *models.Coupon, order *models.Order, discount decimal.Decimal) error {
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return apperr.CouponInvalid(coupon.Code, ReasonUsageLimit)
	}

	coupon.UsedCount++
	if err := r.Coupons().UpdateUsedCount(ctx, coupon); err != nil {
		return fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	usage := &models.CouponUsage{
		CouponID:       coupon.ID,
		UserID:         order.UserID,
		OrderID:        order.ID,
		DiscountAmount: discount,
		OrderAmount:    order.Subtotal,
		UsedAt:         e.now(),
	}
	if err := r.Coupons().CreateUsage(ctx, usage); err != nil {
		return fmt.Errorf("failed to record coupon usage: %w", err)
	}

	util.CouponRedemptionsTotal.WithLabelValues("use").Inc()
	return nil
}

// releaseTx gives back the order's redemption. used_count drops by exactly the rows removed.
func (e *CouponEngine) releaseTx(ctx context.Context, r store.Repos, order *models.Order) error {
	if order.CouponID == nil {
		return nil
	}

	coupon, err := r.Coupons().GetForUpdate(ctx, *order.CouponID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("Coupon of order no longer exists",
				zap.Int64("order_id", order.ID),
				zap.Int64("coupon_id", *order.CouponID))
			return nil
		}
		return err
	}

	removed, err := r.Coupons().DeleteUsageByOrder(ctx, coupon.ID, order.ID)
	if err != nil {
		return fmt.Errorf("failed to delete coupon usage: %w", err)
	}
	if removed == 0 {
		return nil
	}

	coupon.UsedCount -= removed
	if coupon.UsedCount < 0 {
		coupon.UsedCount = 0
	}
	if err := r.Coupons().UpdateUsedCount(ctx, coupon); err != nil {
		return fmt.Errorf("failed to decrement coupon usage: %w", err)
	}

	util.CouponRedemptionsTotal.WithLabelValues("release").Inc()
	return nil
}

// Preview quotes a coupon for a prospective order without changing anything.
func (e *CouponEngine) Preview(ctx context.Context, code string, userID int64, items []CouponItem) (*CouponQuote, error) {
	ctx, span := util.StartSpan(ctx, "CouponEngine.Preview", attribute.String("code", normalizeCode(code)))
	if strings.TrimSpace(code) == "" {
		err := apperr.Validation("coupon code is required")
		util.EndSpan(span, err)
		return nil, err
	}

	amount := decimal.Zero
	for _, item := range items {
		amount = amount.Add(item.TotalPrice)
	}

	var quote *CouponQuote
	err := e.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		quote, err = e.quoteTx(ctx, r, code, userID, amount, items, false)
		return err
	})
	util.EndSpan(span, err)
	return quote, err
}

// CouponUsageStats compares the counter with the usage ledger.
type CouponUsageStats struct {
	Code       string `json:"code"`
	UsedCount  int    `json:"used_count"`
	UsageRows  int    `json:"usage_rows"`
	UsageLimit *int   `json:"usage_limit,omitempty"`
	Consistent bool   `json:"consistent"`
}

// UsageStats reports whether used_count still reconciles with the usage rows.
func (e *CouponEngine) UsageStats(ctx context.Context, code string) (*CouponUsageStats, error) {
	var stats *CouponUsageStats
	err := e.inTx(ctx, func(r store.Repos, fx *effects) error {
		coupon, err := r.Coupons().GetByCode(ctx, normalizeCode(code))
		if err != nil {
			return notFoundAs(err, "coupon", code)
		}
		rows, err := r.Coupons().CountUsages(ctx, coupon.ID)
		if err != nil {
			return err
		}
		stats = &CouponUsageStats{
			Code:       coupon.Code,
			UsedCount:  coupon.UsedCount,
			UsageRows:  rows,
			UsageLimit: coupon.UsageLimit,
			Consistent: rows == coupon.UsedCount,
		}
		return nil
	})
	return stats, err
}
