package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Product is the stock-relevant slice of a catalog product.
type Product struct {
	ID               int64           `db:"id" json:"id"`
	SKU              string          `db:"sku" json:"sku"`
	Name             string          `db:"name" json:"name"`
	ImageURL         string          `db:"image_url" json:"image_url"`
	CategoryID       int64           `db:"category_id" json:"category_id"`
	Price            decimal.Decimal `db:"price" json:"price"`
	StockQuantity    int             `db:"stock_quantity" json:"stock_quantity"`
	MinStockQuantity int             `db:"min_stock_quantity" json:"min_stock_quantity"`
	TrackStock       bool            `db:"track_stock" json:"track_stock"`
	AllowBackorder   bool            `db:"allow_backorder" json:"allow_backorder"`
	StockStatus      StockStatus     `db:"stock_status" json:"stock_status"`
	SalesCount       int             `db:"sales_count" json:"sales_count"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// ShippingAddress is captured at order time and never changed afterwards.
type ShippingAddress struct {
	RecipientName string `db:"shipping_name" json:"recipient_name"`
	Phone         string `db:"shipping_phone" json:"phone"`
	PostalCode    string `db:"shipping_postal_code" json:"postal_code"`
	Line1         string `db:"shipping_line1" json:"line1"`
	Line2         string `db:"shipping_line2" json:"line2"`
	City          string `db:"shipping_city" json:"city"`
	Country       string `db:"shipping_country" json:"country"`
}

// Order represents a customer order
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Status         OrderStatus     `db:"status" json:"status"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingCost   decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	CouponDiscount decimal.Decimal `db:"coupon_discount" json:"coupon_discount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency       string          `db:"currency" json:"currency"`
	ShippingAddress
	CouponID       *int64     `db:"coupon_id" json:"coupon_id,omitempty"`
	CouponCode     *string    `db:"coupon_code" json:"coupon_code,omitempty"`
	AdminNotes     string     `db:"admin_notes" json:"admin_notes,omitempty"`
	Carrier        string     `db:"carrier" json:"carrier,omitempty"`
	TrackingNumber string     `db:"tracking_number" json:"tracking_number,omitempty"`
	StockDeducted  bool       `db:"stock_deducted" json:"stock_deducted"`
	IdempotencyKey string     `db:"idempotency_key" json:"-"`
	SessionID      string     `db:"session_id" json:"-"`
	ConfirmedAt    *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ShippedAt      *time.Time `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt    *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem is one product line of an order. Product fields are snapshots.
type OrderItem struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	ProductID      int64           `db:"product_id" json:"product_id"`
	ProductName    string          `db:"product_name" json:"product_name"`
	ProductSKU     string          `db:"product_sku" json:"product_sku"`
	ProductImage   string          `db:"product_image" json:"product_image"`
	CategoryID     int64           `db:"category_id" json:"category_id"`
	Quantity       int             `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice     decimal.Decimal `db:"total_price" json:"total_price"`
	Status         ItemStatus      `db:"status" json:"status"`
	ReviewDeadline *time.Time      `db:"review_deadline" json:"review_deadline,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction is one attempt to move money for an order.
type PaymentTransaction struct {
	ID                  int64             `db:"id" json:"id"`
	TransactionID       string            `db:"transaction_id" json:"transaction_id"`
	OrderID             int64             `db:"order_id" json:"order_id"`
	ParentID            *int64            `db:"parent_id" json:"parent_id,omitempty"`
	Gateway             string            `db:"gateway" json:"gateway"`
	Method              string            `db:"method" json:"method"`
	Amount              decimal.Decimal   `db:"amount" json:"amount"`
	Currency            string            `db:"currency" json:"currency"`
	Status              TransactionStatus `db:"status" json:"status"`
	GatewayTxID         *string           `db:"gateway_tx_id" json:"gateway_tx_id,omitempty"`
	GatewayRequest      types.JSONText    `db:"gateway_request" json:"-"`
	GatewayResponse     types.JSONText    `db:"gateway_response" json:"-"`
	ApprovalNumber      string            `db:"approval_number" json:"approval_number,omitempty"`
	FailureReason       string            `db:"failure_reason" json:"failure_reason,omitempty"`
	CancelReason        string            `db:"cancel_reason" json:"cancel_reason,omitempty"`
	RefundReason        string            `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundAmount        decimal.Decimal   `db:"refund_amount" json:"refund_amount"`
	PendingRefundAmount decimal.Decimal   `db:"pending_refund_amount" json:"-"`
	GatewayRefundID     string            `db:"gateway_refund_id" json:"gateway_refund_id,omitempty"`
	RetryCount          int               `db:"retry_count" json:"retry_count"`
	WebhookPayload      types.JSONText    `db:"webhook_payload" json:"-"`
	WebhookHash         string            `db:"webhook_hash" json:"-"`
	WebhookReceivedAt   *time.Time        `db:"webhook_received_at" json:"webhook_received_at,omitempty"`
	ApprovedAt          *time.Time        `db:"approved_at" json:"approved_at,omitempty"`
	FailedAt            *time.Time        `db:"failed_at" json:"failed_at,omitempty"`
	CancelledAt         *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RefundedAt          *time.Time        `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt           time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `db:"updated_at" json:"updated_at"`
}

// RefundableAmount is what can still be reserved for a refund.
func (t *PaymentTransaction) RefundableAmount() decimal.Decimal {
	return t.Amount.Sub(t.RefundAmount).Sub(t.PendingRefundAmount)
}

// Coupon is a discount code with usage limits and eligibility rules.
type Coupon struct {
	ID                  int64               `db:"id" json:"id"`
	Code                string              `db:"code" json:"code"`
	Name                string              `db:"name" json:"name"`
	DiscountType        DiscountType        `db:"discount_type" json:"discount_type"`
	Value               decimal.Decimal     `db:"value" json:"value"`
	MinOrderAmount      decimal.Decimal     `db:"min_order_amount" json:"min_order_amount"`
	MaxDiscountAmount   decimal.NullDecimal `db:"max_discount_amount" json:"max_discount_amount"`
	UsageLimit          *int                `db:"usage_limit" json:"usage_limit,omitempty"`
	UsageLimitPerUser   *int                `db:"usage_limit_per_user" json:"usage_limit_per_user,omitempty"`
	UsedCount           int                 `db:"used_count" json:"used_count"`
	StartsAt            *time.Time          `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt           *time.Time          `db:"expires_at" json:"expires_at,omitempty"`
	IsActive            bool                `db:"is_active" json:"is_active"`
	IsPublic            bool                `db:"is_public" json:"is_public"`
	ProductIDs          pq.Int64Array       `db:"product_ids" json:"product_ids,omitempty"`
	CategoryIDs         pq.Int64Array       `db:"category_ids" json:"category_ids,omitempty"`
	ExcludedProductIDs  pq.Int64Array       `db:"excluded_product_ids" json:"excluded_product_ids,omitempty"`
	ExcludedCategoryIDs pq.Int64Array       `db:"excluded_category_ids" json:"excluded_category_ids,omitempty"`
	UserSegment         UserSegment         `db:"user_segment" json:"user_segment"`
	MinUserLevel        int                 `db:"min_user_level" json:"min_user_level"`
	UserTags            pq.StringArray      `db:"user_tags" json:"user_tags,omitempty"`
	FirstOrderOnly      bool                `db:"first_order_only" json:"first_order_only"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// HasItemRestriction reports whether any allow or deny list is set.
func (c *Coupon) HasItemRestriction() bool {
	return len(c.ProductIDs) > 0 || len(c.CategoryIDs) > 0 ||
		len(c.ExcludedProductIDs) > 0 || len(c.ExcludedCategoryIDs) > 0
}

// CouponUsage is the append-only ledger row written per redemption.
type CouponUsage struct {
	ID             int64           `db:"id" json:"id"`
	CouponID       int64           `db:"coupon_id" json:"coupon_id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	OrderAmount    decimal.Decimal `db:"order_amount" json:"order_amount"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
}

// Customer is the profile slice the coupon engine needs.
type Customer struct {
	ID    int64          `db:"id" json:"id"`
	Level int            `db:"level" json:"level"`
	Tags  pq.StringArray `db:"tags" json:"tags"`
}

// CustomerProfile is a Customer plus the derived prior order count.
type CustomerProfile struct {
	Customer
	PriorOrderCount int `json:"prior_order_count"`
}

// InventoryAdjustment records a manual stock change.
type InventoryAdjustment struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	ActorID   int64     `db:"actor_id" json:"actor_id"`
	Delta     int       `db:"delta" json:"delta"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuditEvent is an append-only history row. EntityKind + EntityID identify the subject.
type AuditEvent struct {
	ID         int64          `db:"id" json:"id"`
	EntityKind EntityKind     `db:"entity_kind" json:"entity_kind"`
	EntityID   int64          `db:"entity_id" json:"entity_id"`
	Action     string         `db:"action" json:"action"`
	FromStatus string         `db:"from_status" json:"from_status,omitempty"`
	ToStatus   string         `db:"to_status" json:"to_status,omitempty"`
	ActorKind  ActorKind      `db:"actor_kind" json:"actor_kind"`
	ActorID    int64          `db:"actor_id" json:"actor_id"`
	SessionID  string         `db:"session_id" json:"session_id,omitempty"`
	Note       string         `db:"note" json:"note,omitempty"`
	Payload    types.JSONText `db:"payload" json:"payload,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// EntityKind tags which table an AuditEvent refers to.
type EntityKind string

const (
	EntityOrder   EntityKind = "order"
	EntityPayment EntityKind = "payment"
	EntityProduct EntityKind = "product"
	EntityCoupon  EntityKind = "coupon"
)

// ActorKind is who triggered an operation.
type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorAdmin    ActorKind = "admin"
	ActorSystem   ActorKind = "system"
	ActorGateway  ActorKind = "gateway"
)

// Actor is passed explicitly into every mutating operation.
type Actor struct {
	Kind      ActorKind `json:"kind"`
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
}

func SystemActor() Actor  { return Actor{Kind: ActorSystem} }
func GatewayActor() Actor { return Actor{Kind: ActorGateway} }

// StockSnapshot is the cached read model of a product's stock.
type StockSnapshot struct {
	ProductID     int64       `json:"product_id"`
	StockQuantity int         `json:"stock_quantity"`
	StockStatus   StockStatus `json:"stock_status"`
	Version       int64       `json:"version"`
}

// Snapshot returns the cacheable stock view of p.
func (p *Product) Snapshot() StockSnapshot {
	return StockSnapshot{
		ProductID:     p.ID,
		StockQuantity: p.StockQuantity,
		StockStatus:   p.StockStatus,
		Version:       p.UpdatedAt.UnixMicro(),
	}
}
