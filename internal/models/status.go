package models

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fulfillment-service/internal/apperr"
)

// OrderStatus is the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
}

// CanTransitionTo reports whether next is allowed from s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s.
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	out := make([]OrderStatus, len(orderTransitions[s]))
	copy(out, orderTransitions[s])
	return out
}

func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// CountsAsPriorOrder decides which orders make a customer "existing" for coupon rules.
func (s OrderStatus) CountsAsPriorOrder() bool {
	return s != OrderStatusCancelled && s != OrderStatusRefunded
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(v)
	if _, ok := orderTransitions[s]; !ok {
		return "", apperr.Validation("unknown order status %q", v)
	}
	return s, nil
}

// PaymentStatus is the order-level payment summary.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// HoldsFunds reports whether money captured for the order is still with the merchant.
func (s PaymentStatus) HoldsFunds() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPartiallyRefunded
}

func ParsePaymentStatus(v string) (PaymentStatus, error) {
	switch s := PaymentStatus(v); s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled,
		PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return s, nil
	}
	return "", apperr.Validation("unknown payment status %q", v)
}

// TransactionStatus is the state of one PaymentTransaction.
type TransactionStatus string

const (
	TxStatusPending    TransactionStatus = "pending"
	TxStatusProcessing TransactionStatus = "processing"
	TxStatusCompleted  TransactionStatus = "completed"
	TxStatusFailed     TransactionStatus = "failed"
	TxStatusCancelled  TransactionStatus = "cancelled"
	TxStatusRefunded   TransactionStatus = "refunded"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:    {TxStatusProcessing, TxStatusCompleted, TxStatusFailed, TxStatusCancelled},
	TxStatusProcessing: {TxStatusCompleted, TxStatusFailed, TxStatusCancelled},
	TxStatusCompleted:  {TxStatusCancelled, TxStatusRefunded},
	TxStatusFailed:     {},
	TxStatusCancelled:  {},
	TxStatusRefunded:   {},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight is true while the gateway may still settle the attempt.
func (s TransactionStatus) InFlight() bool {
	return s == TxStatusPending || s == TxStatusProcessing
}

// MaxPaymentRetries bounds the retry chain of an order.
const MaxPaymentRetries = 3

// CanRetry holds only for a failed attempt below the retry cap.
func (t *PaymentTransaction) CanRetry() bool {
	return t.Status == TxStatusFailed && t.RetryCount < MaxPaymentRetries
}

// ItemStatus mirrors a subset of order statuses plus return/exchange states.
type ItemStatus string

const (
	ItemStatusPending           ItemStatus = "pending"
	ItemStatusConfirmed         ItemStatus = "confirmed"
	ItemStatusProcessing        ItemStatus = "processing"
	ItemStatusShipped           ItemStatus = "shipped"
	ItemStatusDelivered         ItemStatus = "delivered"
	ItemStatusCancelled         ItemStatus = "cancelled"
	ItemStatusRefunded          ItemStatus = "refunded"
	ItemStatusReturnRequested   ItemStatus = "return_requested"
	ItemStatusReturned          ItemStatus = "returned"
	ItemStatusExchangeRequested ItemStatus = "exchange_requested"
	ItemStatusExchanged         ItemStatus = "exchanged"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusDelivered:         {ItemStatusReturnRequested, ItemStatusExchangeRequested},
	ItemStatusReturnRequested:   {ItemStatusReturned, ItemStatusDelivered},
	ItemStatusExchangeRequested: {ItemStatusExchanged, ItemStatusDelivered},
}

// CanTransitionTo covers only the item-owned return/exchange edges.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FollowsOrder is false once an item entered its own return/exchange flow.
func (s ItemStatus) FollowsOrder() bool {
	switch s {
	case ItemStatusReturnRequested, ItemStatusReturned, ItemStatusExchangeRequested, ItemStatusExchanged:
		return false
	}
	return true
}

func ParseItemStatus(v string) (ItemStatus, error) {
	s := ItemStatus(v)
	switch s {
	case ItemStatusPending, ItemStatusConfirmed, ItemStatusProcessing, ItemStatusShipped,
		ItemStatusDelivered, ItemStatusCancelled, ItemStatusRefunded, ItemStatusReturnRequested,
		ItemStatusReturned, ItemStatusExchangeRequested, ItemStatusExchanged:
		return s, nil
	}
	return "", apperr.Validation("unknown item status %q", v)
}

// ItemStatusFor maps an order status onto the mirrored item status.
func ItemStatusFor(s OrderStatus) ItemStatus {
	return ItemStatus(s)
}

// StockStatus is derived from quantity and backorder policy.
type StockStatus string

const (
	StockInStock   StockStatus = "in_stock"
	StockLow       StockStatus = "low_stock"
	StockOut       StockStatus = "out_of_stock"
	StockBackorder StockStatus = "on_backorder"
)

// DeriveStockStatus recomputes the status after a quantity change.
func (p *Product) DeriveStockStatus() StockStatus {
	switch {
	case !p.TrackStock:
		return StockInStock
	case p.StockQuantity > 0 && p.StockQuantity <= p.MinStockQuantity:
		return StockLow
	case p.StockQuantity > 0:
		return StockInStock
	case p.AllowBackorder:
		return StockBackorder
	default:
		return StockOut
	}
}

// DiscountType of a coupon.
type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// UserSegment restricts a coupon to new or existing customers.
type UserSegment string

const (
	SegmentAll      UserSegment = "all"
	SegmentNew      UserSegment = "new"
	SegmentExisting UserSegment = "existing"
)

// ExpectedTotal is subtotal + shipping + tax - discount - coupon discount.
func (o *Order) ExpectedTotal() decimal.Decimal {
	return o.Subtotal.Add(o.ShippingCost).Add(o.TaxAmount).Sub(o.DiscountAmount).Sub(o.CouponDiscount)
}

// CheckAmounts enforces the order amount invariant.
func (o *Order) CheckAmounts() error {
	terms := map[string]decimal.Decimal{
		"subtotal":        o.Subtotal,
		"shipping_cost":   o.ShippingCost,
		"tax_amount":      o.TaxAmount,
		"discount_amount": o.DiscountAmount,
		"coupon_discount": o.CouponDiscount,
		"total_amount":    o.TotalAmount,
	}
	for name, v := range terms {
		if v.IsNegative() {
			return apperr.Validation("%s must not be negative, got %s", name, v.String())
		}
	}
	if !o.TotalAmount.Equal(o.ExpectedTotal()) {
		return fmt.Errorf("order %s total %s does not match components %s",
			o.OrderNumber, o.TotalAmount.String(), o.ExpectedTotal().String())
	}
	return nil
}
