package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for the HTTP layer.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
	KindInsufficientStock   Kind = "insufficient_stock"
	KindInvalidRefundState  Kind = "invalid_refund_state"
	KindCouponInvalid       Kind = "coupon_invalid"
	KindGateway             Kind = "gateway_error"
	KindConcurrencyConflict Kind = "concurrency_conflict"
)

// Sentinels for errors.Is checks. Only the kind is compared.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrInsufficientStock   = &Error{Kind: KindInsufficientStock}
	ErrInvalidRefundState  = &Error{Kind: KindInvalidRefundState}
	ErrCouponInvalid       = &Error{Kind: KindCouponInvalid}
	ErrGateway             = &Error{Kind: KindGateway}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
)

// Error is the structured business error returned by the core.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string, id interface{}) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]interface{}{"entity": entity, "id": id},
	}
}

// InvalidTransition reports a state machine violation with both states.
func InvalidTransition(entity string, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
		Details: map[string]interface{}{"entity": entity, "current": from, "requested": to},
	}
}

// InvalidTransitionReason is InvalidTransition with an explanation for a guarded edge.
func InvalidTransitionReason(entity string, from, to, reason string) *Error {
	e := InvalidTransition(entity, from, to)
	e.Message = fmt.Sprintf("%s: %s", e.Message, reason)
	e.Details["reason"] = reason
	return e
}

func InsufficientStock(productID int64, available, requested int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for product %d", productID),
		Details: map[string]interface{}{
			"product_id": productID,
			"available":  available,
			"requested":  requested,
		},
	}
}

func InvalidRefundState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidRefundState, Message: fmt.Sprintf(format, args...)}
}

// CouponInvalid carries one of the enumerated coupon rejection reasons.
func CouponInvalid(code, reason string) *Error {
	return &Error{
		Kind:    KindCouponInvalid,
		Message: reason,
		Details: map[string]interface{}{"code": code, "reason": reason},
	}
}

func Gateway(op string, err error) *Error {
	return &Error{
		Kind:    KindGateway,
		Message: fmt.Sprintf("payment gateway %s failed", op),
		Err:     err,
	}
}

func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConcurrencyConflict, Message: message, Err: err}
}
