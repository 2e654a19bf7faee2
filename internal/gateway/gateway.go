// Package gateway defines the payment gateway contract consumed by the payment manager.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"fulfillment-service/internal/apperr"
)

// Status is the gateway-side view of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsFinal reports whether the gateway will not change the status again.
func (s Status) IsFinal() bool {
	return s == StatusApproved || s == StatusFailed || s == StatusCancelled
}

type InitiateRequest struct {
	TransactionID string          `json:"transaction_id"`
	OrderNumber   string          `json:"order_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
}

type InitiateResult struct {
	GatewayTxID     string          `json:"gateway_tx_id"`
	RedirectOrToken string          `json:"redirect_or_token"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

type StatusResult struct {
	Status         Status          `json:"status"`
	ApprovalNumber string          `json:"approval_number,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

type RefundResult struct {
	GatewayRefundID string          `json:"gateway_refund_id"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Gateway is an external payment provider. Implementations perform network I/O
// and must never be called while a database lock is held.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, gatewayTxID string) (*StatusResult, error)
	Refund(ctx context.Context, gatewayTxID string, amount decimal.Decimal) (*RefundResult, error)
}

// Registry resolves gateways by name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

// Get returns the named gateway or a validation error.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[name]
	if !ok {
		return nil, apperr.Validation("unknown payment gateway %q", name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownTransaction is returned by gateways for ids they never issued.
var ErrUnknownTransaction = fmt.Errorf("unknown gateway transaction")
