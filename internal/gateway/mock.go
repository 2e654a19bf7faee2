package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockPayment struct {
	amount   decimal.Decimal
	refunded decimal.Decimal
	status   Status
	approval string
	reason   string
}

// MockGateway simulates a provider that settles payments on the first status query.
type MockGateway struct {
	name        string
	successRate float64 // 0.0 - 1.0
	latency     time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	rnd      *rand.Rand
	payments map[string]*mockPayment
}

// NewMockGateway creates a mock gateway with the given approval probability
func NewMockGateway(name string, successRate float64, latency time.Duration, logger *zap.Logger) *MockGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockGateway{
		name:        name,
		successRate: successRate,
		latency:     latency,
		logger:      logger,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		payments:    make(map[string]*mockPayment),
	}
}

func (g *MockGateway) Name() string { return g.name }

func (g *MockGateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(g.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *MockGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("mock gateway: amount must be positive, got %s", req.Amount)
	}

	txID := fmt.Sprintf("MOCK-%s", uuid.New().String())

	g.mu.Lock()
	g.payments[txID] = &mockPayment{amount: req.Amount, status: StatusPending}
	g.mu.Unlock()

	g.logger.Debug("Mock payment initiated",
		zap.String("gateway_tx_id", txID),
		zap.String("transaction_id", req.TransactionID),
		zap.String("amount", req.Amount.String()))

	raw, _ := json.Marshal(map[string]string{"gateway_tx_id": txID, "status": string(StatusPending)})
	return &InitiateResult{
		GatewayTxID:     txID,
		RedirectOrToken: "tok_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Raw:             raw,
	}, nil
}

func (g *MockGateway) QueryStatus(ctx context.Context, gatewayTxID string) (*StatusResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[gatewayTxID]
	if !ok {
		return nil, ErrUnknownTransaction
	}

	if p.status == StatusPending {
		if g.rnd.Float64() < g.successRate {
			p.status = StatusApproved
			p.approval = fmt.Sprintf("%08d", g.rnd.Intn(100000000))
		} else {
			p.status = StatusFailed
			p.reason = "mock_payment_declined"
		}
	}

	raw, _ := json.Marshal(map[string]string{"gateway_tx_id": gatewayTxID, "status": string(p.status)})
	return &StatusResult{Status: p.status, ApprovalNumber: p.approval, Reason: p.reason, Raw: raw}, nil
}

// Settle forces the outcome of a pending payment, mirroring an asynchronous provider callback.
func (g *MockGateway) Settle(gatewayTxID string, status Status, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[gatewayTxID]
	if !ok {
		return ErrUnknownTransaction
	}
	p.status = status
	p.reason = reason
	if status == StatusApproved && p.approval == "" {
		p.approval = fmt.Sprintf("%08d", g.rnd.Intn(100000000))
	}
	return nil
}

func (g *MockGateway) Refund(ctx context.Context, gatewayTxID string, amount decimal.Decimal) (*RefundResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[gatewayTxID]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if p.status != StatusApproved {
		return nil, fmt.Errorf("mock gateway: cannot refund payment in status %s", p.status)
	}
	if p.refunded.Add(amount).GreaterThan(p.amount) {
		return nil, fmt.Errorf("mock gateway: refund %s exceeds remaining %s", amount, p.amount.Sub(p.refunded))
	}
	p.refunded = p.refunded.Add(amount)

	refundID := fmt.Sprintf("RF-%s", uuid.New().String()[:8])
	raw, _ := json.Marshal(map[string]string{"gateway_refund_id": refundID, "amount": amount.String()})
	return &RefundResult{GatewayRefundID: refundID, Raw: raw}, nil
}
