package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/store/memstore"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) record(eventType string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	return n.err
}

func (n *recordingNotifier) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishPaymentRefunded(ctx context.Context, e *models.PaymentRefundedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishInventoryRestocked(ctx context.Context, e *models.InventoryRestockedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == eventType {
			c++
		}
	}
	return c
}

// mockGateway is a testify mock of gateway.Gateway named "flaky".
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string { return "flaky" }

func (m *mockGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*gateway.InitiateResult)
	return res, args.Error(1)
}

func (m *mockGateway) QueryStatus(ctx context.Context, gatewayTxID string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, gatewayTxID)
	res, _ := args.Get(0).(*gateway.StatusResult)
	return res, args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, gatewayTxID string, amount decimal.Decimal) (*gateway.RefundResult, error) {
	args := m.Called(ctx, gatewayTxID, amount)
	res, _ := args.Get(0).(*gateway.RefundResult)
	return res, args.Error(1)
}

var errGatewayDown = errors.New("connection reset by peer")

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	gw       *gateway.MockGateway
	flaky    *mockGateway
	notifier *recordingNotifier
	svc      *Services
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(*Dependencies, *Settings) {})
}

func newFixtureWith(t *testing.T, tweak func(*Dependencies, *Settings)) *fixture {
	t.Helper()

	st := memstore.New()
	gw := gateway.NewMockGateway("mock", 1.0, 0, zap.NewNop())
	flaky := &mockGateway{}
	notifier := &recordingNotifier{}

	deps := Dependencies{
		Tx:       st,
		Gateways: gateway.NewRegistry(gw, flaky),
		Notifier: notifier,
		Logger:   zap.NewNop(),
	}
	settings := DefaultSettings()
	tweak(&deps, &settings)

	return &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		gw:       gw,
		flaky:    flaky,
		notifier: notifier,
		svc:      New(deps, settings),
	}
}

var (
	customer = models.Actor{Kind: models.ActorCustomer, ID: 7, SessionID: "sess-1"}
	operator = models.Actor{Kind: models.ActorAdmin, ID: 1}
)

func address() models.ShippingAddress {
	return models.ShippingAddress{RecipientName: "Kim", Phone: "010-0000-0000", Line1: "1 Main St", City: "Seoul", Country: "KR"}
}

func (f *fixture) seedProduct(price int64, stock int) models.Product {
	return f.store.SeedProduct(models.Product{
		SKU:              "SKU",
		Name:             "Widget",
		CategoryID:       1,
		Price:            decimal.NewFromInt(price),
		StockQuantity:    stock,
		MinStockQuantity: 1,
		TrackStock:       true,
	})
}

func (f *fixture) checkout(userID int64, coupon string, items ...CheckoutItem) *CheckoutResult {
	f.t.Helper()
	res, err := f.svc.Checkout.Checkout(f.ctx, CheckoutRequest{
		UserID:          userID,
		Items:           items,
		CouponCode:      coupon,
		ShippingAddress: address(),
	})
	require.NoError(f.t, err)
	return res
}

// paidOrder places an order for one product and captures its payment, which confirms it.
func (f *fixture) paidOrder(product models.Product, qty int) (*models.Order, *models.PaymentTransaction) {
	f.t.Helper()
	placed := f.checkout(customer.ID, "", CheckoutItem{ProductID: product.ID, Quantity: qty})

	attempt, err := f.svc.Payments.Initiate(f.ctx, placed.Order.ID, "card", "mock", customer)
	require.NoError(f.t, err)
	outcome, err := f.svc.Payments.Poll(f.ctx, attempt.Transaction.ID)
	require.NoError(f.t, err)
	require.Equal(f.t, OutcomeApplied, outcome)

	return f.order(placed.Order.ID), f.payment(attempt.Transaction.ID)
}

func (f *fixture) read(fn func(r store.Repos) error) {
	f.t.Helper()
	require.NoError(f.t, f.store.WithinTx(f.ctx, fn))
}

func (f *fixture) order(id int64) *models.Order {
	var o *models.Order
	f.read(func(r store.Repos) error {
		var err error
		o, err = r.Orders().GetByID(f.ctx, id)
		return err
	})
	return o
}

func (f *fixture) items(orderID int64) []models.OrderItem {
	var items []models.OrderItem
	f.read(func(r store.Repos) error {
		var err error
		items, err = r.Orders().ListItems(f.ctx, orderID)
		return err
	})
	return items
}

func (f *fixture) product(id int64) *models.Product {
	var p *models.Product
	f.read(func(r store.Repos) error {
		var err error
		p, err = r.Products().GetByID(f.ctx, id)
		return err
	})
	return p
}

func (f *fixture) payment(id int64) *models.PaymentTransaction {
	var t *models.PaymentTransaction
	f.read(func(r store.Repos) error {
		var err error
		t, err = r.Payments().GetByID(f.ctx, id)
		return err
	})
	return t
}

func (f *fixture) payments(orderID int64) []models.PaymentTransaction {
	var txns []models.PaymentTransaction
	f.read(func(r store.Repos) error {
		var err error
		txns, err = r.Payments().ListByOrder(f.ctx, orderID)
		return err
	})
	return txns
}

func (f *fixture) coupon(code string) *models.Coupon {
	var c *models.Coupon
	f.read(func(r store.Repos) error {
		var err error
		c, err = r.Coupons().GetByCode(f.ctx, code)
		return err
	})
	return c
}

func (f *fixture) couponUsages(couponID int64) int {
	var n int
	f.read(func(r store.Repos) error {
		var err error
		n, err = r.Coupons().CountUsages(f.ctx, couponID)
		return err
	})
	return n
}

func (f *fixture) audit(kind models.EntityKind, id int64) []models.AuditEvent {
	var events []models.AuditEvent
	f.read(func(r store.Repos) error {
		var err error
		events, err = r.Audit().List(f.ctx, kind, id)
		return err
	})
	return events
}

func (f *fixture) advance(orderID int64, statuses ...models.OrderStatus) {
	f.t.Helper()
	for _, s := range statuses {
		_, err := f.svc.Orders.Transition(f.ctx, orderID, s, operator, "")
		require.NoError(f.t, err)
	}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
