package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// Notifier delivers fire-and-forget notification events.
type Notifier interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
	PublishInventoryRestocked(ctx context.Context, event *models.InventoryRestockedEvent) error
}

// Locker is a distributed mutex keyed by name.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyGuard remembers keys of already handled inbound messages.
type IdempotencyGuard interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ForgetIdempotencyKey(ctx context.Context, key string) error
}

// StockCache mirrors product stock for cheap reads.
type StockCache interface {
	SetStock(ctx context.Context, snap models.StockSnapshot) error
	GetStock(ctx context.Context, productID int64) (*models.StockSnapshot, error)
}

// Dependencies wires the collaborators. Only Tx and Gateways are required.
type Dependencies struct {
	Tx       store.TxManager
	Gateways *gateway.Registry
	Notifier Notifier
	Locker   Locker
	Idem     IdempotencyGuard
	Cache    StockCache
	Logger   *zap.Logger
	Now      func() time.Time
}

// Settings are the business knobs of the engine.
type Settings struct {
	Currency              string
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	TaxPercent            decimal.Decimal
	ReviewWindow          time.Duration
	DefaultGateway        string
	PaymentLockTTL        time.Duration
	WebhookDedupeTTL      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Currency:         "KRW",
		ShippingFee:      decimal.NewFromInt(3000),
		TaxPercent:       decimal.Zero,
		ReviewWindow:     30 * 24 * time.Hour,
		DefaultGateway:   "mock",
		PaymentLockTTL:   30 * time.Second,
		WebhookDedupeTTL: 24 * time.Hour,
	}
}

// Services is the assembled engine.
type Services struct {
	Stock    *StockLedger
	Coupons  *CouponEngine
	Payments *PaymentManager
	Orders   *OrderMachine
	Refunds  *RefundCoordinator
	Checkout *CheckoutService
	Admin    *Admin
}

// New assembles every component over the same dependencies.
func New(deps Dependencies, settings Settings) *Services {
	if deps.Logger == nil {
		deps.Logger = util.GetLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gateways == nil {
		deps.Gateways = gateway.NewRegistry()
	}

	b := &base{deps: deps, settings: settings, logger: deps.Logger}

	stock := &StockLedger{base: b}
	coupons := &CouponEngine{base: b}
	orders := &OrderMachine{base: b, stock: stock, coupons: coupons}
	payments := &PaymentManager{base: b, orders: orders}
	refunds := &RefundCoordinator{base: b, orders: orders, payments: payments}
	checkout := &CheckoutService{base: b, coupons: coupons}
	admin := &Admin{base: b, orders: orders, payments: payments, refunds: refunds, stock: stock}

	return &Services{
		Stock:    stock,
		Coupons:  coupons,
		Payments: payments,
		Orders:   orders,
		Refunds:  refunds,
		Checkout: checkout,
		Admin:    admin,
	}
}

type base struct {
	deps     Dependencies
	settings Settings
	logger   *zap.Logger
}

func (b *base) now() time.Time {
	return b.deps.Now().UTC()
}

// effects collects notifications and cache writes that run once a unit of work commits.
type effects struct {
	fns []func(ctx context.Context)
}

func (e *effects) add(fn func(ctx context.Context)) {
	e.fns = append(e.fns, fn)
}

func (e *effects) run(ctx context.Context) {
	for _, fn := range e.fns {
		fn(ctx)
	}
}

// inTx runs fn in a unit of work and fires its effects after commit.
func (b *base) inTx(ctx context.Context, fn func(r store.Repos, fx *effects) error) error {
	fx := &effects{}
	err := b.deps.Tx.WithinTx(ctx, func(r store.Repos) error {
		return fn(r, fx)
	})
	if err != nil {
		return normalizeErr(err)
	}
	fx.run(ctx)
	return nil
}

// normalizeErr turns store.ErrNotFound leaking out of a unit into NotFound.
func normalizeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) && apperr.KindOf(err) == "" {
		return apperr.NotFound("record", nil)
	}
	return err
}

func notFoundAs(err error, entity string, id interface{}) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	return err
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.NewBaseEvent(eventType)
}

// notify publishes after commit. Failures are logged and counted, never returned.
func (b *base) notify(fx *effects, eventType string, publish func(ctx context.Context, n Notifier) error) {
	if b.deps.Notifier == nil {
		return
	}
	fx.add(func(ctx context.Context) {
		if err := publish(ctx, b.deps.Notifier); err != nil {
			util.NotificationsFailedTotal.WithLabelValues(eventType).Inc()
			b.logger.Error("Failed to publish notification",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	})
}

func (b *base) notifyOrderChanged(fx *effects, order *models.Order, from models.OrderStatus, note string) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		FromStatus:    from,
		ToStatus:      order.Status,
		PaymentStatus: order.PaymentStatus,
		Note:          note,
	}
	b.notify(fx, event.EventType, func(ctx context.Context, n Notifier) error {
		return n.PublishOrderStatusChanged(ctx, event)
	})
}

// audit appends a history row inside the current unit of work.
func (b *base) audit(ctx context.Context, r store.Repos, kind models.EntityKind, id int64, action string,
	from, to string, actor models.Actor, note string, payload interface{}) error {
	event := &models.AuditEvent{
		EntityKind: kind,
		EntityID:   id,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorKind:  actor.Kind,
		ActorID:    actor.ID,
		SessionID:  actor.SessionID,
		Note:       note,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		event.Payload = raw
	}
	if event.ActorKind == "" {
		event.ActorKind = models.ActorSystem
	}
	return r.Audit().Append(ctx, event)
}

// withLock holds a distributed lock around fn when a Locker is configured.
func (b *base) withLock(ctx context.Context, key string, fn func() error) error {
	if b.deps.Locker == nil {
		return fn()
	}

	token, ok, err := b.deps.Locker.AcquireLock(ctx, key, b.settings.PaymentLockTTL)
	if err != nil {
		// row locks still serialize the writes
		b.logger.Warn("Lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
		return fn()
	}
	if !ok {
		return apperr.Conflict("another request is already working on this resource", nil)
	}
	defer func() {
		if err := b.deps.Locker.ReleaseLock(context.Background(), key, token); err != nil {
			b.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn()
}
