package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
)

// WebhookApplier applies relayed gateway callbacks.
type WebhookApplier interface {
	HandleRelayedWebhook(ctx context.Context, event *models.PaymentWebhookEvent) (service.SettleOutcome, error)
}

// WebhookWorker consumes gateway callbacks relayed through the broker
type WebhookWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     WebhookApplier
	logger       *zap.Logger
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(consumer *broker.Consumer, payments WebhookApplier, logger *zap.Logger) *WebhookWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WebhookWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		logger:       logger,
	}
	w.eventHandler.OnPaymentWebhook(w.handleWebhook)
	return w
}

// handleWebhook drops callbacks that can never apply so they are committed instead of redelivered.
func (w *WebhookWorker) handleWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	outcome, err := w.payments.HandleRelayedWebhook(ctx, event)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation, apperr.KindNotFound, apperr.KindInvalidTransition:
			w.logger.Warn("Dropping unusable webhook",
				zap.String("event_id", event.EventID),
				zap.String("gateway_tx_id", event.Payload.GatewayTxID),
				zap.Error(err))
			return nil
		}
		return err
	}

	w.logger.Info("Webhook applied",
		zap.String("event_id", event.EventID),
		zap.String("gateway_tx_id", event.Payload.GatewayTxID),
		zap.String("outcome", string(outcome)))
	return nil
}

// Start starts the worker
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}

// PaymentSource is what the poller needs from the payment manager.
type PaymentSource interface {
	StalePayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
	Poll(ctx context.Context, txnID int64) (service.SettleOutcome, error)
}

// PaymentPoller settles in-flight payments whose webhook never arrived
type PaymentPoller struct {
	payments   PaymentSource
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	logger     *zap.Logger
	now        func() time.Time
}

// NewPaymentPoller creates a poller that runs every interval over attempts idle for staleAfter
func NewPaymentPoller(payments PaymentSource, interval, staleAfter time.Duration, batchSize int, logger *zap.Logger) *PaymentPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PaymentPoller{
		payments:   payments,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Start polls until ctx is done
func (p *PaymentPoller) Start(ctx context.Context) error {
	p.logger.Info("Starting payment poller", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Payment poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.pollOnce(ctx); err != nil {
				p.logger.Error("Payment poll failed", zap.Error(err))
			}
		}
	}
}

// pollOnce queries the gateway for one batch of stale attempts and returns how many settled.
func (p *PaymentPoller) pollOnce(ctx context.Context) (int, error) {
	stale, err := p.payments.StalePayments(ctx, p.now().Add(-p.staleAfter), p.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, txn := range stale {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		outcome, err := p.payments.Poll(ctx, txn.ID)
		if err != nil {
			p.logger.Warn("Payment status query failed",
				zap.String("transaction_id", txn.TransactionID),
				zap.Error(err))
			continue
		}
		if outcome == service.OutcomeApplied {
			settled++
		}
	}

	if len(stale) > 0 {
		p.logger.Info("Payment poll completed",
			zap.Int("checked", len(stale)),
			zap.Int("settled", settled))
	}
	return settled, nil
}
