package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/store/memstore"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, util.LogFileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service", zap.String("env", cfg.Server.Env))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()

	tx, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	deps := service.Dependencies{
		Tx:       tx,
		Gateways: gateway.NewRegistry(gateway.NewMockGateway(cfg.Gateway.Default, cfg.Gateway.MockSuccessRate, cfg.Gateway.MockLatency, logger)),
		Logger:   logger,
	}

	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StockTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		deps.Locker = redisClient
		deps.Idem = redisClient
		deps.Cache = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var relay api.WebhookRelay
	if cfg.Kafka.Enabled {
		notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer notifications.Close()
		deps.Notifier = broker.NewEventPublisher(notifications)

		webhooks := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks)
		defer webhooks.Close()
		relay = broker.NewEventPublisher(webhooks)
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	svc := service.New(deps, settingsFrom(cfg))

	if deps.Cache != nil {
		synced, err := svc.Stock.SyncCache(ctx)
		if err != nil {
			logger.Warn("Failed to sync stock cache", zap.Error(err))
		} else {
			logger.Info("Stock cache synced", zap.Int("products", synced))
		}
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var webhookWorker *worker.WebhookWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
		webhookWorker = worker.NewWebhookWorker(consumer, svc.Payments, logger)
		go func() {
			if err := webhookWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Webhook worker error", zap.Error(err))
			}
		}()
	}

	poller := worker.NewPaymentPoller(svc.Payments, cfg.Business.PollInterval, cfg.Business.PollStaleAfter, cfg.Business.PollBatchSize, logger)
	go func() {
		if err := poller.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Payment poller error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(svc, relay, logger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%s", cfg.Observ.PrometheusPort), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	workerCancel()
	if webhookWorker != nil {
		if err := webhookWorker.Stop(); err != nil {
			logger.Warn("Error stopping webhook worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// openStore returns the configured unit-of-work manager and its cleanup.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.TxManager, func(), error) {
	switch cfg.Driver {
	case "memory":
		mem := memstore.New()
		seedCatalog(mem)
		logger.Warn("Using in-memory store, data is lost on restart")
		return mem, func() {}, nil
	case "postgres", "":
		db, err := store.NewStore(cfg.URL, cfg.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("Database connected")
		return db, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// seedCatalog gives the in-memory store something to sell.
func seedCatalog(mem *memstore.Store) {
	mem.SeedProduct(models.Product{SKU: "TEE-001", Name: "Basic Tee", CategoryID: 1,
		Price: decimal.NewFromInt(25000), StockQuantity: 100, MinStockQuantity: 10, TrackStock: true})
	mem.SeedProduct(models.Product{SKU: "CAP-001", Name: "Logo Cap", CategoryID: 2,
		Price: decimal.NewFromInt(18000), StockQuantity: 5, MinStockQuantity: 5, TrackStock: true, AllowBackorder: true})
	mem.SeedProduct(models.Product{SKU: "GIFT-CARD", Name: "Gift Card", CategoryID: 3,
		Price: decimal.NewFromInt(50000)})
	mem.SeedCoupon(models.Coupon{Code: "WELCOME10", Name: "Welcome 10%", DiscountType: models.DiscountPercentage,
		Value: decimal.NewFromInt(10), MaxDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(5000)),
		IsActive: true, IsPublic: true})
}

func settingsFrom(cfg *config.Config) service.Settings {
	settings := service.DefaultSettings()
	settings.Currency = cfg.Business.Currency
	settings.ShippingFee = cfg.Business.ShippingFee
	settings.FreeShippingThreshold = cfg.Business.FreeShippingThreshold
	settings.TaxPercent = cfg.Business.TaxPercent
	settings.ReviewWindow = time.Duration(cfg.Business.ReviewWindowDays) * 24 * time.Hour
	settings.DefaultGateway = cfg.Gateway.Default
	settings.PaymentLockTTL = cfg.Business.PaymentLockTTL
	settings.WebhookDedupeTTL = cfg.Business.WebhookDedupeTTL
	return settings
}
