package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const serviceName = "fulfillment-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		version, err := db.Migrate(context.Background())
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated", zap.Int("version", version))
	}

	limits, err := money.NewLimits(cfg.Ledger.MaxAmount)
	if err != nil {
		logger.Fatal("Invalid ledger limits", zap.Error(err))
	}

	deps := map[string]api.Pinger{"database": db}

	// interface values stay nil unless the backing client exists
	var (
		locker service.Locker
		cache  service.IdempotencyCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker, cache = redisClient, redisClient
		deps["redis"] = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	var n notifier.Notifier = notifier.NewLogNotifier()
	if cfg.Telegram.BotToken != "" {
		tg, err := notifier.NewTelegramNotifier(cfg.Telegram.BotToken)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
		}
		n = tg
	}

	inventoryService := service.NewInventoryService(db)
	registry := buildRegistry(cfg.Providers, inventoryService)

	dispatcher := service.NewDispatcher(db, registry, n, publisher, service.DispatchConfig{
		StaleAfter:      cfg.Business.DispatchStaleAfter,
		RefundShortfall: cfg.Business.RefundShortfall,
	})
	promoService := service.NewPromoService(config.ParsePromoCodes(cfg.Business.PromoCodes))
	orderService := service.NewOrderService(db, registry, dispatcher, promoService, cache, service.OrderConfig{
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
		Limits:         limits,
	})
	balanceService := service.NewBalanceService(db, limits)
	leaseMonitor := service.NewLeaseMonitor(db, registry, n, publisher, locker, service.MonitorConfig{
		Concurrency:  cfg.Monitor.Concurrency,
		MaxAge:       cfg.Monitor.LeaseMaxAge,
		CancelWindow: cfg.Monitor.CancelWindow,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var paymentWorker *worker.PaymentWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
		paymentWorker = worker.NewPaymentWorker(consumer, orderService)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()
	}

	var leaseWorker *worker.LeaseWorker
	if cfg.Monitor.Enabled {
		leaseWorker = worker.NewLeaseWorker(leaseMonitor, worker.LeaseWorkerConfig{Interval: cfg.Monitor.PollInterval})
		leaseWorker.Start()
	}

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, inventoryService, balanceService, leaseMonitor, promoService,
		api.AuthConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer}, deps)
	handler.SetupRoutes(router, serviceName)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(shutdownCtx))

	workerCancel()
	if leaseWorker != nil {
		leaseWorker.Stop()
	}
	if paymentWorker != nil {
		shutdownErr = multierr.Append(shutdownErr, paymentWorker.Stop())
	}

	if shutdownErr != nil {
		logger.Error("Shutdown finished with errors", zap.Error(shutdownErr))
	}
	logger.Info("Server exited")
}

// buildRegistry registers the local adapters and every remote provider that
// has credentials configured
func buildRegistry(cfg config.ProvidersConfig, inventory *service.InventoryService) *provider.Registry {
	registry := provider.NewRegistry(
		provider.NewLocalItemAdapter(inventory),
		provider.NewManualAdapter(),
	)

	client := func(baseURL, apiKey string) provider.ClientConfig {
		return provider.ClientConfig{BaseURL: baseURL, APIKey: apiKey, Timeout: cfg.Timeout, RPS: cfg.RPS}
	}
	logger := util.GetLogger()

	if cfg.ProxyAPIKey != "" {
		registry.Register(provider.NewProxyAdapter(client(cfg.ProxyBaseURL, cfg.ProxyAPIKey)))
	} else {
		logger.Warn("Proxy provider disabled: no API key")
	}
	if cfg.SMSAPIKey != "" {
		registry.Register(provider.NewSMSAdapter(client(cfg.SMSBaseURL, cfg.SMSAPIKey)))
	} else {
		logger.Warn("SMS provider disabled: no API key")
	}
	if cfg.BoostBaseURL != "" && cfg.BoostAPIKey != "" {
		registry.Register(provider.NewBoostAdapter(client(cfg.BoostBaseURL, cfg.BoostAPIKey)))
	}
	return registry
}
