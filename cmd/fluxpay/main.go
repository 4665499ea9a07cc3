// FluxPay — движок платежей и биллинга: заказы, платежи через PG,
// возвраты, предоплаченные кредиты. HTTP API с шлюзом идемпотентности,
// transactional outbox для событий и платёжная сага с компенсациями.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/fluxpay/internal/credit"
	"example.com/fluxpay/internal/handler"
	"example.com/fluxpay/internal/idempotency"
	"example.com/fluxpay/internal/pg"
	"example.com/fluxpay/internal/repository"
	"example.com/fluxpay/internal/saga"
	"example.com/fluxpay/internal/service"
	"example.com/fluxpay/internal/webhook"
	"example.com/fluxpay/pkg/config"
	dbpkg "example.com/fluxpay/pkg/db"
	"example.com/fluxpay/pkg/healthcheck"
	"example.com/fluxpay/pkg/kafka"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/metrics"
	"example.com/fluxpay/pkg/outbox"
	"example.com/fluxpay/pkg/tracing"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "fluxpay").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск FluxPay")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "fluxpay",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	pingCancel()
	log.Info().Msg("Подключение к Redis установлено")

	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Миграции ===

	if err := repository.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции доменных таблиц")
	}
	if err := outbox.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции outbox_events")
	}
	if err := saga.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции saga_instances")
	}
	if err := credit.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции кредитных таблиц")
	}
	if err := webhook.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции processed_webhooks")
	}

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"fluxpay",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// Контекст для фоновых воркеров
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workersWg sync.WaitGroup

	// === Идемпотентность ===

	idemStore := idempotency.NewStore(db)
	if err := idemStore.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции idempotency_keys")
	}
	gate := idempotency.NewGate(idempotency.NewCache(rdb), idemStore, cfg.Idempotency.TTL)
	gate.StartSweeper(ctx, cfg.Idempotency.SweepInterval)

	// === Outbox Publisher + Janitor ===

	outboxRepo := outbox.NewRepository(db)

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

		kafkaProducer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
			}
		}()

		publisher := outbox.NewPublisher(outboxRepo, kafkaProducer, outbox.PublisherConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxRetries:   cfg.Outbox.MaxRetries,
		})
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			publisher.Run(ctx)
		}()

		janitor := outbox.NewJanitor(outboxRepo, outbox.JanitorConfig{
			Interval:        cfg.Outbox.JanitorInterval,
			ProcessingLease: cfg.Outbox.ProcessingLease,
			Retention:       cfg.Outbox.Retention,
		})
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			janitor.Run(ctx)
		}()
	} else {
		log.Warn().Msg("Kafka не настроена — события остаются в outbox без публикации")
	}

	// === Клиент PG ===

	// Вендорная реализация подключается здесь; mock достаточен для
	// стендов и разработки, отказоустойчивость общая для всех вендоров.
	pgClient := pg.NewResilientClient(pg.NewMockClient(), pg.ResilientConfig{
		TotalTimeout:  cfg.PG.TotalTimeout,
		MaxConcurrent: cfg.PG.MaxConcurrent,
		RetryAttempts: cfg.PG.RetryAttempts,
		Breaker:       pg.DefaultResilientConfig().Breaker,
	})

	// === Бизнес-логика ===

	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	creditService := credit.NewService(credit.NewRepository(db))

	orderService := service.NewOrderService(db, orderRepo, outboxRepo, creditService)
	paymentService := service.NewPaymentService(db, paymentRepo, orderRepo, outboxRepo, pgClient, creditService)
	refundService := service.NewRefundService(db, refundRepo, paymentRepo, outboxRepo, pgClient)

	// Сага подтверждения платежа: определение ссылается на сервис,
	// сервис запускает саги через движок.
	sagaEngine := saga.NewEngine(
		saga.NewRepository(db),
		saga.EngineConfig{
			WorkerID:            cfg.App.Name + "-" + hostname(),
			ClaimLease:          cfg.Saga.ClaimLease,
			CompensationRetries: cfg.Saga.CompensationRetries,
			RecoveryInterval:    cfg.Saga.RecoveryInterval,
		},
		saga.NewPaymentSaga(paymentService),
	)
	paymentService.BindSaga(sagaEngine)

	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		sagaEngine.RunRecovery(ctx)
	}()

	// === Webhook PG ===

	webhookVerifier := webhook.NewVerifier(cfg.Webhook.Secret, rdb)
	webhookProcessor := webhook.NewProcessor(db, paymentRepo, orderRepo, outboxRepo, rdb)
	webhookHandler := webhook.NewHandler(webhookVerifier, webhookProcessor)

	// === HTTP сервер ===

	var rateLimitMW *handler.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimitMW = handler.NewRateLimitMiddleware(handler.RateLimitConfig{
			Redis:  rdb,
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
	}

	router := handler.NewRouter(handler.RouterConfig{
		Orders:         handler.NewOrderHandler(orderService),
		Payments:       handler.NewPaymentHandler(paymentService),
		Refunds:        handler.NewRefundHandler(refundService),
		Credits:        handler.NewCreditHandler(creditService),
		Webhooks:       webhookHandler,
		Gate:           gate,
		RateLimitMW:    rateLimitMW,
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Запуск HTTP сервера")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Сначала перестаём принимать запросы
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	// Останавливаем фоновые воркеры и ждём их завершения
	cancel()
	workersWg.Wait()

	// Закрываем подключение к MySQL
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("FluxPay остановлен")
}

// hostname возвращает имя хоста для идентификации worker'а саг.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
