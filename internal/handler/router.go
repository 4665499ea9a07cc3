package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/fluxpay/internal/idempotency"
	"example.com/fluxpay/internal/tenant"
	"example.com/fluxpay/internal/webhook"
	"example.com/fluxpay/pkg/metrics"
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — конфигурация HTTP роутера.
type Router struct {
	engine         *gin.Engine
	orders         *OrderHandler
	payments       *PaymentHandler
	refunds        *RefundHandler
	credits        *CreditHandler
	webhooks       *webhook.Handler
	gate           *idempotency.Gate
	rateLimitMW    *RateLimitMiddleware
	readinessCheck ReadinessChecker
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Orders         *OrderHandler
	Payments       *PaymentHandler
	Refunds        *RefundHandler
	Credits        *CreditHandler
	Webhooks       *webhook.Handler
	Gate           *idempotency.Gate
	RateLimitMW    *RateLimitMiddleware
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool             // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(CORS(DefaultCORSConfig()))
	engine.Use(SecurityHeaders())

	// OpenTelemetry tracing — создаёт spans для Jaeger
	engine.Use(otelgin.Middleware("fluxpay"))

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware("fluxpay"))

	engine.Use(RequestContextMiddleware())

	r := &Router{
		engine:         engine,
		orders:         cfg.Orders,
		payments:       cfg.Payments,
		refunds:        cfg.Refunds,
		credits:        cfg.Credits,
		webhooks:       cfg.Webhooks,
		gate:           cfg.Gate,
		rateLimitMW:    cfg.RateLimitMW,
		readinessCheck: cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	// Health endpoints (без tenant, rate limiting и идемпотентности)
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	// Webhook PG: аутентификация подписью, арендатор определяется
	// по платежу, а не по заголовку.
	if r.webhooks != nil {
		r.webhooks.Register(r.engine)
	}

	// API v1: тенантный контур
	v1 := r.engine.Group("/api/v1")
	v1.Use(tenant.Middleware())

	if r.rateLimitMW != nil {
		v1.Use(r.rateLimitMW.Handle())
	}

	// Шлюз идемпотентности стоит после tenant: ключ включает tenant_id
	if r.gate != nil {
		v1.Use(idempotency.Middleware(r.gate))
	}

	// === Заказы ===
	orders := v1.Group("/orders")
	{
		orders.POST("", r.orders.Create)
		orders.GET("", r.orders.List)
		orders.GET("/:id", r.orders.GetByID)
	}

	// === Платежи ===
	payments := v1.Group("/payments")
	{
		payments.POST("", r.payments.Create)
		payments.GET("/:id", r.payments.GetByID)
		payments.POST("/:id/approve", r.payments.Approve)
		payments.POST("/:id/confirm", r.payments.Confirm)
		payments.GET("/:id/refunds", r.refunds.ListByPayment)
	}

	// === Возвраты ===
	refunds := v1.Group("/refunds")
	{
		refunds.POST("", r.refunds.Create)
		refunds.GET("/:id", r.refunds.GetByID)
	}

	// === Кредитные счета ===
	if r.credits != nil {
		credits := v1.Group("/credits")
		{
			credits.GET("/:userId", r.credits.GetBalance)
			credits.POST("/:userId/charge", r.credits.Charge)
		}
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// healthCheck — проверка работоспособности сервиса (legacy).
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fluxpay",
	})
}

// livenessCheck — liveness probe для Kubernetes.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe для Kubernetes.
// 200 только когда все зависимости (MySQL, Redis) доступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
