// Package handler реализует HTTP API поверх gin: роутер, middleware
// и обработчики заказов, платежей, возвратов и кредитов.
package handler

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/tenant"
	"example.com/fluxpay/pkg/logger"
)

// HeaderRequestID — заголовок с идентификатором запроса.
const HeaderRequestID = "X-Request-Id"

// RequestContextMiddleware кладёт request id и trace id в context запроса
// вместе с обогащённым логгером. Request id берётся из заголовка клиента
// или генерируется.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if span := trace.SpanFromContext(ctx); span.SpanContext().HasTraceID() {
			ctx = logger.WithTraceID(ctx, span.SpanContext().TraceID().String())
		}

		log := logger.With().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()
		ctx = logger.WithLogger(ctx, log)

		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// RateLimitMiddleware ограничивает частоту запросов по арендатору.
// Счётчики живут в Redis (sliding window counter).
type RateLimitMiddleware struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

// RateLimitConfig — конфигурация rate limiter.
type RateLimitConfig struct {
	Redis  *redis.Client
	Limit  int           // Лимит запросов (по умолчанию 100)
	Window time.Duration // Временное окно (по умолчанию 1 минута)
}

// NewRateLimitMiddleware создаёт middleware для rate limiting.
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return &RateLimitMiddleware{
		redis:  cfg.Redis,
		limit:  cfg.Limit,
		window: cfg.Window,
	}
}

// Handle возвращает gin handler. Должен стоять после tenant.Middleware:
// ключ счётчика — арендатор, а не IP, чтобы шумный арендатор не
// вытеснял остальных.
func (m *RateLimitMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		tenantID := tenant.FromContext(ctx)
		key := fmt.Sprintf("rate:tenant:%s", tenantID)

		allowed, remaining, err := m.checkLimit(c, key)
		if err != nil {
			// При ошибке Redis пропускаем запрос (fail-open)
			log.Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", m.limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(m.window).Unix()))

		if !allowed {
			log.Warn().
				Str("tenant_id", tenantID).
				Int("limit", m.limit).
				Msg("Rate limit превышен")

			c.Header("Retry-After", fmt.Sprintf("%d", int(m.window.Seconds())))
			response.AbortWith(c, apierror.New(apierror.CodeRateLimited,
				fmt.Sprintf("превышен лимит запросов, повторите через %d секунд", int(m.window.Seconds()))))
			return
		}

		c.Next()
	}
}

// checkLimit атомарно увеличивает счётчик запросов арендатора.
// Возвращает: (разрешён ли запрос, оставшийся лимит, ошибка).
func (m *RateLimitMiddleware) checkLimit(c *gin.Context, key string) (bool, int, error) {
	ctx := c.Request.Context()

	// INCR + EXPIRE одним Lua-скриптом для атомарности
	script := redis.NewScript(`
		local current = redis.call("INCR", KEYS[1])
		if current == 1 then
			redis.call("EXPIRE", KEYS[1], ARGV[1])
		end
		return current
	`)

	windowSec := int(m.window.Seconds())
	result, err := script.Run(ctx, m.redis, []string{key}, windowSec).Int()
	if err != nil {
		return true, m.limit, err // fail-open при ошибке
	}

	remaining := m.limit - result
	if remaining < 0 {
		remaining = 0
	}

	return result <= m.limit, remaining, nil
}
