package idempotency

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/tenant"
	"example.com/fluxpay/pkg/logger"
)

// HeaderIdempotencyKey — HTTP заголовок с клиентским ключом идемпотентности.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// exemptSuffixes — переходы состояний, защищённые машиной состояний,
// а не ключом идемпотентности.
var exemptSuffixes = []string{"/approve", "/confirm"}

// guarded решает, требует ли запрос ключ идемпотентности.
// Правило — часть публичного контракта: все POST/PUT/PATCH под /api/v1,
// кроме явных переходов состояний. DELETE идемпотентен по определению.
func guarded(method, path string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
	default:
		return false
	}

	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}

	for _, suffix := range exemptSuffixes {
		if strings.HasSuffix(path, suffix) {
			return false
		}
	}
	return true
}

// bodyWriter перехватывает тело ответа для сохранения в шлюзе.
type bodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware реализует шлюз идемпотентности на границе API.
// Должен стоять после tenant.Middleware: ключ включает tenant_id.
func Middleware(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !guarded(c.Request.Method, c.Request.URL.Path) {
			c.Next()
			return
		}

		clientKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if clientKey == "" {
			response.AbortWith(c, apierror.New(apierror.CodeIdempotencyKeyMissing,
				"заголовок X-Idempotency-Key обязателен"))
			return
		}
		if _, err := uuid.Parse(clientKey); err != nil {
			response.AbortWith(c, apierror.New(apierror.CodeIdempotencyKeyInvalid,
				"ключ идемпотентности должен быть UUID"))
			return
		}

		ctx := c.Request.Context()

		// Тело читается целиком: hash считается от сырых байтов,
		// а handler получает свежий reader.
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.AbortWith(c, apierror.New(apierror.CodeValidationFailed,
				"не удалось прочитать тело запроса"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		key := Key{
			TenantID:  tenant.FromContext(ctx),
			Endpoint:  c.Request.URL.Path,
			ClientKey: clientKey,
		}
		payloadHash := PayloadHash(body)

		result, err := gate.AcquireLock(ctx, key, payloadHash)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Ошибка шлюза идемпотентности")
			response.AbortWith(c, apierror.New(apierror.CodeServiceUnavailable,
				"сервис временно недоступен"))
			return
		}

		switch result.Outcome {
		case OutcomeHit:
			// Повтор уже обработанного запроса: возвращаем сохранённый
			// ответ байт-в-байт, без побочных эффектов.
			c.Data(result.HTTPStatus, "application/json; charset=utf-8", result.Response)
			c.Abort()
			return

		case OutcomeConflict:
			response.AbortWith(c, apierror.New(apierror.CodeIdempotencyConflict,
				"этот ключ идемпотентности уже использован с другим телом запроса"))
			return

		case OutcomeProcessing:
			c.Header("Retry-After", "1")
			response.AbortWith(c, apierror.New(apierror.CodeIdempotencyInFlight,
				"запрос с этим ключом ещё обрабатывается, повторите позже"))
			return
		}

		// MISS: обрабатываем запрос, перехватывая ответ.
		writer := &bodyWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer

		c.Next()

		status := c.Writer.Status()
		if status >= 500 {
			// Серверная ошибка: снимаем замок, клиент вправе повторить.
			gate.ReleaseLock(ctx, key)
			return
		}

		// Успех и клиентские ошибки фиксируются: повтор с тем же ключом
		// вернёт тот же ответ.
		if err := gate.Store(ctx, key, payloadHash, writer.body.Bytes(), status); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Msg("Не удалось сохранить ответ идемпотентности")
		}
	}
}
