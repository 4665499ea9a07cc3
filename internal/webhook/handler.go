package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/pkg/logger"
)

// Handler — HTTP обработчик webhook-уведомлений PG.
type Handler struct {
	verifier  *Verifier
	processor *Processor
}

// NewHandler создаёт обработчик webhook.
func NewHandler(verifier *Verifier, processor *Processor) *Handler {
	return &Handler{
		verifier:  verifier,
		processor: processor,
	}
}

// Register добавляет маршруты webhook в роутер.
// Эндпоинт не арендаторный и не идемпотентный в смысле API-шлюза:
// защита от повторов — подпись, nonce и журнал processed_webhooks.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/webhooks/pg/:vendor", h.handle)
}

// handle принимает уведомление: проверка подлинности, затем применение.
// Ошибка обработки возвращает 5xx — PG повторит доставку (NACK).
func (h *Handler) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "не удалось прочитать тело запроса"))
		return
	}

	err = h.verifier.Verify(c.Request.Context(), body,
		c.GetHeader(HeaderSignature),
		c.GetHeader(HeaderTimestamp),
		c.GetHeader(HeaderNonce),
	)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("vendor", c.Param("vendor")).
			Msg("Webhook отклонён верификацией")
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}

	var n Notification
	if err := bindNotification(body, &n); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело webhook"))
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), c.Param("vendor"), n)
	if err != nil {
		// NACK: PG повторит доставку
		response.Fail(c, apierror.New(apierror.CodeInternal, "webhook не обработан"))
		return
	}

	status := "applied"
	if outcome == OutcomeNoop {
		status = "ignored"
	}
	response.Success(c, http.StatusOK, gin.H{"result": status})
}

// bindNotification разбирает тело уведомления из прочитанных байт.
func bindNotification(body []byte, n *Notification) error {
	if err := json.Unmarshal(body, n); err != nil {
		return err
	}
	if n.PgTransactionID == "" || n.Status == "" {
		return errors.New("отсутствуют обязательные поля")
	}
	return nil
}
