// Package response реализует единый конверт ответов API.
// Каждый ответ имеет форму:
//
//	{ success, data|null, error|null, metadata: { timestamp, traceId?, requestId? } }
package response

import (
	"time"

	"github.com/gin-gonic/gin"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/pkg/logger"
)

// Envelope — конверт ответа API.
type Envelope struct {
	Success  bool            `json:"success"`
	Data     any             `json:"data"`
	Error    *apierror.Error `json:"error"`
	Metadata Metadata        `json:"metadata"`
}

// Metadata — метаданные ответа для трассировки.
type Metadata struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func metadata(c *gin.Context) Metadata {
	ctx := c.Request.Context()
	return Metadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   logger.TraceIDFromContext(ctx),
		RequestID: logger.RequestIDFromContext(ctx),
	}
}

// Success отправляет успешный ответ с данными.
func Success(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{
		Success:  true,
		Data:     data,
		Metadata: metadata(c),
	})
}

// Fail отправляет ошибку API. HTTP статус берётся из маппинга кодов.
func Fail(c *gin.Context, apiErr *apierror.Error) {
	c.JSON(apierror.HTTPStatus(apiErr.Code), Envelope{
		Success:  false,
		Error:    apiErr,
		Metadata: metadata(c),
	})
}

// AbortWith отправляет ошибку и прерывает цепочку middleware.
func AbortWith(c *gin.Context, apiErr *apierror.Error) {
	c.AbortWithStatusJSON(apierror.HTTPStatus(apiErr.Code), Envelope{
		Success:  false,
		Error:    apiErr,
		Metadata: metadata(c),
	})
}
