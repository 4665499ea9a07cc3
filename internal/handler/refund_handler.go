package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/tenant"
)

// RefundAPI — операции над возвратами, нужные HTTP слою.
type RefundAPI interface {
	Create(ctx context.Context, tenantID, paymentID string, amount int64, reason string) (*domain.Refund, error)
	GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error)
	ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error)
}

// RefundHandler обрабатывает HTTP запросы возвратов.
type RefundHandler struct {
	refunds RefundAPI
}

// NewRefundHandler создаёт обработчик возвратов.
func NewRefundHandler(refunds RefundAPI) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

// Create обрабатывает POST /api/v1/refunds.
func (h *RefundHandler) Create(c *gin.Context) {
	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело запроса: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	refund, err := h.refunds.Create(ctx, tenant.FromContext(ctx), req.PaymentID, req.Amount, req.Reason)
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusCreated, toRefundResponse(refund))
}

// GetByID обрабатывает GET /api/v1/refunds/:id.
func (h *RefundHandler) GetByID(c *gin.Context) {
	ctx := c.Request.Context()

	refund, err := h.refunds.GetByID(ctx, tenant.FromContext(ctx), c.Param("id"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toRefundResponse(refund))
}

// ListByPayment обрабатывает GET /api/v1/payments/:id/refunds.
func (h *RefundHandler) ListByPayment(c *gin.Context) {
	ctx := c.Request.Context()

	refunds, err := h.refunds.ListByPaymentID(ctx, tenant.FromContext(ctx), c.Param("id"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	list := make([]RefundResponse, 0, len(refunds))
	for _, refund := range refunds {
		list = append(list, toRefundResponse(refund))
	}

	response.Success(c, http.StatusOK, RefundListResponse{Refunds: list})
}
