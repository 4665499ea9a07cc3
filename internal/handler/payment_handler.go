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

// PaymentAPI — операции над платежами, нужные HTTP слою.
type PaymentAPI interface {
	Create(ctx context.Context, tenantID, orderID string, amount domain.Money) (*domain.Payment, error)
	Approve(ctx context.Context, tenantID, paymentID, method string) (*domain.Payment, error)
	Confirm(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
	GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
}

// PaymentHandler обрабатывает HTTP запросы платежей.
type PaymentHandler struct {
	payments PaymentAPI
}

// NewPaymentHandler создаёт обработчик платежей.
func NewPaymentHandler(payments PaymentAPI) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// Create обрабатывает POST /api/v1/payments.
func (h *PaymentHandler) Create(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело запроса: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	payment, err := h.payments.Create(ctx, tenant.FromContext(ctx), req.OrderID, domain.Money{
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusCreated, toPaymentResponse(payment))
}

// Approve обрабатывает POST /api/v1/payments/:id/approve.
// Операция идемпотентна на уровне машины состояний: повторный вызов
// для APPROVED платежа возвращает текущее состояние.
func (h *PaymentHandler) Approve(c *gin.Context) {
	var req ApprovePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело запроса: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	payment, err := h.payments.Approve(ctx, tenant.FromContext(ctx), c.Param("id"), req.PaymentMethod)
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toPaymentResponse(payment))
}

// Confirm обрабатывает POST /api/v1/payments/:id/confirm.
// Запускает сагу подтверждения; ответ отражает её исход.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	ctx := c.Request.Context()

	payment, err := h.payments.Confirm(ctx, tenant.FromContext(ctx), c.Param("id"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toPaymentResponse(payment))
}

// GetByID обрабатывает GET /api/v1/payments/:id.
func (h *PaymentHandler) GetByID(c *gin.Context) {
	ctx := c.Request.Context()

	payment, err := h.payments.GetByID(ctx, tenant.FromContext(ctx), c.Param("id"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toPaymentResponse(payment))
}
