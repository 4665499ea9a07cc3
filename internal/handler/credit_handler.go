package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/tenant"
)

// CreditAPI — операции над кредитными счетами, нужные HTTP слою.
type CreditAPI interface {
	GetBalance(ctx context.Context, tenantID, userID string) (*domain.Credit, error)
	Charge(ctx context.Context, tenantID, userID string, amount int64, referenceID string) error
}

// CreditHandler обрабатывает HTTP запросы кредитных счетов.
type CreditHandler struct {
	credits CreditAPI
}

// NewCreditHandler создаёт обработчик кредитов.
func NewCreditHandler(credits CreditAPI) *CreditHandler {
	return &CreditHandler{credits: credits}
}

// GetBalance обрабатывает GET /api/v1/credits/:userId.
func (h *CreditHandler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()

	credit, err := h.credits.GetBalance(ctx, tenant.FromContext(ctx), c.Param("userId"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toCreditResponse(credit))
}

// Charge обрабатывает POST /api/v1/credits/:userId/charge.
// Счёт создаётся автоматически при первом пополнении.
func (h *CreditHandler) Charge(c *gin.Context) {
	var req ChargeCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело запроса: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	tenantID := tenant.FromContext(ctx)
	userID := c.Param("userId")

	referenceID := req.ReferenceID
	if referenceID == "" {
		referenceID = uuid.New().String()
	}

	if err := h.credits.Charge(ctx, tenantID, userID, req.Amount, referenceID); err != nil {
		response.Fail(c, mapError(err))
		return
	}

	credit, err := h.credits.GetBalance(ctx, tenantID, userID)
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toCreditResponse(credit))
}
