package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/service"
	"example.com/fluxpay/internal/tenant"
)

// OrderAPI — операции над заказами, нужные HTTP слою.
type OrderAPI interface {
	Create(ctx context.Context, input service.CreateOrderInput) (*domain.Order, error)
	GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error)
}

// OrderHandler обрабатывает HTTP запросы заказов.
type OrderHandler struct {
	orders OrderAPI
}

// NewOrderHandler создаёт обработчик заказов.
func NewOrderHandler(orders OrderAPI) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// Create обрабатывает POST /api/v1/orders.
func (h *OrderHandler) Create(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "некорректное тело запроса: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice: domain.Money{
				Amount:   item.UnitPrice,
				Currency: item.Currency,
			},
		})
	}

	order, err := h.orders.Create(ctx, service.CreateOrderInput{
		TenantID:     tenant.FromContext(ctx),
		UserID:       req.UserID,
		Currency:     req.Currency,
		Items:        items,
		Metadata:     req.Metadata,
		CreditAmount: req.CreditAmount,
	})
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusCreated, toOrderResponse(order))
}

// GetByID обрабатывает GET /api/v1/orders/:id.
func (h *OrderHandler) GetByID(c *gin.Context) {
	ctx := c.Request.Context()

	order, err := h.orders.GetByID(ctx, tenant.FromContext(ctx), c.Param("id"))
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, toOrderResponse(order))
}

// List обрабатывает GET /api/v1/orders?userId=...&offset=...&limit=...
func (h *OrderHandler) List(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.Fail(c, apierror.New(apierror.CodeValidationFailed, "параметр userId обязателен"))
		return
	}

	offset, limit := pagination(c)
	ctx := c.Request.Context()

	orders, total, err := h.orders.ListByUserID(ctx, tenant.FromContext(ctx), userID, offset, limit)
	if err != nil {
		response.Fail(c, mapError(err))
		return
	}

	list := make([]OrderResponse, 0, len(orders))
	for _, order := range orders {
		list = append(list, toOrderResponse(order))
	}

	response.Success(c, http.StatusOK, OrderListResponse{
		Orders: list,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// pagination разбирает offset/limit из query с безопасными границами.
func pagination(c *gin.Context) (int, int) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	return offset, limit
}
