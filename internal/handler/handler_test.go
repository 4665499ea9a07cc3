package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/response"
	"example.com/fluxpay/internal/service"
)

// =====================================
// Моки сервисного слоя
// =====================================

type mockOrderAPI struct {
	mock.Mock
}

func (m *mockOrderAPI) Create(ctx context.Context, input service.CreateOrderInput) (*domain.Order, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderAPI) GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, tenantID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderAPI) ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error) {
	args := m.Called(ctx, tenantID, userID, offset, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Order), args.Get(1).(int64), args.Error(2)
}

type mockPaymentAPI struct {
	mock.Mock
}

func (m *mockPaymentAPI) Create(ctx context.Context, tenantID, orderID string, amount domain.Money) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, orderID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentAPI) Approve(ctx context.Context, tenantID, paymentID, method string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentAPI) Confirm(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentAPI) GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

type mockRefundAPI struct {
	mock.Mock
}

func (m *mockRefundAPI) Create(ctx context.Context, tenantID, paymentID string, amount int64, reason string) (*domain.Refund, error) {
	args := m.Called(ctx, tenantID, paymentID, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Refund), args.Error(1)
}

func (m *mockRefundAPI) GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error) {
	args := m.Called(ctx, tenantID, refundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Refund), args.Error(1)
}

func (m *mockRefundAPI) ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Refund), args.Error(1)
}

type mockCreditAPI struct {
	mock.Mock
}

func (m *mockCreditAPI) GetBalance(ctx context.Context, tenantID, userID string) (*domain.Credit, error) {
	args := m.Called(ctx, tenantID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Credit), args.Error(1)
}

func (m *mockCreditAPI) Charge(ctx context.Context, tenantID, userID string, amount int64, referenceID string) error {
	args := m.Called(ctx, tenantID, userID, amount, referenceID)
	return args.Error(0)
}

// =====================================
// Вспомогательные функции
// =====================================

type routerFixture struct {
	router   *Router
	orders   *mockOrderAPI
	payments *mockPaymentAPI
	refunds  *mockRefundAPI
	credits  *mockCreditAPI
}

func setupRouter(t *testing.T) *routerFixture {
	t.Helper()

	orders := new(mockOrderAPI)
	payments := new(mockPaymentAPI)
	refunds := new(mockRefundAPI)
	credits := new(mockCreditAPI)

	router := NewRouter(RouterConfig{
		Orders:   NewOrderHandler(orders),
		Payments: NewPaymentHandler(payments),
		Refunds:  NewRefundHandler(refunds),
		Credits:  NewCreditHandler(credits),
	})

	return &routerFixture{
		router:   router,
		orders:   orders,
		payments: payments,
		refunds:  refunds,
		credits:  credits,
	}
}

// doRequest выполняет запрос с тенантным заголовком и разбирает конверт.
func doRequest(t *testing.T, router *Router, method, path string, body any) (*httptest.ResponseRecorder, response.Envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "tenant-1")

	rec := httptest.NewRecorder()
	router.Engine().ServeHTTP(rec, req)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "Ответ должен быть конвертом API")
	return rec, envelope
}

func sampleOrder() *domain.Order {
	return &domain.Order{
		ID:       "order-1",
		TenantID: "tenant-1",
		UserID:   "user-1",
		Items: []domain.OrderItem{{
			ID:        "item-1",
			OrderID:   "order-1",
			ProductID: "prod-1",
			Quantity:  2,
			UnitPrice: domain.Money{Amount: 10000, Currency: "KRW"},
		}},
		TotalAmount: domain.Money{Amount: 20000, Currency: "KRW"},
		Status:      domain.OrderStatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func samplePayment() *domain.Payment {
	return &domain.Payment{
		ID:       "pay-1",
		TenantID: "tenant-1",
		OrderID:  "order-1",
		Amount:   domain.Money{Amount: 20000, Currency: "KRW"},
		Status:   domain.PaymentStatusReady,
	}
}

// =====================================
// Тесты маршрутов
// =====================================

func TestRouter_TenantHeaderRequired(t *testing.T) {
	f := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1", nil)
	rec := httptest.NewRecorder()
	f.router.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeTenantMissing, envelope.Error.Code)
	f.orders.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything, mock.Anything)
}

func TestRouter_HealthEndpointsWithoutTenant(t *testing.T) {
	f := setupRouter(t)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.router.Engine().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_ReadinessFailure(t *testing.T) {
	orders := new(mockOrderAPI)
	router := NewRouter(RouterConfig{
		Orders:   NewOrderHandler(orders),
		Payments: NewPaymentHandler(new(mockPaymentAPI)),
		Refunds:  NewRefundHandler(new(mockRefundAPI)),
		ReadinessCheck: func(ctx context.Context) error {
			return context.DeadlineExceeded
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOrderHandler_Create(t *testing.T) {
	f := setupRouter(t)

	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(input service.CreateOrderInput) bool {
		return input.TenantID == "tenant-1" &&
			input.UserID == "user-1" &&
			len(input.Items) == 1 &&
			input.Items[0].UnitPrice.Amount == 10000
	})).Return(sampleOrder(), nil)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		UserID: "user-1",
		Items: []OrderItemRequest{{
			ProductID: "prod-1",
			Quantity:  2,
			UnitPrice: 10000,
			Currency:  "KRW",
		}},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, envelope.Success)
	require.Nil(t, envelope.Error)
	f.orders.AssertExpectations(t)
}

func TestOrderHandler_CreateValidation(t *testing.T) {
	f := setupRouter(t)

	// Пустой список позиций отклоняется биндингом
	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		UserID: "user-1",
		Items:  []OrderItemRequest{},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeValidationFailed, envelope.Error.Code)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOrderHandler_GetNotFound(t *testing.T) {
	f := setupRouter(t)

	f.orders.On("GetByID", mock.Anything, "tenant-1", "ghost").
		Return(nil, domain.ErrOrderNotFound)

	rec, envelope := doRequest(t, f.router, http.MethodGet, "/api/v1/orders/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeOrderNotFound, envelope.Error.Code)
}

func TestOrderHandler_ListRequiresUserID(t *testing.T) {
	f := setupRouter(t)

	rec, envelope := doRequest(t, f.router, http.MethodGet, "/api/v1/orders", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeValidationFailed, envelope.Error.Code)
}

func TestPaymentHandler_Create(t *testing.T) {
	f := setupRouter(t)

	f.payments.On("Create", mock.Anything, "tenant-1", "order-1",
		domain.Money{Amount: 20000, Currency: "KRW"}).
		Return(samplePayment(), nil)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/payments", CreatePaymentRequest{
		OrderID:  "order-1",
		Amount:   20000,
		Currency: "KRW",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, envelope.Success)
	f.payments.AssertExpectations(t)
}

func TestPaymentHandler_CreateDuplicate(t *testing.T) {
	f := setupRouter(t)

	f.payments.On("Create", mock.Anything, "tenant-1", "order-1", mock.Anything).
		Return(nil, domain.ErrDuplicatePayment)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/payments", CreatePaymentRequest{
		OrderID:  "order-1",
		Amount:   20000,
		Currency: "KRW",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodePaymentDuplicate, envelope.Error.Code)
}

func TestPaymentHandler_Approve(t *testing.T) {
	f := setupRouter(t)

	approved := samplePayment()
	approved.Status = domain.PaymentStatusApproved
	f.payments.On("Approve", mock.Anything, "tenant-1", "pay-1", "CARD").
		Return(approved, nil)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/payments/pay-1/approve",
		ApprovePaymentRequest{PaymentMethod: "CARD"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, envelope.Success)
}

func TestPaymentHandler_ConfirmInvalidState(t *testing.T) {
	f := setupRouter(t)

	f.payments.On("Confirm", mock.Anything, "tenant-1", "pay-1").
		Return(nil, domain.ErrInvalidPaymentState)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/payments/pay-1/confirm", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodePaymentInvalidState, envelope.Error.Code)
}

func TestRefundHandler_CreateExceeds(t *testing.T) {
	f := setupRouter(t)

	f.refunds.On("Create", mock.Anything, "tenant-1", "pay-1", int64(30000), "").
		Return(nil, domain.ErrRefundExceedsPayment)

	rec, envelope := doRequest(t, f.router, http.MethodPost, "/api/v1/refunds", CreateRefundRequest{
		PaymentID: "pay-1",
		Amount:    30000,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeRefundExceeds, envelope.Error.Code)
}

func TestCreditHandler_GetBalance(t *testing.T) {
	f := setupRouter(t)

	f.credits.On("GetBalance", mock.Anything, "tenant-1", "user-1").
		Return(&domain.Credit{
			ID:             "credit-1",
			TenantID:       "tenant-1",
			UserID:         "user-1",
			Balance:        50000,
			ReservedAmount: 10000,
		}, nil)

	rec, envelope := doRequest(t, f.router, http.MethodGet, "/api/v1/credits/user-1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, envelope.Success)

	raw, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var credit CreditResponse
	require.NoError(t, json.Unmarshal(raw, &credit))
	assert.Equal(t, int64(50000), credit.Balance)
	assert.Equal(t, int64(40000), credit.Available)
}

func TestCreditHandler_InsufficientBalance(t *testing.T) {
	f := setupRouter(t)

	f.credits.On("GetBalance", mock.Anything, "tenant-1", "user-1").
		Return(nil, domain.ErrCreditNotFound)

	rec, envelope := doRequest(t, f.router, http.MethodGet, "/api/v1/credits/user-1", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeCreditNotFound, envelope.Error.Code)
}

// =====================================
// Тесты rate limiter
// =====================================

func TestRateLimitMiddleware_PerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	orders := new(mockOrderAPI)
	orders.On("GetByID", mock.Anything, mock.Anything, mock.Anything).
		Return(sampleOrder(), nil)

	router := NewRouter(RouterConfig{
		Orders:   NewOrderHandler(orders),
		Payments: NewPaymentHandler(new(mockPaymentAPI)),
		Refunds:  NewRefundHandler(new(mockRefundAPI)),
		RateLimitMW: NewRateLimitMiddleware(RateLimitConfig{
			Redis:  client,
			Limit:  2,
			Window: time.Minute,
		}),
	})

	do := func(tenantID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1", nil)
		req.Header.Set("X-Tenant-Id", tenantID)
		rec := httptest.NewRecorder()
		router.Engine().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("tenant-1").Code)
	assert.Equal(t, http.StatusOK, do("tenant-1").Code)

	limited := do("tenant-1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, apierror.CodeRateLimited, envelope.Error.Code)

	// Счётчики арендаторов независимы
	assert.Equal(t, http.StatusOK, do("tenant-2").Code)
}

// =====================================
// Тесты маппинга ошибок
// =====================================

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantHTTP int
	}{
		{"заказ не найден", domain.ErrOrderNotFound, apierror.CodeOrderNotFound, http.StatusNotFound},
		{"дубликат платежа", domain.ErrDuplicatePayment, apierror.CodePaymentDuplicate, http.StatusConflict},
		{"авторизация устарела", domain.ErrApprovalExpired, apierror.CodeApprovalExpired, http.StatusBadRequest},
		{"недостаточно средств", domain.ErrInsufficientBalance, apierror.CodeInsufficientBalance, http.StatusUnprocessableEntity},
		{"резервация обработана", domain.ErrReservationSettled, apierror.CodeReservationSettled, http.StatusConflict},
		{"конфликт версий", domain.ErrVersionConflict, apierror.CodeInternal, http.StatusInternalServerError},
		{"ошибка валидации", domain.ErrEmptyOrderItems, apierror.CodeValidationFailed, http.StatusBadRequest},
		{"пустой ProductID", domain.ErrInvalidProductID, apierror.CodeValidationFailed, http.StatusBadRequest},
		{"неизвестная ошибка", assert.AnError, apierror.CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := mapError(tt.err)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantHTTP, apierror.HTTPStatus(apiErr.Code))
		})
	}
}

func TestMapError_Passthrough(t *testing.T) {
	original := apierror.New(apierror.CodeTenantMismatch, "чужой арендатор")
	assert.Same(t, original, mapError(original))
}

func TestRequestContextMiddleware_GeneratesRequestID(t *testing.T) {
	f := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.router.Engine().ServeHTTP(rec, req)

	requestID := rec.Header().Get(HeaderRequestID)
	require.NotEmpty(t, requestID)
	_, err := uuid.Parse(requestID)
	assert.NoError(t, err, "Сгенерированный request id должен быть UUID")
}
