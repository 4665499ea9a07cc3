package handler

import (
	"time"

	"example.com/fluxpay/internal/domain"
)

// =====================================
// Запросы
// =====================================

// CreateOrderRequest — тело POST /api/v1/orders.
type CreateOrderRequest struct {
	UserID       string             `json:"userId" binding:"required"`
	Currency     string             `json:"currency,omitempty"`
	Items        []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreditAmount int64              `json:"creditAmount,omitempty"`
}

// OrderItemRequest — позиция заказа в запросе.
type OrderItemRequest struct {
	ProductID   string `json:"productId" binding:"required"`
	ProductName string `json:"productName,omitempty"`
	Quantity    int32  `json:"quantity" binding:"required,gt=0"`
	UnitPrice   int64  `json:"unitPrice" binding:"required,gt=0"`
	Currency    string `json:"currency" binding:"required,len=3"`
}

// CreatePaymentRequest — тело POST /api/v1/payments.
type CreatePaymentRequest struct {
	OrderID  string `json:"orderId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Currency string `json:"currency" binding:"required,len=3"`
}

// ApprovePaymentRequest — тело POST /api/v1/payments/:id/approve.
type ApprovePaymentRequest struct {
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

// CreateRefundRequest — тело POST /api/v1/refunds.
type CreateRefundRequest struct {
	PaymentID string `json:"paymentId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason,omitempty"`
}

// ChargeCreditRequest — тело POST /api/v1/credits/:userId/charge.
type ChargeCreditRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	ReferenceID string `json:"referenceId,omitempty"`
}

// =====================================
// Ответы
// =====================================

// OrderResponse — представление заказа в API.
type OrderResponse struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	Items         []OrderItemResponse `json:"items"`
	TotalAmount   int64               `json:"totalAmount"`
	Currency      string              `json:"currency"`
	Status        string              `json:"status"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	PaidAt        *time.Time          `json:"paidAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// OrderItemResponse — позиция заказа в ответе.
type OrderItemResponse struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName,omitempty"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
}

// OrderListResponse — страница списка заказов.
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Total  int64           `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// PaymentResponse — представление платежа в API.
type PaymentResponse struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"orderId"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	PaymentMethod   string     `json:"paymentMethod,omitempty"`
	PgTransactionID string     `json:"pgTransactionId,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
}

// RefundResponse — представление возврата в API.
type RefundResponse struct {
	ID            string     `json:"id"`
	PaymentID     string     `json:"paymentId"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	PgRefundID    string     `json:"pgRefundId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// RefundListResponse — список возвратов платежа.
type RefundListResponse struct {
	Refunds []RefundResponse `json:"refunds"`
}

// CreditResponse — представление кредитного счёта в API.
type CreditResponse struct {
	UserID         string `json:"userId"`
	Balance        int64  `json:"balance"`
	ReservedAmount int64  `json:"reservedAmount"`
	Available      int64  `json:"available"`
}

// =====================================
// Преобразования домен -> DTO
// =====================================

func toOrderResponse(order *domain.Order) OrderResponse {
	items := make([]OrderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemResponse{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
		})
	}

	return OrderResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		Items:         items,
		TotalAmount:   order.TotalAmount.Amount,
		Currency:      order.TotalAmount.Currency,
		Status:        string(order.Status),
		Metadata:      order.Metadata,
		FailureReason: strOrEmpty(order.FailureReason),
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		PaidAt:        order.PaidAt,
		CompletedAt:   order.CompletedAt,
	}
}

func toPaymentResponse(payment *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:              payment.ID,
		OrderID:         payment.OrderID,
		Amount:          payment.Amount.Amount,
		Currency:        payment.Amount.Currency,
		Status:          string(payment.Status),
		PaymentMethod:   payment.PaymentMethod,
		PgTransactionID: strOrEmpty(payment.PgTransactionID),
		FailureReason:   strOrEmpty(payment.FailureReason),
		CreatedAt:       payment.CreatedAt,
		ApprovedAt:      payment.ApprovedAt,
		ConfirmedAt:     payment.ConfirmedAt,
	}
}

func toRefundResponse(refund *domain.Refund) RefundResponse {
	return RefundResponse{
		ID:            refund.ID,
		PaymentID:     refund.PaymentID,
		Amount:        refund.Amount.Amount,
		Currency:      refund.Amount.Currency,
		Status:        string(refund.Status),
		Reason:        refund.Reason,
		PgRefundID:    strOrEmpty(refund.PgRefundID),
		FailureReason: strOrEmpty(refund.FailureReason),
		CreatedAt:     refund.CreatedAt,
		CompletedAt:   refund.CompletedAt,
	}
}

func toCreditResponse(credit *domain.Credit) CreditResponse {
	return CreditResponse{
		UserID:         credit.UserID,
		Balance:        credit.Balance,
		ReservedAmount: credit.ReservedAmount,
		Available:      credit.Available(),
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
