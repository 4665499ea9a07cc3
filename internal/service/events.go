// Package service содержит бизнес-логику поверх доменных сущностей:
// заказы, платежи и возвраты. Каждое изменение состояния записывается
// вместе с событием outbox в одной транзакции БД.
package service

import "time"

// Топики событий. Partition key — "tenant:aggregate", поэтому порядок
// событий одного агрегата сохраняется внутри партиции.
const (
	TopicOrders   = "fluxpay.orders"
	TopicPayments = "fluxpay.payments"
	TopicRefunds  = "fluxpay.refunds"
)

// Типы событий заказов.
const (
	EventOrderCreated   = "order.created"
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"
	EventOrderFailed    = "order.failed"
)

// Типы событий платежей.
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentApproved  = "payment.approved"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// Типы событий возвратов.
const (
	EventRefundCompleted = "refund.completed"
	EventRefundFailed    = "refund.failed"
)

// OrderEventPayload — тело событий заказа.
type OrderEventPayload struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	TotalAmount int64     `json:"totalAmount"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// PaymentEventPayload — тело событий платежа.
type PaymentEventPayload struct {
	PaymentID       string    `json:"paymentId"`
	OrderID         string    `json:"orderId"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	PgTransactionID string    `json:"pgTransactionId,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// RefundEventPayload — тело событий возврата.
type RefundEventPayload struct {
	RefundID   string    `json:"refundId"`
	PaymentID  string    `json:"paymentId"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	PgRefundID string    `json:"pgRefundId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
