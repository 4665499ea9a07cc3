package saga

import (
	"context"
)

// PaymentSagaType — имя определения платёжной саги.
const PaymentSagaType = "payment"

// Ключи контекста платёжной саги.
const (
	CtxKeyOrderID   = "order_id"
	CtxKeyPaymentID = "payment_id"
	CtxKeyTenantID  = "tenant_id"
	CtxKeyUserID    = "user_id"
	CtxKeyAmount    = "amount"
	CtxKeyCurrency  = "currency"
)

// Имена шагов платёжной саги.
const (
	StepConfirmPayment = "ConfirmPayment"
	StepExecuteService = "ExecuteService"
	StepCompleteOrder  = "CompleteOrder"
)

// PaymentSagaDeps — действия, которые платёжная сага вызывает у сервисов.
// Интерфейс объявлен на стороне потребителя: пакет саги не знает
// о конкретных сервисах. Все методы обязаны быть идемпотентными.
type PaymentSagaDeps interface {
	// ConfirmPayment подтверждает авторизованный платёж (списание в PG).
	// No-op, если платёж уже CONFIRMED.
	ConfirmPayment(ctx context.Context, tenantID, paymentID string) error

	// CancelAuthorisation отменяет hold в PG и переводит платёж в FAILED.
	// Клиент никогда не остаётся со списанием за неоказанную услугу.
	CancelAuthorisation(ctx context.Context, tenantID, paymentID, reason string) error

	// ExecuteService оказывает оплаченную услугу (резервация кредитов
	// подтверждается, доступ выдаётся). No-op при повторном вызове.
	ExecuteService(ctx context.Context, tenantID, orderID string) error

	// ReleaseService откатывает оказание услуги.
	ReleaseService(ctx context.Context, tenantID, orderID string) error

	// CompleteOrder переводит заказ в COMPLETED и пишет order.completed
	// в outbox. No-op, если заказ уже COMPLETED.
	CompleteOrder(ctx context.Context, tenantID, orderID string) error

	// RevertOrder возвращает заказ из COMPLETED при откате саги.
	RevertOrder(ctx context.Context, tenantID, orderID string) error
}

// NewPaymentSaga собирает определение платёжной саги:
// ExecuteService → ConfirmPayment → CompleteOrder.
//
// Списание в PG выполняется только после успешного оказания услуги:
// при откате отменяется авторизация (hold), а не уже проведённый платёж.
func NewPaymentSaga(deps PaymentSagaDeps) Definition {
	return Definition{
		Type: PaymentSagaType,
		Steps: []Step{
			{
				Name: StepExecuteService,
				Action: func(ctx context.Context, sagaCtx Context) (Context, error) {
					err := deps.ExecuteService(ctx, sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyOrderID])
					return sagaCtx, err
				},
				Compensate: func(ctx context.Context, sagaCtx Context) error {
					return deps.ReleaseService(ctx, sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyOrderID])
				},
			},
			{
				Name: StepConfirmPayment,
				Action: func(ctx context.Context, sagaCtx Context) (Context, error) {
					err := deps.ConfirmPayment(ctx, sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyPaymentID])
					return sagaCtx, err
				},
				Compensate: func(ctx context.Context, sagaCtx Context) error {
					return deps.CancelAuthorisation(ctx,
						sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyPaymentID],
						"компенсация платёжной саги")
				},
			},
			{
				Name: StepCompleteOrder,
				Action: func(ctx context.Context, sagaCtx Context) (Context, error) {
					err := deps.CompleteOrder(ctx, sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyOrderID])
					return sagaCtx, err
				},
				Compensate: func(ctx context.Context, sagaCtx Context) error {
					return deps.RevertOrder(ctx, sagaCtx[CtxKeyTenantID], sagaCtx[CtxKeyOrderID])
				},
			},
		},
	}
}
