package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/credit"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/pg"
	"example.com/fluxpay/internal/repository"
	"example.com/fluxpay/internal/saga"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/outbox"
)

// approvalMaxAge — максимальный возраст авторизации PG.
// Подтверждение устаревшей авторизации отклоняется: hold у вендора
// к этому моменту уже снят.
const approvalMaxAge = 24 * time.Hour

// SagaStarter запускает сагу. Интерфейс выделен для подмены в тестах.
type SagaStarter interface {
	Start(ctx context.Context, tenantID, correlationID, sagaType string, initial saga.Context) (*saga.Instance, error)
}

// PaymentService реализует жизненный цикл платежа:
// создание (READY) → авторизация в PG (APPROVED) → подтверждение
// через платёжную сагу (CONFIRMED).
type PaymentService struct {
	db       *gorm.DB
	payments repository.PaymentRepository
	orders   repository.OrderRepository
	outbox   outbox.Repository
	pgClient pg.Client
	credits  *credit.Service
	sagas    SagaStarter
}

// NewPaymentService создаёт сервис платежей. Сага подключается позже
// через BindSaga: определение саги ссылается на сервис, а сервис —
// на движок саг.
func NewPaymentService(
	db *gorm.DB,
	payments repository.PaymentRepository,
	orders repository.OrderRepository,
	outboxRepo outbox.Repository,
	pgClient pg.Client,
	credits *credit.Service,
) *PaymentService {
	return &PaymentService{
		db:       db,
		payments: payments,
		orders:   orders,
		outbox:   outboxRepo,
		pgClient: pgClient,
		credits:  credits,
	}
}

// BindSaga подключает движок саг к сервису.
func (s *PaymentService) BindSaga(sagas SagaStarter) {
	s.sagas = sagas
}

// Create создаёт платёж в статусе READY. Уникальный индекс по order_id
// гарантирует не более одного платежа на заказ.
func (s *PaymentService) Create(ctx context.Context, tenantID, orderID string, amount domain.Money) (*domain.Payment, error) {
	order, err := s.orders.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, domain.ErrInvalidOrderTransition
	}
	if amount.Currency != order.TotalAmount.Currency {
		return nil, domain.ErrCurrencyMismatch
	}
	if amount.Amount != order.TotalAmount.Amount {
		return nil, domain.ErrTotalMismatch
	}

	payment := &domain.Payment{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		OrderID:  orderID,
		Amount:   amount,
		Status:   domain.PaymentStatusReady,
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.Create(ctx, tx, payment); err != nil {
			return err
		}
		return s.emitPaymentEvent(ctx, tx, payment, EventPaymentCreated, "")
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("tenant_id", tenantID).
		Str("payment_id", payment.ID).
		Str("order_id", orderID).
		Msg("Платёж создан")

	return payment, nil
}

// Approve выполняет первую фазу оплаты: авторизацию (hold) в PG.
// READY → PROCESSING → APPROVED; при отказе или таймауте PG платёж
// переводится в FAILED, заказ отменяется.
func (s *PaymentService) Approve(ctx context.Context, tenantID, paymentID, method string) (*domain.Payment, error) {
	payment, err := s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}

	// Повторный approve уже авторизованного платежа — no-op.
	if payment.Status == domain.PaymentStatusApproved {
		return payment, nil
	}

	if err := payment.MarkProcessing(time.Now()); err != nil {
		return nil, err
	}
	payment.PaymentMethod = method
	if err := s.payments.Update(ctx, nil, payment); err != nil {
		return nil, err
	}

	result, pgErr := s.pgClient.RequestApproval(ctx, payment.OrderID, payment.Amount.Amount, payment.Amount.Currency, method)
	if pgErr != nil {
		if failErr := s.failPayment(ctx, payment, approvalFailureReason(pgErr)); failErr != nil {
			return nil, failErr
		}
		return payment, pgErr
	}

	if err := payment.Approve(result.PgTransactionID, result.PgPaymentKey, time.Now()); err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.Update(ctx, tx, payment); err != nil {
			return err
		}
		return s.emitPaymentEvent(ctx, tx, payment, EventPaymentApproved, "")
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("tenant_id", tenantID).
		Str("payment_id", paymentID).
		Str("pg_transaction_id", result.PgTransactionID).
		Msg("Платёж авторизован")

	return payment, nil
}

// Confirm запускает вторую фазу оплаты через платёжную сагу:
// оказание услуги → списание в PG → завершение заказа.
// Повторный вызов с тем же платежом возвращает существующую сагу.
func (s *PaymentService) Confirm(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	payment, err := s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == domain.PaymentStatusConfirmed {
		return payment, nil
	}
	if payment.Status != domain.PaymentStatusApproved {
		return nil, domain.ErrInvalidPaymentState
	}

	if payment.IsApprovalExpired(time.Now(), approvalMaxAge) {
		if failErr := s.failPayment(ctx, payment, "авторизация устарела"); failErr != nil {
			return nil, failErr
		}
		return nil, domain.ErrApprovalExpired
	}

	order, err := s.orders.GetByID(ctx, tenantID, payment.OrderID)
	if err != nil {
		return nil, err
	}

	instance, err := s.sagas.Start(ctx, tenantID, payment.ID, saga.PaymentSagaType, saga.Context{
		saga.CtxKeyTenantID:  tenantID,
		saga.CtxKeyOrderID:   payment.OrderID,
		saga.CtxKeyPaymentID: payment.ID,
		saga.CtxKeyUserID:    order.UserID,
		saga.CtxKeyAmount:    fmt.Sprintf("%d", payment.Amount.Amount),
		saga.CtxKeyCurrency:  payment.Amount.Currency,
	})
	if err != nil {
		return nil, err
	}

	// Сага выполняется синхронно; итоговое состояние читаем из БД.
	payment, err = s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if instance.Status != saga.StatusCompleted {
		logger.Warn().
			Str("tenant_id", tenantID).
			Str("payment_id", paymentID).
			Str("saga_status", string(instance.Status)).
			Msg("Платёжная сага не завершилась успешно")
		return payment, domain.ErrInvalidPaymentState
	}

	return payment, nil
}

// GetByID возвращает платёж арендатора.
func (s *PaymentService) GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	return s.payments.GetByID(ctx, tenantID, paymentID)
}

// =====================================
// Реализация saga.PaymentSagaDeps
// =====================================

// ExecuteService оказывает оплаченную услугу: подтверждает кредитную
// резервацию заказа, если она есть. Повторный вызов — no-op.
func (s *PaymentService) ExecuteService(ctx context.Context, tenantID, orderID string) error {
	order, err := s.orders.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return err
	}
	reservationID, ok := order.Metadata[MetadataKeyCreditReservation]
	if !ok || reservationID == "" {
		return nil
	}
	return s.credits.Confirm(ctx, tenantID, reservationID)
}

// ReleaseService откатывает оказание услуги: отменяет или возвращает
// кредитную резервацию заказа.
func (s *PaymentService) ReleaseService(ctx context.Context, tenantID, orderID string) error {
	order, err := s.orders.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return err
	}
	reservationID, ok := order.Metadata[MetadataKeyCreditReservation]
	if !ok || reservationID == "" {
		return nil
	}
	return s.credits.ReleaseReservation(ctx, tenantID, reservationID)
}

// ConfirmPayment списывает авторизованный платёж в PG и переводит
// платёж в CONFIRMED, а заказ — в PAID. No-op, если платёж уже CONFIRMED.
func (s *PaymentService) ConfirmPayment(ctx context.Context, tenantID, paymentID string) error {
	payment, err := s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return err
	}
	if payment.Status == domain.PaymentStatusConfirmed {
		return nil
	}
	if payment.Status != domain.PaymentStatusApproved || payment.PgPaymentKey == nil {
		return domain.ErrInvalidPaymentState
	}

	if err := s.pgClient.Confirm(ctx, *payment.PgPaymentKey); err != nil {
		return fmt.Errorf("подтверждение в PG: %w", err)
	}

	order, err := s.orders.GetByID(ctx, tenantID, payment.OrderID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := payment.Confirm(now); err != nil {
		return err
	}
	if order.Status == domain.OrderStatusPending {
		if err := order.MarkPaid(now); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.Update(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		return s.emitPaymentEvent(ctx, tx, payment, EventPaymentConfirmed, "")
	})
}

// CancelAuthorisation компенсирует ConfirmPayment. Для авторизованного
// платежа снимается hold; для уже списанного выполняется возврат в PG.
// Клиент никогда не остаётся со списанием за неоказанную услугу.
func (s *PaymentService) CancelAuthorisation(ctx context.Context, tenantID, paymentID, reason string) error {
	payment, err := s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return err
	}

	switch payment.Status {
	case domain.PaymentStatusFailed, domain.PaymentStatusRefunded:
		return nil

	case domain.PaymentStatusConfirmed:
		// Списание уже прошло: компенсация — полный возврат.
		if payment.PgPaymentKey == nil {
			return domain.ErrInvalidPaymentState
		}
		if _, err := s.pgClient.Refund(ctx, *payment.PgPaymentKey, payment.Amount.Amount, reason); err != nil {
			return fmt.Errorf("возврат при компенсации: %w", err)
		}
		if err := payment.MarkRefunded(time.Now()); err != nil {
			return err
		}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.payments.Update(ctx, tx, payment); err != nil {
				return err
			}
			return s.emitPaymentEvent(ctx, tx, payment, EventPaymentRefunded, reason)
		})

	case domain.PaymentStatusApproved, domain.PaymentStatusProcessing:
		if payment.PgPaymentKey != nil {
			if err := s.pgClient.Cancel(ctx, *payment.PgPaymentKey, reason); err != nil {
				return fmt.Errorf("отмена авторизации в PG: %w", err)
			}
		}
		return s.failPayment(ctx, payment, reason)

	default:
		return s.failPayment(ctx, payment, reason)
	}
}

// CompleteOrder переводит заказ в COMPLETED. No-op, если уже COMPLETED.
func (s *PaymentService) CompleteOrder(ctx context.Context, tenantID, orderID string) error {
	order, err := s.orders.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusCompleted {
		return nil
	}
	if err := order.Complete(time.Now()); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		return s.emitOrderEventTx(ctx, tx, order, EventOrderCompleted, "")
	})
}

// RevertOrder компенсирует CompleteOrder. COMPLETED — терминальный
// статус, поэтому реальный откат невозможен: фиксируем алерт для
// ручного разбора. Незавершённый заказ отменяется.
func (s *PaymentService) RevertOrder(ctx context.Context, tenantID, orderID string) error {
	order, err := s.orders.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case domain.OrderStatusCancelled, domain.OrderStatusFailed:
		return nil
	case domain.OrderStatusCompleted:
		logger.Error().
			Str("tenant_id", tenantID).
			Str("order_id", orderID).
			Msg("ALERT: откат завершённого заказа, требуется ручное вмешательство")
		return nil
	}

	if err := order.Cancel("компенсация платёжной саги", time.Now()); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		return s.emitOrderEventTx(ctx, tx, order, EventOrderCancelled, "компенсация платёжной саги")
	})
}

// =====================================
// Вспомогательные методы
// =====================================

// failPayment переводит платёж в FAILED и отменяет заказ.
// Платёж, заказ и их события коммитятся одной транзакцией.
func (s *PaymentService) failPayment(ctx context.Context, payment *domain.Payment, reason string) error {
	if err := payment.Fail(reason, time.Now()); err != nil {
		return err
	}

	order, err := s.orders.GetByID(ctx, payment.TenantID, payment.OrderID)
	if err != nil {
		return err
	}
	cancelOrder := order.CanTransitionTo(domain.OrderStatusCancelled)
	if cancelOrder {
		if err := order.Cancel(reason, time.Now()); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.Update(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.emitPaymentEvent(ctx, tx, payment, EventPaymentFailed, reason); err != nil {
			return err
		}
		if !cancelOrder {
			return nil
		}
		if err := s.orders.Update(ctx, tx, order); err != nil {
			return err
		}
		return s.emitOrderEventTx(ctx, tx, order, EventOrderCancelled, reason)
	})
}

// emitPaymentEvent пишет событие платежа в outbox в рамках транзакции.
func (s *PaymentService) emitPaymentEvent(ctx context.Context, tx *gorm.DB, payment *domain.Payment, eventType, reason string) error {
	payload := PaymentEventPayload{
		PaymentID:  payment.ID,
		OrderID:    payment.OrderID,
		Status:     string(payment.Status),
		Amount:     payment.Amount.Amount,
		Currency:   payment.Amount.Currency,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if payment.PgTransactionID != nil {
		payload.PgTransactionID = *payment.PgTransactionID
	}
	event, err := outbox.NewEvent(payment.TenantID, "payment", payment.ID, eventType, TopicPayments, payload)
	if err != nil {
		return fmt.Errorf("сборка события %s: %w", eventType, err)
	}
	return s.outbox.Create(ctx, tx, event)
}

// emitOrderEventTx пишет событие заказа в outbox в рамках транзакции.
func (s *PaymentService) emitOrderEventTx(ctx context.Context, tx *gorm.DB, order *domain.Order, eventType, reason string) error {
	event, err := outbox.NewEvent(order.TenantID, "order", order.ID, eventType, TopicOrders, OrderEventPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.Amount,
		Currency:    order.TotalAmount.Currency,
		Reason:      reason,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("сборка события %s: %w", eventType, err)
	}
	return s.outbox.Create(ctx, tx, event)
}

// approvalFailureReason формирует причину отказа авторизации.
func approvalFailureReason(err error) string {
	switch {
	case errors.Is(err, pg.ErrTimeout):
		return "таймаут авторизации в PG (timeout)"
	case errors.Is(err, pg.ErrCircuitOpen):
		return "PG недоступен: circuit breaker открыт"
	case errors.Is(err, pg.ErrBulkheadFull):
		return "PG перегружен: превышен лимит одновременных вызовов"
	default:
		return fmt.Sprintf("отказ авторизации: %v", err)
	}
}
