package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/pg"
	"example.com/fluxpay/internal/repository"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/outbox"
)

// RefundService реализует частичные и полные возвраты по платежу.
// Инвариант: сумма завершённых возвратов никогда не превышает сумму
// платежа. Когда платёж возвращён полностью, он переходит в REFUNDED.
type RefundService struct {
	db       *gorm.DB
	refunds  repository.RefundRepository
	payments repository.PaymentRepository
	outbox   outbox.Repository
	pgClient pg.Client
}

// NewRefundService создаёт сервис возвратов.
func NewRefundService(
	db *gorm.DB,
	refunds repository.RefundRepository,
	payments repository.PaymentRepository,
	outboxRepo outbox.Repository,
	pgClient pg.Client,
) *RefundService {
	return &RefundService{
		db:       db,
		refunds:  refunds,
		payments: payments,
		outbox:   outboxRepo,
		pgClient: pgClient,
	}
}

// Create выполняет возврат по подтверждённому платежу.
// Проверка суммы и создание записи идут в одной транзакции; затем
// выполняется возврат в PG, и итоговый статус фиксируется второй
// транзакцией вместе с событием outbox.
func (s *RefundService) Create(ctx context.Context, tenantID, paymentID string, amount int64, reason string) (*domain.Refund, error) {
	payment, err := s.payments.GetByID(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusConfirmed {
		return nil, domain.ErrInvalidPaymentState
	}
	if payment.PgPaymentKey == nil {
		return nil, domain.ErrInvalidPaymentState
	}

	refund := &domain.Refund{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		PaymentID: paymentID,
		Amount: domain.Money{
			Amount:   amount,
			Currency: payment.Amount.Currency,
		},
		Status: domain.RefundStatusRequested,
		Reason: reason,
	}
	if err := refund.Validate(); err != nil {
		return nil, err
	}

	// Платёж блокируется FOR UPDATE на время проверки лимита и вставки:
	// конкурирующие возвраты по одному платежу сериализуются. В резервной
	// сумме учитываются и ещё не завершённые возвраты — возврат в полёте
	// уже занимает лимит.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.payments.LockByID(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}
		reserved, err := s.refunds.SumReserved(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if reserved+amount > locked.Amount.Amount {
			return domain.ErrRefundExceedsPayment
		}
		return s.refunds.Create(ctx, tx, refund)
	})
	if err != nil {
		return nil, err
	}

	if err := refund.MarkProcessing(time.Now()); err != nil {
		return nil, err
	}
	if err := s.refunds.Update(ctx, nil, refund); err != nil {
		return nil, err
	}

	result, pgErr := s.pgClient.Refund(ctx, *payment.PgPaymentKey, amount, reason)
	if pgErr != nil {
		if failErr := s.fail(ctx, refund, pgErr.Error()); failErr != nil {
			return nil, failErr
		}
		return refund, pgErr
	}

	if err := refund.Complete(result.PgRefundID, time.Now()); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.refunds.Update(ctx, tx, refund); err != nil {
			return err
		}
		if err := s.emitRefundEvent(ctx, tx, refund, EventRefundCompleted); err != nil {
			return err
		}

		// Полностью возвращённый платёж переходит в REFUNDED.
		completed, err := s.refunds.SumCompleted(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if completed < payment.Amount.Amount {
			return nil
		}
		if err := payment.MarkRefunded(time.Now()); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, tx, payment); err != nil {
			return err
		}
		return s.emitPaymentRefunded(ctx, tx, payment, reason)
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("tenant_id", tenantID).
		Str("refund_id", refund.ID).
		Str("payment_id", paymentID).
		Int64("amount", amount).
		Msg("Возврат выполнен")

	return refund, nil
}

// GetByID возвращает возврат арендатора.
func (s *RefundService) GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error) {
	return s.refunds.GetByID(ctx, tenantID, refundID)
}

// ListByPaymentID возвращает возвраты по платежу.
func (s *RefundService) ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error) {
	return s.refunds.ListByPaymentID(ctx, tenantID, paymentID)
}

// fail переводит возврат в FAILED и пишет событие refund.failed.
func (s *RefundService) fail(ctx context.Context, refund *domain.Refund, reason string) error {
	if err := refund.Fail(reason, time.Now()); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.refunds.Update(ctx, tx, refund); err != nil {
			return err
		}
		return s.emitRefundEvent(ctx, tx, refund, EventRefundFailed)
	})
}

// emitRefundEvent пишет событие возврата в outbox в рамках транзакции.
func (s *RefundService) emitRefundEvent(ctx context.Context, tx *gorm.DB, refund *domain.Refund, eventType string) error {
	payload := RefundEventPayload{
		RefundID:   refund.ID,
		PaymentID:  refund.PaymentID,
		Status:     string(refund.Status),
		Amount:     refund.Amount.Amount,
		Currency:   refund.Amount.Currency,
		Reason:     refund.Reason,
		OccurredAt: time.Now().UTC(),
	}
	if refund.PgRefundID != nil {
		payload.PgRefundID = *refund.PgRefundID
	}
	event, err := outbox.NewEvent(refund.TenantID, "refund", refund.ID, eventType, TopicRefunds, payload)
	if err != nil {
		return fmt.Errorf("сборка события %s: %w", eventType, err)
	}
	return s.outbox.Create(ctx, tx, event)
}

// emitPaymentRefunded пишет событие payment.refunded в рамках транзакции.
func (s *RefundService) emitPaymentRefunded(ctx context.Context, tx *gorm.DB, payment *domain.Payment, reason string) error {
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
	event, err := outbox.NewEvent(payment.TenantID, "payment", payment.ID, EventPaymentRefunded, TopicPayments, payload)
	if err != nil {
		return fmt.Errorf("сборка события %s: %w", EventPaymentRefunded, err)
	}
	return s.outbox.Create(ctx, tx, event)
}
