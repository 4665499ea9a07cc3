package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/repository"
	"example.com/fluxpay/internal/service"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/outbox"
)

// failureAlertThreshold — после скольких подряд неудачных обработок
// одного pg_transaction_id пишется алерт для оператора.
const failureAlertThreshold = 5

// Notification — тело webhook-уведомления PG.
type Notification struct {
	PgTransactionID string `json:"pgTransactionId" binding:"required"`
	Status          string `json:"status" binding:"required"`
	Reason          string `json:"reason,omitempty"`
}

// processedWebhookModel — журнал обработанных webhook.
// Уникальность по (pg_transaction_id, status): повтор того же
// уведомления распознаётся как дубликат.
type processedWebhookModel struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	PgTransactionID string    `gorm:"column:pg_transaction_id;type:varchar(64);not null;uniqueIndex:idx_webhook_txn_status"`
	Status          string    `gorm:"column:status;type:varchar(20);not null;uniqueIndex:idx_webhook_txn_status"`
	Vendor          string    `gorm:"column:vendor;type:varchar(32);not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (processedWebhookModel) TableName() string {
	return "processed_webhooks"
}

// Migrate создаёт таблицу processed_webhooks.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&processedWebhookModel{})
}

// Outcome — результат обработки webhook.
type Outcome int

const (
	// OutcomeApplied — статус платежа продвинут.
	OutcomeApplied Outcome = iota

	// OutcomeNoop — дубликат или запоздавшее уведомление; PG получает
	// 200 и прекращает повторы.
	OutcomeNoop
)

// Processor применяет уведомления PG к платежам.
type Processor struct {
	db       *gorm.DB
	payments repository.PaymentRepository
	orders   repository.OrderRepository
	outbox   outbox.Repository
	redis    *redis.Client
}

// NewProcessor создаёт обработчик webhook.
func NewProcessor(
	db *gorm.DB,
	payments repository.PaymentRepository,
	orders repository.OrderRepository,
	outboxRepo outbox.Repository,
	redisClient *redis.Client,
) *Processor {
	return &Processor{
		db:       db,
		payments: payments,
		orders:   orders,
		outbox:   outboxRepo,
		redis:    redisClient,
	}
}

// Process применяет уведомление. Возвращает OutcomeNoop для дубликатов
// и запоздавших статусов; ошибка означает NACK — PG повторит доставку.
func (p *Processor) Process(ctx context.Context, vendor string, n Notification) (Outcome, error) {
	incomingRank := domain.PaymentStatusRank(domain.PaymentStatus(n.Status))
	if incomingRank < 0 {
		return OutcomeNoop, fmt.Errorf("неизвестный статус webhook: %s", n.Status)
	}

	payment, err := p.payments.GetByPgTransactionID(ctx, n.PgTransactionID)
	if err != nil {
		p.countFailure(ctx, n.PgTransactionID, err)
		return OutcomeNoop, err
	}

	// Нарушение порядка доставки: статус не ниже текущего уже применён.
	if incomingRank <= payment.StatusRank() {
		logger.Debug().
			Str("pg_transaction_id", n.PgTransactionID).
			Str("incoming", n.Status).
			Str("current", string(payment.Status)).
			Msg("Webhook отброшен: статус не продвигает платёж")
		return OutcomeNoop, nil
	}

	if err := p.apply(ctx, vendor, payment, n); err != nil {
		if errors.Is(err, errDuplicateWebhook) {
			return OutcomeNoop, nil
		}
		p.countFailure(ctx, n.PgTransactionID, err)
		return OutcomeNoop, err
	}

	p.resetFailures(ctx, n.PgTransactionID)

	logger.Info().
		Str("tenant_id", payment.TenantID).
		Str("payment_id", payment.ID).
		Str("pg_transaction_id", n.PgTransactionID).
		Str("status", n.Status).
		Msg("Webhook применён")

	return OutcomeApplied, nil
}

// errDuplicateWebhook — уведомление уже есть в журнале processed_webhooks.
var errDuplicateWebhook = errors.New("webhook уже обработан")

// apply продвигает платёж к статусу из уведомления.
// Журнал processed_webhooks, платёж и событие outbox пишутся одной
// транзакцией: при сбое после частичной записи повтор PG начнёт заново.
func (p *Processor) apply(ctx context.Context, vendor string, payment *domain.Payment, n Notification) error {
	now := time.Now()

	switch domain.PaymentStatus(n.Status) {
	case domain.PaymentStatusConfirmed:
		if err := payment.Confirm(now); err != nil {
			return err
		}
		return p.persist(ctx, vendor, payment, n, service.EventPaymentConfirmed, func(tx *gorm.DB) error {
			return p.markOrderPaid(ctx, tx, payment, now)
		})

	case domain.PaymentStatusFailed:
		if err := payment.Fail(n.Reason, now); err != nil {
			return err
		}
		return p.persist(ctx, vendor, payment, n, service.EventPaymentFailed, nil)

	case domain.PaymentStatusRefunded:
		if err := payment.MarkRefunded(now); err != nil {
			return err
		}
		return p.persist(ctx, vendor, payment, n, service.EventPaymentRefunded, nil)

	case domain.PaymentStatusApproved:
		// Авторизация подтверждается синхронным ответом PG; webhook
		// APPROVED приходит только для платежа в PROCESSING
		// (потерянный ответ авторизации).
		if err := payment.Approve(n.PgTransactionID, deref(payment.PgPaymentKey), now); err != nil {
			return err
		}
		return p.persist(ctx, vendor, payment, n, service.EventPaymentApproved, nil)

	default:
		return domain.ErrInvalidPaymentState
	}
}

// persist сохраняет журнал webhook, платёж, событие outbox и
// дополнительное действие extra в одной транзакции.
func (p *Processor) persist(ctx context.Context, vendor string, payment *domain.Payment, n Notification, eventType string, extra func(tx *gorm.DB) error) error {
	reason := n.Reason
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &processedWebhookModel{
			PgTransactionID: n.PgTransactionID,
			Status:          n.Status,
			Vendor:          vendor,
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateWebhook
			}
			return fmt.Errorf("журнал webhook: %w", err)
		}

		if err := p.payments.Update(ctx, tx, payment); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		payload := service.PaymentEventPayload{
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
		event, err := outbox.NewEvent(payment.TenantID, "payment", payment.ID, eventType, service.TopicPayments, payload)
		if err != nil {
			return err
		}
		return p.outbox.Create(ctx, tx, event)
	})
}

// markOrderPaid переводит заказ платежа в PAID, если он ещё PENDING.
func (p *Processor) markOrderPaid(ctx context.Context, tx *gorm.DB, payment *domain.Payment, now time.Time) error {
	order, err := p.orders.GetByID(ctx, payment.TenantID, payment.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPending {
		return nil
	}
	if err := order.MarkPaid(now); err != nil {
		return err
	}
	return p.orders.Update(ctx, tx, order)
}

// countFailure считает подряд идущие неудачи обработки транзакции.
// После порога — алерт в операторский журнал: PG продолжает повторы,
// но прогресса нет.
func (p *Processor) countFailure(ctx context.Context, pgTxnID string, cause error) {
	if p.redis == nil {
		return
	}
	key := fmt.Sprintf("webhook:failures:%s", pgTxnID)
	count, err := p.redis.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	p.redis.Expire(ctx, key, time.Hour)
	if count >= failureAlertThreshold {
		logger.Error().
			Err(cause).
			Str("pg_transaction_id", pgTxnID).
			Int64("failures", count).
			Msg("ALERT: webhook не обрабатывается после повторов, требуется ручной разбор")
	}
}

// resetFailures сбрасывает счётчик неудач после успешной обработки.
func (p *Processor) resetFailures(ctx context.Context, pgTxnID string) {
	if p.redis == nil {
		return
	}
	p.redis.Del(ctx, fmt.Sprintf("webhook:failures:%s", pgTxnID))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
