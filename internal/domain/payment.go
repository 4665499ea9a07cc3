package domain

import "time"

// PaymentStatus — состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusReady — платёж создан, ожидает авторизации в PG.
	PaymentStatusReady PaymentStatus = "READY"

	// PaymentStatusProcessing — запрос авторизации отправлен в PG.
	PaymentStatusProcessing PaymentStatus = "PROCESSING"

	// PaymentStatusApproved — PG авторизовал платёж (hold), средства ещё не списаны.
	PaymentStatusApproved PaymentStatus = "APPROVED"

	// PaymentStatusConfirmed — платёж подтверждён, средства списаны.
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"

	// PaymentStatusFailed — платёж отклонён или отменён. Терминальное состояние.
	PaymentStatusFailed PaymentStatus = "FAILED"

	// PaymentStatusRefunded — платёж полностью возвращён. Терминальное состояние.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// allowedPaymentTransitions определяет допустимые переходы состояний платежа.
// FAILED и REFUNDED — поглощающие: из них переходов нет.
var allowedPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusReady:      {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusApproved, PaymentStatusFailed},
	PaymentStatusApproved:   {PaymentStatusConfirmed, PaymentStatusFailed},
	PaymentStatusConfirmed:  {PaymentStatusRefunded},
}

// paymentStatusRank — порядок состояний для сравнения "позади/впереди".
// Используется webhook-обработчиком: устаревший статус от PG игнорируется.
var paymentStatusRank = map[PaymentStatus]int{
	PaymentStatusReady:      0,
	PaymentStatusProcessing: 1,
	PaymentStatusApproved:   2,
	PaymentStatusConfirmed:  3,
	PaymentStatusRefunded:   4,
	PaymentStatusFailed:     4,
}

// Payment — платёж по заказу.
// На один заказ допускается ровно один платёж (уникальный индекс по order_id).
type Payment struct {
	ID              string        // Уникальный идентификатор платежа (UUID)
	TenantID        string        // Арендатор, которому принадлежит платёж
	OrderID         string        // Заказ, который оплачивается
	Amount          Money         // Сумма платежа (валюта совпадает с заказом)
	Status          PaymentStatus // Текущее состояние
	PaymentMethod   string        // Способ оплаты (CARD, VIRTUAL_ACCOUNT, ...)
	PgTransactionID *string       // Идентификатор транзакции на стороне PG
	PgPaymentKey    *string       // Ключ платежа PG (для confirm/cancel/refund)
	FailureReason   *string       // Причина отказа (nil если платёж успешен)
	Version         int64         // Optimistic locking
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ApprovedAt      *time.Time // Время авторизации
	ConfirmedAt     *time.Time // Время подтверждения
	FailedAt        *time.Time // Время отказа
}

// Validate проверяет корректность платежа перед созданием.
func (p *Payment) Validate() error {
	if p.OrderID == "" {
		return ErrOrderNotFound
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (p *Payment) CanTransitionTo(newStatus PaymentStatus) bool {
	allowed, ok := allowedPaymentTransitions[p.Status]
	if !ok {
		return false // Терминальное состояние
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// transitionTo выполняет переход состояния или возвращает ошибку.
// Недопустимый переход — всегда ошибка, никогда не тихий no-op.
func (p *Payment) transitionTo(newStatus PaymentStatus, now time.Time) error {
	if !p.CanTransitionTo(newStatus) {
		return ErrInvalidPaymentState
	}
	p.Status = newStatus
	p.UpdatedAt = now
	return nil
}

// MarkProcessing — запрос авторизации отправлен в PG.
func (p *Payment) MarkProcessing(now time.Time) error {
	return p.transitionTo(PaymentStatusProcessing, now)
}

// Approve фиксирует успешную авторизацию: сохраняет идентификаторы PG.
func (p *Payment) Approve(pgTxnID, pgKey string, now time.Time) error {
	if err := p.transitionTo(PaymentStatusApproved, now); err != nil {
		return err
	}
	p.PgTransactionID = &pgTxnID
	p.PgPaymentKey = &pgKey
	p.ApprovedAt = &now
	return nil
}

// Confirm подтверждает платёж (списание средств).
func (p *Payment) Confirm(now time.Time) error {
	if err := p.transitionTo(PaymentStatusConfirmed, now); err != nil {
		return err
	}
	p.ConfirmedAt = &now
	return nil
}

// Fail помечает платёж как отклонённый с указанием причины.
func (p *Payment) Fail(reason string, now time.Time) error {
	if err := p.transitionTo(PaymentStatusFailed, now); err != nil {
		return err
	}
	p.FailureReason = &reason
	p.FailedAt = &now
	return nil
}

// MarkRefunded переводит платёж в REFUNDED после полного возврата.
func (p *Payment) MarkRefunded(now time.Time) error {
	return p.transitionTo(PaymentStatusRefunded, now)
}

// IsApprovalExpired возвращает true, если с момента авторизации прошло
// больше maxAge. Подтверждение устаревшей авторизации запрещено:
// сага обязана отменить hold вместо confirm.
func (p *Payment) IsApprovalExpired(now time.Time, maxAge time.Duration) bool {
	if p.ApprovedAt == nil {
		return false
	}
	return now.Sub(*p.ApprovedAt) > maxAge
}

// StatusRank возвращает порядковый номер состояния в машине платежа.
// Webhook с рангом <= текущего — устаревший и игнорируется.
func (p *Payment) StatusRank() int {
	return paymentStatusRank[p.Status]
}

// PaymentStatusRank возвращает ранг произвольного состояния.
// Для неизвестного состояния возвращает -1.
func PaymentStatusRank(status PaymentStatus) int {
	rank, ok := paymentStatusRank[status]
	if !ok {
		return -1
	}
	return rank
}
