package domain

import "time"

// RefundStatus — статус возврата.
type RefundStatus string

const (
	// RefundStatusRequested — возврат создан, ещё не отправлен в PG.
	RefundStatusRequested RefundStatus = "REQUESTED"

	// RefundStatusProcessing — запрос возврата отправлен в PG.
	RefundStatusProcessing RefundStatus = "PROCESSING"

	// RefundStatusCompleted — PG подтвердил возврат. Терминальный статус.
	RefundStatusCompleted RefundStatus = "COMPLETED"

	// RefundStatusFailed — PG отклонил возврат. Терминальный статус.
	RefundStatusFailed RefundStatus = "FAILED"
)

var allowedRefundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusRequested:  {RefundStatusProcessing, RefundStatusFailed},
	RefundStatusProcessing: {RefundStatusCompleted, RefundStatusFailed},
}

// Refund — возврат средств по платежу.
// Допускаются частичные возвраты: сумма всех COMPLETED возвратов
// не может превышать сумму платежа.
type Refund struct {
	ID            string       // Уникальный идентификатор возврата (UUID)
	TenantID      string       // Арендатор
	PaymentID     string       // Платёж, по которому выполняется возврат
	Amount        Money        // Сумма возврата (валюта платежа)
	Status        RefundStatus // Текущий статус
	Reason        string       // Причина возврата
	PgRefundID    *string      // Идентификатор возврата на стороне PG
	FailureReason *string      // Причина отказа PG
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Validate проверяет корректность возврата перед созданием.
func (r *Refund) Validate() error {
	if r.PaymentID == "" {
		return ErrPaymentNotFound
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// CanTransitionTo проверяет, допустим ли переход статуса.
func (r *Refund) CanTransitionTo(newStatus RefundStatus) bool {
	allowed, ok := allowedRefundTransitions[r.Status]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

func (r *Refund) transitionTo(newStatus RefundStatus, now time.Time) error {
	if !r.CanTransitionTo(newStatus) {
		return ErrInvalidRefundTransition
	}
	r.Status = newStatus
	r.UpdatedAt = now
	return nil
}

// MarkProcessing — запрос отправлен в PG.
func (r *Refund) MarkProcessing(now time.Time) error {
	return r.transitionTo(RefundStatusProcessing, now)
}

// Complete фиксирует успешный возврат.
func (r *Refund) Complete(pgRefundID string, now time.Time) error {
	if err := r.transitionTo(RefundStatusCompleted, now); err != nil {
		return err
	}
	r.PgRefundID = &pgRefundID
	r.CompletedAt = &now
	return nil
}

// Fail помечает возврат как отклонённый.
func (r *Refund) Fail(reason string, now time.Time) error {
	if err := r.transitionTo(RefundStatusFailed, now); err != nil {
		return err
	}
	r.FailureReason = &reason
	return nil
}
