package domain

import "time"

// LedgerEntryType — тип записи в журнале кредитных операций.
type LedgerEntryType string

const (
	// LedgerCharge — прямое пополнение баланса (начисление кредитов).
	LedgerCharge LedgerEntryType = "CHARGE"

	// LedgerReserve — резервирование средств (фаза 1 двухфазного списания).
	LedgerReserve LedgerEntryType = "RESERVE"

	// LedgerConfirm — подтверждение резервации: списание средств (фаза 2).
	LedgerConfirm LedgerEntryType = "CONFIRM"

	// LedgerCancel — отмена резервации: средства освобождаются (фаза 2).
	LedgerCancel LedgerEntryType = "CANCEL"

	// LedgerRefund — возврат средств на баланс.
	LedgerRefund LedgerEntryType = "REFUND"

	// LedgerExpire — сгорание кредитов по сроку действия.
	LedgerExpire LedgerEntryType = "EXPIRE"
)

// Credit — кредитный счёт пользователя.
// Снапшот: balance и reserved_amount должны сходиться с журналом
// (см. VerifyAgainstLedger). Инвариант: 0 <= reserved_amount <= balance.
type Credit struct {
	ID             string // Уникальный идентификатор счёта (UUID)
	TenantID       string // Арендатор
	UserID         string // Владелец счёта
	Balance        int64  // Баланс в минимальных единицах
	ReservedAmount int64  // Зарезервировано (ещё не списано)
	Version        int64  // Optimistic locking
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Available возвращает доступные для резервирования средства.
func (c *Credit) Available() int64 {
	return c.Balance - c.ReservedAmount
}

// Reserve резервирует amount (фаза 1). Баланс не меняется.
func (c *Credit) Reserve(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if c.Available() < amount {
		return ErrInsufficientBalance
	}
	c.ReservedAmount += amount
	c.UpdatedAt = now
	return nil
}

// ConfirmReservation списывает зарезервированные средства (фаза 2).
func (c *Credit) ConfirmReservation(amount int64, now time.Time) error {
	if amount <= 0 || c.ReservedAmount < amount {
		return ErrInvalidAmount
	}
	c.Balance -= amount
	c.ReservedAmount -= amount
	c.UpdatedAt = now
	return nil
}

// CancelReservation освобождает резервацию без списания (фаза 2).
func (c *Credit) CancelReservation(amount int64, now time.Time) error {
	if amount <= 0 || c.ReservedAmount < amount {
		return ErrInvalidAmount
	}
	c.ReservedAmount -= amount
	c.UpdatedAt = now
	return nil
}

// Charge пополняет баланс.
func (c *Credit) Charge(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.Balance += amount
	c.UpdatedAt = now
	return nil
}

// Refund возвращает средства на баланс.
func (c *Credit) Refund(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.Balance += amount
	c.UpdatedAt = now
	return nil
}

// Expire списывает сгоревшие кредиты.
func (c *Credit) Expire(amount int64, now time.Time) error {
	if amount <= 0 || c.Available() < amount {
		return ErrInvalidAmount
	}
	c.Balance -= amount
	c.UpdatedAt = now
	return nil
}

// CreditLedgerEntry — неизменяемая запись в журнале кредитных операций.
// Снапшот счёта должен восстанавливаться из журнала.
type CreditLedgerEntry struct {
	ID           string          // Идентификатор записи (UUID); для RESERVE служит reservation_id
	TenantID     string          // Арендатор
	CreditID     string          // Кредитный счёт
	UserID       string          // Владелец счёта (денормализовано)
	Type         LedgerEntryType // Тип операции
	Amount       int64           // Сумма операции (всегда положительная)
	BalanceAfter int64           // Баланс после применения операции
	ReferenceID  string          // Ссылка на платёж/заказ/резервацию
	SettledBy    *string         // Для RESERVE: id записи CONFIRM/CANCEL, закрывшей резервацию
	CreatedAt    time.Time
}

// VerifyAgainstLedger сверяет снапшот счёта с журналом.
// balance = Σ CHARGE(+), REFUND(+), CONFIRM(-), EXPIRE(-)
// reserved = Σ RESERVE(+), CONFIRM(-), CANCEL(-)
func (c *Credit) VerifyAgainstLedger(entries []CreditLedgerEntry) error {
	var balance, reserved int64
	for _, e := range entries {
		switch e.Type {
		case LedgerCharge, LedgerRefund:
			balance += e.Amount
		case LedgerConfirm:
			balance -= e.Amount
			reserved -= e.Amount
		case LedgerExpire:
			balance -= e.Amount
		case LedgerReserve:
			reserved += e.Amount
		case LedgerCancel:
			reserved -= e.Amount
		}
	}
	if balance != c.Balance || reserved != c.ReservedAmount {
		return ErrLedgerMismatch
	}
	return nil
}
