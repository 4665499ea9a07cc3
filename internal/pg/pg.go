// Package pg содержит контракт клиента платёжного шлюза (PG)
// и отказоустойчивую обёртку вокруг него.
// Ядро зависит только от интерфейса Client; реализации — по одной
// на вендора PG.
package pg

import (
	"context"
	"errors"
	"fmt"
)

// Типизированные ошибки отказоустойчивой обёртки.
var (
	// ErrCircuitOpen — breaker открыт, вызов отклонён без обращения к PG.
	ErrCircuitOpen = errors.New("платёжный шлюз недоступен: circuit breaker открыт")

	// ErrBulkheadFull — исчерпан лимит одновременных вызовов PG.
	ErrBulkheadFull = errors.New("платёжный шлюз перегружен: лимит одновременных вызовов")

	// ErrTimeout — вызов PG не уложился в общий таймаут.
	ErrTimeout = errors.New("таймаут вызова платёжного шлюза")
)

// VendorError — ошибка, возвращённая самим PG (отклонение операции).
// Retryable=false: повтор бессмыслен (например, карта отклонена).
type VendorError struct {
	Code      string
	Message   string
	Retryable bool
}

// Error реализует интерфейс error.
func (e *VendorError) Error() string {
	return fmt.Sprintf("ошибка PG [%s]: %s", e.Code, e.Message)
}

// ApprovalResult — результат запроса авторизации.
type ApprovalResult struct {
	PgTransactionID string // Идентификатор транзакции на стороне PG
	PgPaymentKey    string // Ключ платежа для confirm/cancel/refund
}

// RefundResult — результат запроса возврата.
type RefundResult struct {
	PgRefundID string // Идентификатор возврата на стороне PG
}

// Client — контракт клиента PG.
// RequestApproval и Confirm не идемпотентны у большинства вендоров:
// их повтор — только через webhook-сверку, никогда автоматически.
// Cancel и Refund идемпотентны и могут повторяться.
type Client interface {
	// RequestApproval запрашивает авторизацию (hold) на сумму.
	RequestApproval(ctx context.Context, orderRef string, amount int64, currency, method string) (*ApprovalResult, error)

	// Confirm подтверждает авторизованный платёж (списание).
	Confirm(ctx context.Context, pgKey string) error

	// Cancel отменяет авторизацию. Идемпотентен.
	Cancel(ctx context.Context, pgKey, reason string) error

	// Refund возвращает средства по подтверждённому платежу. Идемпотентен.
	Refund(ctx context.Context, pgKey string, amount int64, reason string) (*RefundResult, error)
}
