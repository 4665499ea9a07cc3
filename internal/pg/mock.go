package pg

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"example.com/fluxpay/pkg/logger"
)

// MockClient — встроенная реализация Client для разработки и стендов
// без реального PG. Авторизует любой платёж и хранит выданные ключи
// в памяти, чтобы confirm/cancel/refund проверяли существование.
type MockClient struct {
	mu   sync.Mutex
	keys map[string]string // pg_key -> pg_transaction_id
}

// NewMockClient создаёт мок-клиент PG.
func NewMockClient() *MockClient {
	return &MockClient{keys: make(map[string]string)}
}

// RequestApproval всегда одобряет и выдаёт свежие идентификаторы.
func (m *MockClient) RequestApproval(ctx context.Context, orderRef string, amount int64, currency, method string) (*ApprovalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txnID := "mock-txn-" + uuid.New().String()
	key := "mock-key-" + uuid.New().String()
	m.keys[key] = txnID

	logger.Ctx(ctx).Debug().
		Str("order_ref", orderRef).
		Int64("amount", amount).
		Str("currency", currency).
		Str("method", method).
		Msg("Mock PG: авторизация одобрена")

	return &ApprovalResult{PgTransactionID: txnID, PgPaymentKey: key}, nil
}

// Confirm подтверждает существующий ключ.
func (m *MockClient) Confirm(ctx context.Context, pgKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[pgKey]; !ok {
		return &VendorError{Code: "NOT_FOUND", Message: "неизвестный ключ платежа"}
	}
	return nil
}

// Cancel отменяет авторизацию. Повтор для уже отменённого ключа — no-op.
func (m *MockClient) Cancel(ctx context.Context, pgKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, pgKey)
	return nil
}

// Refund выдаёт идентификатор возврата.
func (m *MockClient) Refund(ctx context.Context, pgKey string, amount int64, reason string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[pgKey]; !ok {
		return nil, &VendorError{Code: "NOT_FOUND", Message: "неизвестный ключ платежа"}
	}
	return &RefundResult{PgRefundID: "mock-refund-" + uuid.New().String()}, nil
}
