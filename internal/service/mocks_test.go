package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/pg"
	"example.com/fluxpay/internal/saga"
	"example.com/fluxpay/pkg/outbox"
)

// =====================================
// Вспомогательные функции
// =====================================

// setupTxDB создаёт GORM поверх sqlmock для транзакций сервисов.
// Репозитории в тестах замоканы, поэтому внутри транзакций SQL нет —
// ожидаются только BEGIN/COMMIT.
func setupTxDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock, func() { _ = db.Close() }
}

// =====================================
// Моки репозиториев
// =====================================

type mockOrderRepo struct {
	mock.Mock
}

func (m *mockOrderRepo) Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	args := m.Called(ctx, tx, order)
	return args.Error(0)
}

func (m *mockOrderRepo) GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, tenantID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *mockOrderRepo) ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error) {
	args := m.Called(ctx, tenantID, userID, offset, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Order), args.Get(1).(int64), args.Error(2)
}

func (m *mockOrderRepo) Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	args := m.Called(ctx, tx, order)
	return args.Error(0)
}

type mockPaymentRepo struct {
	mock.Mock
}

func (m *mockPaymentRepo) Create(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error {
	args := m.Called(ctx, tx, payment)
	return args.Error(0)
}

func (m *mockPaymentRepo) GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentRepo) GetByPgTransactionID(ctx context.Context, pgTxnID string) (*domain.Payment, error) {
	args := m.Called(ctx, pgTxnID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentRepo) LockByID(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, tx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentRepo) Update(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error {
	args := m.Called(ctx, tx, payment)
	return args.Error(0)
}

type mockRefundRepo struct {
	mock.Mock
}

func (m *mockRefundRepo) Create(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error {
	args := m.Called(ctx, tx, refund)
	return args.Error(0)
}

func (m *mockRefundRepo) GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error) {
	args := m.Called(ctx, tenantID, refundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Refund), args.Error(1)
}

func (m *mockRefundRepo) ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error) {
	args := m.Called(ctx, tenantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Refund), args.Error(1)
}

func (m *mockRefundRepo) SumCompleted(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error) {
	args := m.Called(ctx, tx, tenantID, paymentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRefundRepo) SumReserved(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error) {
	args := m.Called(ctx, tx, tenantID, paymentID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRefundRepo) Update(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error {
	args := m.Called(ctx, tx, refund)
	return args.Error(0)
}

// mockOutboxRepo — мок outbox.Repository; тесты проверяют типы
// записанных событий.
type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) Create(ctx context.Context, tx *gorm.DB, event *outbox.Event) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func (m *mockOutboxRepo) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Event), args.Error(1)
}

func (m *mockOutboxRepo) MarkPublished(ctx context.Context, id uint64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkFailedAttempt(ctx context.Context, event *outbox.Event, pubErr error, maxRetries int) (string, error) {
	args := m.Called(ctx, event, pubErr, maxRetries)
	return args.String(0), args.Error(1)
}

func (m *mockOutboxRepo) ResetStale(ctx context.Context, lease time.Duration) (int64, error) {
	args := m.Called(ctx, lease)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOutboxRepo) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// expectEvent настраивает мок outbox на событие указанного типа.
func (m *mockOutboxRepo) expectEvent(eventType string) *mock.Call {
	return m.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(e *outbox.Event) bool {
		return e.EventType == eventType
	})).Return(nil)
}

// =====================================
// Фейк PG клиента
// =====================================

// fakePGClient — управляемый фейк pg.Client.
type fakePGClient struct {
	approvalErr error
	confirmErr  error
	cancelErr   error
	refundErr   error

	confirmCalls int
	cancelCalls  int
	refundCalls  int
}

func (f *fakePGClient) RequestApproval(_ context.Context, _ string, _ int64, _, _ string) (*pg.ApprovalResult, error) {
	if f.approvalErr != nil {
		return nil, f.approvalErr
	}
	return &pg.ApprovalResult{PgTransactionID: "pg-txn-1", PgPaymentKey: "pg-key-1"}, nil
}

func (f *fakePGClient) Confirm(_ context.Context, _ string) error {
	f.confirmCalls++
	return f.confirmErr
}

func (f *fakePGClient) Cancel(_ context.Context, _, _ string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakePGClient) Refund(_ context.Context, _ string, _ int64, _ string) (*pg.RefundResult, error) {
	f.refundCalls++
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &pg.RefundResult{PgRefundID: "pg-refund-1"}, nil
}

// =====================================
// Фейк запуска саг
// =====================================

// fakeSagaStarter возвращает заранее заданный экземпляр саги.
type fakeSagaStarter struct {
	instance *saga.Instance
	err      error

	started       bool
	correlationID string
}

func (f *fakeSagaStarter) Start(_ context.Context, _, correlationID, _ string, _ saga.Context) (*saga.Instance, error) {
	f.started = true
	f.correlationID = correlationID
	return f.instance, f.err
}
