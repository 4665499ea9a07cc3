package webhook

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/pkg/outbox"
)

// =====================================
// Моки репозиториев
// =====================================

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
	return nil, 0, args.Error(2)
}

func (m *mockOrderRepo) Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	args := m.Called(ctx, tx, order)
	return args.Error(0)
}

type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) Create(ctx context.Context, tx *gorm.DB, event *outbox.Event) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func (m *mockOutboxRepo) ClaimBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	args := m.Called(ctx, limit)
	return nil, args.Error(1)
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

// =====================================
// Вспомогательные функции
// =====================================

type processorFixture struct {
	processor *Processor
	dbMock    sqlmock.Sqlmock
	payments  *mockPaymentRepo
	orders    *mockOrderRepo
	outbox    *mockOutboxRepo
	redis     *miniredis.Miniredis
}

func setupProcessor(t *testing.T) *processorFixture {
	db, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	payments := new(mockPaymentRepo)
	orders := new(mockOrderRepo)
	outboxRepo := new(mockOutboxRepo)

	return &processorFixture{
		processor: NewProcessor(gormDB, payments, orders, outboxRepo, redisClient),
		dbMock:    dbMock,
		payments:  payments,
		orders:    orders,
		outbox:    outboxRepo,
		redis:     mr,
	}
}

func ptrStr(s string) *string {
	return &s
}

// approvedPayment собирает платёж APPROVED с привязкой к PG.
func approvedPayment() *domain.Payment {
	now := time.Now()
	return &domain.Payment{
		ID:              "pay-1",
		TenantID:        "tenant-1",
		OrderID:         "order-1",
		Amount:          domain.Money{Amount: 20000, Currency: "KRW"},
		Status:          domain.PaymentStatusApproved,
		PgTransactionID: ptrStr("txn-1"),
		PgPaymentKey:    ptrStr("pg-key-1"),
		ApprovedAt:      &now,
	}
}

// =====================================
// Тесты Processor
// =====================================

func TestProcessor_ConfirmAdvancesPayment(t *testing.T) {
	f := setupProcessor(t)

	payment := approvedPayment()
	order := &domain.Order{
		ID:          "order-1",
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Status:      domain.OrderStatusPending,
		TotalAmount: domain.Money{Amount: 20000, Currency: "KRW"},
	}

	f.payments.On("GetByPgTransactionID", mock.Anything, "txn-1").Return(payment, nil)
	f.payments.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.orders.On("GetByID", mock.Anything, "tenant-1", "order-1").Return(order, nil)
	f.orders.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.outbox.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(e *outbox.Event) bool {
		return e.EventType == "payment.confirmed"
	})).Return(nil)

	f.dbMock.ExpectBegin()
	f.dbMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `processed_webhooks`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.dbMock.ExpectCommit()

	outcome, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "txn-1",
		Status:          "CONFIRMED",
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.PaymentStatusConfirmed, payment.Status)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)

	f.payments.AssertExpectations(t)
	f.outbox.AssertExpectations(t)
}

func TestProcessor_OutOfOrderIsNoop(t *testing.T) {
	f := setupProcessor(t)

	confirmed := approvedPayment()
	confirmed.Status = domain.PaymentStatusConfirmed

	f.payments.On("GetByPgTransactionID", mock.Anything, "txn-1").Return(confirmed, nil)

	// Запоздавший APPROVED после уже применённого CONFIRMED
	outcome, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "txn-1",
		Status:          "APPROVED",
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, domain.PaymentStatusConfirmed, confirmed.Status, "Состояние не откатывается")
	f.payments.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessor_DuplicateIsNoop(t *testing.T) {
	f := setupProcessor(t)

	payment := approvedPayment()
	f.payments.On("GetByPgTransactionID", mock.Anything, "txn-1").Return(payment, nil)

	f.dbMock.ExpectBegin()
	f.dbMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `processed_webhooks`")).
		WillReturnError(gorm.ErrDuplicatedKey)
	f.dbMock.ExpectRollback()

	outcome, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "txn-1",
		Status:          "CONFIRMED",
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
}

func TestProcessor_UnknownTransactionNacks(t *testing.T) {
	f := setupProcessor(t)

	f.payments.On("GetByPgTransactionID", mock.Anything, "ghost").
		Return(nil, domain.ErrPaymentNotFound)

	_, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "ghost",
		Status:          "CONFIRMED",
	})

	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	// Счётчик неудач для алерта увеличен
	count, getErr := f.redis.Get("webhook:failures:ghost")
	require.NoError(t, getErr)
	assert.Equal(t, "1", count)
}

func TestProcessor_UnknownStatusIsRejected(t *testing.T) {
	f := setupProcessor(t)

	_, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "txn-1",
		Status:          "TELEPORTED",
	})

	assert.Error(t, err)
	f.payments.AssertNotCalled(t, "GetByPgTransactionID", mock.Anything, mock.Anything)
}

func TestProcessor_FailedWebhook(t *testing.T) {
	f := setupProcessor(t)

	payment := approvedPayment()
	f.payments.On("GetByPgTransactionID", mock.Anything, "txn-1").Return(payment, nil)
	f.payments.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.outbox.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(e *outbox.Event) bool {
		return e.EventType == "payment.failed"
	})).Return(nil)

	f.dbMock.ExpectBegin()
	f.dbMock.ExpectExec(regexp.QuoteMeta("INSERT INTO `processed_webhooks`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.dbMock.ExpectCommit()

	outcome, err := f.processor.Process(context.Background(), "mockpg", Notification{
		PgTransactionID: "txn-1",
		Status:          "FAILED",
		Reason:          "отклонено вендором",
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "отклонено вендором", *payment.FailureReason)
}
