package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/pg"
)

// confirmedPayment собирает платёж CONFIRMED на 20000 KRW.
func confirmedPayment() *domain.Payment {
	return &domain.Payment{
		ID:           "pay-1",
		TenantID:     "tenant-1",
		OrderID:      "order-1",
		Amount:       domain.Money{Amount: 20000, Currency: "KRW"},
		Status:       domain.PaymentStatusConfirmed,
		PgPaymentKey: ptrStr("pg-key-1"),
	}
}

func TestRefundService_Create_Partial(t *testing.T) {
	gormDB, dbMock, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := new(mockRefundRepo)
	payments := new(mockPaymentRepo)
	outboxRepo := new(mockOutboxRepo)
	pgClient := &fakePGClient{}
	svc := NewRefundService(gormDB, refunds, payments, outboxRepo, pgClient)

	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	// Проверка лимита под блокировкой при создании, затем итоговая
	// сумма после возврата
	payments.On("LockByID", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	refunds.On("SumReserved", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(0), nil).Once()
	refunds.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	refunds.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	refunds.On("SumCompleted", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(5000), nil).Once()
	outboxRepo.expectEvent(EventRefundCompleted)

	// Транзакция создания, затем транзакция завершения
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()

	refund, err := svc.Create(context.Background(), "tenant-1", "pay-1", 5000, "частичный возврат")

	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, refund.Status)
	require.NotNil(t, refund.PgRefundID)
	assert.Equal(t, "pg-refund-1", *refund.PgRefundID)
	assert.Equal(t, 1, pgClient.refundCalls)

	// Частичный возврат не переводит платёж в REFUNDED
	payments.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	refunds.AssertExpectations(t)
	outboxRepo.AssertExpectations(t)
}

func TestRefundService_Create_FullRefundMarksPayment(t *testing.T) {
	gormDB, dbMock, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := new(mockRefundRepo)
	payments := new(mockPaymentRepo)
	outboxRepo := new(mockOutboxRepo)
	svc := NewRefundService(gormDB, refunds, payments, outboxRepo, &fakePGClient{})

	payment := confirmedPayment()
	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(payment, nil)
	payments.On("LockByID", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(payment, nil)
	refunds.On("SumReserved", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(15000), nil).Once()
	refunds.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	refunds.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	refunds.On("SumCompleted", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(20000), nil).Once()
	payments.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	outboxRepo.expectEvent(EventRefundCompleted)
	outboxRepo.expectEvent(EventPaymentRefunded)

	dbMock.ExpectBegin()
	dbMock.ExpectCommit()
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()

	refund, err := svc.Create(context.Background(), "tenant-1", "pay-1", 5000, "остаток")

	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, refund.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, payment.Status, "Полностью возвращённый платёж — REFUNDED")

	payments.AssertExpectations(t)
	outboxRepo.AssertExpectations(t)
}

func TestRefundService_Create_ExceedsPayment(t *testing.T) {
	gormDB, dbMock, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := new(mockRefundRepo)
	payments := new(mockPaymentRepo)
	pgClient := &fakePGClient{}
	svc := NewRefundService(gormDB, refunds, payments, new(mockOutboxRepo), pgClient)

	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	payments.On("LockByID", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	refunds.On("SumReserved", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(15000), nil)

	dbMock.ExpectBegin()
	dbMock.ExpectRollback()

	_, err := svc.Create(context.Background(), "tenant-1", "pay-1", 6000, "слишком много")

	assert.ErrorIs(t, err, domain.ErrRefundExceedsPayment)
	assert.Equal(t, 0, pgClient.refundCalls, "PG не вызывается при превышении лимита")
	refunds.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

// memRefundRepo — честная in-memory реализация RefundRepository:
// суммы считаются по реально сохранённым возвратам.
type memRefundRepo struct {
	mu      sync.Mutex
	refunds []*domain.Refund
}

func (r *memRefundRepo) Create(_ context.Context, _ *gorm.DB, refund *domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *refund
	r.refunds = append(r.refunds, &cp)
	return nil
}

func (r *memRefundRepo) GetByID(_ context.Context, tenantID, refundID string) (*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.refunds {
		if rf.ID == refundID && rf.TenantID == tenantID {
			cp := *rf
			return &cp, nil
		}
	}
	return nil, domain.ErrRefundNotFound
}

func (r *memRefundRepo) ListByPaymentID(_ context.Context, tenantID, paymentID string) ([]*domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Refund
	for _, rf := range r.refunds {
		if rf.TenantID == tenantID && rf.PaymentID == paymentID {
			cp := *rf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRefundRepo) SumCompleted(_ context.Context, _ *gorm.DB, tenantID, paymentID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, rf := range r.refunds {
		if rf.TenantID == tenantID && rf.PaymentID == paymentID && rf.Status == domain.RefundStatusCompleted {
			total += rf.Amount.Amount
		}
	}
	return total, nil
}

func (r *memRefundRepo) SumReserved(_ context.Context, _ *gorm.DB, tenantID, paymentID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, rf := range r.refunds {
		if rf.TenantID != tenantID || rf.PaymentID != paymentID {
			continue
		}
		switch rf.Status {
		case domain.RefundStatusRequested, domain.RefundStatusProcessing, domain.RefundStatusCompleted:
			total += rf.Amount.Amount
		}
	}
	return total, nil
}

func (r *memRefundRepo) Update(_ context.Context, _ *gorm.DB, refund *domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rf := range r.refunds {
		if rf.ID == refund.ID && rf.TenantID == refund.TenantID {
			cp := *refund
			r.refunds[i] = &cp
			return nil
		}
	}
	return domain.ErrRefundNotFound
}

// blockingPGClient зависает в Refund до сигнала: окно, в котором
// первый возврат уже создан, но ещё не завершён.
type blockingPGClient struct {
	fakePGClient
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPGClient) Refund(ctx context.Context, pgKey string, amount int64, reason string) (*pg.RefundResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakePGClient.Refund(ctx, pgKey, amount, reason)
}

// TestRefundService_Create_ConcurrentRefundsDoNotExceedPayment тестирует
// инвариант Σ возвратов <= сумма платежа под конкуренцией: второй возврат,
// пришедший пока первый ещё в обработке, отклоняется.
func TestRefundService_Create_ConcurrentRefundsDoNotExceedPayment(t *testing.T) {
	gormDB, dbMock, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := &memRefundRepo{}
	payments := new(mockPaymentRepo)
	outboxRepo := new(mockOutboxRepo)
	pgClient := &blockingPGClient{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	svc := NewRefundService(gormDB, refunds, payments, outboxRepo, pgClient)

	payment := confirmedPayment()
	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(payment, nil)
	payments.On("LockByID", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(payment, nil)
	payments.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	outboxRepo.expectEvent(EventRefundCompleted)
	outboxRepo.expectEvent(EventPaymentRefunded)

	// Первый возврат: транзакция создания; второй: создание с откатом
	// на превышении лимита; затем транзакция завершения первого.
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()
	dbMock.ExpectBegin()
	dbMock.ExpectRollback()
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()

	firstDone := make(chan error, 1)
	var first *domain.Refund
	go func() {
		r, err := svc.Create(context.Background(), "tenant-1", "pay-1", 20000, "полный возврат")
		first = r
		firstDone <- err
	}()

	// Ждём, пока первый возврат пройдёт проверку лимита и зависнет в PG.
	<-pgClient.entered

	_, err := svc.Create(context.Background(), "tenant-1", "pay-1", 20000, "конкурирующий возврат")
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPayment,
		"Возврат в обработке уже занимает лимит платежа")

	close(pgClient.release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, domain.RefundStatusCompleted, first.Status)

	completed, err := refunds.SumCompleted(context.Background(), nil, "tenant-1", "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payment.Amount.Amount, completed,
		"Сумма завершённых возвратов равна сумме платежа, не больше")
	assert.Equal(t, 1, pgClient.refundCalls, "Второй возврат не дошёл до PG")
}

func TestRefundService_Create_PaymentNotConfirmed(t *testing.T) {
	gormDB, _, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := new(mockRefundRepo)
	payments := new(mockPaymentRepo)
	svc := NewRefundService(gormDB, refunds, payments, new(mockOutboxRepo), &fakePGClient{})

	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(&domain.Payment{
		ID: "pay-1", TenantID: "tenant-1", Status: domain.PaymentStatusApproved,
	}, nil)

	_, err := svc.Create(context.Background(), "tenant-1", "pay-1", 5000, "рано")

	assert.ErrorIs(t, err, domain.ErrInvalidPaymentState)
}

func TestRefundService_Create_PGFailure(t *testing.T) {
	gormDB, dbMock, cleanup := setupTxDB(t)
	defer cleanup()

	refunds := new(mockRefundRepo)
	payments := new(mockPaymentRepo)
	outboxRepo := new(mockOutboxRepo)
	pgClient := &fakePGClient{refundErr: pg.ErrCircuitOpen}
	svc := NewRefundService(gormDB, refunds, payments, outboxRepo, pgClient)

	payments.On("GetByID", mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	payments.On("LockByID", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(confirmedPayment(), nil)
	refunds.On("SumReserved", mock.Anything, mock.Anything, "tenant-1", "pay-1").Return(int64(0), nil)
	refunds.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	refunds.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	outboxRepo.expectEvent(EventRefundFailed)

	// Транзакция создания, затем транзакция фиксации ошибки
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()
	dbMock.ExpectBegin()
	dbMock.ExpectCommit()

	refund, err := svc.Create(context.Background(), "tenant-1", "pay-1", 5000, "возврат")

	assert.ErrorIs(t, err, pg.ErrCircuitOpen)
	assert.Equal(t, domain.RefundStatusFailed, refund.Status)
	require.NotNil(t, refund.FailureReason)
	outboxRepo.AssertExpectations(t)
}
