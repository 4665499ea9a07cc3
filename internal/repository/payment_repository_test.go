// Package repository содержит unit тесты репозиториев на sqlmock.
package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/fluxpay/internal/domain"
)

// =====================================
// Вспомогательные функции
// =====================================

// setupMockDB создаёт мок базы данных с GORM.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
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
// Тесты PaymentRepository
// =====================================

func TestPaymentRepository_GetByID(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPaymentRepository(gormDB)

	t.Run("платёж найден", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "tenant_id", "order_id", "amount", "currency", "status", "version"}).
			AddRow("pay-1", "tenant-1", "order-1", int64(20000), "KRW", "APPROVED", int64(2))

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payments`")).
			WithArgs("pay-1", "tenant-1", 1).
			WillReturnRows(rows)

		payment, err := repo.GetByID(context.Background(), "tenant-1", "pay-1")

		require.NoError(t, err)
		assert.Equal(t, "pay-1", payment.ID)
		assert.Equal(t, domain.PaymentStatusApproved, payment.Status)
		assert.Equal(t, int64(20000), payment.Amount.Amount)
		assert.Equal(t, int64(2), payment.Version)
	})

	t.Run("платёж не найден", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payments`")).
			WithArgs("nope", "tenant-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByID(context.Background(), "tenant-1", "nope")

		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})

	t.Run("чужой арендатор не видит платёж", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payments`")).
			WithArgs("pay-1", "tenant-2", 1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByID(context.Background(), "tenant-2", "pay-1")

		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})
}

func TestPaymentRepository_LockByID(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPaymentRepository(gormDB)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "order_id", "amount", "currency", "status", "version"}).
		AddRow("pay-1", "tenant-1", "order-1", int64(20000), "KRW", "CONFIRMED", int64(1))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payments`") + ".*" + regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("pay-1", "tenant-1", 1).
		WillReturnRows(rows)

	payment, err := repo.LockByID(context.Background(), nil, "tenant-1", "pay-1")

	require.NoError(t, err)
	assert.Equal(t, "pay-1", payment.ID)
	assert.Equal(t, domain.PaymentStatusConfirmed, payment.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRepository_SumReserved(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRefundRepository(gormDB)

	// Незавершённые возвраты входят в резервную сумму вместе с COMPLETED
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM `refunds`")).
		WithArgs("tenant-1", "pay-1", "REQUESTED", "PROCESSING", "COMPLETED").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(15000)))

	total, err := repo.SumReserved(context.Background(), nil, "tenant-1", "pay-1")

	require.NoError(t, err)
	assert.Equal(t, int64(15000), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_Update_VersionConflict(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPaymentRepository(gormDB)

	payment := &domain.Payment{
		ID:       "pay-1",
		TenantID: "tenant-1",
		Status:   domain.PaymentStatusApproved,
		Version:  3,
	}

	// Версия в БД изменилась: UPDATE не затронул ни одной строки
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `payments`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.Update(context.Background(), nil, payment)

	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, int64(3), payment.Version)
}

func TestPaymentRepository_Update_Success(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPaymentRepository(gormDB)

	payment := &domain.Payment{
		ID:       "pay-1",
		TenantID: "tenant-1",
		Status:   domain.PaymentStatusConfirmed,
		Version:  3,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `payments`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Update(context.Background(), nil, payment)

	require.NoError(t, err)
	assert.Equal(t, int64(4), payment.Version)
}

func TestPaymentRepository_Create_Duplicate(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPaymentRepository(gormDB)

	payment := &domain.Payment{
		ID:       "pay-2",
		TenantID: "tenant-1",
		OrderID:  "order-1",
		Amount:   domain.Money{Amount: 1000, Currency: "KRW"},
		Status:   domain.PaymentStatusReady,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payments`")).
		WillReturnError(gorm.ErrDuplicatedKey)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), nil, payment)

	assert.ErrorIs(t, err, domain.ErrDuplicatePayment)
}
