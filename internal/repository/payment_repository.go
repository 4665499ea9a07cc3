package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/fluxpay/internal/domain"
)

// PaymentRepository определяет интерфейс работы с платежами в БД.
type PaymentRepository interface {
	// Create создаёт платёж. Уникальный индекс по order_id гарантирует
	// не более одного платежа на заказ; дубликат → ErrDuplicatePayment.
	Create(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error

	// GetByID возвращает платёж арендатора.
	GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)

	// GetByPgTransactionID возвращает платёж по идентификатору
	// транзакции PG (для webhook-сверки).
	GetByPgTransactionID(ctx context.Context, pgTxnID string) (*domain.Payment, error)

	// LockByID читает платёж с блокировкой FOR UPDATE в рамках
	// транзакции. Конкурирующие операции по платежу сериализуются.
	LockByID(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*domain.Payment, error)

	// Update сохраняет платёж с optimistic locking по version.
	// Конкурентное изменение → ErrVersionConflict.
	Update(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error
}

// PaymentModel — GORM модель таблицы payments.
type PaymentModel struct {
	ID              string     `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID        string     `gorm:"column:tenant_id;type:varchar(64);not null;index"`
	OrderID         string     `gorm:"column:order_id;type:varchar(36);not null;uniqueIndex"`
	Amount          int64      `gorm:"column:amount;not null"`
	Currency        string     `gorm:"column:currency;type:varchar(3);not null"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;index"`
	PaymentMethod   string     `gorm:"column:payment_method;type:varchar(30)"`
	PgTransactionID *string    `gorm:"column:pg_transaction_id;type:varchar(64);index"`
	PgPaymentKey    *string    `gorm:"column:pg_payment_key;type:varchar(64)"`
	FailureReason   *string    `gorm:"column:failure_reason;type:text"`
	Version         int64      `gorm:"column:version;not null;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	ApprovedAt      *time.Time `gorm:"column:approved_at"`
	ConfirmedAt     *time.Time `gorm:"column:confirmed_at"`
	FailedAt        *time.Time `gorm:"column:failed_at"`
}

// TableName возвращает имя таблицы в БД.
func (PaymentModel) TableName() string {
	return "payments"
}

// toDomain конвертирует GORM модель платежа в доменную сущность.
func (m *PaymentModel) toDomain() *domain.Payment {
	return &domain.Payment{
		ID:       m.ID,
		TenantID: m.TenantID,
		OrderID:  m.OrderID,
		Amount: domain.Money{
			Amount:   m.Amount,
			Currency: m.Currency,
		},
		Status:          domain.PaymentStatus(m.Status),
		PaymentMethod:   m.PaymentMethod,
		PgTransactionID: m.PgTransactionID,
		PgPaymentKey:    m.PgPaymentKey,
		FailureReason:   m.FailureReason,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		ApprovedAt:      m.ApprovedAt,
		ConfirmedAt:     m.ConfirmedAt,
		FailedAt:        m.FailedAt,
	}
}

// paymentModelFromDomain конвертирует доменную сущность в GORM модель.
func paymentModelFromDomain(p *domain.Payment) *PaymentModel {
	return &PaymentModel{
		ID:              p.ID,
		TenantID:        p.TenantID,
		OrderID:         p.OrderID,
		Amount:          p.Amount.Amount,
		Currency:        p.Amount.Currency,
		Status:          string(p.Status),
		PaymentMethod:   p.PaymentMethod,
		PgTransactionID: p.PgTransactionID,
		PgPaymentKey:    p.PgPaymentKey,
		FailureReason:   p.FailureReason,
		Version:         p.Version,
		ApprovedAt:      p.ApprovedAt,
		ConfirmedAt:     p.ConfirmedAt,
		FailedAt:        p.FailedAt,
	}
}

// paymentRepository — GORM реализация PaymentRepository.
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create создаёт платёж.
func (r *paymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error {
	if tx == nil {
		tx = r.db
	}
	model := paymentModelFromDomain(payment)
	err := tx.WithContext(ctx).Create(model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicatePayment
		}
		return fmt.Errorf("создание платежа: %w", err)
	}
	payment.CreatedAt = model.CreatedAt
	payment.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID возвращает платёж арендатора.
func (r *paymentRepository) GetByID(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	var model PaymentModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение платежа: %w", err)
	}
	return model.toDomain(), nil
}

// GetByPgTransactionID возвращает платёж по идентификатору транзакции PG.
func (r *paymentRepository) GetByPgTransactionID(ctx context.Context, pgTxnID string) (*domain.Payment, error) {
	var model PaymentModel
	err := r.db.WithContext(ctx).
		Where("pg_transaction_id = ?", pgTxnID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение платежа по pg_transaction_id: %w", err)
	}
	return model.toDomain(), nil
}

// LockByID читает платёж с блокировкой FOR UPDATE.
func (r *paymentRepository) LockByID(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (*domain.Payment, error) {
	if tx == nil {
		tx = r.db
	}
	var model PaymentModel
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("блокировка платежа: %w", err)
	}
	return model.toDomain(), nil
}

// Update сохраняет платёж: WHERE version = ? реализует optimistic locking.
func (r *paymentRepository) Update(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Model(&PaymentModel{}).
		Where("id = ? AND tenant_id = ? AND version = ?",
			payment.ID, payment.TenantID, payment.Version).
		Updates(map[string]any{
			"status":            string(payment.Status),
			"payment_method":    payment.PaymentMethod,
			"pg_transaction_id": payment.PgTransactionID,
			"pg_payment_key":    payment.PgPaymentKey,
			"failure_reason":    payment.FailureReason,
			"approved_at":       payment.ApprovedAt,
			"confirmed_at":      payment.ConfirmedAt,
			"failed_at":         payment.FailedAt,
			"version":           payment.Version + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("обновление платежа: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	payment.Version++
	return nil
}
