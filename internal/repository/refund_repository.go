package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
)

// RefundRepository определяет интерфейс работы с возвратами в БД.
type RefundRepository interface {
	// Create создаёт возврат в рамках переданной транзакции.
	Create(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error

	// GetByID возвращает возврат арендатора.
	GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error)

	// ListByPaymentID возвращает все возвраты по платежу.
	ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error)

	// SumCompleted возвращает сумму завершённых возвратов по платежу.
	SumCompleted(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error)

	// SumReserved возвращает сумму возвратов, резервирующих средства
	// платежа: REQUESTED, PROCESSING и COMPLETED. Используется для
	// инварианта Σ возвратов <= сумма платежа — незавершённый возврат
	// уже занимает лимит.
	SumReserved(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error)

	// Update сохраняет статус возврата.
	Update(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error
}

// RefundModel — GORM модель таблицы refunds.
type RefundModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID      string     `gorm:"column:tenant_id;type:varchar(64);not null;index"`
	PaymentID     string     `gorm:"column:payment_id;type:varchar(36);not null;index"`
	Amount        int64      `gorm:"column:amount;not null"`
	Currency      string     `gorm:"column:currency;type:varchar(3);not null"`
	Status        string     `gorm:"column:status;type:varchar(20);not null"`
	Reason        string     `gorm:"column:reason;type:text"`
	PgRefundID    *string    `gorm:"column:pg_refund_id;type:varchar(64)"`
	FailureReason *string    `gorm:"column:failure_reason;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
}

// TableName возвращает имя таблицы в БД.
func (RefundModel) TableName() string {
	return "refunds"
}

// toDomain конвертирует GORM модель возврата в доменную сущность.
func (m *RefundModel) toDomain() *domain.Refund {
	return &domain.Refund{
		ID:        m.ID,
		TenantID:  m.TenantID,
		PaymentID: m.PaymentID,
		Amount: domain.Money{
			Amount:   m.Amount,
			Currency: m.Currency,
		},
		Status:        domain.RefundStatus(m.Status),
		Reason:        m.Reason,
		PgRefundID:    m.PgRefundID,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		CompletedAt:   m.CompletedAt,
	}
}

// refundModelFromDomain конвертирует доменную сущность в GORM модель.
func refundModelFromDomain(r *domain.Refund) *RefundModel {
	return &RefundModel{
		ID:            r.ID,
		TenantID:      r.TenantID,
		PaymentID:     r.PaymentID,
		Amount:        r.Amount.Amount,
		Currency:      r.Amount.Currency,
		Status:        string(r.Status),
		Reason:        r.Reason,
		PgRefundID:    r.PgRefundID,
		FailureReason: r.FailureReason,
		CompletedAt:   r.CompletedAt,
	}
}

// refundRepository — GORM реализация RefundRepository.
type refundRepository struct {
	db *gorm.DB
}

// NewRefundRepository создаёт репозиторий возвратов.
func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepository{db: db}
}

// Create создаёт возврат.
func (r *refundRepository) Create(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error {
	if tx == nil {
		tx = r.db
	}
	model := refundModelFromDomain(refund)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("создание возврата: %w", err)
	}
	refund.CreatedAt = model.CreatedAt
	refund.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID возвращает возврат арендатора.
func (r *refundRepository) GetByID(ctx context.Context, tenantID, refundID string) (*domain.Refund, error) {
	var model RefundModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", refundID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение возврата: %w", err)
	}
	return model.toDomain(), nil
}

// ListByPaymentID возвращает все возвраты по платежу.
func (r *refundRepository) ListByPaymentID(ctx context.Context, tenantID, paymentID string) ([]*domain.Refund, error) {
	var models []RefundModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND payment_id = ?", tenantID, paymentID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("список возвратов: %w", err)
	}

	refunds := make([]*domain.Refund, len(models))
	for i := range models {
		refunds[i] = models[i].toDomain()
	}
	return refunds, nil
}

// SumCompleted возвращает сумму завершённых возвратов по платежу.
func (r *refundRepository) SumCompleted(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var total int64
	err := tx.WithContext(ctx).Model(&RefundModel{}).
		Where("tenant_id = ? AND payment_id = ? AND status = ?",
			tenantID, paymentID, string(domain.RefundStatusCompleted)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("сумма возвратов: %w", err)
	}
	return total, nil
}

// SumReserved возвращает сумму возвратов, резервирующих средства платежа.
func (r *refundRepository) SumReserved(ctx context.Context, tx *gorm.DB, tenantID, paymentID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var total int64
	err := tx.WithContext(ctx).Model(&RefundModel{}).
		Where("tenant_id = ? AND payment_id = ? AND status IN ?",
			tenantID, paymentID, []string{
				string(domain.RefundStatusRequested),
				string(domain.RefundStatusProcessing),
				string(domain.RefundStatusCompleted),
			}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("сумма резервирующих возвратов: %w", err)
	}
	return total, nil
}

// Update сохраняет статус возврата.
func (r *refundRepository) Update(ctx context.Context, tx *gorm.DB, refund *domain.Refund) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Model(&RefundModel{}).
		Where("id = ? AND tenant_id = ?", refund.ID, refund.TenantID).
		Updates(map[string]any{
			"status":         string(refund.Status),
			"pg_refund_id":   refund.PgRefundID,
			"failure_reason": refund.FailureReason,
			"completed_at":   refund.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("обновление возврата: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrRefundNotFound
	}
	return nil
}
