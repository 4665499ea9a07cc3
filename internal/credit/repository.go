// Package credit реализует двухфазное списание кредитов:
// Reserve (фаза 1) → Confirm / Cancel (фаза 2), с optimistic locking
// и append-only журналом. Снапшот счёта всегда восстановим из журнала.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
)

// creditModel — GORM модель таблицы credits.
type creditModel struct {
	ID             string    `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID       string    `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:idx_credit_user"`
	UserID         string    `gorm:"column:user_id;type:varchar(36);not null;uniqueIndex:idx_credit_user"`
	Balance        int64     `gorm:"column:balance;not null;default:0"`
	ReservedAmount int64     `gorm:"column:reserved_amount;not null;default:0"`
	Version        int64     `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (creditModel) TableName() string {
	return "credits"
}

func (m *creditModel) toDomain() *domain.Credit {
	return &domain.Credit{
		ID:             m.ID,
		TenantID:       m.TenantID,
		UserID:         m.UserID,
		Balance:        m.Balance,
		ReservedAmount: m.ReservedAmount,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ledgerModel — GORM модель таблицы credit_ledger. Записи неизменяемы.
type ledgerModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);not null"`
	CreditID     string    `gorm:"column:credit_id;type:varchar(36);not null"`
	UserID       string    `gorm:"column:user_id;type:varchar(36);not null;index:idx_ledger_user_created,priority:1"`
	Type         string    `gorm:"column:type;type:varchar(16);not null"`
	Amount       int64     `gorm:"column:amount;not null"`
	BalanceAfter int64     `gorm:"column:balance_after;not null"`
	ReferenceID  string    `gorm:"column:reference_id;type:varchar(64)"`
	SettledBy    *string   `gorm:"column:settled_by;type:varchar(36)"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime;index:idx_ledger_user_created,priority:2"`
}

// TableName возвращает имя таблицы в БД.
func (ledgerModel) TableName() string {
	return "credit_ledger"
}

func (m *ledgerModel) toDomain() *domain.CreditLedgerEntry {
	return &domain.CreditLedgerEntry{
		ID:           m.ID,
		TenantID:     m.TenantID,
		CreditID:     m.CreditID,
		UserID:       m.UserID,
		Type:         domain.LedgerEntryType(m.Type),
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		ReferenceID:  m.ReferenceID,
		SettledBy:    m.SettledBy,
		CreatedAt:    m.CreatedAt,
	}
}

// Repository определяет доступ к счетам и журналу.
type Repository interface {
	// GetByUserID возвращает счёт пользователя.
	GetByUserID(ctx context.Context, tx *gorm.DB, tenantID, userID string) (*domain.Credit, error)

	// CreateAccount создаёт пустой счёт пользователя.
	CreateAccount(ctx context.Context, credit *domain.Credit) error

	// UpdateSnapshot сохраняет снапшот счёта с CAS по version.
	UpdateSnapshot(ctx context.Context, tx *gorm.DB, credit *domain.Credit) error

	// AppendLedger добавляет неизменяемую запись журнала.
	AppendLedger(ctx context.Context, tx *gorm.DB, entry *domain.CreditLedgerEntry) error

	// GetLedgerEntry возвращает запись журнала по ID.
	GetLedgerEntry(ctx context.Context, tx *gorm.DB, tenantID, entryID string) (*domain.CreditLedgerEntry, error)

	// SettleReservation помечает запись RESERVE закрытой записью фазы 2.
	SettleReservation(ctx context.Context, tx *gorm.DB, reservationID, settledByID string) error

	// ListLedger возвращает журнал пользователя по возрастанию времени.
	ListLedger(ctx context.Context, tenantID, userID string) ([]*domain.CreditLedgerEntry, error)

	// Transaction выполняет fn в транзакции БД.
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт репозиторий кредитов.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Migrate создаёт таблицы credits и credit_ledger.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&creditModel{}, &ledgerModel{})
}

// Transaction выполняет fn в транзакции.
func (r *repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// GetByUserID возвращает счёт пользователя.
func (r *repository) GetByUserID(ctx context.Context, tx *gorm.DB, tenantID, userID string) (*domain.Credit, error) {
	if tx == nil {
		tx = r.db
	}
	var model creditModel
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrCreditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение счёта: %w", err)
	}
	return model.toDomain(), nil
}

// CreateAccount создаёт пустой счёт.
func (r *repository) CreateAccount(ctx context.Context, credit *domain.Credit) error {
	model := &creditModel{
		ID:             credit.ID,
		TenantID:       credit.TenantID,
		UserID:         credit.UserID,
		Balance:        credit.Balance,
		ReservedAmount: credit.ReservedAmount,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("создание счёта: %w", err)
	}
	return nil
}

// UpdateSnapshot сохраняет снапшот: WHERE version = ? реализует CAS.
func (r *repository) UpdateSnapshot(ctx context.Context, tx *gorm.DB, credit *domain.Credit) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Model(&creditModel{}).
		Where("id = ? AND version = ?", credit.ID, credit.Version).
		Updates(map[string]any{
			"balance":         credit.Balance,
			"reserved_amount": credit.ReservedAmount,
			"version":         credit.Version + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("сохранение снапшота счёта: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	credit.Version++
	return nil
}

// AppendLedger добавляет запись журнала.
func (r *repository) AppendLedger(ctx context.Context, tx *gorm.DB, entry *domain.CreditLedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	model := &ledgerModel{
		ID:           entry.ID,
		TenantID:     entry.TenantID,
		CreditID:     entry.CreditID,
		UserID:       entry.UserID,
		Type:         string(entry.Type),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		ReferenceID:  entry.ReferenceID,
		SettledBy:    entry.SettledBy,
	}
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("запись в журнал кредитов: %w", err)
	}
	entry.CreatedAt = model.CreatedAt
	return nil
}

// GetLedgerEntry возвращает запись журнала.
func (r *repository) GetLedgerEntry(ctx context.Context, tx *gorm.DB, tenantID, entryID string) (*domain.CreditLedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var model ledgerModel
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", entryID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение записи журнала: %w", err)
	}
	return model.toDomain(), nil
}

// SettleReservation закрывает запись RESERVE.
func (r *repository) SettleReservation(ctx context.Context, tx *gorm.DB, reservationID, settledByID string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Model(&ledgerModel{}).
		Where("id = ? AND settled_by IS NULL", reservationID).
		Update("settled_by", settledByID)
	if result.Error != nil {
		return fmt.Errorf("закрытие резервации: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrReservationSettled
	}
	return nil
}

// ListLedger возвращает журнал пользователя.
func (r *repository) ListLedger(ctx context.Context, tenantID, userID string) ([]*domain.CreditLedgerEntry, error) {
	var models []ledgerModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("чтение журнала: %w", err)
	}

	entries := make([]*domain.CreditLedgerEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, nil
}
