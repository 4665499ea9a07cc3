package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// GORM модели
// =============================================================================

// instanceModel — GORM модель таблицы saga_instances.
type instanceModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID      string     `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:idx_saga_correlation"`
	CorrelationID string     `gorm:"column:correlation_id;type:varchar(64);not null;uniqueIndex:idx_saga_correlation"`
	SagaType      string     `gorm:"column:saga_type;type:varchar(50);not null"`
	Status        string     `gorm:"column:status;type:varchar(16);not null;index"`
	CurrentStep   int        `gorm:"column:current_step;not null;default:0"`
	ContextBlob   []byte     `gorm:"column:context_blob;type:json"`
	FailureReason *string    `gorm:"column:failure_reason;type:text"`
	ClaimedBy     *string    `gorm:"column:claimed_by;type:varchar(64)"`
	ClaimLease    *time.Time `gorm:"column:claim_lease"`
	Version       int64      `gorm:"column:version;not null;default:0"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (instanceModel) TableName() string {
	return "saga_instances"
}

func (m *instanceModel) toDomain() *Instance {
	return &Instance{
		ID:            m.ID,
		TenantID:      m.TenantID,
		CorrelationID: m.CorrelationID,
		SagaType:      m.SagaType,
		Status:        Status(m.Status),
		CurrentStep:   m.CurrentStep,
		Context:       contextFromJSON(m.ContextBlob),
		FailureReason: m.FailureReason,
		ClaimedBy:     m.ClaimedBy,
		ClaimLease:    m.ClaimLease,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func instanceModelFromDomain(i *Instance) *instanceModel {
	return &instanceModel{
		ID:            i.ID,
		TenantID:      i.TenantID,
		CorrelationID: i.CorrelationID,
		SagaType:      i.SagaType,
		Status:        string(i.Status),
		CurrentStep:   i.CurrentStep,
		ContextBlob:   contextJSON(i.Context),
		FailureReason: i.FailureReason,
		ClaimedBy:     i.ClaimedBy,
		ClaimLease:    i.ClaimLease,
		Version:       i.Version,
	}
}

// stepModel — GORM модель таблицы saga_steps.
type stepModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	SagaID    string    `gorm:"column:saga_id;type:varchar(36);not null;uniqueIndex:idx_saga_step"`
	StepIndex int       `gorm:"column:step_index;not null;uniqueIndex:idx_saga_step"`
	StepName  string    `gorm:"column:step_name;type:varchar(100);not null"`
	Status    string    `gorm:"column:status;type:varchar(24);not null"`
	StepData  []byte    `gorm:"column:step_data;type:json"`
	LastError *string   `gorm:"column:last_error;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (stepModel) TableName() string {
	return "saga_steps"
}

func (m *stepModel) toDomain() *StepRecord {
	return &StepRecord{
		ID:        m.ID,
		SagaID:    m.SagaID,
		StepIndex: m.StepIndex,
		StepName:  m.StepName,
		Status:    StepStatus(m.Status),
		StepData:  m.StepData,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// =============================================================================
// Repository
// =============================================================================

// Repository определяет методы персистентности саги.
// Интерфейс для тестируемости (Dependency Inversion).
type Repository interface {
	// CreateInstance создаёт экземпляр. При дубликате (tenant_id,
	// correlation_id) возвращает существующий экземпляр и false.
	CreateInstance(ctx context.Context, instance *Instance) (*Instance, bool, error)

	// GetInstance возвращает экземпляр по ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance сохраняет экземпляр с optimistic locking по version.
	UpdateInstance(ctx context.Context, instance *Instance) error

	// Claim захватывает экземпляр за worker'ом на lease.
	// Возвращает ErrNotClaimed, если экземпляр владеется другим worker'ом.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) error

	// FindStale возвращает незавершённые экземпляры с истёкшим lease
	// (восстановление после падения worker'а).
	FindStale(ctx context.Context, limit int) ([]*Instance, error)

	// RecordStep создаёт запись шага.
	RecordStep(ctx context.Context, step *StepRecord) error

	// UpdateStepStatus обновляет статус записи шага.
	UpdateStepStatus(ctx context.Context, sagaID string, stepIndex int, status StepStatus, stepErr error) error

	// GetSteps возвращает записи шагов экземпляра по возрастанию индекса.
	GetSteps(ctx context.Context, sagaID string) ([]*StepRecord, error)
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт репозиторий саги.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Migrate создаёт таблицы saga_instances и saga_steps.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&instanceModel{}, &stepModel{})
}

// CreateInstance создаёт экземпляр саги.
func (r *repository) CreateInstance(ctx context.Context, instance *Instance) (*Instance, bool, error) {
	model := instanceModelFromDomain(instance)
	err := r.db.WithContext(ctx).Create(model).Error
	if err == nil {
		return instance, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("создание экземпляра саги: %w", err)
	}

	// Повтор с той же корреляцией: возвращаем существующий экземпляр.
	var existing instanceModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND correlation_id = ?", instance.TenantID, instance.CorrelationID).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("чтение существующей саги: %w", err)
	}
	return existing.toDomain(), false, nil
}

// GetInstance возвращает экземпляр по ID.
func (r *repository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var model instanceModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение экземпляра саги: %w", err)
	}
	return model.toDomain(), nil
}

// UpdateInstance сохраняет экземпляр с проверкой версии.
func (r *repository) UpdateInstance(ctx context.Context, instance *Instance) error {
	result := r.db.WithContext(ctx).Model(&instanceModel{}).
		Where("id = ? AND version = ?", instance.ID, instance.Version).
		Updates(map[string]any{
			"status":         string(instance.Status),
			"current_step":   instance.CurrentStep,
			"context_blob":   contextJSON(instance.Context),
			"failure_reason": instance.FailureReason,
			"claimed_by":     instance.ClaimedBy,
			"claim_lease":    instance.ClaimLease,
			"version":        instance.Version + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("сохранение экземпляра саги: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotClaimed
	}
	instance.Version++
	return nil
}

// Claim захватывает экземпляр: свободный или с истёкшим lease.
func (r *repository) Claim(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&instanceModel{}).
		Where("id = ? AND status IN ? AND (claim_lease IS NULL OR claim_lease < ? OR claimed_by = ?)",
			id, []string{string(StatusStarted), string(StatusProcessing), string(StatusCompensating)},
			now, workerID).
		Updates(map[string]any{
			"claimed_by":  workerID,
			"claim_lease": now.Add(lease),
		})
	if result.Error != nil {
		return fmt.Errorf("захват экземпляра саги: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotClaimed
	}
	return nil
}

// FindStale возвращает брошенные экземпляры для восстановления.
func (r *repository) FindStale(ctx context.Context, limit int) ([]*Instance, error) {
	var models []instanceModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND claim_lease IS NOT NULL AND claim_lease < ?",
			[]string{string(StatusStarted), string(StatusProcessing), string(StatusCompensating)},
			time.Now()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("поиск брошенных саг: %w", err)
	}

	instances := make([]*Instance, len(models))
	for i := range models {
		instances[i] = models[i].toDomain()
	}
	return instances, nil
}

// RecordStep создаёт запись шага. Повторная запись того же индекса
// (перезапуск после падения) не ошибка: существующая строка остаётся.
func (r *repository) RecordStep(ctx context.Context, step *StepRecord) error {
	model := &stepModel{
		SagaID:    step.SagaID,
		StepIndex: step.StepIndex,
		StepName:  step.StepName,
		Status:    string(step.Status),
		StepData:  step.StepData,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("запись шага саги: %w", err)
	}
	step.ID = model.ID
	return nil
}

// UpdateStepStatus обновляет статус шага.
func (r *repository) UpdateStepStatus(ctx context.Context, sagaID string, stepIndex int, status StepStatus, stepErr error) error {
	updates := map[string]any{"status": string(status)}
	if stepErr != nil {
		updates["last_error"] = stepErr.Error()
	}

	result := r.db.WithContext(ctx).Model(&stepModel{}).
		Where("saga_id = ? AND step_index = ?", sagaID, stepIndex).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("обновление статуса шага: %w", result.Error)
	}
	return nil
}

// GetSteps возвращает записи шагов по возрастанию индекса.
func (r *repository) GetSteps(ctx context.Context, sagaID string) ([]*StepRecord, error) {
	var models []stepModel
	err := r.db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("step_index ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("чтение шагов саги: %w", err)
	}

	steps := make([]*StepRecord, len(models))
	for i := range models {
		steps[i] = models[i].toDomain()
	}
	return steps, nil
}
