package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// keyModel — GORM модель записи идемпотентности в MySQL.
// Надёжный уровень: уникальный индекс гарантирует, что даже при
// падении Redis дубликат не пройдёт.
type keyModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	TenantID    string    `gorm:"size:64;not null;uniqueIndex:idx_idem_full_key"`
	Endpoint    string    `gorm:"size:255;not null;uniqueIndex:idx_idem_full_key"`
	ClientKey   string    `gorm:"size:36;not null;uniqueIndex:idx_idem_full_key"`
	PayloadHash string    `gorm:"size:64;not null"`
	Status      string    `gorm:"size:16;not null"`
	Response    []byte    `gorm:"type:mediumblob"`
	HTTPStatus  int       `gorm:"not null;default:0"`
	ExpiresAt   time.Time `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName задаёт имя таблицы в БД.
func (keyModel) TableName() string {
	return "idempotency_keys"
}

// Store — надёжный уровень шлюза на MySQL.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore создаёт надёжный уровень поверх GORM.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate создаёт таблицу idempotency_keys.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&keyModel{})
}

// Insert вставляет placeholder-строку.
// Возвращает false без ошибки, если ключ уже занят (UNIQUE constraint).
func (s *Store) Insert(ctx context.Context, key Key, payloadHash string, ttl time.Duration) (bool, error) {
	row := keyModel{
		TenantID:    key.TenantID,
		Endpoint:    key.Endpoint,
		ClientKey:   key.ClientKey,
		PayloadHash: payloadHash,
		Status:      statusProcessing,
		ExpiresAt:   s.now().Add(ttl),
	}

	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("вставка ключа идемпотентности: %w", err)
	}
	return true, nil
}

// Get возвращает запись по ключу. Второй результат false — ключа нет
// или запись истекла.
func (s *Store) Get(ctx context.Context, key Key) (*Record, string, bool, error) {
	var row keyModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint = ? AND client_key = ?",
			key.TenantID, key.Endpoint, key.ClientKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("чтение ключа идемпотентности: %w", err)
	}

	// Истёкшая запись эквивалентна отсутствующей: клиент вправе
	// переиспользовать ключ после TTL. Граница expires_at уже истекла.
	if !s.now().Before(row.ExpiresAt) {
		return nil, "", false, nil
	}

	rec := &Record{
		PayloadHash: row.PayloadHash,
		Response:    row.Response,
		HTTPStatus:  row.HTTPStatus,
		ExpiresAt:   row.ExpiresAt,
	}
	return rec, row.Status, true, nil
}

// Complete записывает завершённый ответ в существующую строку.
func (s *Store) Complete(ctx context.Context, key Key, response []byte, httpStatus int) error {
	result := s.db.WithContext(ctx).
		Model(&keyModel{}).
		Where("tenant_id = ? AND endpoint = ? AND client_key = ?",
			key.TenantID, key.Endpoint, key.ClientKey).
		Updates(map[string]any{
			"status":      statusCompleted,
			"response":    response,
			"http_status": httpStatus,
		})
	if result.Error != nil {
		return fmt.Errorf("запись ответа идемпотентности: %w", result.Error)
	}
	return nil
}

// Delete удаляет placeholder (release_lock).
func (s *Store) Delete(ctx context.Context, key Key) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND endpoint = ? AND client_key = ?",
			key.TenantID, key.Endpoint, key.ClientKey).
		Delete(&keyModel{}).Error
	if err != nil {
		return fmt.Errorf("удаление ключа идемпотентности: %w", err)
	}
	return nil
}

// DeleteExpired удаляет истёкшие записи. Вызывается sweeper'ом по расписанию.
// Возвращает количество удалённых строк.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&keyModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("очистка истёкших ключей: %w", result.Error)
	}
	return result.RowsAffected, nil
}
