package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrEventNotFound — запись outbox не найдена.
var ErrEventNotFound = errors.New("запись outbox не найдена")

// Repository определяет методы работы с таблицей outbox_events.
// Интерфейс для тестируемости (Dependency Inversion).
type Repository interface {
	// Create записывает событие. Передаётся транзакция бизнес-операции:
	// событие и изменение состояния коммитятся атомарно.
	Create(ctx context.Context, tx *gorm.DB, event *Event) error

	// ClaimBatch атомарно захватывает пачку PENDING событий:
	// SELECT ... FOR UPDATE SKIP LOCKED + UPDATE status=PROCESSING.
	// SKIP LOCKED не даёт нескольким publisher'ам драться за одни строки.
	ClaimBatch(ctx context.Context, limit int) ([]*Event, error)

	// MarkPublished помечает событие опубликованным.
	MarkPublished(ctx context.Context, id uint64) error

	// MarkFailedAttempt фиксирует неудачную попытку: retry_count++,
	// возврат в PENDING с экспоненциальным backoff. После maxRetries
	// событие переводится в FAILED. Возвращает итоговый статус.
	MarkFailedAttempt(ctx context.Context, event *Event, pubErr error, maxRetries int) (string, error)

	// ResetStale возвращает в PENDING события, зависшие в PROCESSING
	// дольше lease (упавший publisher).
	ResetStale(ctx context.Context, lease time.Duration) (int64, error)

	// DeletePublishedBefore удаляет опубликованные события старше
	// указанного времени. Возвращает количество удалённых строк.
	DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт репозиторий outbox.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Migrate создаёт таблицу outbox_events.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&eventModel{}, &processedEventModel{})
}

// Create записывает событие в рамках переданной транзакции.
func (r *repository) Create(ctx context.Context, tx *gorm.DB, event *Event) error {
	model := modelFromDomain(event)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("запись события outbox: %w", err)
	}
	event.ID = model.ID
	event.CreatedAt = model.CreatedAt
	return nil
}

// ClaimBatch захватывает пачку событий под публикацию.
func (r *repository) ClaimBatch(ctx context.Context, limit int) ([]*Event, error) {
	var models []eventModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// FOR UPDATE SKIP LOCKED: параллельные publisher'ы берут
		// непересекающиеся пачки без ожидания блокировок.
		if err := tx.Raw(
			"SELECT * FROM outbox_events "+
				"WHERE status = ? AND next_attempt_at <= ? "+
				"ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			StatusPending, time.Now(), limit,
		).Scan(&models).Error; err != nil {
			return err
		}

		if len(models) == 0 {
			return nil
		}

		ids := make([]uint64, len(models))
		for i := range models {
			ids[i] = models[i].ID
		}

		now := time.Now()
		if err := tx.Model(&eventModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     StatusProcessing,
				"claimed_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range models {
			models[i].Status = StatusProcessing
			models[i].ClaimedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("захват пачки outbox: %w", err)
	}

	events := make([]*Event, len(models))
	for i := range models {
		events[i] = models[i].toDomain()
	}
	return events, nil
}

// MarkPublished помечает событие опубликованным.
func (r *repository) MarkPublished(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).Model(&eventModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusPublished,
			"published_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("пометка события опубликованным: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// backoffDelay возвращает задержку перед следующей попыткой: 1s, 2s, 4s, ...
func backoffDelay(retryCount int) time.Duration {
	return time.Second << retryCount
}

// MarkFailedAttempt фиксирует неудачную попытку публикации.
func (r *repository) MarkFailedAttempt(ctx context.Context, event *Event, pubErr error, maxRetries int) (string, error) {
	retries := event.RetryCount + 1
	status := StatusPending
	if retries >= maxRetries {
		status = StatusFailed
	}

	result := r.db.WithContext(ctx).Model(&eventModel{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"status":          status,
			"retry_count":     retries,
			"next_attempt_at": time.Now().Add(backoffDelay(event.RetryCount)),
			"last_error":      pubErr.Error(),
		})
	if result.Error != nil {
		return "", fmt.Errorf("пометка неудачной попытки: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrEventNotFound
	}
	return status, nil
}

// ResetStale возвращает зависшие PROCESSING события в PENDING.
func (r *repository) ResetStale(ctx context.Context, lease time.Duration) (int64, error) {
	result := r.db.WithContext(ctx).Model(&eventModel{}).
		Where("status = ? AND claimed_at < ?", StatusProcessing, time.Now().Add(-lease)).
		Updates(map[string]any{
			"status":     StatusPending,
			"claimed_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("сброс зависших событий: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeletePublishedBefore удаляет опубликованные события пачками по 1000,
// чтобы не держать длинные блокировки.
func (r *repository) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", StatusPublished, before).
		Limit(1000).
		Delete(&eventModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("очистка опубликованных событий: %w", result.Error)
	}
	return result.RowsAffected, nil
}
