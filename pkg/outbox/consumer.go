package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/fluxpay/pkg/logger"
)

// processedEventModel — GORM модель таблицы processed_events.
// Consumer-сторона контракта at-least-once: перед применением эффекта
// событие фиксируется по event_id, повтор пропускается.
type processedEventModel struct {
	EventID     string    `gorm:"column:event_id;type:varchar(36);primaryKey"`
	EventType   string    `gorm:"column:event_type;type:varchar(100);not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (processedEventModel) TableName() string {
	return "processed_events"
}

// Deduplicator отсекает повторные доставки событий по event_id.
type Deduplicator struct {
	db *gorm.DB
}

// NewDeduplicator создаёт дедупликатор поверх GORM.
func NewDeduplicator(db *gorm.DB) *Deduplicator {
	return &Deduplicator{db: db}
}

// MarkProcessed фиксирует событие как обработанное.
// Возвращает false без ошибки, если событие уже было обработано.
func (d *Deduplicator) MarkProcessed(ctx context.Context, tx *gorm.DB, eventID, eventType string) (bool, error) {
	if tx == nil {
		tx = d.db
	}
	row := processedEventModel{EventID: eventID, EventType: eventType}
	err := tx.WithContext(ctx).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("фиксация обработанного события: %w", err)
	}
	return true, nil
}

// WrapHandler оборачивает обработчик события дедупликацией.
// Эффект обработчика применяется не более одного раза на event_id.
func (d *Deduplicator) WrapHandler(eventType string, handler func(ctx context.Context, payload []byte) error) func(ctx context.Context, eventID string, payload []byte) error {
	return func(ctx context.Context, eventID string, payload []byte) error {
		fresh, err := d.MarkProcessed(ctx, nil, eventID, eventType)
		if err != nil {
			return err
		}
		if !fresh {
			logger.Ctx(ctx).Debug().
				Str("event_id", eventID).
				Str("event_type", eventType).
				Msg("Повторная доставка события пропущена")
			return nil
		}
		return handler(ctx, payload)
	}
}
