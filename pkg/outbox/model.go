package outbox

import (
	"encoding/json"
	"time"
)

// eventModel — GORM модель таблицы outbox_events.
type eventModel struct {
	ID            uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;type:varchar(36);not null;uniqueIndex"`
	TenantID      string     `gorm:"column:tenant_id;type:varchar(64);not null"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(50);not null"`
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(36);not null"`
	EventType     string     `gorm:"column:event_type;type:varchar(100);not null"`
	Topic         string     `gorm:"column:topic;type:varchar(100);not null"`
	Payload       []byte     `gorm:"column:payload;type:json;not null"`
	Headers       []byte     `gorm:"column:headers;type:json"`
	Status        string     `gorm:"column:status;type:varchar(16);not null;index:idx_outbox_status_created,priority:1"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
	PublishedAt   *time.Time `gorm:"column:published_at"`
	LastError     *string    `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_outbox_status_created,priority:2"`
}

// TableName возвращает имя таблицы в БД.
func (eventModel) TableName() string {
	return "outbox_events"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *eventModel) toDomain() *Event {
	e := &Event{
		ID:            m.ID,
		EventID:       m.EventID,
		TenantID:      m.TenantID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Topic:         m.Topic,
		Payload:       m.Payload,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		NextAttemptAt: m.NextAttemptAt,
		ClaimedAt:     m.ClaimedAt,
		PublishedAt:   m.PublishedAt,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
	}

	if len(m.Headers) > 0 {
		_ = json.Unmarshal(m.Headers, &e.Headers)
	}
	return e
}

// modelFromDomain конвертирует доменную сущность в GORM модель.
func modelFromDomain(e *Event) *eventModel {
	model := &eventModel{
		ID:            e.ID,
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Topic:         e.Topic,
		Payload:       e.Payload,
		Status:        e.Status,
		RetryCount:    e.RetryCount,
		NextAttemptAt: e.NextAttemptAt,
		ClaimedAt:     e.ClaimedAt,
		PublishedAt:   e.PublishedAt,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	}

	if e.Headers != nil {
		if data, err := json.Marshal(e.Headers); err == nil {
			model.Headers = data
		}
	}
	return model
}
