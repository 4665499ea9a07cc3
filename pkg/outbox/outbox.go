// Package outbox реализует transactional outbox: событие записывается
// в БД в одной транзакции с изменением бизнес-состояния, отдельный
// publisher публикует его в Kafka. Гарантия — at-least-once: событие,
// попавшее в commit, не может быть потеряно.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Статусы записи outbox.
const (
	// StatusPending — событие ждёт публикации.
	StatusPending = "PENDING"

	// StatusProcessing — событие захвачено publisher'ом (lease).
	StatusProcessing = "PROCESSING"

	// StatusPublished — событие опубликовано в Kafka.
	StatusPublished = "PUBLISHED"

	// StatusFailed — исчерпаны попытки публикации (dead letter).
	StatusFailed = "FAILED"
)

// Event — событие в таблице outbox_events.
type Event struct {
	ID            uint64            // Автоинкрементный ключ (порядок вставки)
	EventID       string            // Уникальный UUID события (для дедупликации у consumer'ов)
	TenantID      string            // Арендатор
	AggregateType string            // Тип агрегата (order / payment / refund / credit)
	AggregateID   string            // ID агрегата
	EventType     string            // Тип события (payment.confirmed, order.completed, ...)
	Topic         string            // Kafka топик
	Payload       []byte            // CloudEvents JSON
	Headers       map[string]string // Kafka headers (trace_id, correlation_id)
	Status        string            // PENDING / PROCESSING / PUBLISHED / FAILED
	RetryCount    int               // Количество неудачных попыток публикации
	NextAttemptAt time.Time         // Не публиковать раньше этого времени (backoff)
	ClaimedAt     *time.Time        // Время захвата publisher'ом
	PublishedAt   *time.Time        // Время публикации
	LastError     *string           // Последняя ошибка публикации
	CreatedAt     time.Time
}

// PartitionKey возвращает ключ партиционирования Kafka.
// Единый ключ на агрегат сохраняет порядок событий внутри агрегата.
func (e *Event) PartitionKey() string {
	return fmt.Sprintf("%s:%s", e.TenantID, e.AggregateID)
}

// cloudEvent — конверт CloudEvents v1.0.
type cloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	TenantID        string          `json:"tenantid"`
	Data            json.RawMessage `json:"data"`
}

// eventSource — значение поля source конверта CloudEvents.
const eventSource = "/fluxpay"

// NewEvent создаёт событие outbox с конвертом CloudEvents v1.0.
// event_id генерируется здесь и остаётся неизменным при повторах публикации.
func NewEvent(tenantID, aggregateType, aggregateID, eventType, topic string, data any) (*Event, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("сериализация payload события: %w", err)
	}

	eventID := uuid.New().String()
	now := time.Now().UTC()

	envelope, err := json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              eventID,
		Source:          eventSource,
		Type:            eventType,
		Time:            now.Format(time.RFC3339),
		DataContentType: "application/json",
		TenantID:        tenantID,
		Data:            body,
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация конверта события: %w", err)
	}

	return &Event{
		EventID:       eventID,
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		Payload:       envelope,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}
