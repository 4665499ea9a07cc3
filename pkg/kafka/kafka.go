// Package kafka предоставляет обёртки над kafka-go для публикации доменных событий.
// Включает Producer с поддержкой headers, трассировки и Dead Letter Queue.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/fluxpay/pkg/logger"
)

// Топики событий.
const (
	// TopicEvents — основной топик доменных событий (CloudEvents envelope).
	TopicEvents = "fluxpay.events"

	// DLQPrefix — префикс топиков Dead Letter Queue.
	// Полное имя: fluxpay.dlq.{event-type}.
	DLQPrefix = "fluxpay.dlq."
)

// DLQTopic возвращает имя DLQ топика для указанного типа события.
func DLQTopic(eventType string) string {
	return DLQPrefix + eventType
}

// Ключи для headers сообщений Kafka.
const (
	// HeaderTraceID — идентификатор трассировки для distributed tracing.
	HeaderTraceID = "trace_id"

	// HeaderCorrelationID — идентификатор корреляции запросов.
	HeaderCorrelationID = "correlation_id"

	// HeaderTenantID — идентификатор арендатора.
	HeaderTenantID = "tenant_id"

	// HeaderTimestamp — временная метка создания сообщения.
	HeaderTimestamp = "timestamp"
)

// Config содержит настройки для подключения к Kafka.
type Config struct {
	// Brokers — список адресов брокеров Kafka.
	Brokers []string

	// ConsumerGroup — имя consumer group для Consumer.
	ConsumerGroup string
}

// Message представляет сообщение Kafka с метаданными.
type Message struct {
	// Key — ключ сообщения для партиционирования.
	Key []byte

	// Value — тело сообщения (payload).
	Value []byte

	// Topic — топик сообщения.
	Topic string

	// Partition — номер партиции.
	Partition int

	// Offset — смещение сообщения в партиции.
	Offset int64

	// Headers — заголовки сообщения (trace_id, tenant_id и т.д.).
	Headers map[string]string

	// Time — временная метка сообщения.
	Time time.Time
}

// PartitionKey строит ключ партиционирования событий.
// Формат tenant:aggregate_id сохраняет порядок событий внутри одного агрегата.
func PartitionKey(tenantID, aggregateID string) string {
	return fmt.Sprintf("%s:%s", tenantID, aggregateID)
}

// fromKafkaMessage конвертирует kafka.Message в Message.
func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// TraceIDFromContext извлекает trace_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}
