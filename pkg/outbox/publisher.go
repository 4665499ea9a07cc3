package outbox

import (
	"context"
	"time"

	"example.com/fluxpay/pkg/kafka"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/metrics"
)

// KafkaProducer — интерфейс отправки сообщений в Kafka.
// Позволяет замокать kafka.Producer в unit-тестах (Dependency Inversion).
type KafkaProducer interface {
	SendMessage(ctx context.Context, msg *kafka.Message) error
}

// PublisherConfig — настройки publisher'а.
type PublisherConfig struct {
	// PollInterval — интервал между опросами таблицы outbox_events.
	PollInterval time.Duration

	// BatchSize — количество событий за один захват.
	BatchSize int

	// MaxRetries — максимальное количество попыток публикации.
	// После превышения событие переводится в FAILED.
	MaxRetries int
}

// DefaultPublisherConfig возвращает конфигурацию по умолчанию.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		MaxRetries:   3,
	}
}

// Publisher читает события из outbox_events и публикует их в Kafka.
// Несколько экземпляров конкурируют безопасно: координация — через
// SKIP LOCKED в БД, без межпроцессного состояния.
type Publisher struct {
	repo     Repository
	producer KafkaProducer
	cfg      PublisherConfig
}

// NewPublisher создаёт publisher.
func NewPublisher(repo Repository, producer KafkaProducer, cfg PublisherConfig) *Publisher {
	return &Publisher{repo: repo, producer: producer, cfg: cfg}
}

// Run запускает цикл публикации. Блокирует до отмены контекста.
func (p *Publisher) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("Запуск Outbox Publisher")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Outbox Publisher")
			return
		case <-ticker.C:
			p.publishBatch(ctx)
		}
	}
}

// publishBatch захватывает и публикует одну пачку событий.
func (p *Publisher) publishBatch(ctx context.Context) {
	log := logger.FromContext(ctx)

	events, err := p.repo.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка захвата пачки outbox")
		return
	}
	if len(events) == 0 {
		return
	}

	log.Debug().Int("count", len(events)).Msg("Публикация событий outbox")

	for _, event := range events {
		select {
		case <-ctx.Done():
			// Незавершённые события останутся в PROCESSING,
			// janitor вернёт их в PENDING по истечении lease.
			return
		default:
		}
		p.publishOne(ctx, event)
	}
}

// publishOne публикует одно событие и фиксирует результат.
func (p *Publisher) publishOne(ctx context.Context, event *Event) {
	log := logger.FromContext(ctx)

	msg := &kafka.Message{
		Topic:   event.Topic,
		Key:     []byte(event.PartitionKey()),
		Value:   event.Payload,
		Headers: event.Headers,
	}

	if err := p.producer.SendMessage(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("Ошибка публикации события")

		status, markErr := p.repo.MarkFailedAttempt(ctx, event, err, p.cfg.MaxRetries)
		if markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.EventID).
				Msg("Ошибка пометки неудачной попытки")
			return
		}
		if status == StatusFailed {
			metrics.OutboxDLQTotal.WithLabelValues(event.EventType).Inc()
			log.Warn().
				Str("event_id", event.EventID).
				Str("event_type", event.EventType).
				Int("retry_count", event.RetryCount+1).
				Msg("Dead letter: исчерпаны попытки публикации события")
		}
		return
	}

	if err := p.repo.MarkPublished(ctx, event.ID); err != nil {
		// Событие уже в Kafka, но осталось PROCESSING: janitor вернёт
		// его в PENDING и оно уйдёт повторно. Это и есть at-least-once,
		// дедупликацию по event_id делают consumer'ы.
		log.Error().Err(err).Str("event_id", event.EventID).
			Msg("Ошибка пометки события опубликованным")
		return
	}

	metrics.OutboxPublishedTotal.WithLabelValues(event.EventType).Inc()
	log.Debug().
		Str("event_id", event.EventID).
		Str("topic", event.Topic).
		Str("event_type", event.EventType).
		Msg("Событие опубликовано")
}

// PublishSingle публикует одно событие (для тестирования).
func (p *Publisher) PublishSingle(ctx context.Context, event *Event) error {
	msg := &kafka.Message{
		Topic:   event.Topic,
		Key:     []byte(event.PartitionKey()),
		Value:   event.Payload,
		Headers: event.Headers,
	}

	if err := p.producer.SendMessage(ctx, msg); err != nil {
		_, _ = p.repo.MarkFailedAttempt(ctx, event, err, p.cfg.MaxRetries)
		return err
	}
	return p.repo.MarkPublished(ctx, event.ID)
}
