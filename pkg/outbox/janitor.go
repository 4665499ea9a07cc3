package outbox

import (
	"context"
	"time"

	"example.com/fluxpay/pkg/logger"
)

// JanitorConfig — настройки фоновой уборки outbox.
type JanitorConfig struct {
	// Interval — период запуска уборки.
	Interval time.Duration

	// ProcessingLease — через сколько зависшее PROCESSING событие
	// считается брошенным упавшим publisher'ом.
	ProcessingLease time.Duration

	// Retention — срок хранения опубликованных событий.
	Retention time.Duration
}

// DefaultJanitorConfig возвращает конфигурацию по умолчанию.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:        10 * time.Second,
		ProcessingLease: 30 * time.Second,
		Retention:       7 * 24 * time.Hour,
	}
}

// Janitor возвращает зависшие события в очередь и удаляет старые
// опубликованные записи.
type Janitor struct {
	repo Repository
	cfg  JanitorConfig
}

// NewJanitor создаёт janitor.
func NewJanitor(repo Repository, cfg JanitorConfig) *Janitor {
	return &Janitor{repo: repo, cfg: cfg}
}

// Run запускает цикл уборки. Блокирует до отмены контекста.
func (j *Janitor) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", j.cfg.Interval).Msg("Запуск Outbox Janitor")

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Outbox Janitor")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep выполняет один проход уборки.
func (j *Janitor) sweep(ctx context.Context) {
	log := logger.FromContext(ctx)

	reset, err := j.repo.ResetStale(ctx, j.cfg.ProcessingLease)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка сброса зависших событий outbox")
	} else if reset > 0 {
		log.Warn().Int64("reset", reset).
			Msg("Зависшие события outbox возвращены в очередь")
	}

	deleted, err := j.repo.DeletePublishedBefore(ctx, time.Now().Add(-j.cfg.Retention))
	if err != nil {
		log.Error().Err(err).Msg("Ошибка очистки опубликованных событий outbox")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).
			Msg("Удалены старые опубликованные события outbox")
	}
}
