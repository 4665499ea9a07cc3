package idempotency

import (
	"context"
	"time"

	"example.com/fluxpay/pkg/logger"
)

// Gate — двухуровневый шлюз идемпотентности.
// Redis отвечает быстро; MySQL — авторитетный источник при сбое Redis.
type Gate struct {
	cache *Cache
	store *Store
	ttl   time.Duration
}

// NewGate создаёт шлюз с указанным TTL ключей.
func NewGate(cache *Cache, store *Store, ttl time.Duration) *Gate {
	return &Gate{cache: cache, store: store, ttl: ttl}
}

// AcquireLock пытается захватить ключ идемпотентности.
//
//	MISS       — ключ свободен, placeholder записан, запрос обрабатывается
//	HIT        — запрос уже обработан, вернуть сохранённый ответ
//	CONFLICT   — тот же ключ с другим телом запроса
//	PROCESSING — параллельная попытка ещё не завершилась
func (g *Gate) AcquireLock(ctx context.Context, key Key, payloadHash string) (Result, error) {
	log := logger.FromContext(ctx)

	acquired, err := g.cache.SetNX(ctx, key, payloadHash, g.ttl)
	if err != nil {
		// Redis недоступен — решает надёжный уровень.
		log.Warn().Err(err).Msg("Быстрый уровень идемпотентности недоступен, fallback на БД")
		return g.acquireDurable(ctx, key, payloadHash)
	}

	if acquired {
		// Placeholder и в надёжном уровне: при рестарте Redis
		// именно строка в БД остановит дубликат.
		inserted, err := g.store.Insert(ctx, key, payloadHash, g.ttl)
		if err != nil {
			// Откатываем быстрый уровень, чтобы не оставить ключ-сироту.
			_ = g.cache.Delete(ctx, key)
			return Result{}, err
		}
		if !inserted {
			// Redis потерял ключ (flush/restart), а строка в БД жива.
			_ = g.cache.Delete(ctx, key)
			return g.acquireDurable(ctx, key, payloadHash)
		}
		return Result{Outcome: OutcomeMiss}, nil
	}

	// Ключ уже занят в быстром уровне.
	entry, found, err := g.cache.Get(ctx, key)
	if err != nil || !found {
		// Ключ истёк между SetNX и Get либо Redis упал — решает БД.
		return g.acquireDurable(ctx, key, payloadHash)
	}

	if entry.Hash != payloadHash {
		return Result{Outcome: OutcomeConflict}, nil
	}
	if entry.Status == statusCompleted {
		return Result{
			Outcome:    OutcomeHit,
			Response:   entry.Response,
			HTTPStatus: entry.HTTPStatus,
		}, nil
	}
	return Result{Outcome: OutcomeProcessing}, nil
}

// acquireDurable повторяет логику захвата на надёжном уровне.
func (g *Gate) acquireDurable(ctx context.Context, key Key, payloadHash string) (Result, error) {
	inserted, err := g.store.Insert(ctx, key, payloadHash, g.ttl)
	if err != nil {
		return Result{}, err
	}
	if inserted {
		return Result{Outcome: OutcomeMiss}, nil
	}

	rec, status, found, err := g.store.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !found {
		// Строка удалена между Insert и Get (release_lock конкурента) —
		// консервативно просим клиента повторить.
		return Result{Outcome: OutcomeProcessing}, nil
	}

	if rec.PayloadHash != payloadHash {
		return Result{Outcome: OutcomeConflict}, nil
	}
	if status == statusCompleted {
		return Result{
			Outcome:    OutcomeHit,
			Response:   rec.Response,
			HTTPStatus: rec.HTTPStatus,
		}, nil
	}
	return Result{Outcome: OutcomeProcessing}, nil
}

// Store записывает завершённый ответ в оба уровня.
// Ошибка надёжного уровня фатальна; ошибка Redis только логируется.
func (g *Gate) Store(ctx context.Context, key Key, payloadHash string, response []byte, httpStatus int) error {
	if err := g.store.Complete(ctx, key, response, httpStatus); err != nil {
		return err
	}

	rec := Record{PayloadHash: payloadHash, Response: response, HTTPStatus: httpStatus}
	if err := g.cache.Store(ctx, key, rec, g.ttl); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Msg("Не удалось записать ответ в быстрый уровень идемпотентности")
	}
	return nil
}

// ReleaseLock снимает placeholder из обоих уровней.
// Вызывается при ошибке обработчика до изменения состояния,
// чтобы клиент мог повторить запрос с тем же ключом.
func (g *Gate) ReleaseLock(ctx context.Context, key Key) {
	log := logger.FromContext(ctx)
	if err := g.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Msg("Не удалось снять ключ из быстрого уровня")
	}
	if err := g.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Msg("Не удалось снять ключ из надёжного уровня")
	}
}

// StartSweeper запускает фоновую очистку истёкших записей.
// Останавливается при отмене ctx.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := g.store.DeleteExpired(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("Ошибка очистки ключей идемпотентности")
					continue
				}
				if deleted > 0 {
					logger.Debug().Int64("deleted", deleted).
						Msg("Очищены истёкшие ключи идемпотентности")
				}
			}
		}
	}()
}
