package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheEntry — запись в быстром уровне (Redis).
type cacheEntry struct {
	Hash       string `json:"hash"`
	Status     string `json:"status"`
	Response   []byte `json:"response,omitempty"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
}

// Cache — быстрый уровень шлюза на Redis.
type Cache struct {
	rdb *redis.Client
}

// NewCache создаёт быстрый уровень поверх Redis.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func cacheKey(key Key) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", key.TenantID, key.Endpoint, key.ClientKey)
}

// SetNX атомарно записывает placeholder, если ключа ещё нет.
// Возвращает true, если запись создана (ключ был свободен).
func (c *Cache) SetNX(ctx context.Context, key Key, payloadHash string, ttl time.Duration) (bool, error) {
	entry := cacheEntry{Hash: payloadHash, Status: statusProcessing}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("сериализация записи идемпотентности: %w", err)
	}

	ok, err := c.rdb.SetNX(ctx, cacheKey(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Get возвращает запись по ключу. Второй результат false — ключа нет.
func (c *Cache) Get(ctx context.Context, key Key) (*cacheEntry, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("десериализация записи идемпотентности: %w", err)
	}
	return &entry, true, nil
}

// Store записывает завершённый ответ, сохраняя оставшийся TTL ключа.
func (c *Cache) Store(ctx context.Context, key Key, rec Record, ttl time.Duration) error {
	entry := cacheEntry{
		Hash:       rec.PayloadHash,
		Status:     statusCompleted,
		Response:   rec.Response,
		HTTPStatus: rec.HTTPStatus,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("сериализация записи идемпотентности: %w", err)
	}

	if err := c.rdb.Set(ctx, cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete удаляет placeholder (release_lock при ошибке обработчика).
func (c *Cache) Delete(ctx context.Context, key Key) error {
	if err := c.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
