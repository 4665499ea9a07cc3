// Package idempotency реализует двухуровневый шлюз идемпотентности
// для мутирующих запросов API.
//
// Уровень 1 (быстрый): Redis с atomic SetNX и TTL.
// Уровень 2 (надёжный): MySQL с UNIQUE(tenant_id, endpoint, client_key).
//
// При недоступности Redis решение принимает надёжный уровень —
// шлюз никогда не пропускает дубликат из-за падения кеша.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Outcome — результат попытки захвата ключа идемпотентности.
type Outcome int

const (
	// OutcomeMiss — ключ новый, запрос можно обрабатывать.
	OutcomeMiss Outcome = iota

	// OutcomeHit — запрос уже обработан, сохранённый ответ нужно вернуть.
	OutcomeHit

	// OutcomeConflict — тот же ключ, но другое тело запроса.
	OutcomeConflict

	// OutcomeProcessing — параллельная попытка с тем же ключом ещё выполняется.
	OutcomeProcessing
)

// Статусы записи идемпотентности.
const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
)

// Key — полный ключ идемпотентности.
// client_key уникален в пределах (tenant_id, endpoint).
type Key struct {
	TenantID  string
	Endpoint  string
	ClientKey string
}

// Result — результат AcquireLock.
// Response и HTTPStatus заполнены только при OutcomeHit.
type Result struct {
	Outcome    Outcome
	Response   []byte
	HTTPStatus int
}

// Record — завершённый результат обработки запроса.
type Record struct {
	PayloadHash string
	Response    []byte
	HTTPStatus  int
	ExpiresAt   time.Time
}

// PayloadHash возвращает SHA-256 от канонического тела запроса
// (сырые байты запроса без нормализации).
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
