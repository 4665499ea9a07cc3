// Package saga реализует оркестрацию распределённых транзакций
// с персистентным состоянием и детерминированной компенсацией.
//
// Эталонный случай — платёжная сага:
// ExecuteService → ConfirmPayment → CompleteOrder.
// При ошибке прямого шага выполненные шаги компенсируются
// в обратном порядке.
package saga

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы экземпляра саги.
type Status string

const (
	// StatusStarted — экземпляр создан, шаги ещё не выполнялись.
	StatusStarted Status = "STARTED"

	// StatusProcessing — идёт прямое выполнение шагов.
	StatusProcessing Status = "PROCESSING"

	// StatusCompleted — все шаги выполнены. Терминальный.
	StatusCompleted Status = "COMPLETED"

	// StatusCompensating — прямой шаг упал, идёт откат выполненных шагов.
	StatusCompensating Status = "COMPENSATING"

	// StatusCompensated — все выполненные шаги откачены. Терминальный.
	StatusCompensated Status = "COMPENSATED"

	// StatusFailed — компенсация не удалась, требуется вмешательство
	// оператора. Терминальный.
	StatusFailed Status = "FAILED"
)

// IsTerminal возвращает true для финальных статусов.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// Статусы шага саги.
type StepStatus string

const (
	// StepPending — шаг записан, действие ещё не вызвано.
	StepPending StepStatus = "PENDING"

	// StepExecuted — действие шага выполнено успешно.
	StepExecuted StepStatus = "EXECUTED"

	// StepCompensated — компенсация шага выполнена.
	StepCompensated StepStatus = "COMPENSATED"

	// StepFailed — действие шага упало либо компенсация не удалась
	// после повторов.
	StepFailed StepStatus = "FAILED"
)

// Ошибки саги.
var (
	// ErrUnknownSagaType — определение саги не зарегистрировано.
	ErrUnknownSagaType = errors.New("неизвестный тип саги")

	// ErrInstanceNotFound — экземпляр саги не найден.
	ErrInstanceNotFound = errors.New("экземпляр саги не найден")

	// ErrNotClaimed — экземпляр захвачен другим worker'ом.
	ErrNotClaimed = errors.New("экземпляр саги захвачен другим worker'ом")
)

// Context — накопительный контекст саги (context_blob в БД).
// Шаги складывают сюда данные для последующих шагов и компенсаций.
type Context map[string]string

// clone возвращает независимую копию контекста.
func (c Context) clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Instance — персистентный экземпляр саги.
type Instance struct {
	ID            string  // UUID экземпляра
	TenantID      string  // Арендатор
	CorrelationID string  // Уникален в пределах арендатора: повтор возвращает существующий экземпляр
	SagaType      string  // Имя зарегистрированного определения
	Status        Status  // Текущий статус
	CurrentStep   int     // Индекс следующего прямого шага
	Context       Context // Накопительный контекст
	FailureReason *string // Причина ошибки (при COMPENSATING/FAILED)
	ClaimedBy     *string // Идентификатор worker'а, владеющего экземпляром
	ClaimLease    *time.Time
	Version       int64 // Optimistic locking
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepRecord — персистентная запись шага.
type StepRecord struct {
	ID        uint64
	SagaID    string
	StepIndex int
	StepName  string
	Status    StepStatus
	StepData  []byte // Снимок контекста на момент выполнения шага
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// contextJSON сериализует контекст для БД.
func contextJSON(c Context) []byte {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return data
}

// contextFromJSON десериализует контекст из БД.
func contextFromJSON(data []byte) Context {
	if len(data) == 0 {
		return Context{}
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return Context{}
	}
	return c
}
