// Package saga содержит unit тесты движка саги.
package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// In-memory реализация Repository для тестов движка
// =============================================================================

type memRepository struct {
	mu        sync.Mutex
	instances map[string]*Instance
	byCorr    map[string]string // tenant|correlation -> id
	steps     map[string][]*StepRecord
}

func newMemRepository() *memRepository {
	return &memRepository{
		instances: make(map[string]*Instance),
		byCorr:    make(map[string]string),
		steps:     make(map[string][]*StepRecord),
	}
}

func (r *memRepository) CreateInstance(_ context.Context, instance *Instance) (*Instance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instance.TenantID + "|" + instance.CorrelationID
	if existingID, ok := r.byCorr[key]; ok {
		return r.instances[existingID], false, nil
	}
	cp := *instance
	r.instances[instance.ID] = &cp
	r.byCorr[key] = instance.ID
	return instance, true, nil
}

func (r *memRepository) GetInstance(_ context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *instance
	return &cp, nil
}

func (r *memRepository) UpdateInstance(_ context.Context, instance *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.instances[instance.ID]
	if !ok || stored.Version != instance.Version {
		return ErrNotClaimed
	}
	instance.Version++
	cp := *instance
	r.instances[instance.ID] = &cp
	return nil
}

func (r *memRepository) Claim(_ context.Context, id, workerID string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	now := time.Now()
	if instance.ClaimLease != nil && instance.ClaimLease.After(now) &&
		instance.ClaimedBy != nil && *instance.ClaimedBy != workerID {
		return ErrNotClaimed
	}
	expires := now.Add(lease)
	instance.ClaimedBy = &workerID
	instance.ClaimLease = &expires
	return nil
}

func (r *memRepository) FindStale(_ context.Context, limit int) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	now := time.Now()
	for _, instance := range r.instances {
		if instance.Status.IsTerminal() || instance.ClaimLease == nil || instance.ClaimLease.After(now) {
			continue
		}
		cp := *instance
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memRepository) RecordStep(_ context.Context, step *StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.steps[step.SagaID] {
		if existing.StepIndex == step.StepIndex {
			return nil
		}
	}
	cp := *step
	r.steps[step.SagaID] = append(r.steps[step.SagaID], &cp)
	return nil
}

func (r *memRepository) UpdateStepStatus(_ context.Context, sagaID string, stepIndex int, status StepStatus, stepErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.steps[sagaID] {
		if rec.StepIndex == stepIndex {
			rec.Status = status
			if stepErr != nil {
				msg := stepErr.Error()
				rec.LastError = &msg
			}
		}
	}
	return nil
}

func (r *memRepository) GetSteps(_ context.Context, sagaID string) ([]*StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.steps[sagaID]
	out := make([]*StepRecord, len(records))
	for i, rec := range records {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// =============================================================================
// Вспомогательные функции
// =============================================================================

// callRecorder записывает порядок вызовов действий и компенсаций.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callRecorder) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callRecorder) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// threeStepSaga собирает сагу из трёх шагов с записью вызовов.
// failAt — имя шага, действие которого возвращает ошибку ("" — без ошибок).
// failCompAt — имя шага, компенсация которого всегда падает.
func threeStepSaga(rec *callRecorder, failAt, failCompAt string) Definition {
	step := func(name string) Step {
		return Step{
			Name: name,
			Action: func(_ context.Context, sagaCtx Context) (Context, error) {
				rec.record("action:" + name)
				if name == failAt {
					return sagaCtx, errors.New("шаг упал")
				}
				sagaCtx["done_"+name] = "1"
				return sagaCtx, nil
			},
			Compensate: func(_ context.Context, _ Context) error {
				rec.record("compensate:" + name)
				if name == failCompAt {
					return errors.New("компенсация упала")
				}
				return nil
			},
		}
	}
	return Definition{
		Type:  "test",
		Steps: []Step{step("A"), step("B"), step("C")},
	}
}

func newTestEngine(rec *callRecorder, failAt, failCompAt string) (*Engine, *memRepository) {
	repo := newMemRepository()
	cfg := DefaultEngineConfig()
	cfg.CompensationRetries = 1
	engine := NewEngine(repo, cfg, threeStepSaga(rec, failAt, failCompAt))
	return engine, repo
}

// =============================================================================
// Тесты движка
// =============================================================================

// TestEngine_HappyPath тестирует успешное прямое выполнение всех шагов.
func TestEngine_HappyPath(t *testing.T) {
	rec := &callRecorder{}
	engine, repo := newTestEngine(rec, "", "")

	instance, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{"order_id": "ord-1"})

	require.NoError(t, err)
	assert.Equal(t, []string{"action:A", "action:B", "action:C"}, rec.list())

	stored, err := repo.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Equal(t, "1", stored.Context["done_C"])

	steps, err := repo.GetSteps(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, step := range steps {
		assert.Equal(t, StepExecuted, step.Status)
	}
}

// TestEngine_CompensationOrder тестирует откат в обратном порядке
// при падении шага C.
func TestEngine_CompensationOrder(t *testing.T) {
	rec := &callRecorder{}
	engine, repo := newTestEngine(rec, "C", "")

	instance, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{})

	require.NoError(t, err)
	// A и B выполнены, C упал, компенсируются B затем A. Сам C не
	// компенсируется: его действие не было выполнено.
	assert.Equal(t, []string{
		"action:A", "action:B", "action:C",
		"compensate:B", "compensate:A",
	}, rec.list())

	stored, err := repo.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "шаг C")

	steps, err := repo.GetSteps(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StepCompensated, steps[0].Status)
	assert.Equal(t, StepCompensated, steps[1].Status)

	// Упавший шаг помечен FAILED: в журнале видно, что его действие
	// было вызвано и завершилось ошибкой.
	assert.Equal(t, StepFailed, steps[2].Status)
	require.NotNil(t, steps[2].LastError)
	assert.Contains(t, *steps[2].LastError, "шаг упал")
}

// TestEngine_FirstStepFails тестирует падение первого шага:
// компенсировать нечего.
func TestEngine_FirstStepFails(t *testing.T) {
	rec := &callRecorder{}
	engine, repo := newTestEngine(rec, "A", "")

	instance, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{})

	require.NoError(t, err)
	assert.Equal(t, []string{"action:A"}, rec.list())

	stored, err := repo.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, stored.Status)
}

// TestEngine_CompensationFailure тестирует провал компенсации:
// сага переходит в FAILED, шаг помечен FAILED.
func TestEngine_CompensationFailure(t *testing.T) {
	rec := &callRecorder{}
	engine, repo := newTestEngine(rec, "C", "B")

	instance, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{})

	require.NoError(t, err)

	stored, err := repo.GetInstance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "компенсация B")

	steps, err := repo.GetSteps(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, steps[1].Status)
	// До A компенсация не дошла
	assert.Equal(t, StepExecuted, steps[0].Status)
}

// TestEngine_CorrelationDedup тестирует уникальность
// (tenant_id, correlation_id): повтор возвращает существующий экземпляр.
func TestEngine_CorrelationDedup(t *testing.T) {
	rec := &callRecorder{}
	engine, _ := newTestEngine(rec, "", "")

	first, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{})
	require.NoError(t, err)

	second, err := engine.Start(context.Background(), "tenant-1", "corr-1", "test", Context{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// Действия выполнены ровно один раз
	assert.Equal(t, []string{"action:A", "action:B", "action:C"}, rec.list())

	// Другой арендатор с той же корреляцией — отдельная сага
	third, err := engine.Start(context.Background(), "tenant-2", "corr-1", "test", Context{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

// TestEngine_UnknownType тестирует незарегистрированный тип саги.
func TestEngine_UnknownType(t *testing.T) {
	engine, _ := newTestEngine(&callRecorder{}, "", "")

	_, err := engine.Start(context.Background(), "tenant-1", "corr-1", "nope", Context{})

	assert.ErrorIs(t, err, ErrUnknownSagaType)
}

// TestEngine_ClaimConflict тестирует, что экземпляр с живым lease
// другого worker'а не выполняется повторно.
func TestEngine_ClaimConflict(t *testing.T) {
	rec := &callRecorder{}
	engine, repo := newTestEngine(rec, "", "")

	instance := &Instance{
		ID:            "saga-1",
		TenantID:      "tenant-1",
		CorrelationID: "corr-1",
		SagaType:      "test",
		Status:        StatusProcessing,
	}
	_, _, err := repo.CreateInstance(context.Background(), instance)
	require.NoError(t, err)

	other := "other-worker"
	require.NoError(t, repo.Claim(context.Background(), "saga-1", other, time.Minute))

	err = engine.Execute(context.Background(), instance)

	assert.ErrorIs(t, err, ErrNotClaimed)
	assert.Empty(t, rec.list())
}
