package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/metrics"
)

// Step — один шаг определения саги.
// Action и Compensate обязаны быть идемпотентными: после падения
// worker'а движок может вызвать их повторно.
type Step struct {
	Name string

	// Action выполняет прямое действие шага.
	// Может дополнять контекст данными для последующих шагов.
	Action func(ctx context.Context, sagaCtx Context) (Context, error)

	// Compensate откатывает эффект выполненного шага.
	// nil — шаг не требует компенсации.
	Compensate func(ctx context.Context, sagaCtx Context) error
}

// Definition — упорядоченная последовательность шагов саги.
type Definition struct {
	Type  string
	Steps []Step
}

// EngineConfig — настройки движка саги.
type EngineConfig struct {
	// WorkerID — идентификатор этого процесса для row-claim.
	WorkerID string

	// ClaimLease — срок владения экземпляром.
	ClaimLease time.Duration

	// CompensationRetries — количество попыток каждой компенсации.
	CompensationRetries int

	// RecoveryInterval — период поиска брошенных экземпляров.
	RecoveryInterval time.Duration
}

// DefaultEngineConfig возвращает конфигурацию по умолчанию.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerID:            uuid.New().String(),
		ClaimLease:          60 * time.Second,
		CompensationRetries: 3,
		RecoveryInterval:    30 * time.Second,
	}
}

// Engine — движок саги: прямое выполнение, компенсация, восстановление.
type Engine struct {
	repo Repository
	defs map[string]Definition
	cfg  EngineConfig
}

// NewEngine создаёт движок с зарегистрированными определениями.
func NewEngine(repo Repository, cfg EngineConfig, defs ...Definition) *Engine {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Type] = d
	}
	return &Engine{repo: repo, defs: m, cfg: cfg}
}

// Start создаёт экземпляр саги и сразу выполняет его.
// Повтор с той же (tenant_id, correlation_id) возвращает существующий
// экземпляр, не создавая второй саги.
func (e *Engine) Start(ctx context.Context, tenantID, correlationID, sagaType string, initial Context) (*Instance, error) {
	if _, ok := e.defs[sagaType]; !ok {
		return nil, ErrUnknownSagaType
	}

	instance := &Instance{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		SagaType:      sagaType,
		Status:        StatusStarted,
		Context:       initial.clone(),
	}

	instance, created, err := e.repo.CreateInstance(ctx, instance)
	if err != nil {
		return nil, err
	}
	if !created {
		logger.Ctx(ctx).Debug().
			Str("saga_id", instance.ID).
			Str("correlation_id", correlationID).
			Msg("Сага с этой корреляцией уже существует")
		return instance, nil
	}

	if err := e.Execute(ctx, instance); err != nil {
		return instance, err
	}
	return instance, nil
}

// Execute выполняет экземпляр с текущего шага до завершения.
// Перед выполнением экземпляр захватывается за worker'ом.
func (e *Engine) Execute(ctx context.Context, instance *Instance) error {
	if instance.Status.IsTerminal() {
		return nil
	}

	def, ok := e.defs[instance.SagaType]
	if !ok {
		return ErrUnknownSagaType
	}

	if err := e.repo.Claim(ctx, instance.ID, e.cfg.WorkerID, e.cfg.ClaimLease); err != nil {
		return err
	}

	if instance.Status == StatusCompensating {
		return e.compensate(ctx, instance, def)
	}
	return e.executeForward(ctx, instance, def)
}

// executeForward выполняет прямые шаги начиная с current_step.
func (e *Engine) executeForward(ctx context.Context, instance *Instance, def Definition) error {
	log := logger.FromContext(ctx).With().
		Str("saga_id", instance.ID).
		Str("saga_type", instance.SagaType).
		Logger()

	instance.Status = StatusProcessing

	for instance.CurrentStep < len(def.Steps) {
		step := def.Steps[instance.CurrentStep]

		// Запись шага фиксируется до вызова действия: после падения
		// worker'а видно, на каком шаге остановилась сага.
		rec := &StepRecord{
			SagaID:    instance.ID,
			StepIndex: instance.CurrentStep,
			StepName:  step.Name,
			Status:    StepPending,
			StepData:  contextJSON(instance.Context),
		}
		if err := e.repo.RecordStep(ctx, rec); err != nil {
			return err
		}
		if err := e.repo.UpdateInstance(ctx, instance); err != nil {
			return err
		}

		updated, err := step.Action(ctx, instance.Context.clone())
		if err != nil {
			log.Warn().Err(err).Str("step", step.Name).
				Msg("Прямой шаг саги завершился ошибкой, начинаем компенсацию")

			// Упавший шаг помечается FAILED: в журнале он отличим
			// от шага, который не начинался.
			if recErr := e.repo.UpdateStepStatus(ctx, instance.ID, instance.CurrentStep, StepFailed, err); recErr != nil {
				return recErr
			}

			reason := fmt.Sprintf("шаг %s: %v", step.Name, err)
			instance.Status = StatusCompensating
			instance.FailureReason = &reason
			if updErr := e.repo.UpdateInstance(ctx, instance); updErr != nil {
				return updErr
			}
			return e.compensate(ctx, instance, def)
		}

		if updated != nil {
			instance.Context = updated
		}
		if err := e.repo.UpdateStepStatus(ctx, instance.ID, instance.CurrentStep, StepExecuted, nil); err != nil {
			return err
		}

		instance.CurrentStep++
		if err := e.repo.UpdateInstance(ctx, instance); err != nil {
			return err
		}

		log.Debug().Str("step", step.Name).Int("step_index", instance.CurrentStep-1).
			Msg("Шаг саги выполнен")
	}

	instance.Status = StatusCompleted
	instance.ClaimedBy = nil
	instance.ClaimLease = nil
	if err := e.repo.UpdateInstance(ctx, instance); err != nil {
		return err
	}

	log.Info().Msg("Сага завершена успешно")
	return nil
}

// compensate откатывает выполненные шаги в обратном порядке.
func (e *Engine) compensate(ctx context.Context, instance *Instance, def Definition) error {
	log := logger.FromContext(ctx).With().
		Str("saga_id", instance.ID).
		Str("saga_type", instance.SagaType).
		Logger()

	metrics.SagaCompensationsTotal.WithLabelValues(instance.SagaType).Inc()

	steps, err := e.repo.GetSteps(ctx, instance.ID)
	if err != nil {
		return err
	}

	for i := len(steps) - 1; i >= 0; i-- {
		rec := steps[i]
		if rec.Status != StepExecuted {
			continue
		}
		step := def.Steps[rec.StepIndex]
		if step.Compensate == nil {
			if err := e.repo.UpdateStepStatus(ctx, instance.ID, rec.StepIndex, StepCompensated, nil); err != nil {
				return err
			}
			continue
		}

		// Компенсация получает снимок контекста на момент выполнения шага.
		stepCtx := contextFromJSON(rec.StepData)

		if err := e.compensateWithRetries(ctx, step, stepCtx); err != nil {
			// Компенсация не удалась: сага FAILED, дальше — оператор.
			log.Error().Err(err).Str("step", step.Name).
				Msg("ALERT: компенсация саги не удалась, требуется вмешательство оператора")

			if recErr := e.repo.UpdateStepStatus(ctx, instance.ID, rec.StepIndex, StepFailed, err); recErr != nil {
				return recErr
			}

			reason := fmt.Sprintf("компенсация %s: %v", step.Name, err)
			instance.Status = StatusFailed
			instance.FailureReason = &reason
			instance.ClaimedBy = nil
			instance.ClaimLease = nil
			return e.repo.UpdateInstance(ctx, instance)
		}

		if err := e.repo.UpdateStepStatus(ctx, instance.ID, rec.StepIndex, StepCompensated, nil); err != nil {
			return err
		}
		log.Debug().Str("step", step.Name).Msg("Шаг саги компенсирован")
	}

	instance.Status = StatusCompensated
	instance.ClaimedBy = nil
	instance.ClaimLease = nil
	if err := e.repo.UpdateInstance(ctx, instance); err != nil {
		return err
	}

	log.Info().Msg("Сага компенсирована")
	return nil
}

// compensateWithRetries вызывает компенсацию с ограниченными повторами.
func (e *Engine) compensateWithRetries(ctx context.Context, step Step, stepCtx Context) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.CompensationRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second << (attempt - 1)):
			}
		}
		if lastErr = step.Compensate(ctx, stepCtx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// RunRecovery периодически подхватывает брошенные экземпляры
// (упавший worker, истёкший lease). Блокирует до отмены контекста.
func (e *Engine) RunRecovery(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", e.cfg.RecoveryInterval).Msg("Запуск Saga Recovery")

	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Saga Recovery")
			return
		case <-ticker.C:
			e.recoverStale(ctx)
		}
	}
}

// recoverStale выполняет один проход восстановления.
func (e *Engine) recoverStale(ctx context.Context) {
	log := logger.FromContext(ctx)

	instances, err := e.repo.FindStale(ctx, 10)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка поиска брошенных саг")
		return
	}

	for _, instance := range instances {
		log.Warn().
			Str("saga_id", instance.ID).
			Str("status", string(instance.Status)).
			Msg("Восстановление брошенной саги")

		if err := e.Execute(ctx, instance); err != nil {
			log.Error().Err(err).Str("saga_id", instance.ID).
				Msg("Ошибка восстановления саги")
		}
	}
}
