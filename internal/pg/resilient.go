package pg

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"example.com/fluxpay/pkg/circuitbreaker"
	"example.com/fluxpay/pkg/logger"
)

// ResilientConfig — настройки отказоустойчивой обёртки.
type ResilientConfig struct {
	// TotalTimeout — общий таймаут одного вызова PG.
	TotalTimeout time.Duration

	// MaxConcurrent — лимит одновременных вызовов (bulkhead).
	MaxConcurrent int

	// RetryAttempts — количество попыток для идемпотентных операций.
	RetryAttempts int

	// Breaker — настройки circuit breaker.
	Breaker circuitbreaker.Settings
}

// DefaultResilientConfig возвращает конфигурацию по умолчанию.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		TotalTimeout:  15 * time.Second,
		MaxConcurrent: 50,
		RetryAttempts: 3,
		Breaker:       circuitbreaker.DefaultSettings(),
	}
}

// ResilientClient оборачивает вендорный Client таймаутом, circuit
// breaker'ом, bulkhead'ом и повторами идемпотентных операций.
//
// Повторяются только Cancel и Refund: повтор Approval/Confirm может
// привести к двойному списанию, их сверка — через webhook.
type ResilientClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
	slots   chan struct{} // bulkhead-семафор
	cfg     ResilientConfig
}

// NewResilientClient создаёт отказоустойчивую обёртку.
func NewResilientClient(inner Client, cfg ResilientConfig) *ResilientClient {
	return &ResilientClient{
		inner:   inner,
		breaker: circuitbreaker.NewWithSettings("pg-client", cfg.Breaker),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		cfg:     cfg,
	}
}

// execute прогоняет вызов через bulkhead, таймаут и breaker.
func (c *ResilientClient) execute(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	// Bulkhead: при исчерпании слотов отказ сразу, без очереди.
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	default:
		logger.Ctx(ctx).Warn().Str("op", op).Msg("Bulkhead PG исчерпан")
		return nil, ErrBulkheadFull
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (any, error) {
		res, err := fn(callCtx)
		if err != nil {
			// Отклонение операции самим PG — не сбой инфраструктуры,
			// breaker на него не реагирует.
			var vendorErr *VendorError
			if errors.As(err, &vendorErr) && !vendorErr.Retryable {
				return res, circuitbreaker.Suppress(err)
			}
		}
		return res, err
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return result, err
}

// executeWithRetry добавляет повторы с экспоненциальным backoff и jitter.
// Используется только для идемпотентных операций.
func (c *ResilientClient) executeWithRetry(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s + jitter до 20%
			delay := time.Second << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay / 5)))

			logger.Ctx(ctx).Debug().
				Str("op", op).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Повтор вызова PG")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.execute(ctx, op, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Breaker открыт или PG отклонил операцию — повторы бессмысленны.
		if errors.Is(err, ErrCircuitOpen) {
			return nil, err
		}
		var vendorErr *VendorError
		if errors.As(err, &vendorErr) && !vendorErr.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// RequestApproval запрашивает авторизацию. Без автоматических повторов.
func (c *ResilientClient) RequestApproval(ctx context.Context, orderRef string, amount int64, currency, method string) (*ApprovalResult, error) {
	result, err := c.execute(ctx, "request_approval", func(ctx context.Context) (any, error) {
		return c.inner.RequestApproval(ctx, orderRef, amount, currency, method)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ApprovalResult), nil
}

// Confirm подтверждает платёж. Без автоматических повторов.
func (c *ResilientClient) Confirm(ctx context.Context, pgKey string) error {
	_, err := c.execute(ctx, "confirm", func(ctx context.Context) (any, error) {
		return nil, c.inner.Confirm(ctx, pgKey)
	})
	return err
}

// Cancel отменяет авторизацию. Идемпотентен — повторяется с backoff.
func (c *ResilientClient) Cancel(ctx context.Context, pgKey, reason string) error {
	_, err := c.executeWithRetry(ctx, "cancel", func(ctx context.Context) (any, error) {
		return nil, c.inner.Cancel(ctx, pgKey, reason)
	})
	return err
}

// Refund выполняет возврат. Идемпотентен — повторяется с backoff.
func (c *ResilientClient) Refund(ctx context.Context, pgKey string, amount int64, reason string) (*RefundResult, error) {
	result, err := c.executeWithRetry(ctx, "refund", func(ctx context.Context) (any, error) {
		return c.inner.Refund(ctx, pgKey, amount, reason)
	})
	if err != nil {
		return nil, err
	}
	return result.(*RefundResult), nil
}
