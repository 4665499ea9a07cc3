// Package domain содержит unit тесты для доменных сущностей FluxPay.
package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =====================================
// Тесты Order.Validate
// =====================================

// TestOrder_Validate тестирует валидацию заказа.
func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name        string
		order       *Order
		expectedErr error
	}{
		{
			name: "валидные данные",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID:   "product-123",
						ProductName: "Товар 1",
						Quantity:    2,
						UnitPrice:   Money{Amount: 10000, Currency: "KRW"},
					},
				},
				TotalAmount: Money{Amount: 20000, Currency: "KRW"},
			},
			expectedErr: nil,
		},
		{
			name: "пустой UserID",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "",
				Items: []OrderItem{
					{
						ProductID: "product-123",
						Quantity:  2,
						UnitPrice: Money{Amount: 10000, Currency: "KRW"},
					},
				},
			},
			expectedErr: ErrInvalidUserID,
		},
		{
			name: "пустой список позиций",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items:  []OrderItem{},
			},
			expectedErr: ErrEmptyOrderItems,
		},
		{
			name: "пустой ProductID",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID: "  ",
						Quantity:  1,
						UnitPrice: Money{Amount: 10000, Currency: "KRW"},
					},
				},
			},
			expectedErr: ErrInvalidProductID,
		},
		{
			name: "нулевое количество",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID: "product-123",
						Quantity:  0,
						UnitPrice: Money{Amount: 10000, Currency: "KRW"},
					},
				},
			},
			expectedErr: ErrInvalidQuantity,
		},
		{
			name: "нулевая цена",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID: "product-123",
						Quantity:  1,
						UnitPrice: Money{Amount: 0, Currency: "KRW"},
					},
				},
			},
			expectedErr: ErrInvalidPrice,
		},
		{
			name: "разные валюты позиций",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID: "product-1",
						Quantity:  1,
						UnitPrice: Money{Amount: 1000, Currency: "KRW"},
					},
					{
						ProductID: "product-2",
						Quantity:  1,
						UnitPrice: Money{Amount: 1000, Currency: "USD"},
					},
				},
			},
			expectedErr: ErrCurrencyMismatch,
		},
		{
			name: "заявленная сумма не равна сумме позиций",
			order: &Order{
				ID:     "order-uuid-123",
				UserID: "user-uuid-123",
				Items: []OrderItem{
					{
						ProductID: "product-123",
						Quantity:  2,
						UnitPrice: Money{Amount: 10000, Currency: "KRW"},
					},
				},
				TotalAmount: Money{Amount: 19999, Currency: "KRW"},
			},
			expectedErr: ErrTotalMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.order.Validate()
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =====================================
// Тесты Order.CalculateTotal
// =====================================

// TestOrder_CalculateTotal тестирует расчёт суммы заказа из позиций.
func TestOrder_CalculateTotal(t *testing.T) {
	tests := []struct {
		name             string
		items            []OrderItem
		expectedAmount   int64
		expectedCurrency string
	}{
		{
			name: "одна позиция",
			items: []OrderItem{
				{Quantity: 3, UnitPrice: Money{Amount: 1000, Currency: "KRW"}},
			},
			expectedAmount:   3000,
			expectedCurrency: "KRW",
		},
		{
			name: "несколько позиций",
			items: []OrderItem{
				{Quantity: 2, UnitPrice: Money{Amount: 10000, Currency: "KRW"}},
				{Quantity: 1, UnitPrice: Money{Amount: 500, Currency: "KRW"}},
			},
			expectedAmount:   20500,
			expectedCurrency: "KRW",
		},
		{
			name:             "пустой список позиций",
			items:            []OrderItem{},
			expectedAmount:   0,
			expectedCurrency: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := &Order{Items: tt.items}
			order.CalculateTotal()

			assert.Equal(t, tt.expectedAmount, order.TotalAmount.Amount)
			assert.Equal(t, tt.expectedCurrency, order.TotalAmount.Currency)
		})
	}
}

// =====================================
// Тесты переходов статусов заказа
// =====================================

// TestOrder_Transitions тестирует машину состояний заказа.
func TestOrder_Transitions(t *testing.T) {
	now := time.Now()

	t.Run("PENDING -> PAID устанавливает paid_at", func(t *testing.T) {
		order := &Order{Status: OrderStatusPending}

		err := order.MarkPaid(now)

		assert.NoError(t, err)
		assert.Equal(t, OrderStatusPaid, order.Status)
		assert.NotNil(t, order.PaidAt)
	})

	t.Run("PAID -> COMPLETED устанавливает completed_at", func(t *testing.T) {
		order := &Order{Status: OrderStatusPaid}

		err := order.Complete(now)

		assert.NoError(t, err)
		assert.Equal(t, OrderStatusCompleted, order.Status)
		assert.NotNil(t, order.CompletedAt)
	})

	t.Run("PENDING -> COMPLETED запрещён", func(t *testing.T) {
		order := &Order{Status: OrderStatusPending}

		err := order.Complete(now)

		assert.ErrorIs(t, err, ErrInvalidOrderTransition)
		assert.Equal(t, OrderStatusPending, order.Status)
	})

	t.Run("COMPLETED терминальный", func(t *testing.T) {
		order := &Order{Status: OrderStatusCompleted}

		err := order.Cancel("передумал", now)

		assert.ErrorIs(t, err, ErrInvalidOrderTransition)
		assert.Equal(t, OrderStatusCompleted, order.Status)
	})

	t.Run("Cancel сохраняет причину", func(t *testing.T) {
		order := &Order{Status: OrderStatusPaid}

		err := order.Cancel("компенсация саги", now)

		assert.NoError(t, err)
		assert.Equal(t, OrderStatusCancelled, order.Status)
		assert.NotNil(t, order.FailureReason)
		assert.Equal(t, "компенсация саги", *order.FailureReason)
	})

	t.Run("Fail сохраняет причину", func(t *testing.T) {
		order := &Order{Status: OrderStatusPending}

		err := order.Fail("платёж отклонён", now)

		assert.NoError(t, err)
		assert.Equal(t, OrderStatusFailed, order.Status)
		assert.Equal(t, "платёж отклонён", *order.FailureReason)
	})
}
