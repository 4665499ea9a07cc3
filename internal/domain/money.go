// Package domain содержит бизнес-сущности и доменные ошибки FluxPay.
package domain

// Money — денежная сумма с валютой.
// Хранит сумму в минимальных единицах (копейки, центы, воны)
// для избежания проблем с плавающей точкой.
type Money struct {
	Currency string // ISO 4217 код валюты (USD, KRW, RUB)
	Amount   int64  // Сумма в минимальных единицах
}

// Multiply умножает сумму на количество.
// Используется для расчёта стоимости позиции (цена * количество).
func (m Money) Multiply(quantity int32) Money {
	return Money{
		Currency: m.Currency,
		Amount:   m.Amount * int64(quantity),
	}
}

// Add складывает две суммы одной валюты.
// Вызывающий обязан проверить совпадение валют заранее.
func (m Money) Add(other Money) Money {
	return Money{
		Currency: m.Currency,
		Amount:   m.Amount + other.Amount,
	}
}

// IsPositive возвращает true, если сумма строго больше нуля.
func (m Money) IsPositive() bool {
	return m.Amount > 0
}
