package domain

import (
	"strings"
	"time"
)

// OrderStatus — статус заказа в системе.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, ожидает оплаты.
	OrderStatusPending OrderStatus = "PENDING"

	// OrderStatusPaid — оплата подтверждена, услуга ещё не оказана.
	OrderStatusPaid OrderStatus = "PAID"

	// OrderStatusCompleted — услуга оказана, заказ завершён.
	OrderStatusCompleted OrderStatus = "COMPLETED"

	// OrderStatusCancelled — заказ отменён пользователем или компенсацией.
	OrderStatusCancelled OrderStatus = "CANCELLED"

	// OrderStatusFailed — заказ не выполнен из-за ошибки (платёж отклонён и т.д.).
	OrderStatusFailed OrderStatus = "FAILED"
)

// allowedOrderTransitions определяет допустимые переходы статусов заказа.
var allowedOrderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:    {OrderStatusCompleted, OrderStatusCancelled},
	// COMPLETED, CANCELLED и FAILED — терминальные
}

// Order — заказ в системе.
// Доменная сущность без зависимостей от инфраструктуры (GORM, HTTP DTO).
type Order struct {
	ID            string            // Уникальный идентификатор заказа (UUID)
	TenantID      string            // Арендатор, которому принадлежит заказ
	UserID        string            // ID пользователя, создавшего заказ
	Items         []OrderItem       // Позиции заказа
	TotalAmount   Money             // Общая сумма заказа (= сумме позиций)
	Status        OrderStatus       // Текущий статус заказа
	Metadata      map[string]string // Произвольные метаданные клиента (opaque)
	FailureReason *string           // Причина ошибки (nil если заказ успешен)
	CreatedAt     time.Time         // Дата создания заказа
	UpdatedAt     time.Time         // Дата последнего обновления
	PaidAt        *time.Time        // Время подтверждения оплаты
	CompletedAt   *time.Time        // Время завершения заказа
}

// Validate проверяет корректность полей заказа.
// Вызывается перед созданием заказа.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.UserID) == "" {
		return ErrInvalidUserID
	}

	if len(o.Items) == 0 {
		return ErrEmptyOrderItems
	}

	currency := o.Items[0].UnitPrice.Currency
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			return err
		}
		if o.Items[i].UnitPrice.Currency != currency {
			return ErrCurrencyMismatch
		}
	}

	// total_amount — производная величина: всегда равна сумме позиций.
	if o.TotalAmount != o.calculatedTotal() {
		return ErrTotalMismatch
	}

	return nil
}

// CalculateTotal пересчитывает общую сумму заказа из позиций.
// Валюта берётся из первой позиции.
func (o *Order) CalculateTotal() {
	o.TotalAmount = o.calculatedTotal()
}

func (o *Order) calculatedTotal() Money {
	if len(o.Items) == 0 {
		return Money{Amount: 0}
	}

	total := Money{Currency: o.Items[0].UnitPrice.Currency}
	for i := range o.Items {
		total = total.Add(o.Items[i].Total())
	}
	return total
}

// CanTransitionTo проверяет, допустим ли переход в указанный статус.
func (o *Order) CanTransitionTo(newStatus OrderStatus) bool {
	allowed, ok := allowedOrderTransitions[o.Status]
	if !ok {
		return false // Терминальный статус
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// transitionTo выполняет переход статуса или возвращает ошибку.
// Недопустимый переход — всегда ошибка, никогда не no-op.
func (o *Order) transitionTo(newStatus OrderStatus, now time.Time) error {
	if !o.CanTransitionTo(newStatus) {
		return ErrInvalidOrderTransition
	}
	o.Status = newStatus
	o.UpdatedAt = now
	return nil
}

// MarkPaid помечает заказ как оплаченный.
// Инвариант: status=PAID всегда сопровождается установленным paid_at.
func (o *Order) MarkPaid(now time.Time) error {
	if err := o.transitionTo(OrderStatusPaid, now); err != nil {
		return err
	}
	o.PaidAt = &now
	return nil
}

// Complete завершает заказ после оказания услуги.
// Инвариант: status=COMPLETED требует установленных paid_at и completed_at.
func (o *Order) Complete(now time.Time) error {
	if err := o.transitionTo(OrderStatusCompleted, now); err != nil {
		return err
	}
	o.CompletedAt = &now
	return nil
}

// Cancel отменяет заказ (пользователем или компенсацией саги).
func (o *Order) Cancel(reason string, now time.Time) error {
	if err := o.transitionTo(OrderStatusCancelled, now); err != nil {
		return err
	}
	o.FailureReason = &reason
	return nil
}

// Fail помечает заказ как неудачный с указанием причины.
func (o *Order) Fail(reason string, now time.Time) error {
	if err := o.transitionTo(OrderStatusFailed, now); err != nil {
		return err
	}
	o.FailureReason = &reason
	return nil
}

// OrderItem — позиция заказа.
type OrderItem struct {
	ID          string // Уникальный идентификатор позиции (UUID)
	OrderID     string // ID заказа, к которому относится позиция
	ProductID   string // ID товара/услуги клиентского сервиса
	ProductName string // Название (денормализовано для истории)
	Quantity    int32  // Количество единиц
	UnitPrice   Money  // Цена за единицу
}

// Validate проверяет корректность полей позиции заказа.
func (oi *OrderItem) Validate() error {
	if strings.TrimSpace(oi.ProductID) == "" {
		return ErrInvalidProductID
	}

	if oi.Quantity <= 0 {
		return ErrInvalidQuantity
	}

	if oi.UnitPrice.Amount <= 0 {
		return ErrInvalidPrice
	}

	return nil
}

// Total возвращает общую стоимость позиции (количество * цена за единицу).
func (oi *OrderItem) Total() Money {
	return oi.UnitPrice.Multiply(oi.Quantity)
}
