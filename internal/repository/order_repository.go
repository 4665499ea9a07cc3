// Package repository содержит GORM реализацию доступа к данным.
// Все запросы фильтруются по tenant_id: данные арендаторов изолированы
// на уровне каждого запроса, а не только на уровне API.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
)

// OrderRepository определяет интерфейс работы с заказами в БД.
type OrderRepository interface {
	// Create создаёт заказ с позициями в рамках переданной транзакции.
	Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error

	// GetByID возвращает заказ арендатора с загруженными позициями.
	GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error)

	// ListByUserID возвращает заказы пользователя с пагинацией.
	ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error)

	// Update сохраняет статус и связанные поля заказа в рамках транзакции.
	Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error
}

// OrderModel — GORM модель таблицы orders.
// Отделена от доменной сущности: доменный слой не знает о GORM.
type OrderModel struct {
	ID            string           `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID      string           `gorm:"column:tenant_id;type:varchar(64);not null;index"`
	UserID        string           `gorm:"column:user_id;type:varchar(36);not null;index"`
	Status        string           `gorm:"column:status;type:varchar(20);not null;index"`
	TotalAmount   int64            `gorm:"column:total_amount;not null"`
	Currency      string           `gorm:"column:currency;type:varchar(3);not null"`
	Metadata      []byte           `gorm:"column:metadata;type:json"`
	FailureReason *string          `gorm:"column:failure_reason;type:text"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
	PaidAt        *time.Time       `gorm:"column:paid_at"`
	CompletedAt   *time.Time       `gorm:"column:completed_at"`
	Items         []OrderItemModel `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel — GORM модель таблицы order_items.
type OrderItemModel struct {
	ID          string    `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID     string    `gorm:"column:order_id;type:varchar(36);not null;index"`
	ProductID   string    `gorm:"column:product_id;type:varchar(36);not null"`
	ProductName string    `gorm:"column:product_name;type:varchar(255);not null"`
	Quantity    int32     `gorm:"column:quantity;not null"`
	UnitPrice   int64     `gorm:"column:unit_price;not null"`
	Currency    string    `gorm:"column:currency;type:varchar(3);not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (OrderItemModel) TableName() string {
	return "order_items"
}

// toDomain конвертирует GORM модель заказа в доменную сущность.
func (m *OrderModel) toDomain() *domain.Order {
	order := &domain.Order{
		ID:       m.ID,
		TenantID: m.TenantID,
		UserID:   m.UserID,
		Status:   domain.OrderStatus(m.Status),
		TotalAmount: domain.Money{
			Amount:   m.TotalAmount,
			Currency: m.Currency,
		},
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		PaidAt:        m.PaidAt,
		CompletedAt:   m.CompletedAt,
	}

	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &order.Metadata)
	}

	order.Items = make([]domain.OrderItem, len(m.Items))
	for i, item := range m.Items {
		order.Items[i] = domain.OrderItem{
			ID:          item.ID,
			OrderID:     item.OrderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice: domain.Money{
				Amount:   item.UnitPrice,
				Currency: item.Currency,
			},
		}
	}
	return order
}

// orderModelFromDomain конвертирует доменную сущность в GORM модель.
func orderModelFromDomain(order *domain.Order) *OrderModel {
	model := &OrderModel{
		ID:            order.ID,
		TenantID:      order.TenantID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		TotalAmount:   order.TotalAmount.Amount,
		Currency:      order.TotalAmount.Currency,
		FailureReason: order.FailureReason,
		PaidAt:        order.PaidAt,
		CompletedAt:   order.CompletedAt,
	}

	if order.Metadata != nil {
		if data, err := json.Marshal(order.Metadata); err == nil {
			model.Metadata = data
		}
	}

	model.Items = make([]OrderItemModel, len(order.Items))
	for i, item := range order.Items {
		model.Items[i] = OrderItemModel{
			ID:          item.ID,
			OrderID:     order.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
			Currency:    item.UnitPrice.Currency,
		}
	}
	return model
}

// orderRepository — GORM реализация OrderRepository.
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create создаёт заказ с позициями.
func (r *orderRepository) Create(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	if tx == nil {
		tx = r.db
	}
	model := orderModelFromDomain(order)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("создание заказа: %w", err)
	}
	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID возвращает заказ арендатора с позициями.
func (r *orderRepository) GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение заказа: %w", err)
	}
	return model.toDomain(), nil
}

// ListByUserID возвращает заказы пользователя с пагинацией.
func (r *orderRepository) ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("подсчёт заказов: %w", err)
	}

	var models []OrderModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Preload("Items").
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("список заказов: %w", err)
	}

	orders := make([]*domain.Order, len(models))
	for i := range models {
		orders[i] = models[i].toDomain()
	}
	return orders, total, nil
}

// Update сохраняет статус и связанные поля заказа.
func (r *orderRepository) Update(ctx context.Context, tx *gorm.DB, order *domain.Order) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND tenant_id = ?", order.ID, order.TenantID).
		Updates(map[string]any{
			"status":         string(order.Status),
			"failure_reason": order.FailureReason,
			"paid_at":        order.PaidAt,
			"completed_at":   order.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("обновление заказа: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}
