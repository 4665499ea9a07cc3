package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/credit"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/repository"
	"example.com/fluxpay/pkg/logger"
	"example.com/fluxpay/pkg/outbox"
)

// MetadataKeyCreditReservation — ключ метаданных заказа, в котором
// хранится id кредитной резервации, сделанной при создании заказа.
const MetadataKeyCreditReservation = "credit_reservation_id"

// CreateOrderInput — параметры создания заказа.
type CreateOrderInput struct {
	TenantID string
	UserID   string
	Currency string
	Items    []domain.OrderItem
	Metadata map[string]string

	// CreditAmount — часть суммы, оплачиваемая предоплаченными
	// кредитами. При ненулевом значении кредиты резервируются
	// (фаза 1) при создании заказа и списываются при оказании услуги.
	CreditAmount int64
}

// OrderService реализует операции над заказами.
type OrderService struct {
	db      *gorm.DB
	orders  repository.OrderRepository
	outbox  outbox.Repository
	credits *credit.Service
}

// NewOrderService создаёт сервис заказов.
func NewOrderService(db *gorm.DB, orders repository.OrderRepository, outboxRepo outbox.Repository, credits *credit.Service) *OrderService {
	return &OrderService{
		db:      db,
		orders:  orders,
		outbox:  outboxRepo,
		credits: credits,
	}
}

// Create создаёт заказ. Сумма заказа выводится из позиций; заказ
// и событие order.created коммитятся в одной транзакции.
func (s *OrderService) Create(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	order := &domain.Order{
		ID:       uuid.New().String(),
		TenantID: input.TenantID,
		UserID:   input.UserID,
		Items:    input.Items,
		Status:   domain.OrderStatusPending,
		Metadata: input.Metadata,
	}
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.New().String()
		}
		order.Items[i].OrderID = order.ID
	}
	order.CalculateTotal()

	if err := order.Validate(); err != nil {
		return nil, err
	}
	if input.Currency != "" && order.TotalAmount.Currency != input.Currency {
		return nil, domain.ErrCurrencyMismatch
	}

	// Кредитная часть резервируется до транзакции заказа: у кредитов
	// свой CAS-цикл. При откате заказа резервация отменяется.
	var reservationID string
	if input.CreditAmount > 0 {
		var err error
		reservationID, err = s.credits.Reserve(ctx, input.TenantID, input.UserID, input.CreditAmount, order.ID)
		if err != nil {
			return nil, err
		}
		if order.Metadata == nil {
			order.Metadata = make(map[string]string)
		}
		order.Metadata[MetadataKeyCreditReservation] = reservationID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.Create(ctx, tx, order); err != nil {
			return err
		}
		return s.emitOrderEvent(ctx, tx, order, EventOrderCreated, "")
	})
	if err != nil {
		if reservationID != "" {
			if cancelErr := s.credits.Cancel(ctx, input.TenantID, reservationID); cancelErr != nil {
				logger.Error().Err(cancelErr).
					Str("reservation_id", reservationID).
					Msg("Не удалось отменить резервацию после отката заказа")
			}
		}
		return nil, err
	}

	logger.Info().
		Str("tenant_id", order.TenantID).
		Str("order_id", order.ID).
		Int64("total_amount", order.TotalAmount.Amount).
		Msg("Заказ создан")

	return order, nil
}

// GetByID возвращает заказ арендатора.
func (s *OrderService) GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, tenantID, orderID)
}

// ListByUserID возвращает заказы пользователя с пагинацией.
func (s *OrderService) ListByUserID(ctx context.Context, tenantID, userID string, offset, limit int) ([]*domain.Order, int64, error) {
	return s.orders.ListByUserID(ctx, tenantID, userID, offset, limit)
}

// emitOrderEvent пишет событие заказа в outbox в рамках транзакции tx.
func (s *OrderService) emitOrderEvent(ctx context.Context, tx *gorm.DB, order *domain.Order, eventType, reason string) error {
	event, err := outbox.NewEvent(order.TenantID, "order", order.ID, eventType, TopicOrders, OrderEventPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.Amount,
		Currency:    order.TotalAmount.Currency,
		Reason:      reason,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("сборка события %s: %w", eventType, err)
	}
	return s.outbox.Create(ctx, tx, event)
}
