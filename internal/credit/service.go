package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/pkg/logger"
)

// casRetries — число повторов транзакции при конфликте версий снапшота.
const casRetries = 3

// Service реализует двухфазное списание кредитов.
//
// Каждая операция выполняется в одной транзакции БД: изменение снапшота
// (с CAS по version) и запись в журнал либо фиксируются вместе, либо
// откатываются вместе. Фаза 2 идемпотентна: повторный Confirm/Cancel
// по уже закрытой резервации не меняет счёт.
type Service struct {
	repo Repository
}

// NewService создаёт сервис кредитов.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetBalance возвращает счёт пользователя.
func (s *Service) GetBalance(ctx context.Context, tenantID, userID string) (*domain.Credit, error) {
	return s.repo.GetByUserID(ctx, nil, tenantID, userID)
}

// Charge пополняет баланс пользователя. При первом пополнении счёт
// создаётся автоматически.
func (s *Service) Charge(ctx context.Context, tenantID, userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return s.withRetries(ctx, func(tx *gorm.DB) error {
		credit, err := s.repo.GetByUserID(ctx, tx, tenantID, userID)
		if errors.Is(err, domain.ErrCreditNotFound) {
			credit = &domain.Credit{
				ID:       uuid.New().String(),
				TenantID: tenantID,
				UserID:   userID,
			}
			if err := s.repo.CreateAccount(ctx, credit); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if err := credit.Charge(amount, time.Now()); err != nil {
			return err
		}
		if err := s.repo.UpdateSnapshot(ctx, tx, credit); err != nil {
			return err
		}
		return s.repo.AppendLedger(ctx, tx, &domain.CreditLedgerEntry{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			CreditID:     credit.ID,
			UserID:       userID,
			Type:         domain.LedgerCharge,
			Amount:       amount,
			BalanceAfter: credit.Balance,
			ReferenceID:  referenceID,
		})
	})
}

// Reserve резервирует средства (фаза 1) и возвращает reservation_id —
// идентификатор записи RESERVE в журнале. Баланс не меняется,
// зарезервированная сумма становится недоступной для новых резерваций.
func (s *Service) Reserve(ctx context.Context, tenantID, userID string, amount int64, referenceID string) (string, error) {
	if amount <= 0 {
		return "", domain.ErrInvalidAmount
	}

	reservationID := uuid.New().String()
	err := s.withRetries(ctx, func(tx *gorm.DB) error {
		credit, err := s.repo.GetByUserID(ctx, tx, tenantID, userID)
		if err != nil {
			return err
		}
		if err := credit.Reserve(amount, time.Now()); err != nil {
			return err
		}
		if err := s.repo.UpdateSnapshot(ctx, tx, credit); err != nil {
			return err
		}
		return s.repo.AppendLedger(ctx, tx, &domain.CreditLedgerEntry{
			ID:           reservationID,
			TenantID:     tenantID,
			CreditID:     credit.ID,
			UserID:       userID,
			Type:         domain.LedgerReserve,
			Amount:       amount,
			BalanceAfter: credit.Balance,
			ReferenceID:  referenceID,
		})
	})
	if err != nil {
		return "", err
	}

	logger.Debug().
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Str("reservation_id", reservationID).
		Int64("amount", amount).
		Msg("Средства зарезервированы")

	return reservationID, nil
}

// Confirm списывает зарезервированные средства (фаза 2).
// Повторный Confirm уже подтверждённой резервации — no-op.
// Confirm отменённой резервации — ErrReservationSettled.
func (s *Service) Confirm(ctx context.Context, tenantID, reservationID string) error {
	return s.withRetries(ctx, func(tx *gorm.DB) error {
		return s.settle(ctx, tx, tenantID, reservationID, domain.LedgerConfirm)
	})
}

// Cancel освобождает резервацию без списания (фаза 2).
// Повторный Cancel — no-op. Cancel подтверждённой резервации —
// ErrReservationSettled.
func (s *Service) Cancel(ctx context.Context, tenantID, reservationID string) error {
	return s.withRetries(ctx, func(tx *gorm.DB) error {
		return s.settle(ctx, tx, tenantID, reservationID, domain.LedgerCancel)
	})
}

// settle закрывает резервацию записью типа phase2 (CONFIRM или CANCEL).
func (s *Service) settle(ctx context.Context, tx *gorm.DB, tenantID, reservationID string, phase2 domain.LedgerEntryType) error {
	reservation, err := s.repo.GetLedgerEntry(ctx, tx, tenantID, reservationID)
	if err != nil {
		return err
	}
	if reservation.Type != domain.LedgerReserve {
		return domain.ErrReservationNotFound
	}

	// Резервация уже закрыта: повтор той же операции — no-op,
	// противоположной — ошибка.
	if reservation.SettledBy != nil {
		settler, err := s.repo.GetLedgerEntry(ctx, tx, tenantID, *reservation.SettledBy)
		if err != nil {
			return err
		}
		if settler.Type == phase2 {
			return nil
		}
		return domain.ErrReservationSettled
	}

	credit, err := s.repo.GetByUserID(ctx, tx, tenantID, reservation.UserID)
	if err != nil {
		return err
	}

	now := time.Now()
	switch phase2 {
	case domain.LedgerConfirm:
		err = credit.ConfirmReservation(reservation.Amount, now)
	case domain.LedgerCancel:
		err = credit.CancelReservation(reservation.Amount, now)
	default:
		err = fmt.Errorf("недопустимый тип закрытия резервации: %s", phase2)
	}
	if err != nil {
		return err
	}

	if err := s.repo.UpdateSnapshot(ctx, tx, credit); err != nil {
		return err
	}

	entryID := uuid.New().String()
	if err := s.repo.AppendLedger(ctx, tx, &domain.CreditLedgerEntry{
		ID:           entryID,
		TenantID:     tenantID,
		CreditID:     credit.ID,
		UserID:       reservation.UserID,
		Type:         phase2,
		Amount:       reservation.Amount,
		BalanceAfter: credit.Balance,
		ReferenceID:  reservationID,
	}); err != nil {
		return err
	}

	// SettleReservation защищён условием settled_by IS NULL: если две
	// транзакции закрывают одну резервацию, вторая откатится здесь.
	if err := s.repo.SettleReservation(ctx, tx, reservationID, entryID); err != nil {
		return err
	}

	logger.Info().
		Str("tenant_id", tenantID).
		Str("reservation_id", reservationID).
		Str("type", string(phase2)).
		Int64("amount", reservation.Amount).
		Msg("Резервация закрыта")

	return nil
}

// ReleaseReservation откатывает резервацию при компенсации саги.
// Незакрытая резервация отменяется; уже подтверждённая — возвращается
// на баланс компенсирующей записью REFUND с reference_id
// "release:<reservation_id>". Повторный вызов — no-op в обоих случаях.
func (s *Service) ReleaseReservation(ctx context.Context, tenantID, reservationID string) error {
	err := s.Cancel(ctx, tenantID, reservationID)
	if !errors.Is(err, domain.ErrReservationSettled) {
		return err
	}

	// Резервация подтверждена: средства уже списаны, откат — это возврат.
	return s.withRetries(ctx, func(tx *gorm.DB) error {
		reservation, err := s.repo.GetLedgerEntry(ctx, tx, tenantID, reservationID)
		if err != nil {
			return err
		}

		releaseRef := "release:" + reservationID
		entries, err := s.repo.ListLedger(ctx, tenantID, reservation.UserID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == domain.LedgerRefund && e.ReferenceID == releaseRef {
				return nil
			}
		}

		credit, err := s.repo.GetByUserID(ctx, tx, tenantID, reservation.UserID)
		if err != nil {
			return err
		}
		if err := credit.Refund(reservation.Amount, time.Now()); err != nil {
			return err
		}
		if err := s.repo.UpdateSnapshot(ctx, tx, credit); err != nil {
			return err
		}

		logger.Warn().
			Str("tenant_id", tenantID).
			Str("reservation_id", reservationID).
			Int64("amount", reservation.Amount).
			Msg("Откат подтверждённой резервации: средства возвращены компенсацией")

		return s.repo.AppendLedger(ctx, tx, &domain.CreditLedgerEntry{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			CreditID:     credit.ID,
			UserID:       reservation.UserID,
			Type:         domain.LedgerRefund,
			Amount:       reservation.Amount,
			BalanceAfter: credit.Balance,
			ReferenceID:  releaseRef,
		})
	})
}

// Refund возвращает средства на баланс пользователя.
func (s *Service) Refund(ctx context.Context, tenantID, userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return s.withRetries(ctx, func(tx *gorm.DB) error {
		credit, err := s.repo.GetByUserID(ctx, tx, tenantID, userID)
		if err != nil {
			return err
		}
		if err := credit.Refund(amount, time.Now()); err != nil {
			return err
		}
		if err := s.repo.UpdateSnapshot(ctx, tx, credit); err != nil {
			return err
		}
		return s.repo.AppendLedger(ctx, tx, &domain.CreditLedgerEntry{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			CreditID:     credit.ID,
			UserID:       userID,
			Type:         domain.LedgerRefund,
			Amount:       amount,
			BalanceAfter: credit.Balance,
			ReferenceID:  referenceID,
		})
	})
}

// VerifySnapshot сверяет снапшот счёта с журналом.
// Используется фоновой сверкой и тестами.
func (s *Service) VerifySnapshot(ctx context.Context, tenantID, userID string) error {
	credit, err := s.repo.GetByUserID(ctx, nil, tenantID, userID)
	if err != nil {
		return err
	}
	entries, err := s.repo.ListLedger(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	flat := make([]domain.CreditLedgerEntry, len(entries))
	for i, e := range entries {
		flat[i] = *e
	}
	if err := credit.VerifyAgainstLedger(flat); err != nil {
		logger.Error().
			Str("tenant_id", tenantID).
			Str("user_id", userID).
			Int64("balance", credit.Balance).
			Int64("reserved", credit.ReservedAmount).
			Msg("Снапшот счёта расходится с журналом")
		return err
	}
	return nil
}

// withRetries выполняет fn в транзакции, повторяя её при конфликте
// версий снапшота. Конкурирующая транзакция уже изменила счёт —
// повтор перечитает свежую версию.
func (s *Service) withRetries(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = s.repo.Transaction(ctx, fn)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
	}
	return err
}
