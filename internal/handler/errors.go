package handler

import (
	"errors"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/domain"
	"example.com/fluxpay/internal/pg"
)

// mapError переводит доменную ошибку в ошибку API.
// Маппинг код → HTTP статус зафиксирован в пакете apierror.
func mapError(err error) *apierror.Error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var vendorErr *pg.VendorError
	if errors.As(err, &vendorErr) {
		return apierror.New(apierror.CodePGError, vendorErr.Error())
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return apierror.New(apierror.CodeOrderNotFound, "заказ не найден")
	case errors.Is(err, domain.ErrInvalidOrderTransition):
		return apierror.New(apierror.CodeOrderInvalidState, "недопустимый статус заказа для операции")

	case errors.Is(err, domain.ErrPaymentNotFound):
		return apierror.New(apierror.CodePaymentNotFound, "платёж не найден")
	case errors.Is(err, domain.ErrDuplicatePayment):
		return apierror.New(apierror.CodePaymentDuplicate, "платёж для этого заказа уже существует")
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return apierror.New(apierror.CodePaymentCurrency, "валюта не совпадает")
	case errors.Is(err, domain.ErrApprovalExpired):
		return apierror.New(apierror.CodeApprovalExpired, "авторизация платежа устарела")
	case errors.Is(err, domain.ErrInvalidPaymentState):
		return apierror.New(apierror.CodePaymentInvalidState, "недопустимое состояние платежа для операции")
	case errors.Is(err, domain.ErrRefundNotFound):
		return apierror.New(apierror.CodeRefundNotFound, "возврат не найден")
	case errors.Is(err, domain.ErrRefundExceedsPayment):
		return apierror.New(apierror.CodeRefundExceeds, "сумма возвратов превышает сумму платежа")

	case errors.Is(err, domain.ErrCreditNotFound):
		return apierror.New(apierror.CodeCreditNotFound, "кредитный счёт не найден")
	case errors.Is(err, domain.ErrReservationNotFound):
		return apierror.New(apierror.CodeCreditNotFound, "резервация не найдена")
	case errors.Is(err, domain.ErrInsufficientBalance):
		return apierror.New(apierror.CodeInsufficientBalance, "недостаточно доступных средств")
	case errors.Is(err, domain.ErrReservationSettled):
		return apierror.New(apierror.CodeReservationSettled, "резервация уже обработана")

	case errors.Is(err, domain.ErrEmptyOrderItems),
		errors.Is(err, domain.ErrInvalidUserID),
		errors.Is(err, domain.ErrInvalidProductID),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrTotalMismatch):
		return apierror.New(apierror.CodeValidationFailed, err.Error())

	case errors.Is(err, pg.ErrTimeout):
		return apierror.New(apierror.CodeUpstreamTimeout, "платёжный шлюз не ответил вовремя")
	case errors.Is(err, pg.ErrCircuitOpen), errors.Is(err, pg.ErrBulkheadFull):
		return apierror.New(apierror.CodeServiceUnavailable, "платёжный шлюз временно недоступен")

	default:
		return apierror.New(apierror.CodeInternal, "внутренняя ошибка сервиса")
	}
}
