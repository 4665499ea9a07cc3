package domain

import "errors"

// Доменные ошибки FluxPay.
// Используются для передачи бизнес-ошибок между слоями приложения.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден в базе данных.
	ErrOrderNotFound = errors.New("заказ не найден")

	// ErrEmptyOrderItems возвращается при попытке создать заказ без позиций.
	ErrEmptyOrderItems = errors.New("заказ должен содержать хотя бы одну позицию")

	// ErrInvalidUserID возвращается при пустом идентификаторе пользователя.
	ErrInvalidUserID = errors.New("некорректный идентификатор пользователя")

	// ErrInvalidProductID возвращается при пустом идентификаторе товара в позиции.
	ErrInvalidProductID = errors.New("некорректный идентификатор товара")

	// ErrInvalidQuantity возвращается, когда количество меньше или равно нулю.
	ErrInvalidQuantity = errors.New("количество должно быть больше нуля")

	// ErrInvalidPrice возвращается, когда цена меньше или равна нулю.
	ErrInvalidPrice = errors.New("цена должна быть больше нуля")

	// ErrCurrencyMismatch возвращается при несовпадении валют позиций или платежа.
	ErrCurrencyMismatch = errors.New("валюты не совпадают")

	// ErrTotalMismatch возвращается, когда заявленная сумма заказа
	// не равна сумме позиций.
	ErrTotalMismatch = errors.New("сумма заказа не равна сумме позиций")

	// ErrInvalidOrderTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidOrderTransition = errors.New("недопустимый переход статуса заказа")

	// ErrPaymentNotFound — платёж не найден.
	ErrPaymentNotFound = errors.New("платёж не найден")

	// ErrInvalidPaymentState — недопустимый переход состояния платежа.
	ErrInvalidPaymentState = errors.New("недопустимый переход состояния платежа")

	// ErrInvalidAmount — некорректная сумма платежа.
	ErrInvalidAmount = errors.New("сумма платежа должна быть больше нуля")

	// ErrDuplicatePayment — платёж для этого заказа уже существует.
	ErrDuplicatePayment = errors.New("платёж для этого заказа уже существует")

	// ErrApprovalExpired — авторизация платежа устарела, подтверждение отклонено.
	ErrApprovalExpired = errors.New("авторизация платежа устарела")

	// ErrCreditNotFound — кредитный счёт пользователя не найден.
	ErrCreditNotFound = errors.New("кредитный счёт не найден")

	// ErrInsufficientBalance — недостаточно доступных средств.
	ErrInsufficientBalance = errors.New("недостаточно доступных средств")

	// ErrReservationNotFound — резервация кредитов не найдена.
	ErrReservationNotFound = errors.New("резервация не найдена")

	// ErrReservationSettled — резервация уже подтверждена или отменена.
	ErrReservationSettled = errors.New("резервация уже обработана")

	// ErrRefundNotFound — возврат не найден.
	ErrRefundNotFound = errors.New("возврат не найден")

	// ErrRefundExceedsPayment — сумма возвратов превышает сумму платежа.
	ErrRefundExceedsPayment = errors.New("сумма возвратов превышает сумму платежа")

	// ErrInvalidRefundTransition — недопустимый переход статуса возврата.
	ErrInvalidRefundTransition = errors.New("недопустимый переход статуса возврата")

	// ErrVersionConflict — optimistic locking: версия записи изменилась.
	ErrVersionConflict = errors.New("конфликт версий: запись была изменена параллельно")

	// ErrLedgerMismatch — снапшот кредитного счёта разошёлся с журналом.
	// В отличие от ErrVersionConflict повтор операции не поможет:
	// требуется сверка оператором.
	ErrLedgerMismatch = errors.New("снапшот счёта расходится с журналом операций")

	// ErrTenantMismatch — попытка обратиться к данным чужого арендатора.
	ErrTenantMismatch = errors.New("данные принадлежат другому арендатору")
)
