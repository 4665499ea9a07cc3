// Package apierror содержит коды ошибок API и их маппинг в HTTP статусы.
// Коды имеют доменный префикс: ORD_, PAY_, CRD_, VAL_, SYS_, TNT_.
// Маппинг код -> HTTP статус — часть контракта API, менять нельзя.
package apierror

import "net/http"

// Коды ошибок API.
const (
	// Заказы
	CodeOrderNotFound     = "ORD_001"
	CodeOrderInvalidState = "ORD_002"

	// Платежи
	CodePaymentNotFound     = "PAY_001"
	CodePaymentDuplicate    = "PAY_002"
	CodePaymentCurrency     = "PAY_003"
	CodeApprovalExpired     = "PAY_004"
	CodePGError             = "PAY_005"
	CodePaymentInvalidState = "PAY_006"
	CodeRefundNotFound      = "PAY_007"
	CodeRefundExceeds       = "PAY_008"

	// Кредиты
	CodeCreditNotFound      = "CRD_001"
	CodeInsufficientBalance = "CRD_002"
	CodeReservationSettled  = "CRD_003"

	// Валидация и идемпотентность
	CodeValidationFailed       = "VAL_001"
	CodeIdempotencyKeyMissing  = "VAL_002"
	CodeIdempotencyKeyInvalid  = "VAL_003"
	CodeIdempotencyConflict    = "VAL_004"
	CodeIdempotencyInFlight    = "VAL_005"

	// Системные
	CodeInternal           = "SYS_001"
	CodeServiceUnavailable = "SYS_002"
	CodeUpstreamTimeout    = "SYS_003"
	CodeRateLimited        = "SYS_004"

	// Арендаторы
	CodeTenantMissing  = "TNT_001"
	CodeTenantMismatch = "TNT_002"
)

// codeToHTTPStatus — фиксированный маппинг кода ошибки в HTTP статус.
var codeToHTTPStatus = map[string]int{
	CodeOrderNotFound:     http.StatusNotFound,
	CodeOrderInvalidState: http.StatusBadRequest,

	CodePaymentNotFound:     http.StatusNotFound,
	CodePaymentDuplicate:    http.StatusConflict,
	CodePaymentCurrency:     http.StatusBadRequest,
	CodeApprovalExpired:     http.StatusBadRequest,
	CodePGError:             http.StatusBadGateway,
	CodePaymentInvalidState: http.StatusBadRequest,
	CodeRefundNotFound:      http.StatusNotFound,
	CodeRefundExceeds:       http.StatusUnprocessableEntity,

	CodeCreditNotFound:      http.StatusNotFound,
	CodeInsufficientBalance: http.StatusUnprocessableEntity,
	CodeReservationSettled:  http.StatusConflict,

	CodeValidationFailed:      http.StatusBadRequest,
	CodeIdempotencyKeyMissing: http.StatusBadRequest,
	CodeIdempotencyKeyInvalid: http.StatusBadRequest,
	CodeIdempotencyConflict:   http.StatusUnprocessableEntity,
	CodeIdempotencyInFlight:   http.StatusConflict,

	CodeInternal:           http.StatusInternalServerError,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeUpstreamTimeout:    http.StatusGatewayTimeout,
	CodeRateLimited:        http.StatusTooManyRequests,

	CodeTenantMissing:  http.StatusBadRequest,
	CodeTenantMismatch: http.StatusForbidden,
}

// HTTPStatus возвращает HTTP статус для кода ошибки.
// Неизвестный код — всегда 500.
func HTTPStatus(code string) int {
	if status, ok := codeToHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error — ошибка API с кодом, сообщением и опциональными ошибками полей.
// Реализует error, чтобы сервисный слой мог возвращать её напрямую.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// New создаёт ошибку API с указанным кодом и сообщением.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewValidation создаёт ошибку валидации VAL_001 с ошибками полей.
func NewValidation(message string, fieldErrors map[string]string) *Error {
	return &Error{
		Code:        CodeValidationFailed,
		Message:     message,
		FieldErrors: fieldErrors,
	}
}
