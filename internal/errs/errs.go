package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation             Code = "validation"
	CodeNotFound               Code = "not_found"
	CodeAlreadyPaid            Code = "already_paid"
	CodeExpired                Code = "expired"
	CodeUnsupportedAddressType Code = "unsupported_address_type"
	CodeUnsupportedCurrency    Code = "unsupported_currency"
	CodeUnsupportedPaymentType Code = "unsupported_payment_type"
	CodeProtocolMismatch       Code = "protocol_mismatch"
	CodeCurrencyMismatch       Code = "currency_mismatch"
	CodeBroadcast              Code = "broadcast"
	CodeWebhookDelivery        Code = "webhook_delivery"
)

// Error is a gateway error with an HTTP status and a stable machine code.
// The message is safe to return to a wallet; the wrapped cause is not.
type Error struct {
	Code    Code
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NotFound() *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: "Invoice ID does not exist."}
}

func AlreadyPaid() *Error {
	return &Error{Code: CodeAlreadyPaid, Status: http.StatusForbidden, Message: "Invoice already paid."}
}

func Expired() *Error {
	return &Error{Code: CodeExpired, Status: http.StatusForbidden, Message: "Invoice has expired."}
}

func StaticExpired() *Error {
	return &Error{Code: CodeExpired, Status: http.StatusForbidden, Message: "Static invoice has expired."}
}

func StaticExhausted() *Error {
	return &Error{Code: CodeAlreadyPaid, Status: http.StatusForbidden, Message: "Static invoice has exceeded the number of allowed uses."}
}

func UnsupportedAddressType(addr string) *Error {
	return &Error{Code: CodeUnsupportedAddressType, Status: http.StatusBadRequest, Message: fmt.Sprintf("Unsupported address type: %s", addr)}
}

func UnsupportedCurrency(currency string) *Error {
	return &Error{Code: CodeUnsupportedCurrency, Status: http.StatusBadRequest, Message: fmt.Sprintf("Currency %s not supported.", currency)}
}

func UnsupportedPaymentType() *Error {
	return &Error{Code: CodeUnsupportedPaymentType, Status: http.StatusBadRequest, Message: "Unsupported payment type."}
}

func ProtocolMismatch() *Error {
	return &Error{Code: CodeProtocolMismatch, Status: http.StatusBadRequest, Message: "Transaction does not match invoice."}
}

func CurrencyMismatch() *Error {
	return &Error{Code: CodeCurrencyMismatch, Status: http.StatusBadRequest, Message: "Your transaction currency did not match the one on the invoice."}
}

func Broadcast(cause error) *Error {
	return &Error{Code: CodeBroadcast, Status: http.StatusBadGateway, Message: "Failed to send transaction.", cause: cause}
}

func WebhookDelivery(event string, cause error) *Error {
	return &Error{Code: CodeWebhookDelivery, Status: http.StatusBadGateway, Message: fmt.Sprintf("Webhook %q delivery failed.", event), cause: cause}
}

// StatusOf maps any error to an HTTP status, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the wallet-safe message for an error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal server error."
}

// HasCode reports whether err carries the given gateway code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
