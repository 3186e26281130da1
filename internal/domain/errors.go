package domain

import "errors"

var (
	// ErrNotFound: the referenced order or payment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: the entity's state forbids the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrGateway: the payment gateway failed during checkout, status lookup or refund.
	ErrGateway = errors.New("payment gateway error")
	// ErrFulfillmentIncomplete: payment is settled but the certificate could not be issued yet.
	// The order is left at PAID and the same operation may be retried.
	ErrFulfillmentIncomplete = errors.New("fulfillment incomplete")
	// ErrOrderBusy: another operation held the order's lock past the wait limit. Safe to retry.
	ErrOrderBusy = errors.New("order is busy")

	ErrInvalidOrder  = errors.New("invalid order")
	ErrInvalidAmount = errors.New("amount must be positive and not exceed the payment amount")
)
