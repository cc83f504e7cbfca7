package domain

import "errors"

var (
	ErrTierNotFound          = errors.New("tier not found")
	ErrNoActivePriceWindow   = errors.New("no active price window")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrTicketLimitExceeded   = errors.New("ticket limit exceeded")
	ErrIneligibleEmail       = errors.New("ineligible email domain")
	ErrInvalidAttendees      = errors.New("invalid attendee list")
	ErrUnknownPaymentMethod  = errors.New("unknown payment method")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAlreadyFinalized      = errors.New("transaction already finalized")
	ErrInvalidNotification   = errors.New("invalid payment notification")
	ErrInvalidCorrelation    = errors.New("invalid correlation token")

	// ErrGatewayUnavailable covers network errors and provider 5xx responses.
	// The HTTP caller may retry a bounded number of times; the reservation
	// engine never retries on its own.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected covers provider 4xx responses such as a declined
	// card. Terminal, surfaced to the purchaser.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)
