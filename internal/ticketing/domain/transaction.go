package domain

import "time"

type PaymentType string

const (
	PaymentGlobee PaymentType = "globee"
	PaymentStripe PaymentType = "stripe"
)

type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusPaid    TxStatus = "paid"
	StatusFailed  TxStatus = "failed"
	StatusExpired TxStatus = "expired"
)

// Terminal reports whether a status ends the transaction's lifecycle.
func (s TxStatus) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusExpired
}

// StatusEntry is one element of a transaction's append-only status history.
type StatusEntry struct {
	Status     TxStatus
	RecordedAt time.Time
}

type Customer struct {
	Name       string
	Email      string
	AllowEmail bool
}

// Attendee is one confirmed (or to-be-confirmed) ticket holder. The
// confirmation code is derived, never user supplied.
type Attendee struct {
	Name             string
	Institution      string
	ConfirmationCode string
}

// Hold is one unit of temporarily reserved tier capacity. It is created in
// the same atomic batch as its owning transaction and never outlives the
// transaction's resolution.
type Hold struct {
	TierID        string
	TransactionID string
	SlotIndex     int
	ExpiresAt     time.Time
}

// Transaction records one purchase attempt, keyed by tier and the payment
// provider's transaction id.
type Transaction struct {
	TierID        string
	ID            string
	PaymentType   PaymentType
	AmountCents   int64
	Currency      string
	Customer      Customer
	ExpiresAt     *time.Time // nil for synchronous charges
	StatusHistory []StatusEntry
	Attendees     []Attendee
	CreatedAt     time.Time
}

// LatestStatus returns the most recent status entry, if any.
func (t Transaction) LatestStatus() (TxStatus, bool) {
	if len(t.StatusHistory) == 0 {
		return "", false
	}
	return t.StatusHistory[len(t.StatusHistory)-1].Status, true
}
