package domain

// TransactionFinalized is emitted when a transaction reaches paid and its
// attendees join the confirmed list. The notification collaborator (email
// delivery, excluded here) consumes it from the event feed; it carries
// everything the confirmation templates need.
type TransactionFinalized struct {
	TierID        string     `json:"tier_id"`
	TransactionID string     `json:"transaction_id"`
	PaymentType   string     `json:"payment_type"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Customer      Customer   `json:"customer"`
	Attendees     []Attendee `json:"attendees"`
}

// EventTransactionFinalized is the outbox event type for TransactionFinalized.
const EventTransactionFinalized = "TransactionFinalized"
