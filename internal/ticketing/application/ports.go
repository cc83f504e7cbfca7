package application

import (
	"context"
	"time"

	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// OutboxMessage is persisted in the same storage transaction as the
// mutation that produced it; the relay ships it to kafka afterwards.
type OutboxMessage struct {
	AggregateID string
	Type        string
	Payload     []byte
}

// ReservationStore is the storage surface the reservation engine needs.
// CreateReservation and CreateFinalized must re-derive remaining capacity
// at commit time and reject with domain.ErrInsufficientInventory when
// concurrent holds have already exhausted it; the advisory read-time check
// alone is not enough.
type ReservationStore interface {
	GetTier(ctx context.Context, tierID string) (domain.Tier, error)
	ListTiers(ctx context.Context) ([]domain.Tier, error)
	PriceWindows(ctx context.Context, tierID string) ([]domain.PriceWindow, error)
	CountConfirmed(ctx context.Context, tierID string) (int, error)
	CountActiveHolds(ctx context.Context, tierID string, now time.Time) (int, error)

	// CreateReservation persists a pending transaction plus one hold per
	// attendee slot as a single all-or-nothing batch.
	CreateReservation(ctx context.Context, txn domain.Transaction, holds []domain.Hold) error
	// CreateFinalized persists an already-paid transaction with its
	// attendees appended to the confirmed list, no holds, plus the
	// finalized-transaction outbox message.
	CreateFinalized(ctx context.Context, txn domain.Transaction, msg OutboxMessage) error
}

// ReconcileStore is the storage surface the reconciler needs. FinalizePaid
// and ReleaseHolds append the status entry only if it is not already
// present, returning domain.ErrAlreadyFinalized otherwise, so replayed
// notifications stay no-ops under concurrency.
type ReconcileStore interface {
	GetTransaction(ctx context.Context, tierID, txnID string) (domain.Transaction, error)
	FinalizePaid(ctx context.Context, txn domain.Transaction, entry domain.StatusEntry, msg OutboxMessage) error
	ReleaseHolds(ctx context.Context, txn domain.Transaction, entry domain.StatusEntry) error
}

// SweepStore is the storage surface of the expiry sweeper.
type SweepStore interface {
	// SweepExpiredHolds deletes holds whose deadline passed and, best
	// effort, marks still-pending transactions whose holds are all gone as
	// expired. Returns deleted hold and expired transaction counts.
	SweepExpiredHolds(ctx context.Context, now time.Time) (holds int, transactions int, err error)
}

// PaymentRequest is the normalized outbound shape sent to either provider.
type PaymentRequest struct {
	AmountCents      int64
	Currency         string
	CustomerName     string
	CustomerEmail    string
	CorrelationToken string
	SuccessURL       string
	CallbackURL      string
	// CardToken is only set on the synchronous card path.
	CardToken string
}

// PaymentHandle is the normalized provider response. Asynchronous providers
// return StatusPending with a redirect URL and quoted expiry; synchronous
// providers return a terminal status with settled amount and currency.
type PaymentHandle struct {
	ProviderTransactionID string
	Status                domain.TxStatus
	AmountCents           int64
	Currency              string
	RedirectURL           string
	ExpiresAt             time.Time
}

// Gateway talks to one remote payment provider. Implementations must have
// no side effects on the inventory store.
type Gateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (PaymentHandle, error)
}
