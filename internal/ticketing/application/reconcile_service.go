package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/konferenco/ticketd/internal/clock"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// ReconcileService matches provider payment outcomes to pending
// reservations and finalizes or releases them. Every entry point is
// idempotent: providers redeliver notifications.
type ReconcileService struct {
	log   *slog.Logger
	store ReconcileStore
	clock clock.Clock
}

func NewReconcileService(log *slog.Logger, store ReconcileStore, clk clock.Clock) *ReconcileService {
	return &ReconcileService{log: log, store: store, clock: clk}
}

// Notification is the normalized asynchronous callback payload.
type Notification struct {
	ProviderTransactionID string
	Status                domain.TxStatus
	CorrelationToken      string
}

// OnProviderNotification consumes one asynchronous provider callback.
// Unknown transactions and replayed notifications are logged and dropped;
// the provider delivers each outcome at least once and never takes a
// failure as a cue to amend history.
func (s *ReconcileService) OnProviderNotification(ctx context.Context, n Notification) error {
	token, err := domain.DecodeCorrelationToken(n.CorrelationToken)
	if err != nil {
		return err
	}
	switch n.Status {
	case domain.StatusPending, domain.StatusPaid, domain.StatusFailed, domain.StatusExpired:
	default:
		return fmt.Errorf("%w: status %q", domain.ErrInvalidNotification, n.Status)
	}

	txn, err := s.store.GetTransaction(ctx, token.TierID, n.ProviderTransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			s.log.Warn("notification for unknown transaction dropped",
				"tier_id", token.TierID, "transaction_id", n.ProviderTransactionID, "status", n.Status)
		}
		return err
	}
	if token.TicketCount != len(txn.Attendees) {
		s.log.Warn("correlation ticket count disagrees with stored transaction",
			"tier_id", txn.TierID, "transaction_id", txn.ID,
			"token_count", token.TicketCount, "stored_count", len(txn.Attendees))
	}

	if latest, ok := txn.LatestStatus(); ok {
		if latest == n.Status {
			s.log.Info("duplicate notification ignored",
				"tier_id", txn.TierID, "transaction_id", txn.ID, "status", n.Status)
			return nil
		}
		if latest.Terminal() {
			s.log.Warn("notification after terminal status ignored",
				"tier_id", txn.TierID, "transaction_id", txn.ID, "latest", latest, "incoming", n.Status)
			return nil
		}
	}

	if n.Status == domain.StatusPending {
		// Progress chatter, not an outcome; nothing to reconcile.
		return nil
	}

	entry := domain.StatusEntry{Status: n.Status, RecordedAt: s.clock.Now()}

	if n.Status == domain.StatusPaid {
		err = s.finalizePaid(ctx, txn, entry)
	} else {
		err = s.store.ReleaseHolds(ctx, txn, entry)
	}
	if errors.Is(err, domain.ErrAlreadyFinalized) {
		// Lost a race against a concurrent delivery of the same outcome.
		s.log.Info("notification already applied", "tier_id", txn.TierID, "transaction_id", txn.ID, "status", n.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile transaction %s/%s: %w", txn.TierID, txn.ID, err)
	}

	s.log.Info("transaction reconciled",
		"tier_id", txn.TierID, "transaction_id", txn.ID, "status", n.Status, "tickets", len(txn.Attendees))
	return nil
}

func (s *ReconcileService) finalizePaid(ctx context.Context, txn domain.Transaction, entry domain.StatusEntry) error {
	payload, err := json.Marshal(finalizedEvent(txn))
	if err != nil {
		return fmt.Errorf("marshal finalized event: %w", err)
	}
	return s.store.FinalizePaid(ctx, txn, entry, OutboxMessage{
		AggregateID: txn.ID,
		Type:        domain.EventTransactionFinalized,
		Payload:     payload,
	})
}
