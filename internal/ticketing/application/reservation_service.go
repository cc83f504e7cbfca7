package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/konferenco/ticketd/internal/clock"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// maxTicketsPerTransaction is the hard cap on attendee slots per purchase.
const maxTicketsPerTransaction = 15

// defaultHoldTTL backs hold expiry when a provider quotes none.
const defaultHoldTTL = 15 * time.Minute

// studentTierID requires an institutional purchaser email.
const studentTierID = "student"

// ReservationService validates purchase requests against inventory, takes
// payment through the gateway and persists the resulting transaction and
// holds. It never retries a gateway call and never holds a storage lock
// across one: the charge happens strictly before the committing write.
type ReservationService struct {
	log      *slog.Logger
	store    ReservationStore
	gateways map[domain.PaymentType]Gateway
	clock    clock.Clock
	holdTTL  time.Duration
}

func NewReservationService(log *slog.Logger, store ReservationStore, gateways map[domain.PaymentType]Gateway, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	s := &ReservationService{
		log:      log,
		store:    store,
		gateways: gateways,
		clock:    clk,
		holdTTL:  defaultHoldTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ReservationOption func(*ReservationService)

// WithHoldTTL overrides the fallback expiry for holds when the provider
// quotes none.
func WithHoldTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

type AttendeeInput struct {
	Name        string
	Institution string
}

type ReserveInput struct {
	TierID         string
	PurchaserName  string
	PurchaserEmail string
	Attendees      []AttendeeInput
	PaymentType    domain.PaymentType
	AllowEmail     bool
	CardToken      string
}

// Receipt is returned on the synchronous path where the charge settled
// in-line.
type Receipt struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	Attendees     []domain.Attendee
}

// ReserveResult carries a redirect URL (asynchronous provider) or a receipt
// (synchronous provider), never both.
type ReserveResult struct {
	RedirectURL string
	Receipt     *Receipt
}

// Snapshot returns remaining inventory and the current price for one tier.
func (s *ReservationService) Snapshot(ctx context.Context, tierID string) (domain.TierSnapshot, error) {
	now := s.clock.Now()

	tier, err := s.store.GetTier(ctx, tierID)
	if err != nil {
		return domain.TierSnapshot{}, err
	}
	windows, err := s.store.PriceWindows(ctx, tierID)
	if err != nil {
		return domain.TierSnapshot{}, err
	}
	price, err := domain.CurrentPrice(windows, now)
	if err != nil {
		return domain.TierSnapshot{}, err
	}
	confirmed, err := s.store.CountConfirmed(ctx, tierID)
	if err != nil {
		return domain.TierSnapshot{}, err
	}
	active, err := s.store.CountActiveHolds(ctx, tierID, now)
	if err != nil {
		return domain.TierSnapshot{}, err
	}

	return domain.TierSnapshot{
		TierID:     tierID,
		Remaining:  domain.Remaining(tier.Capacity, confirmed, active),
		PriceCents: price,
	}, nil
}

// Snapshots returns the snapshot of every seeded tier, for the public
// prices-and-inventory read.
func (s *ReservationService) Snapshots(ctx context.Context) ([]domain.TierSnapshot, error) {
	tiers, err := s.store.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TierSnapshot, 0, len(tiers))
	for _, tier := range tiers {
		snap, err := s.Snapshot(ctx, tier.ID)
		if errors.Is(err, domain.ErrNoActivePriceWindow) {
			// Sales for this tier have closed; the listing keeps serving
			// the tiers still on sale.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot tier %s: %w", tier.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Reserve runs a full purchase attempt: validate, price, charge, persist.
// A gateway failure leaves no trace in storage, so the whole operation is
// safe for the caller to retry. A persistence failure after a successful
// charge is logged as reconciliation-required and surfaced as an internal
// error.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if err := validateReserveInput(in); err != nil {
		return ReserveResult{}, err
	}

	gw, ok := s.gateways[in.PaymentType]
	if !ok {
		return ReserveResult{}, domain.ErrUnknownPaymentMethod
	}

	snap, err := s.Snapshot(ctx, in.TierID)
	if err != nil {
		return ReserveResult{}, err
	}
	count := len(in.Attendees)
	if count > snap.Remaining {
		return ReserveResult{}, domain.ErrInsufficientInventory
	}

	token := domain.CorrelationToken{TierID: in.TierID, TicketCount: count}
	handle, err := gw.Initiate(ctx, PaymentRequest{
		AmountCents:      snap.PriceCents * int64(count),
		Currency:         "", // gateway fills its configured currency
		CustomerName:     in.PurchaserName,
		CustomerEmail:    in.PurchaserEmail,
		CorrelationToken: token.Encode(),
		CardToken:        in.CardToken,
	})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("initiate %s payment for tier %s: %w", in.PaymentType, in.TierID, err)
	}

	// Each transaction claims a contiguous block of ticket numbers counting
	// down from remaining inventory at read time, so confirmation codes are
	// stable even when other holds land concurrently.
	attendees := make([]domain.Attendee, count)
	for i, a := range in.Attendees {
		attendees[i] = domain.Attendee{
			Name:             a.Name,
			Institution:      a.Institution,
			ConfirmationCode: domain.ConfirmationCode(in.TierID, a.Name, a.Institution, snap.Remaining-i),
		}
	}

	now := s.clock.Now()
	txn := domain.Transaction{
		TierID:      in.TierID,
		ID:          handle.ProviderTransactionID,
		PaymentType: in.PaymentType,
		AmountCents: handle.AmountCents,
		Currency:    handle.Currency,
		Customer: domain.Customer{
			Name:       in.PurchaserName,
			Email:      in.PurchaserEmail,
			AllowEmail: in.AllowEmail,
		},
		Attendees: attendees,
		CreatedAt: now,
	}
	if txn.AmountCents == 0 {
		txn.AmountCents = snap.PriceCents * int64(count)
	}

	if handle.Status.Terminal() {
		return s.persistFinalized(ctx, txn, handle)
	}
	return s.persistPending(ctx, txn, handle, now)
}

func (s *ReservationService) persistPending(ctx context.Context, txn domain.Transaction, handle PaymentHandle, now time.Time) (ReserveResult, error) {
	expiresAt := handle.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.holdTTL)
	}
	txn.ExpiresAt = &expiresAt
	txn.StatusHistory = []domain.StatusEntry{{Status: domain.StatusPending, RecordedAt: now}}

	holds := make([]domain.Hold, len(txn.Attendees))
	for i := range holds {
		holds[i] = domain.Hold{
			TierID:        txn.TierID,
			TransactionID: txn.ID,
			SlotIndex:     i,
			ExpiresAt:     expiresAt,
		}
	}

	if err := s.store.CreateReservation(ctx, txn, holds); err != nil {
		if err == domain.ErrInsufficientInventory {
			// A concurrent reservation won the race between the advisory
			// check and commit. The provider payment request stays
			// unconfirmed and lapses on its own.
			return ReserveResult{}, err
		}
		s.log.Error("reconciliation required: pending transaction not persisted",
			"tier_id", txn.TierID, "transaction_id", txn.ID, "payment_type", txn.PaymentType, "err", err)
		return ReserveResult{}, fmt.Errorf("persist reservation %s/%s: %w", txn.TierID, txn.ID, err)
	}

	return ReserveResult{RedirectURL: handle.RedirectURL}, nil
}

func (s *ReservationService) persistFinalized(ctx context.Context, txn domain.Transaction, handle PaymentHandle) (ReserveResult, error) {
	if handle.Status != domain.StatusPaid {
		// Synchronous gateways report declines as errors; a terminal
		// non-paid handle here means the adapter contract is broken.
		return ReserveResult{}, fmt.Errorf("unexpected terminal status %q from %s gateway", handle.Status, txn.PaymentType)
	}
	txn.StatusHistory = []domain.StatusEntry{{Status: domain.StatusPaid, RecordedAt: txn.CreatedAt}}

	payload, err := json.Marshal(finalizedEvent(txn))
	if err != nil {
		return ReserveResult{}, fmt.Errorf("marshal finalized event: %w", err)
	}
	msg := OutboxMessage{
		AggregateID: txn.ID,
		Type:        domain.EventTransactionFinalized,
		Payload:     payload,
	}

	if err := s.store.CreateFinalized(ctx, txn, msg); err != nil {
		// Money has moved. This is the one genuinely dangerous failure:
		// log everything an operator needs and report a generic internal
		// error upstream. %v, not %w: sentinels such as
		// ErrInsufficientInventory must not escape here, a caller that sees
		// one would retry and get charged again.
		s.log.Error("reconciliation required: charge succeeded but transaction not persisted",
			"tier_id", txn.TierID, "transaction_id", txn.ID, "payment_type", txn.PaymentType,
			"amount_cents", txn.AmountCents, "currency", txn.Currency, "customer_email", txn.Customer.Email, "err", err)
		return ReserveResult{}, fmt.Errorf("persist finalized transaction %s/%s: %v", txn.TierID, txn.ID, err)
	}

	return ReserveResult{Receipt: &Receipt{
		TransactionID: txn.ID,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		Attendees:     txn.Attendees,
	}}, nil
}

func validateReserveInput(in ReserveInput) error {
	if len(in.Attendees) == 0 {
		return domain.ErrInvalidAttendees
	}
	if len(in.Attendees) > maxTicketsPerTransaction {
		return domain.ErrTicketLimitExceeded
	}
	for _, a := range in.Attendees {
		if strings.TrimSpace(a.Name) == "" {
			return domain.ErrInvalidAttendees
		}
	}
	if in.TierID == studentTierID && !strings.HasSuffix(strings.ToLower(in.PurchaserEmail), ".edu") {
		return domain.ErrIneligibleEmail
	}
	return nil
}

func finalizedEvent(txn domain.Transaction) domain.TransactionFinalized {
	return domain.TransactionFinalized{
		TierID:        txn.TierID,
		TransactionID: txn.ID,
		PaymentType:   string(txn.PaymentType),
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		Customer:      txn.Customer,
		Attendees:     txn.Attendees,
	}
}
