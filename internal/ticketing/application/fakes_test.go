package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// memStore is an in-memory ReservationStore/ReconcileStore/SweepStore with
// the same conditional-commit semantics as the postgres implementation.
type memStore struct {
	mu        sync.Mutex
	tiers     map[string]domain.Tier
	windows   map[string][]domain.PriceWindow
	confirmed []confirmedRow
	holds     []domain.Hold
	txns      map[string]*domain.Transaction
	outbox    []OutboxMessage

	failCreate   error
	failFinalize error
}

type confirmedRow struct {
	tierID   string
	txnID    string
	attendee domain.Attendee
}

func newMemStore(tiers []domain.Tier, windows []domain.PriceWindow) *memStore {
	s := &memStore{
		tiers:   make(map[string]domain.Tier),
		windows: make(map[string][]domain.PriceWindow),
		txns:    make(map[string]*domain.Transaction),
	}
	for _, t := range tiers {
		s.tiers[t.ID] = t
	}
	for _, w := range windows {
		s.windows[w.TierID] = append(s.windows[w.TierID], w)
	}
	return s
}

func (s *memStore) GetTier(_ context.Context, tierID string) (domain.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[tierID]
	if !ok {
		return domain.Tier{}, domain.ErrTierNotFound
	}
	return t, nil
}

func (s *memStore) ListTiers(_ context.Context) ([]domain.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Tier
	for _, t := range s.tiers {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) PriceWindows(_ context.Context, tierID string) ([]domain.PriceWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[tierID], nil
}

func (s *memStore) CountConfirmed(_ context.Context, tierID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countConfirmedLocked(tierID), nil
}

func (s *memStore) CountActiveHolds(_ context.Context, tierID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveHoldsLocked(tierID, now), nil
}

func (s *memStore) countConfirmedLocked(tierID string) int {
	n := 0
	for _, row := range s.confirmed {
		if row.tierID == tierID {
			n++
		}
	}
	return n
}

func (s *memStore) countActiveHoldsLocked(tierID string, now time.Time) int {
	n := 0
	for _, h := range s.holds {
		if h.TierID == tierID && h.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

func (s *memStore) CreateReservation(_ context.Context, txn domain.Transaction, holds []domain.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	tier, ok := s.tiers[txn.TierID]
	if !ok {
		return domain.ErrTierNotFound
	}
	remaining := tier.Capacity - s.countConfirmedLocked(txn.TierID) - s.countActiveHoldsLocked(txn.TierID, txn.CreatedAt)
	if remaining < len(holds) {
		return domain.ErrInsufficientInventory
	}
	cp := txn
	s.txns[txn.TierID+"/"+txn.ID] = &cp
	s.holds = append(s.holds, holds...)
	return nil
}

func (s *memStore) CreateFinalized(_ context.Context, txn domain.Transaction, msg OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	tier, ok := s.tiers[txn.TierID]
	if !ok {
		return domain.ErrTierNotFound
	}
	remaining := tier.Capacity - s.countConfirmedLocked(txn.TierID) - s.countActiveHoldsLocked(txn.TierID, txn.CreatedAt)
	if remaining < len(txn.Attendees) {
		return domain.ErrInsufficientInventory
	}
	cp := txn
	s.txns[txn.TierID+"/"+txn.ID] = &cp
	for _, a := range txn.Attendees {
		s.confirmed = append(s.confirmed, confirmedRow{tierID: txn.TierID, txnID: txn.ID, attendee: a})
	}
	s.outbox = append(s.outbox, msg)
	return nil
}

func (s *memStore) GetTransaction(_ context.Context, tierID, txnID string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[tierID+"/"+txnID]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	cp := *txn
	cp.StatusHistory = append([]domain.StatusEntry(nil), txn.StatusHistory...)
	cp.Attendees = append([]domain.Attendee(nil), txn.Attendees...)
	return cp, nil
}

func (s *memStore) FinalizePaid(_ context.Context, txn domain.Transaction, entry domain.StatusEntry, msg OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize != nil {
		return s.failFinalize
	}
	if err := s.appendStatusLocked(txn, entry); err != nil {
		return err
	}
	for _, a := range txn.Attendees {
		s.confirmed = append(s.confirmed, confirmedRow{tierID: txn.TierID, txnID: txn.ID, attendee: a})
	}
	s.deleteHoldsLocked(txn.TierID, txn.ID)
	s.outbox = append(s.outbox, msg)
	return nil
}

func (s *memStore) ReleaseHolds(_ context.Context, txn domain.Transaction, entry domain.StatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendStatusLocked(txn, entry); err != nil {
		return err
	}
	s.deleteHoldsLocked(txn.TierID, txn.ID)
	return nil
}

func (s *memStore) SweepExpiredHolds(_ context.Context, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.holds[:0]
	deleted := 0
	for _, h := range s.holds {
		if h.ExpiresAt.After(now) {
			kept = append(kept, h)
		} else {
			deleted++
		}
	}
	s.holds = kept

	expired := 0
	for _, txn := range s.txns {
		if txn.ExpiresAt == nil || txn.ExpiresAt.After(now) {
			continue
		}
		if latest, ok := txn.LatestStatus(); !ok || latest != domain.StatusPending {
			continue
		}
		hasHold := false
		for _, h := range s.holds {
			if h.TierID == txn.TierID && h.TransactionID == txn.ID {
				hasHold = true
				break
			}
		}
		if !hasHold {
			txn.StatusHistory = append(txn.StatusHistory, domain.StatusEntry{Status: domain.StatusExpired, RecordedAt: now})
			expired++
		}
	}
	return deleted, expired, nil
}

func (s *memStore) appendStatusLocked(txn domain.Transaction, entry domain.StatusEntry) error {
	stored, ok := s.txns[txn.TierID+"/"+txn.ID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	for _, e := range stored.StatusHistory {
		if e.Status == entry.Status {
			return domain.ErrAlreadyFinalized
		}
	}
	stored.StatusHistory = append(stored.StatusHistory, entry)
	return nil
}

func (s *memStore) deleteHoldsLocked(tierID, txnID string) {
	kept := s.holds[:0]
	for _, h := range s.holds {
		if h.TierID == tierID && h.TransactionID == txnID {
			continue
		}
		kept = append(kept, h)
	}
	s.holds = kept
}

// fakeGateway returns canned handles and records requests. beforeReturn, if
// set, runs after the "network call" but before the handle is returned, to
// simulate work interleaving with a slow charge.
type fakeGateway struct {
	mu           sync.Mutex
	handle       PaymentHandle
	err          error
	calls        []PaymentRequest
	seq          int
	beforeReturn func()
}

func (g *fakeGateway) Initiate(_ context.Context, req PaymentRequest) (PaymentHandle, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	if g.beforeReturn != nil {
		g.beforeReturn()
	}
	if g.err != nil {
		return PaymentHandle{}, g.err
	}
	h := g.handle
	if h.ProviderTransactionID == "" {
		h.ProviderTransactionID = fmt.Sprintf("pay-%d", seq)
	}
	return h, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
