package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/konferenco/ticketd/internal/clock"
)

const defaultSweepInterval = 30 * time.Second

// Sweeper reclaims holds whose deadline passed without a confirmation.
// Deleting a hold alone restores inventory; marking the abandoned
// transaction expired is best-effort bookkeeping on top. Overlapping sweep
// passes are safe because both steps are conditional in storage.
type Sweeper struct {
	log      *slog.Logger
	store    SweepStore
	clock    clock.Clock
	interval time.Duration
}

func NewSweeper(log *slog.Logger, store SweepStore, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		log:      log,
		store:    store,
		clock:    clk,
		interval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Run scans on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("sweep pass failed", "err", err)
			}
		}
	}
}

// SweepOnce runs a single reclamation pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	holds, txns, err := s.store.SweepExpiredHolds(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if holds > 0 || txns > 0 {
		s.log.Info("expired holds reclaimed", "holds", holds, "transactions_expired", txns)
	}
	return nil
}
