package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/konferenco/ticketd/internal/ticketing/application"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
	"github.com/konferenco/ticketd/pkg/tracing"
)

func (s *Store) GetTier(ctx context.Context, tierID string) (domain.Tier, error) {
	var t domain.Tier
	err := s.pool.QueryRow(ctx, `SELECT id, capacity FROM tiers WHERE id=$1`, tierID).Scan(&t.ID, &t.Capacity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tier{}, domain.ErrTierNotFound
		}
		return domain.Tier{}, fmt.Errorf("get tier: %w", err)
	}
	return t, nil
}

func (s *Store) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, capacity FROM tiers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.Tier
	for rows.Next() {
		var t domain.Tier
		if err := rows.Scan(&t.ID, &t.Capacity); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func (s *Store) PriceWindows(ctx context.Context, tierID string) ([]domain.PriceWindow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier_id, starts_at, ends_at, price_cents FROM price_windows WHERE tier_id=$1`, tierID)
	if err != nil {
		return nil, fmt.Errorf("price windows: %w", err)
	}
	defer rows.Close()

	var windows []domain.PriceWindow
	for rows.Next() {
		var w domain.PriceWindow
		if err := rows.Scan(&w.TierID, &w.StartsAt, &w.EndsAt, &w.PriceCents); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (s *Store) CountConfirmed(ctx context.Context, tierID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM attendees WHERE tier_id=$1`, tierID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmed: %w", err)
	}
	return n, nil
}

func (s *Store) CountActiveHolds(ctx context.Context, tierID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM holds WHERE tier_id=$1 AND expires_at > $2`, tierID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active holds: %w", err)
	}
	return n, nil
}

// CreateReservation persists a pending transaction and its holds in one
// storage transaction. Remaining capacity is re-derived under the tier row
// lock immediately before the insert, so two requests that both passed the
// advisory read-time check cannot jointly oversell. No lock is ever held
// across a gateway call; the charge happened before this function runs.
func (s *Store) CreateReservation(ctx context.Context, txn domain.Transaction, holds []domain.Hold) error {
	return s.conditionalCreate(ctx, txn, len(holds), func(dbtx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, h := range holds {
			batch.Queue(`INSERT INTO holds (tier_id, transaction_id, slot_index, expires_at) VALUES ($1,$2,$3,$4)`,
				h.TierID, h.TransactionID, h.SlotIndex, h.ExpiresAt)
		}
		return dbtx.SendBatch(ctx, batch).Close()
	})
}

// CreateFinalized persists an already-paid transaction: attendees go
// straight to the confirmed list, no holds, and the finalized event joins
// the outbox in the same storage transaction.
func (s *Store) CreateFinalized(ctx context.Context, txn domain.Transaction, msg application.OutboxMessage) error {
	return s.conditionalCreate(ctx, txn, len(txn.Attendees), func(dbtx pgx.Tx) error {
		if err := insertConfirmed(ctx, dbtx, txn); err != nil {
			return err
		}
		return insertOutbox(ctx, dbtx, msg)
	})
}

// conditionalCreate shares the capacity-guarded insert of the transaction
// row, its status history seed and its attendee records between the pending
// and the already-paid path. extra runs inside the same storage transaction.
func (s *Store) conditionalCreate(ctx context.Context, txn domain.Transaction, slots int, extra func(pgx.Tx) error) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback(ctx)
	}()

	var capacity int
	err = dbtx.QueryRow(ctx, `SELECT capacity FROM tiers WHERE id=$1 FOR UPDATE`, txn.TierID).Scan(&capacity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrTierNotFound
		}
		return fmt.Errorf("lock tier: %w", err)
	}

	var confirmed, active int
	if err := dbtx.QueryRow(ctx, `SELECT count(*) FROM attendees WHERE tier_id=$1`, txn.TierID).Scan(&confirmed); err != nil {
		return fmt.Errorf("recount confirmed: %w", err)
	}
	err = dbtx.QueryRow(ctx, `SELECT count(*) FROM holds WHERE tier_id=$1 AND expires_at > $2`,
		txn.TierID, txn.CreatedAt).Scan(&active)
	if err != nil {
		return fmt.Errorf("recount holds: %w", err)
	}
	if capacity-confirmed-active < slots {
		return domain.ErrInsufficientInventory
	}

	_, err = dbtx.Exec(ctx, `INSERT INTO transactions
		(tier_id, id, payment_type, amount_cents, currency, customer_name, customer_email, allow_email, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		txn.TierID, txn.ID, txn.PaymentType, txn.AmountCents, txn.Currency,
		txn.Customer.Name, txn.Customer.Email, txn.Customer.AllowEmail, txn.ExpiresAt, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range txn.StatusHistory {
		batch.Queue(`INSERT INTO transaction_status (tier_id, transaction_id, status, recorded_at) VALUES ($1,$2,$3,$4)`,
			txn.TierID, txn.ID, e.Status, e.RecordedAt)
	}
	for i, a := range txn.Attendees {
		batch.Queue(`INSERT INTO transaction_attendees (tier_id, transaction_id, slot_index, name, institution, confirmation_code)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			txn.TierID, txn.ID, i, a.Name, a.Institution, a.ConfirmationCode)
	}
	if err := dbtx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert transaction records: %w", err)
	}

	if err := extra(dbtx); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

func (s *Store) GetTransaction(ctx context.Context, tierID, txnID string) (domain.Transaction, error) {
	var t domain.Transaction
	err := s.pool.QueryRow(ctx, `SELECT tier_id, id, payment_type, amount_cents, currency,
			customer_name, customer_email, allow_email, expires_at, created_at
		FROM transactions WHERE tier_id=$1 AND id=$2`, tierID, txnID).
		Scan(&t.TierID, &t.ID, &t.PaymentType, &t.AmountCents, &t.Currency,
			&t.Customer.Name, &t.Customer.Email, &t.Customer.AllowEmail, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, recorded_at FROM transaction_status WHERE tier_id=$1 AND transaction_id=$2 ORDER BY id`, tierID, txnID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("status history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.StatusEntry
		if err := rows.Scan(&e.Status, &e.RecordedAt); err != nil {
			return domain.Transaction{}, err
		}
		t.StatusHistory = append(t.StatusHistory, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Transaction{}, err
	}

	arows, err := s.pool.Query(ctx,
		`SELECT name, institution, confirmation_code FROM transaction_attendees WHERE tier_id=$1 AND transaction_id=$2 ORDER BY slot_index`, tierID, txnID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction attendees: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a domain.Attendee
		if err := arows.Scan(&a.Name, &a.Institution, &a.ConfirmationCode); err != nil {
			return domain.Transaction{}, err
		}
		t.Attendees = append(t.Attendees, a)
	}
	return t, arows.Err()
}

// FinalizePaid appends the paid status, promotes the transaction's attendee
// records onto the confirmed list and deletes its holds, all in one storage
// transaction. The status append is conditional on not being present
// already; a replay rolls the whole batch back via ErrAlreadyFinalized.
func (s *Store) FinalizePaid(ctx context.Context, txn domain.Transaction, entry domain.StatusEntry, msg application.OutboxMessage) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback(ctx)
	}()

	if err := appendStatus(ctx, dbtx, txn.TierID, txn.ID, entry); err != nil {
		return err
	}
	if err := insertConfirmed(ctx, dbtx, txn); err != nil {
		return err
	}
	if _, err := dbtx.Exec(ctx, `DELETE FROM holds WHERE tier_id=$1 AND transaction_id=$2`, txn.TierID, txn.ID); err != nil {
		return fmt.Errorf("delete holds: %w", err)
	}
	if err := insertOutbox(ctx, dbtx, msg); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

// ReleaseHolds appends a failed/expired status and deletes the holds,
// releasing inventory without touching the confirmed list.
func (s *Store) ReleaseHolds(ctx context.Context, txn domain.Transaction, entry domain.StatusEntry) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback(ctx)
	}()

	if err := appendStatus(ctx, dbtx, txn.TierID, txn.ID, entry); err != nil {
		return err
	}
	if _, err := dbtx.Exec(ctx, `DELETE FROM holds WHERE tier_id=$1 AND transaction_id=$2`, txn.TierID, txn.ID); err != nil {
		return fmt.Errorf("delete holds: %w", err)
	}
	return dbtx.Commit(ctx)
}

// SweepExpiredHolds deletes lapsed holds and marks abandoned pending
// transactions expired. Both statements are conditional, so overlapping
// sweep passes cannot double-apply.
func (s *Store) SweepExpiredHolds(ctx context.Context, now time.Time) (int, int, error) {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_ = dbtx.Rollback(ctx)
	}()

	ct, err := dbtx.Exec(ctx, `DELETE FROM holds WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired holds: %w", err)
	}
	deleted := int(ct.RowsAffected())

	// Best-effort audit trail: a pending transaction whose holds are all
	// gone and whose own deadline passed gets an expired entry. Inventory
	// correctness never depends on this step.
	et, err := dbtx.Exec(ctx, `
		INSERT INTO transaction_status (tier_id, transaction_id, status, recorded_at)
		SELECT t.tier_id, t.id, 'expired', $1
		FROM transactions t
		WHERE t.expires_at IS NOT NULL AND t.expires_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM holds h WHERE h.tier_id = t.tier_id AND h.transaction_id = t.id)
		  AND EXISTS (SELECT 1 FROM transaction_status ts
		              WHERE ts.tier_id = t.tier_id AND ts.transaction_id = t.id AND ts.status = 'pending')
		  AND NOT EXISTS (SELECT 1 FROM transaction_status ts
		                  WHERE ts.tier_id = t.tier_id AND ts.transaction_id = t.id AND ts.status IN ('paid','failed','expired'))
		ON CONFLICT (tier_id, transaction_id, status) DO NOTHING`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("mark expired transactions: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return deleted, int(et.RowsAffected()), nil
}

func appendStatus(ctx context.Context, dbtx pgx.Tx, tierID, txnID string, entry domain.StatusEntry) error {
	ct, err := dbtx.Exec(ctx, `INSERT INTO transaction_status (tier_id, transaction_id, status, recorded_at)
		VALUES ($1,$2,$3,$4) ON CONFLICT (tier_id, transaction_id, status) DO NOTHING`,
		tierID, txnID, entry.Status, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("append status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyFinalized
	}
	return nil
}

// insertConfirmed appends the transaction's attendees to the confirmed
// list. The unique key is (tier, transaction, slot), so only a replay of
// the same transaction conflicts; colliding confirmation codes from a
// different transaction insert fine.
func insertConfirmed(ctx context.Context, dbtx pgx.Tx, txn domain.Transaction) error {
	batch := &pgx.Batch{}
	for i, a := range txn.Attendees {
		batch.Queue(`INSERT INTO attendees (tier_id, transaction_id, slot_index, name, institution, confirmation_code, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			txn.TierID, txn.ID, i, a.Name, a.Institution, a.ConfirmationCode, txn.CreatedAt)
	}
	if err := dbtx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyFinalized
		}
		return fmt.Errorf("append confirmed attendees: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, dbtx pgx.Tx, msg application.OutboxMessage) error {
	_, err := dbtx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,'pending')`,
		"transaction", msg.AggregateID, msg.Type, msg.Payload, tracing.Traceparent(ctx))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
