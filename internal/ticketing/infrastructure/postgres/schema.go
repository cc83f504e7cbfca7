package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tiers (
    id       TEXT PRIMARY KEY,
    capacity INT  NOT NULL CHECK (capacity >= 0)
);

CREATE TABLE IF NOT EXISTS price_windows (
    id          BIGSERIAL PRIMARY KEY,
    tier_id     TEXT NOT NULL REFERENCES tiers(id),
    starts_at   TIMESTAMPTZ NOT NULL,
    ends_at     TIMESTAMPTZ NOT NULL,
    price_cents BIGINT NOT NULL CHECK (price_cents >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
    tier_id        TEXT NOT NULL REFERENCES tiers(id),
    id             TEXT NOT NULL,
    payment_type   TEXT NOT NULL,
    amount_cents   BIGINT NOT NULL,
    currency       TEXT NOT NULL,
    customer_name  TEXT NOT NULL,
    customer_email TEXT NOT NULL,
    allow_email    BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tier_id, id)
);

-- Append-only status history, keyed like transactions on (tier_id, id) so
-- a provider transaction id recurring under another tier cannot cross-couple
-- histories. The unique constraint is what makes status appends conditional:
-- a replayed notification conflicts instead of duplicating history.
CREATE TABLE IF NOT EXISTS transaction_status (
    id             BIGSERIAL PRIMARY KEY,
    tier_id        TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (tier_id, transaction_id, status)
);

CREATE TABLE IF NOT EXISTS transaction_attendees (
    tier_id           TEXT NOT NULL,
    transaction_id    TEXT NOT NULL,
    slot_index        INT  NOT NULL,
    name              TEXT NOT NULL,
    institution       TEXT NOT NULL DEFAULT '',
    confirmation_code TEXT NOT NULL,
    PRIMARY KEY (tier_id, transaction_id, slot_index)
);

-- Confirmed attendee list, append-only via the reconciler. Uniqueness keys
-- on transaction identity, not on the confirmation code: codes are derived
-- from the read-time snapshot and can legitimately collide across
-- transactions that raced the same remaining count.
CREATE TABLE IF NOT EXISTS attendees (
    id                BIGSERIAL PRIMARY KEY,
    tier_id           TEXT NOT NULL REFERENCES tiers(id),
    transaction_id    TEXT NOT NULL,
    slot_index        INT  NOT NULL DEFAULT 0,
    name              TEXT NOT NULL,
    institution       TEXT NOT NULL DEFAULT '',
    confirmation_code TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (tier_id, transaction_id, slot_index)
);

CREATE TABLE IF NOT EXISTS holds (
    tier_id        TEXT NOT NULL REFERENCES tiers(id),
    transaction_id TEXT NOT NULL,
    slot_index     INT  NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tier_id, transaction_id, slot_index)
);

CREATE INDEX IF NOT EXISTS holds_expires_at_idx ON holds (expires_at);

CREATE TABLE IF NOT EXISTS outbox (
    id             BIGSERIAL PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    aggregate_id   TEXT NOT NULL,
    type           TEXT NOT NULL,
    payload        BYTEA NOT NULL,
    headers        JSONB NOT NULL DEFAULT '{}',
    traceparent    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    relay_id       TEXT,
    lease_until    TIMESTAMPTZ,
    retry_count    INT NOT NULL DEFAULT 0,
    last_error     TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Statements are idempotent so running at every
// startup is fine.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Seed inserts tiers and their price windows, skipping tiers that already
// exist: tier inventory is immutable after seeding.
func Seed(ctx context.Context, pool *pgxpool.Pool, tiers []domain.Tier, windows []domain.PriceWindow) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, t := range tiers {
		ct, err := tx.Exec(ctx, `INSERT INTO tiers (id, capacity) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`, t.ID, t.Capacity)
		if err != nil {
			return fmt.Errorf("seed tier %s: %w", t.ID, err)
		}
		if ct.RowsAffected() == 0 {
			continue
		}
		for _, w := range windows {
			if w.TierID != t.ID {
				continue
			}
			_, err := tx.Exec(ctx, `INSERT INTO price_windows (tier_id, starts_at, ends_at, price_cents) VALUES ($1,$2,$3,$4)`,
				w.TierID, w.StartsAt, w.EndsAt, w.PriceCents)
			if err != nil {
				return fmt.Errorf("seed price window for %s: %w", t.ID, err)
			}
		}
	}
	return tx.Commit(ctx)
}
