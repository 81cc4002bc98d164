package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the PostgreSQL DDL for the position ledger. Fixed-point values
// are NUMERIC(20,0) so the full uint64 range survives.
const Schema = `
CREATE TABLE IF NOT EXISTS contracts (
	id                BIGSERIAL PRIMARY KEY,
	creator           TEXT NOT NULL,
	counterparty      TEXT NOT NULL DEFAULT '',
	creator_long      BOOLEAN NOT NULL,
	collateral_amount NUMERIC(20,0) NOT NULL,
	premium           NUMERIC(20,0) NOT NULL,
	premium_fee       NUMERIC(20,0) NOT NULL,
	open_price        NUMERIC(20,0) NOT NULL,
	close_price       NUMERIC(20,0) NOT NULL DEFAULT 0,
	open_block        NUMERIC(20,0) NOT NULL,
	closing_block     NUMERIC(20,0) NOT NULL,
	asset             TEXT NOT NULL,
	long_leverage     NUMERIC(20,0) NOT NULL,
	short_leverage    NUMERIC(20,0) NOT NULL,
	status            SMALLINT NOT NULL,
	long_id           NUMERIC(20,0) NOT NULL DEFAULT 0,
	short_id          NUMERIC(20,0) NOT NULL DEFAULT 0,
	long_payout       NUMERIC(20,0) NOT NULL DEFAULT 0,
	short_payout      NUMERIC(20,0) NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS leg_token_seq;

CREATE TABLE IF NOT EXISTS leg_tokens (
	id          NUMERIC(20,0) PRIMARY KEY,
	contract_id BIGINT NOT NULL REFERENCES contracts(id),
	side        TEXT NOT NULL,
	owner       TEXT NOT NULL,
	minted_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id          UUID PRIMARY KEY,
	contract_id BIGINT NOT NULL REFERENCES contracts(id),
	account     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	amount      NUMERIC(20,0) NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS transfers_contract_idx ON transfers (contract_id);
CREATE INDEX IF NOT EXISTS transfers_account_idx ON transfers (account);
`

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
