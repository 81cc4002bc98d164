package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitforward/forward-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Status transitions are compare-and-set on the status column inside a
// transaction, so concurrent takes or closes of one contract serialize in
// the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const contractColumns = `id, creator, counterparty, creator_long,
	collateral_amount::TEXT, premium::TEXT, premium_fee::TEXT,
	open_price::TEXT, close_price::TEXT, open_block::TEXT, closing_block::TEXT,
	asset, long_leverage::TEXT, short_leverage::TEXT, status,
	long_id::TEXT, short_id::TEXT, long_payout::TEXT, short_payout::TEXT, created_at`

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract, fx Effects) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO contracts (creator, counterparty, creator_long,
			        collateral_amount, premium, premium_fee, open_price, close_price,
			        open_block, closing_block, asset, long_leverage, short_leverage,
			        status, long_id, short_id, long_payout, short_payout, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC, $13::NUMERIC,
			         $14, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19)
			 RETURNING id`,
			c.Creator, c.Counterparty, c.CreatorLong,
			u(c.CollateralAmount), strconv.FormatInt(c.Premium, 10), u(c.PremiumFee),
			u(c.OpenPrice), u(c.ClosePrice), u(c.OpenBlock), u(c.ClosingBlock),
			c.Asset, u(c.LongLeverage), u(c.ShortLeverage),
			int16(c.Status), u(c.LongID), u(c.ShortID), u(c.LongPayout), u(c.ShortPayout),
			c.CreatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		c.ID = uint64(id)
		stampEffects(c.ID, fx)
		return insertEffects(ctx, tx, fx)
	})
}

func (s *PostgresStore) GetContract(ctx context.Context, id uint64) (*model.Contract, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, int64(id))
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrContractNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func (s *PostgresStore) TransitionContract(ctx context.Context, c *model.Contract, from model.Status, fx Effects) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE contracts
			 SET counterparty = $3, status = $4,
			     long_id = $5::NUMERIC, short_id = $6::NUMERIC,
			     close_price = $7::NUMERIC, long_payout = $8::NUMERIC, short_payout = $9::NUMERIC,
			     premium_fee = $10::NUMERIC
			 WHERE id = $1 AND status = $2`,
			int64(c.ID), int16(from),
			c.Counterparty, int16(c.Status),
			u(c.LongID), u(c.ShortID),
			u(c.ClosePrice), u(c.LongPayout), u(c.ShortPayout),
			u(c.PremiumFee),
		)
		if err != nil {
			return fmt.Errorf("update contract %d: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, int64(c.ID)).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %d", model.ErrContractNotFound, c.ID)
			}
			return fmt.Errorf("%w: contract %d", ErrStatusConflict, c.ID)
		}
		stampEffects(c.ID, fx)
		return insertEffects(ctx, tx, fx)
	})
}

func (s *PostgresStore) NextLegID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('leg_token_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next leg id: %w", err)
	}
	return uint64(id), nil
}

func (s *PostgresStore) GetLegToken(ctx context.Context, id uint64) (*model.LegToken, error) {
	var t model.LegToken
	var idS, side string
	var contractID int64
	err := s.pool.QueryRow(ctx,
		`SELECT id::TEXT, contract_id, side, owner, minted_at FROM leg_tokens WHERE id = $1::NUMERIC`, u(id)).
		Scan(&idS, &contractID, &side, &t.Owner, &t.MintedAt)
	if err != nil {
		return nil, fmt.Errorf("get leg token %d: %w", id, err)
	}
	t.ID, _ = strconv.ParseUint(idS, 10, 64)
	t.ContractID = uint64(contractID)
	t.Side = model.Side(side)
	return &t, nil
}

func (s *PostgresStore) GetTransfersByContract(ctx context.Context, contractID uint64) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, contract_id, account, kind, amount::TEXT, timestamp
		 FROM transfers WHERE contract_id = $1 ORDER BY timestamp`, int64(contractID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func (s *PostgresStore) GetTransfersByAccount(ctx context.Context, account string) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, contract_id, account, kind, amount::TEXT, timestamp
		 FROM transfers WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func (s *PostgresStore) GetOpenExposure(ctx context.Context, account string) (uint64, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(collateral_amount), 0)::TEXT
		 FROM contracts
		 WHERE status <> $2 AND (creator = $1 OR counterparty = $1)`,
		account, int16(model.StatusClosed)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return parseNumeric("collateral_amount", total)
}

func insertEffects(ctx context.Context, tx pgx.Tx, fx Effects) error {
	for _, t := range fx.Tokens {
		if _, err := tx.Exec(ctx,
			`INSERT INTO leg_tokens (id, contract_id, side, owner, minted_at)
			 VALUES ($1::NUMERIC, $2, $3, $4, $5)`,
			u(t.ID), int64(t.ContractID), string(t.Side), t.Owner, t.MintedAt,
		); err != nil {
			return fmt.Errorf("insert leg token %d: %w", t.ID, err)
		}
	}
	for _, t := range fx.Transfers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transfers (id, contract_id, account, kind, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			t.ID, int64(t.ContractID), t.Account, string(t.Kind), u(t.Amount), t.Timestamp,
		); err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
	}
	return nil
}

// scanContract reads one contract row selected with contractColumns.
func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var id int64
	var status int16
	var collateral, premium, fee, openPrice, closePrice, openBlock, closingBlock string
	var longLev, shortLev, longID, shortID, longPayout, shortPayout string

	if err := row.Scan(&id, &c.Creator, &c.Counterparty, &c.CreatorLong,
		&collateral, &premium, &fee,
		&openPrice, &closePrice, &openBlock, &closingBlock,
		&c.Asset, &longLev, &shortLev, &status,
		&longID, &shortID, &longPayout, &shortPayout, &c.CreatedAt); err != nil {
		return nil, err
	}

	c.ID = uint64(id)
	c.Status = model.Status(status)
	var err error
	if c.Premium, err = parseNumericInt("premium", premium); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		name string
		dst  *uint64
		src  string
	}{
		{"collateral_amount", &c.CollateralAmount, collateral},
		{"premium_fee", &c.PremiumFee, fee},
		{"open_price", &c.OpenPrice, openPrice},
		{"close_price", &c.ClosePrice, closePrice},
		{"open_block", &c.OpenBlock, openBlock},
		{"closing_block", &c.ClosingBlock, closingBlock},
		{"long_leverage", &c.LongLeverage, longLev},
		{"short_leverage", &c.ShortLeverage, shortLev},
		{"long_id", &c.LongID, longID},
		{"short_id", &c.ShortID, shortID},
		{"long_payout", &c.LongPayout, longPayout},
		{"short_payout", &c.ShortPayout, shortPayout},
	} {
		if *col.dst, err = parseNumeric(col.name, col.src); err != nil {
			return nil, fmt.Errorf("contract %d: %w", id, err)
		}
	}
	return &c, nil
}

func scanTransfers(rows pgx.Rows) ([]model.Transfer, error) {
	var transfers []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var contractID int64
		var kind, amount string

		if err := rows.Scan(&t.ID, &contractID, &t.Account, &kind, &amount, &t.Timestamp); err != nil {
			return nil, err
		}
		t.ContractID = uint64(contractID)
		t.Kind = model.TransferKind(kind)
		a, err := parseNumeric("amount", amount)
		if err != nil {
			return nil, fmt.Errorf("transfer %s: %w", t.ID, err)
		}
		t.Amount = a
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

// parseNumeric reads a NUMERIC column selected as text into a uint64.
func parseNumeric(column, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: column %s: %w", column, err)
	}
	return v, nil
}

func parseNumericInt(column, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: column %s: %w", column, err)
	}
	return v, nil
}
