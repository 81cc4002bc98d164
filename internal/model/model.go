// Package model defines the core domain types shared across the forward engine.
// Amounts, prices and leverage are unsigned 6-decimal fixed-point integers;
// never float64 for money.
package model

import (
	"time"
)

// Scalar is the fixed-point unit: 1_000_000 represents 1.0.
const Scalar = 1_000_000

// Status is the lifecycle state of a Contract.
// Transitions only Open -> Filled -> Closed.
type Status uint8

const (
	StatusOpen   Status = 1
	StatusFilled Status = 2
	StatusClosed Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Side identifies a leg of a contract.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Contract is one leveraged forward between two counterparties.
// LongID / ShortID are leg token ids; 0 means unassigned.
type Contract struct {
	ID               uint64    `json:"id" db:"id"`
	Creator          string    `json:"creator" db:"creator"`
	Counterparty     string    `json:"counterparty,omitempty" db:"counterparty"`
	CreatorLong      bool      `json:"creator_long" db:"creator_long"`
	CollateralAmount uint64    `json:"collateral_amount" db:"collateral_amount"`
	Premium          int64     `json:"premium" db:"premium"` // > 0: long receives, < 0: short receives
	PremiumFee       uint64    `json:"premium_fee" db:"premium_fee"`
	OpenPrice        uint64    `json:"open_price" db:"open_price"`
	ClosePrice       uint64    `json:"close_price" db:"close_price"`
	OpenBlock        uint64    `json:"open_block" db:"open_block"`
	ClosingBlock     uint64    `json:"closing_block" db:"closing_block"`
	Asset            string    `json:"asset" db:"asset"`
	LongLeverage     uint64    `json:"long_leverage" db:"long_leverage"`
	ShortLeverage    uint64    `json:"short_leverage" db:"short_leverage"`
	Status           Status    `json:"status" db:"status"`
	LongID           uint64    `json:"long_id" db:"long_id"`
	ShortID          uint64    `json:"short_id" db:"short_id"`
	LongPayout       uint64    `json:"long_payout" db:"long_payout"`
	ShortPayout      uint64    `json:"short_payout" db:"short_payout"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// CreatorSide reports which leg the creator holds.
func (c *Contract) CreatorSide() Side {
	if c.CreatorLong {
		return SideLong
	}
	return SideShort
}

// Owner returns the principal that deposited the given leg, or "" if the leg
// is not assigned yet.
func (c *Contract) Owner(side Side) string {
	if side == c.CreatorSide() {
		return c.Creator
	}
	return c.Counterparty
}

// CreateParams are the terms a creator proposes for a new contract.
type CreateParams struct {
	Creator          string `json:"creator"`
	CollateralAmount uint64 `json:"collateral_amount"`
	ClosingBlock     uint64 `json:"closing_block"`
	IsLong           bool   `json:"is_long"`
	Asset            string `json:"asset"`
	Premium          int64  `json:"premium"`
	LongLeverage     uint64 `json:"long_leverage"`
	ShortLeverage    uint64 `json:"short_leverage"`
}

// LegToken binds an ownership token to one leg of a contract.
type LegToken struct {
	ID         uint64    `json:"id" db:"id"`
	ContractID uint64    `json:"contract_id" db:"contract_id"`
	Side       Side      `json:"side" db:"side"`
	Owner      string    `json:"owner" db:"owner"`
	MintedAt   time.Time `json:"minted_at" db:"minted_at"`
}

// TransferKind classifies a collateral movement.
type TransferKind string

const (
	TransferDebit  TransferKind = "debit"  // account -> contract escrow
	TransferCredit TransferKind = "credit" // contract escrow -> account
	TransferFee    TransferKind = "fee"    // account -> protocol revenue
)

// RevenueAccount receives withheld premium fees.
const RevenueAccount = "protocol:revenue"

// Transfer is an immutable record of collateral moving in or out of a
// contract. Once created, these are never modified or deleted.
type Transfer struct {
	ID         string       `json:"id" db:"id"`
	ContractID uint64       `json:"contract_id" db:"contract_id"`
	Account    string       `json:"account" db:"account"`
	Kind       TransferKind `json:"kind" db:"kind"`
	Amount     uint64       `json:"amount" db:"amount"`
	Timestamp  time.Time    `json:"timestamp" db:"timestamp"`
}

// CloseReceipt is the result of a successful close.
type CloseReceipt struct {
	ContractID    uint64 `json:"contract_id"`
	LongPayout    uint64 `json:"long_payout"`
	ShortPayout   uint64 `json:"short_payout"`
	ClosePrice    uint64 `json:"close_price"`
	ClosedAtBlock uint64 `json:"closed_at_block"`
	Liquidated    bool   `json:"liquidated"`
	TxRef         string `json:"tx_ref"`
}

// MirrorRecord is the off-chain, non-authoritative snapshot of a contract
// kept for fast reads and close triggering.
type MirrorRecord struct {
	ContractID   uint64 `json:"contractId"`
	Address      string `json:"address"`
	Amount       uint64 `json:"amount"`
	ClosingBlock uint64 `json:"closingBlock"`
	Long         bool   `json:"long"`
	Matched      string `json:"matched,omitempty"`
	OpenBlock    uint64 `json:"openBlock"`
	OpenValue    uint64 `json:"openValue"`
	Premium      int64  `json:"premium"`
	Status       Status `json:"status"`
}

// MirrorFromContract projects a ledger contract into a mirror record.
func MirrorFromContract(c *Contract) MirrorRecord {
	return MirrorRecord{
		ContractID:   c.ID,
		Address:      c.Creator,
		Amount:       c.CollateralAmount,
		ClosingBlock: c.ClosingBlock,
		Long:         c.CreatorSide() == SideLong,
		Matched:      c.Counterparty,
		OpenBlock:    c.OpenBlock,
		OpenValue:    c.OpenPrice,
		Premium:      c.Premium,
		Status:       c.Status,
	}
}

// HistoryRecord is appended once per closed contract and never mutated.
type HistoryRecord struct {
	MirrorRecord
	LongPayout       uint64 `json:"longPayout"`
	ShortPayout      uint64 `json:"shortPayout"`
	ClosePrice       uint64 `json:"closePrice"`
	ClosedAt         int64  `json:"closedAt"` // unix millis
	ClosedAtBlock    uint64 `json:"closedAtBlock"`
	CloseTransaction string `json:"closeTransaction"`
}
