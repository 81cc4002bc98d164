// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and devnet).
package store

import (
	"context"
	"errors"

	"github.com/bitforward/forward-engine/internal/model"
)

// ErrStatusConflict is returned by TransitionContract when the stored status
// no longer matches the expected one: another caller won the race.
var ErrStatusConflict = errors.New("store: contract status changed concurrently")

// Effects are the records written atomically with a contract mutation.
// ContractID on each record is filled in by the store.
type Effects struct {
	Tokens    []model.LegToken
	Transfers []model.Transfer
}

// Store is the persistence interface. Every mutating call is atomic: either
// the contract and all of its effects are written, or nothing is.
type Store interface {
	// --- Contract operations ---

	// CreateContract assigns the next contract id to c and persists it.
	CreateContract(ctx context.Context, c *model.Contract, fx Effects) error

	// GetContract retrieves a contract by id. Missing ids return an error
	// wrapping model.ErrContractNotFound.
	GetContract(ctx context.Context, id uint64) (*model.Contract, error)

	// ListContracts returns all contracts ordered by id.
	ListContracts(ctx context.Context) ([]model.Contract, error)

	// TransitionContract overwrites the stored contract with c if and only if
	// its current status equals from; otherwise ErrStatusConflict.
	TransitionContract(ctx context.Context, c *model.Contract, from model.Status, fx Effects) error

	// --- Leg tokens ---

	// NextLegID reserves the next leg token id. Ids are never reused even
	// if the reservation is abandoned.
	NextLegID(ctx context.Context) (uint64, error)

	// GetLegToken returns the token with the given id.
	GetLegToken(ctx context.Context, id uint64) (*model.LegToken, error)

	// --- Immutable transfers ---

	// GetTransfersByContract returns all collateral movements for a contract.
	GetTransfersByContract(ctx context.Context, contractID uint64) ([]model.Transfer, error)

	// GetTransfersByAccount returns all collateral movements for an account.
	GetTransfersByAccount(ctx context.Context, account string) ([]model.Transfer, error)

	// --- Exposure queries ---

	// GetOpenExposure sums the collateral an account has locked in contracts
	// that are not closed.
	GetOpenExposure(ctx context.Context, account string) (uint64, error)
}

func stampEffects(id uint64, fx Effects) {
	for i := range fx.Tokens {
		fx.Tokens[i].ContractID = id
	}
	for i := range fx.Transfers {
		fx.Transfers[i].ContractID = id
	}
}
