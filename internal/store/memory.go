package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitforward/forward-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and devnet. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[uint64]*model.Contract
	tokens    map[uint64]model.LegToken
	transfers []model.Transfer
	lastID    uint64
	lastLegID uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[uint64]*model.Contract),
		tokens:    make(map[uint64]model.LegToken),
	}
}

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract, fx Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	c.ID = s.lastID
	stampEffects(c.ID, fx)

	// Store a copy to avoid external mutation.
	copy := *c
	s.contracts[c.ID] = &copy
	s.applyEffects(fx)
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id uint64) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrContractNotFound, id)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListContracts(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contracts := make([]model.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		contracts = append(contracts, *c)
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	return contracts, nil
}

func (s *MemoryStore) TransitionContract(_ context.Context, c *model.Contract, from model.Status, fx Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.contracts[c.ID]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrContractNotFound, c.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: contract %d is %s", ErrStatusConflict, c.ID, cur.Status)
	}

	stampEffects(c.ID, fx)
	copy := *c
	s.contracts[c.ID] = &copy
	s.applyEffects(fx)
	return nil
}

func (s *MemoryStore) NextLegID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastLegID++
	return s.lastLegID, nil
}

func (s *MemoryStore) GetLegToken(_ context.Context, id uint64) (*model.LegToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("leg token %d not found", id)
	}
	return &t, nil
}

func (s *MemoryStore) GetTransfersByContract(_ context.Context, contractID uint64) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for _, t := range s.transfers {
		if t.ContractID == contractID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTransfersByAccount(_ context.Context, account string) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for _, t := range s.transfers {
		if t.Account == account {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOpenExposure(_ context.Context, account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, c := range s.contracts {
		if c.Status == model.StatusClosed {
			continue
		}
		if c.Creator == account || c.Counterparty == account {
			total += c.CollateralAmount
		}
	}
	return total, nil
}

// applyEffects must be called with mu held.
func (s *MemoryStore) applyEffects(fx Effects) {
	for _, t := range fx.Tokens {
		s.tokens[t.ID] = t
	}
	s.transfers = append(s.transfers, fx.Transfers...)
}
