package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitforward/forward-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract, fx Effects) error {
	if err := s.primary.CreateContract(ctx, c, fx); err != nil {
		return err
	}
	s.cacheContract(ctx, c)
	s.invalidateExposure(ctx, c)
	return nil
}

func (s *CachedStore) TransitionContract(ctx context.Context, c *model.Contract, from model.Status, fx Effects) error {
	// Invalidate before and after: a failed CAS means our cached copy is
	// stale anyway.
	s.rdb.Del(ctx, contractKey(c.ID))
	if err := s.primary.TransitionContract(ctx, c, from, fx); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractKey(c.ID))
	s.invalidateExposure(ctx, c)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContract(ctx context.Context, id uint64) (*model.Contract, error) {
	data, err := s.rdb.Get(ctx, contractKey(id)).Bytes()
	if err == nil {
		var c model.Contract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheContract(ctx, c)
	return c, nil
}

func (s *CachedStore) GetOpenExposure(ctx context.Context, account string) (uint64, error) {
	if v, err := s.rdb.Get(ctx, exposureKey(account)).Uint64(); err == nil {
		return v, nil
	}

	v, err := s.primary.GetOpenExposure(ctx, account)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, exposureKey(account), v, s.ttl)
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	return s.primary.ListContracts(ctx)
}

func (s *CachedStore) NextLegID(ctx context.Context) (uint64, error) {
	return s.primary.NextLegID(ctx)
}

func (s *CachedStore) GetLegToken(ctx context.Context, id uint64) (*model.LegToken, error) {
	return s.primary.GetLegToken(ctx, id)
}

func (s *CachedStore) GetTransfersByContract(ctx context.Context, contractID uint64) ([]model.Transfer, error) {
	return s.primary.GetTransfersByContract(ctx, contractID)
}

func (s *CachedStore) GetTransfersByAccount(ctx context.Context, account string) ([]model.Transfer, error) {
	return s.primary.GetTransfersByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheContract(ctx context.Context, c *model.Contract) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contractKey(c.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateExposure(ctx context.Context, c *model.Contract) {
	keys := []string{exposureKey(c.Creator)}
	if c.Counterparty != "" {
		keys = append(keys, exposureKey(c.Counterparty))
	}
	s.rdb.Del(ctx, keys...)
}

func contractKey(id uint64) string   { return fmt.Sprintf("contract:%d", id) }
func exposureKey(acct string) string { return fmt.Sprintf("exposure:%s", acct) }
