// Package oracle provides the price feed consulted at open and close.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// Feed returns the latest published price for an asset.
type Feed interface {
	Price(ctx context.Context, asset string) (uint64, error)
	SetPrice(ctx context.Context, asset string, price uint64) error
}

// Quote is a published price with its publication time.
type Quote struct {
	Asset     string    `json:"asset"`
	Price     uint64    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryFeed stores the latest price per asset in memory.
type MemoryFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		quotes: make(map[string]Quote),
		now:    time.Now,
	}
}

// Price returns the latest price for asset. A missing or zero price is
// reported as model.ErrOracleUnavailable.
func (f *MemoryFeed) Price(_ context.Context, asset string) (uint64, error) {
	f.mu.RLock()
	q, ok := f.quotes[asset]
	f.mu.RUnlock()
	if !ok || q.Price == 0 {
		return 0, fmt.Errorf("%w: no price for %s", model.ErrOracleUnavailable, asset)
	}
	return q.Price, nil
}

// SetPrice publishes a new price for asset.
func (f *MemoryFeed) SetPrice(_ context.Context, asset string, price uint64) error {
	if price == 0 {
		return fmt.Errorf("%w: price must be non-zero", model.ErrNoValue)
	}
	f.mu.Lock()
	f.quotes[asset] = Quote{Asset: asset, Price: price, UpdatedAt: f.now().UTC()}
	f.mu.Unlock()
	return nil
}

// Quotes returns every published quote.
func (f *MemoryFeed) Quotes() []Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Quote, 0, len(f.quotes))
	for _, q := range f.quotes {
		out = append(out, q)
	}
	return out
}
