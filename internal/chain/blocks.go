// Package chain connects the engine to the ledger's notion of time and to a
// remote ledger. It provides block-height sources (a local devnet clock, an
// HTTP node, and a TTL cache over either) and a client for the ledger wire
// protocol, whose tagged values are decoded into model types at this boundary.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// BlockSource reports the current ledger block height.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// Clock is a local devnet block producer. It advances by one block every
// interval while Run is active, and on demand via Mine.
type Clock struct {
	mu       sync.RWMutex
	height   uint64
	interval time.Duration
}

// NewClock creates a clock starting at height start.
func NewClock(start uint64, interval time.Duration) *Clock {
	return &Clock{height: start, interval: interval}
}

// CurrentBlock returns the current height.
func (c *Clock) CurrentBlock(_ context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height, nil
}

// Mine advances the clock by n blocks and returns the new height.
func (c *Clock) Mine(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	return c.height
}

// Run advances the clock every interval until ctx is cancelled. A
// non-positive interval leaves the clock manual-only.
func (c *Clock) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := c.Mine(1)
			slog.Debug("block mined", "height", h)
		}
	}
}

// NodeInfo is the subset of a node's /v2/info response the engine reads.
type NodeInfo struct {
	StacksTipHeight uint64 `json:"stacks_tip_height"`
}

// HTTPSource reads the block height from a node's /v2/info endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the node at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// CurrentBlock fetches the tip height.
func (s *HTTPSource) CurrentBlock(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v2/info", nil)
	if err != nil {
		return 0, fmt.Errorf("chain: build info request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chain: fetch info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chain: fetch info: status %d", resp.StatusCode)
	}

	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("chain: decode info: %w", err)
	}
	return info.StacksTipHeight, nil
}

// CachedHeight serves a block height from src, refreshing at most once per
// TTL. When a refresh fails and a previous height exists, the stale height is
// returned and the failure logged.
type CachedHeight struct {
	src BlockSource
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	height    uint64
	fetchedAt time.Time
	valid     bool
}

// NewCachedHeight wraps src with a TTL cache.
func NewCachedHeight(src BlockSource, ttl time.Duration) *CachedHeight {
	return &CachedHeight{src: src, ttl: ttl, now: time.Now}
}

// CurrentBlock returns the cached height or refreshes it.
func (c *CachedHeight) CurrentBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		return c.height, nil
	}

	h, err := c.src.CurrentBlock(ctx)
	if err != nil {
		if c.valid {
			slog.Warn("using stale block height",
				"height", c.height,
				"age", now.Sub(c.fetchedAt).String(),
				"err", err,
			)
			return c.height, nil
		}
		return 0, err
	}

	c.height = h
	c.fetchedAt = now
	c.valid = true
	return h, nil
}
