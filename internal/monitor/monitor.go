// Package monitor runs the periodic job that closes mirrored contracts once
// the ledger reaches their closing block.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/metrics"
	"github.com/bitforward/forward-engine/internal/mirror"
	"github.com/bitforward/forward-engine/internal/model"
)

// DefaultInterval suits a ledger producing a block about once a minute.
const DefaultInterval = 15 * time.Second

// Ledger is what the monitor needs from the ledger.
type Ledger interface {
	CloseContract(ctx context.Context, id uint64, caller string) (model.CloseReceipt, error)
	GetContract(ctx context.Context, id uint64) (*model.Contract, error)
}

// Monitor closes due contracts. Ticks run on a single goroutine, so they
// never overlap; an unchanged block height short-circuits the tick.
type Monitor struct {
	ledger   Ledger
	blocks   chain.BlockSource
	mirror   *mirror.Store
	caller   string
	interval time.Duration
	now      func() time.Time

	lastCheckedBlock uint64
	checked          bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. caller is the principal recorded as closing.
func New(ledger Ledger, blocks chain.BlockSource, m *mirror.Store, caller string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		ledger:   ledger,
		blocks:   blocks,
		mirror:   m,
		caller:   caller,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs an immediate tick and then one every interval until Stop or
// ctx cancellation. Calling Start on a running monitor restarts it.
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
	slog.Info("position monitor started", "interval", m.interval.String())
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("position monitor stopped")
}

// Tick performs one monitoring pass. It is exported for tests and manual
// triggering; it must not be called concurrently with a running loop.
//
// Entries taken as due may be re-added by API calls while their close is in
// flight. The mirror resolves that on Archive (the active copy is dropped and
// history keeps one record per contract) and on Restore (the newer copy
// wins).
func (m *Monitor) Tick(ctx context.Context) {
	block, err := m.blocks.CurrentBlock(ctx)
	if err != nil {
		metrics.MonitorTicks.WithLabelValues("error").Inc()
		slog.Error("monitor: block height unavailable", "err", err)
		return
	}
	metrics.BlockHeight.Set(float64(block))

	if m.checked && block == m.lastCheckedBlock {
		metrics.MonitorTicks.WithLabelValues("skipped").Inc()
		return
	}
	m.lastCheckedBlock = block
	m.checked = true

	due := m.mirror.TakeDue(block)
	if len(due) == 0 {
		metrics.MonitorTicks.WithLabelValues("idle").Inc()
		return
	}
	metrics.MonitorTicks.WithLabelValues("closing").Inc()
	slog.Info("found positions to close", "count", len(due), "block", block)

	for _, rec := range due {
		m.closeOne(ctx, rec, block)
	}

	if err := m.mirror.Persist(ctx); err != nil {
		slog.Error("monitor: persist mirror", "err", err)
	}
}

func (m *Monitor) closeOne(ctx context.Context, rec model.MirrorRecord, block uint64) {
	rc, err := m.ledger.CloseContract(ctx, rec.ContractID, m.caller)
	if err == nil {
		if !m.mirror.Archive(m.history(rec, rc.LongPayout, rc.ShortPayout, rc.ClosePrice, rc.ClosedAtBlock, rc.TxRef)) {
			slog.Warn("closed position already in history", "contract_id", rec.ContractID, "tx", rc.TxRef)
		}
		slog.Info("closed position", "contract_id", rec.ContractID, "liquidated", rc.Liquidated, "tx", rc.TxRef)
		return
	}

	if errors.Is(err, model.ErrInvalidStatus) {
		if m.reconcileStatus(ctx, rec, block) {
			return
		}
	}

	metrics.CloseFailures.Inc()
	slog.Error("failed to close position", "contract_id", rec.ContractID, "address", rec.Address, "err", err)
	m.mirror.Restore(rec)
}

// reconcileStatus handles a close refused for status. A contract already
// closed on the ledger is archived with the ledger's payouts; one still open
// (never matched) is put back. It reports whether the record was handled.
func (m *Monitor) reconcileStatus(ctx context.Context, rec model.MirrorRecord, block uint64) bool {
	c, err := m.ledger.GetContract(ctx, rec.ContractID)
	if err != nil {
		return false
	}
	switch c.Status {
	case model.StatusClosed:
		// Archive drops the active entry either way; history keeps the first record.
		if m.mirror.Archive(m.history(rec, c.LongPayout, c.ShortPayout, c.ClosePrice, block, "")) {
			slog.Warn("position already closed on ledger", "contract_id", rec.ContractID)
		}
		return true
	case model.StatusOpen:
		m.mirror.Restore(rec)
		slog.Warn("due position has no counterparty", "contract_id", rec.ContractID, "closing_block", rec.ClosingBlock)
		return true
	default:
		return false
	}
}

func (m *Monitor) history(rec model.MirrorRecord, long, short, price, block uint64, tx string) model.HistoryRecord {
	rec.Status = model.StatusClosed
	return model.HistoryRecord{
		MirrorRecord:     rec,
		LongPayout:       long,
		ShortPayout:      short,
		ClosePrice:       price,
		ClosedAt:         m.now().UnixMilli(),
		ClosedAtBlock:    block,
		CloseTransaction: tx,
	}
}
