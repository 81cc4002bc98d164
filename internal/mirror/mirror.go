// Package mirror keeps the off-chain, non-authoritative copy of active
// positions and the append-only history of closed ones. The ledger remains
// the source of truth; the mirror exists for fast listing and to drive the
// closing monitor.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bitforward/forward-engine/internal/metrics"
	"github.com/bitforward/forward-engine/internal/model"
)

// Snapshot is the persisted form of the mirror: two JSON documents.
type Snapshot struct {
	Positions []model.MirrorRecord
	History   []model.HistoryRecord
}

// Persister loads and saves snapshots.
type Persister interface {
	// Load returns the stored documents, creating empty ones when absent.
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// Store is the in-memory mirror. A single mutex guards positions, history
// and the dirty flag; every read-modify-persist sequence runs under it.
//
// A contract appears in history at most once, and never stays active once
// archived, even if it was re-added while its close was in flight.
type Store struct {
	persister Persister

	mu        sync.Mutex
	positions []model.MirrorRecord
	history   []model.HistoryRecord
	archived  map[uint64]bool
	dirty     bool
}

// NewStore creates a mirror backed by p. Call Init before use.
func NewStore(p Persister) *Store {
	return &Store{persister: p, archived: make(map[uint64]bool)}
}

// Init loads both documents.
func (s *Store) Init(ctx context.Context) error {
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("mirror: load: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = snap.Positions
	s.history = snap.History
	s.archived = make(map[uint64]bool, len(snap.History))
	for _, h := range snap.History {
		s.archived[h.ContractID] = true
	}
	s.dirty = false
	metrics.MirrorPositions.Set(float64(len(s.positions)))
	slog.Info("mirror loaded", "positions", len(s.positions), "history", len(s.history))
	return nil
}

// Persist writes both documents if anything changed since the last write.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

// Shutdown performs a final persist.
func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.Persist(ctx); err != nil {
		return err
	}
	slog.Info("mirror persisted on shutdown")
	return nil
}

// Dirty reports whether there are unpersisted changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Update runs fn with exclusive access and persists the result if fn made
// changes. The returned error is fn's, or the persist failure.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&Tx{s: s}); err != nil {
		return err
	}
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	snap := Snapshot{
		Positions: append([]model.MirrorRecord(nil), s.positions...),
		History:   append([]model.HistoryRecord(nil), s.history...),
	}
	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("mirror: save: %w", err)
	}
	s.dirty = false
	return nil
}

// Upsert adds or replaces the entry for rec.ContractID.
func (s *Store) Upsert(rec model.MirrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	(&Tx{s: s}).Upsert(rec)
}

// Remove deletes the entry for id. It reports whether one existed.
func (s *Store) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{s: s}).Remove(id)
}

// Get returns the entry for id.
func (s *Store) Get(id uint64) (model.MirrorRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{s: s}).Get(id)
}

// List returns a copy of the active entries.
func (s *Store) List() []model.MirrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MirrorRecord{}, s.positions...)
}

// History returns a copy of the closed entries.
func (s *Store) History() []model.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.HistoryRecord{}, s.history...)
}

// TakeDue removes and returns every entry whose closing block is at or
// before block.
func (s *Store) TakeDue(block uint64) []model.MirrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{s: s}).TakeDue(block)
}

// Restore puts back an entry previously taken by TakeDue.
func (s *Store) Restore(rec model.MirrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	(&Tx{s: s}).Restore(rec)
}

// Archive records h as closed. It reports whether h was appended.
func (s *Store) Archive(h model.HistoryRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{s: s}).Archive(h)
}

// Archived reports whether id is in history.
func (s *Store) Archived(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archived[id]
}

// Tx is exclusive access to the mirror inside Update.
type Tx struct {
	s *Store
}

func (tx *Tx) index(id uint64) int {
	for i, p := range tx.s.positions {
		if p.ContractID == id {
			return i
		}
	}
	return -1
}

// Upsert adds or replaces the entry for rec.ContractID.
func (tx *Tx) Upsert(rec model.MirrorRecord) {
	if i := tx.index(rec.ContractID); i >= 0 {
		tx.s.positions[i] = rec
	} else {
		tx.s.positions = append(tx.s.positions, rec)
	}
	tx.s.dirty = true
	metrics.MirrorPositions.Set(float64(len(tx.s.positions)))
}

// Remove deletes the entry for id.
func (tx *Tx) Remove(id uint64) bool {
	i := tx.index(id)
	if i < 0 {
		return false
	}
	tx.s.positions = append(tx.s.positions[:i], tx.s.positions[i+1:]...)
	tx.s.dirty = true
	metrics.MirrorPositions.Set(float64(len(tx.s.positions)))
	return true
}

// Get returns the entry for id.
func (tx *Tx) Get(id uint64) (model.MirrorRecord, bool) {
	if i := tx.index(id); i >= 0 {
		return tx.s.positions[i], true
	}
	return model.MirrorRecord{}, false
}

// TakeDue removes and returns every entry with ClosingBlock <= block.
func (tx *Tx) TakeDue(block uint64) []model.MirrorRecord {
	var due []model.MirrorRecord
	keep := tx.s.positions[:0]
	for _, p := range tx.s.positions {
		if p.ClosingBlock <= block {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	tx.s.positions = keep
	if len(due) > 0 {
		tx.s.dirty = true
		metrics.MirrorPositions.Set(float64(len(tx.s.positions)))
	}
	return due
}

// Restore puts back an entry taken by TakeDue. An entry added for the same
// contract in the meantime is newer and wins; an archived contract is not
// restored.
func (tx *Tx) Restore(rec model.MirrorRecord) {
	if tx.s.archived[rec.ContractID] || tx.index(rec.ContractID) >= 0 {
		return
	}
	tx.Upsert(rec)
}

// Archive removes any active entry for h's contract and appends h, unless
// the contract is already in history. It reports whether h was appended.
func (tx *Tx) Archive(h model.HistoryRecord) bool {
	tx.Remove(h.ContractID)
	if tx.s.archived[h.ContractID] {
		return false
	}
	tx.s.history = append(tx.s.history, h)
	tx.s.archived[h.ContractID] = true
	tx.s.dirty = true
	return true
}
