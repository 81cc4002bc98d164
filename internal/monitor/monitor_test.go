package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/mirror"
	"github.com/bitforward/forward-engine/internal/model"
)

type fakeLedger struct {
	mu        sync.Mutex
	closes    []uint64
	closeErr  map[uint64]error
	contracts map[uint64]*model.Contract
	onClose   func(id uint64) // runs while the close is in flight
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{closeErr: map[uint64]error{}, contracts: map[uint64]*model.Contract{}}
}

func (f *fakeLedger) CloseContract(_ context.Context, id uint64, _ string) (model.CloseReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, id)
	if f.onClose != nil {
		f.onClose(id)
	}
	if err := f.closeErr[id]; err != nil {
		return model.CloseReceipt{}, err
	}
	return model.CloseReceipt{ContractID: id, LongPayout: 12_000_000, ShortPayout: 8_000_000, ClosePrice: 11_000_000, ClosedAtBlock: 10, TxRef: "tx"}, nil
}

func (f *fakeLedger) GetContract(_ context.Context, id uint64) (*model.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return nil, model.ErrContractNotFound
	}
	return c, nil
}

func (f *fakeLedger) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

func setup(t *testing.T) (*Monitor, *fakeLedger, *chain.Clock, *mirror.Store) {
	t.Helper()
	store := mirror.NewStore(mirror.NewFilePersister(t.TempDir()))
	require.NoError(t, store.Init(context.Background()))
	ledger := newFakeLedger()
	clock := chain.NewClock(10, 0)
	m := New(ledger, clock, store, "ST1KEEPER", time.Hour)
	m.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return m, ledger, clock, store
}

func due(id, closingBlock uint64) model.MirrorRecord {
	return model.MirrorRecord{ContractID: id, Address: "ST1", Amount: 10_000_000, ClosingBlock: closingBlock, Status: model.StatusFilled, Matched: "ST2"}
}

func TestTick_ClosesDueAndArchives(t *testing.T) {
	m, ledger, _, store := setup(t)
	store.Upsert(due(1, 10))
	store.Upsert(due(2, 11))

	m.Tick(context.Background())

	assert.Equal(t, []uint64{1}, ledger.closes)
	require.Len(t, store.History(), 1)
	h := store.History()[0]
	assert.Equal(t, uint64(1), h.ContractID)
	assert.Equal(t, model.StatusClosed, h.Status)
	assert.Equal(t, uint64(12_000_000), h.LongPayout)
	assert.Equal(t, uint64(10), h.ClosedAtBlock)
	assert.Equal(t, int64(1_700_000_000_000), h.ClosedAt)
	assert.Equal(t, "tx", h.CloseTransaction)

	remaining := store.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(2), remaining[0].ContractID)
	assert.False(t, store.Dirty(), "tick persists its changes")
}

func TestTick_SkipsUnchangedBlock(t *testing.T) {
	m, ledger, clock, store := setup(t)
	ctx := context.Background()

	m.Tick(ctx)
	store.Upsert(due(1, 5))
	m.Tick(ctx)
	assert.Zero(t, ledger.closeCalls(), "same block must not be processed twice")

	clock.Mine(1)
	m.Tick(ctx)
	assert.Equal(t, 1, ledger.closeCalls())
}

func TestTick_FailureRestoresForRetry(t *testing.T) {
	m, ledger, clock, store := setup(t)
	ctx := context.Background()
	ledger.closeErr[1] = errors.New("broadcast failed")
	store.Upsert(due(1, 10))

	m.Tick(ctx)
	assert.Empty(t, store.History())
	require.Len(t, store.List(), 1, "failed close is re-inserted")

	delete(ledger.closeErr, 1)
	clock.Mine(1)
	m.Tick(ctx)
	assert.Len(t, store.History(), 1)
	assert.Empty(t, store.List())
	assert.Equal(t, 2, ledger.closeCalls())
}

func TestTick_AlreadyClosedOnLedgerIsArchived(t *testing.T) {
	m, ledger, _, store := setup(t)
	ledger.closeErr[1] = model.ErrInvalidStatus
	ledger.contracts[1] = &model.Contract{ID: 1, Status: model.StatusClosed, LongPayout: 3, ShortPayout: 19_999_997, ClosePrice: 9_000_000}
	store.Upsert(due(1, 10))

	m.Tick(context.Background())

	require.Len(t, store.History(), 1)
	assert.Equal(t, uint64(19_999_997), store.History()[0].ShortPayout)
	assert.Empty(t, store.History()[0].CloseTransaction)
	assert.Empty(t, store.List())
}

func TestTick_UnmatchedIsRestored(t *testing.T) {
	m, ledger, _, store := setup(t)
	ledger.closeErr[1] = model.ErrInvalidStatus
	ledger.contracts[1] = &model.Contract{ID: 1, Status: model.StatusOpen}
	rec := due(1, 10)
	rec.Matched = ""
	rec.Status = model.StatusOpen
	store.Upsert(rec)

	m.Tick(context.Background())

	assert.Empty(t, store.History())
	assert.Len(t, store.List(), 1)
}

func TestTick_BlockSourceError(t *testing.T) {
	store := mirror.NewStore(mirror.NewFilePersister(t.TempDir()))
	require.NoError(t, store.Init(context.Background()))
	store.Upsert(due(1, 1))
	ledger := newFakeLedger()
	m := New(ledger, failingSource{}, store, "ST1KEEPER", time.Hour)

	m.Tick(context.Background())
	assert.Zero(t, ledger.closeCalls())
	assert.Len(t, store.List(), 1)
}

type failingSource struct{}

func (failingSource) CurrentBlock(context.Context) (uint64, error) {
	return 0, errors.New("node down")
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	m, ledger, _, store := setup(t)
	store.Upsert(due(1, 10))

	m.Start(context.Background())
	require.Eventually(t, func() bool { return ledger.closeCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	assert.Len(t, store.History(), 1)
}

func TestTick_ReaddedDuringCloseIsArchivedOnce(t *testing.T) {
	m, ledger, clock, store := setup(t)
	ctx := context.Background()
	store.Upsert(due(1, 10))
	ledger.onClose = func(id uint64) { store.Upsert(due(id, 10)) }

	m.Tick(ctx)
	assert.Empty(t, store.List(), "copy added during the close is dropped")
	require.Len(t, store.History(), 1)

	// The ledger now refuses the close; a stale re-add is cleared without a
	// second history row.
	ledger.onClose = nil
	ledger.closeErr[1] = model.ErrInvalidStatus
	ledger.contracts[1] = &model.Contract{ID: 1, Status: model.StatusClosed, LongPayout: 12_000_000, ShortPayout: 8_000_000}
	store.Upsert(due(1, 10))
	clock.Mine(1)
	m.Tick(ctx)

	assert.Empty(t, store.List())
	require.Len(t, store.History(), 1)
	assert.Equal(t, "tx", store.History()[0].CloseTransaction)
	assert.False(t, store.Dirty())
}

func TestTick_FailedCloseKeepsNewerEntry(t *testing.T) {
	m, ledger, _, store := setup(t)
	ledger.closeErr[1] = errors.New("node timeout")
	store.Upsert(due(1, 10))
	ledger.onClose = func(id uint64) {
		rec := due(id, 10)
		rec.Matched = "ST9MATCHED"
		store.Upsert(rec)
	}

	m.Tick(context.Background())

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ST9MATCHED", list[0].Matched)
	assert.Empty(t, store.History())
}
