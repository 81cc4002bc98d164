package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitforward/forward-engine/internal/asset"
	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/events"
	"github.com/bitforward/forward-engine/internal/limits"
	"github.com/bitforward/forward-engine/internal/model"
	"github.com/bitforward/forward-engine/internal/oracle"
	"github.com/bitforward/forward-engine/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	feed   *oracle.MemoryFeed
	clock  *chain.Clock
	events *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := asset.NewRegistry(asset.DefaultSymbols)
	require.NoError(t, err)

	f := &fixture{
		store:  store.NewMemoryStore(),
		feed:   oracle.NewMemoryFeed(),
		clock:  chain.NewClock(1, 0),
		events: &recorder{},
	}
	require.NoError(t, f.feed.SetPrice(context.Background(), "USD", 10_000_000))

	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	opts = append([]Option{WithPublisher(f.events), WithClock(func() time.Time { return fixed })}, opts...)
	f.engine = NewEngine(f.store, f.feed, f.clock, reg, opts...)
	return f
}

func params(creator string, long bool) model.CreateParams {
	return model.CreateParams{
		Creator:          creator,
		CollateralAmount: 10_000_000,
		ClosingBlock:     10,
		IsLong:           long,
		Asset:            "USD",
		Premium:          1_000_000,
		LongLeverage:     model.Scalar,
		ShortLeverage:    model.Scalar,
	}
}

func TestCreatePosition_AssignsIDsAndLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreatePosition(ctx, params("alice", true))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	c, err := f.engine.GetContract(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, c.Status)
	assert.Equal(t, uint64(1), c.LongID)
	assert.Zero(t, c.ShortID)
	assert.Equal(t, uint64(10_000_000), c.OpenPrice)
	assert.Equal(t, uint64(1), c.OpenBlock)
	assert.Equal(t, uint64(100), c.PremiumFee)

	tok, err := f.store.GetLegToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.SideLong, tok.Side)
	assert.Equal(t, "alice", tok.Owner)

	id2, err := f.engine.CreatePosition(ctx, params("bob", false))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)
}

func TestCreatePosition_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.CreateParams)
		want   error
	}{
		{"zero collateral", func(p *model.CreateParams) { p.CollateralAmount = 0 }, model.ErrNoValue},
		{"zero premium", func(p *model.CreateParams) { p.Premium = 0 }, model.ErrNoValue},
		{"closing block is current", func(p *model.CreateParams) { p.ClosingBlock = 1 }, model.ErrCloseBlockInPast},
		{"closing block in past", func(p *model.CreateParams) { p.ClosingBlock = 0 }, model.ErrCloseBlockInPast},
		{"unknown asset", func(p *model.CreateParams) { p.Asset = "XAU" }, model.ErrAssetNotSupported},
		{"long leverage below 1x", func(p *model.CreateParams) { p.LongLeverage = 999_999 }, model.ErrInvalidLeverage},
		{"short leverage below 1x", func(p *model.CreateParams) { p.ShortLeverage = 0 }, model.ErrInvalidLeverage},
		{"leverage above ceiling", func(p *model.CreateParams) { p.ShortLeverage = limits.CeilingLeverage + 1 }, model.ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := params("alice", true)
			tt.mutate(&p)

			_, err := f.engine.CreatePosition(ctx, p)
			require.ErrorIs(t, err, tt.want)

			all, err := f.engine.ListContracts(ctx)
			require.NoError(t, err)
			assert.Empty(t, all, "rejected create must not write")
			transfers, _ := f.store.GetTransfersByAccount(ctx, "alice")
			assert.Empty(t, transfers)
			assert.Empty(t, f.events.types())
		})
	}
}

func TestCreatePosition_LowercaseAssetNormalised(t *testing.T) {
	f := newFixture(t)
	p := params("alice", true)
	p.Asset = "usd"
	id, err := f.engine.CreatePosition(context.Background(), p)
	require.NoError(t, err)

	c, _ := f.engine.GetContract(context.Background(), id)
	assert.Equal(t, "USD", c.Asset)
}

func TestCreatePosition_OracleUnavailable(t *testing.T) {
	f := newFixture(t)
	p := params("alice", true)
	p.Asset = "EUR"
	_, err := f.engine.CreatePosition(context.Background(), p)
	assert.ErrorIs(t, err, model.ErrOracleUnavailable)
}

func TestCreatePosition_ExposureLimit(t *testing.T) {
	f := newFixture(t, WithLimits(limits.New(0, 0, 15_000_000)))
	ctx := context.Background()

	_, err := f.engine.CreatePosition(ctx, params("alice", true))
	require.NoError(t, err)
	_, err = f.engine.CreatePosition(ctx, params("alice", true))
	assert.ErrorIs(t, err, model.ErrExposureLimit)
	_, err = f.engine.CreatePosition(ctx, params("bob", true))
	assert.NoError(t, err)
}

func TestTakePosition_FillsOtherLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreatePosition(ctx, params("alice", true))
	require.NoError(t, err)

	legID, err := f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), legID)

	c, err := f.engine.GetContract(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, c.Status)
	assert.Equal(t, uint64(1), c.LongID)
	assert.Equal(t, uint64(2), c.ShortID)
	assert.Equal(t, "bob", c.Counterparty)
	assert.Equal(t, "bob", c.Owner(model.SideShort))

	// Positive premium: the short pays it, so the taker is charged the fee.
	bob, _ := f.store.GetTransfersByAccount(ctx, "bob")
	require.Len(t, bob, 2)
	assert.Equal(t, model.TransferDebit, bob[0].Kind)
	assert.Equal(t, uint64(10_000_000), bob[0].Amount)
	assert.Equal(t, model.TransferFee, bob[1].Kind)
	assert.Equal(t, uint64(100), bob[1].Amount)

	revenue, _ := f.store.GetTransfersByAccount(ctx, model.RevenueAccount)
	require.Len(t, revenue, 1)
	assert.Equal(t, uint64(100), revenue[0].Amount)

	alice, _ := f.store.GetTransfersByAccount(ctx, "alice")
	assert.Len(t, alice, 1, "long creator does not pay the premium fee")
}

func TestTakePosition_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.TakePosition(ctx, 99, "bob")
	assert.ErrorIs(t, err, model.ErrContractNotFound)

	id, _ := f.engine.CreatePosition(ctx, params("alice", true))
	_, err = f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)

	_, err = f.engine.TakePosition(ctx, id, "carol")
	assert.ErrorIs(t, err, model.ErrAlreadyHasCounterparty)
}

func TestTakePosition_ConcurrentTakesOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.CreatePosition(ctx, params("alice", false))
	require.NoError(t, err)

	const takers = 20
	var wg sync.WaitGroup
	errs := make([]error, takers)
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.TakePosition(ctx, id, "taker")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, model.ErrAlreadyHasCounterparty)
	}
	assert.Equal(t, 1, wins)

	debits := 0
	transfers, _ := f.store.GetTransfersByAccount(ctx, "taker")
	for _, tr := range transfers {
		if tr.Kind == model.TransferDebit {
			debits++
		}
	}
	assert.Equal(t, 1, debits, "only the winning take debits collateral")
}

func TestCloseContract_AtClosingBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.engine.CreatePosition(ctx, params("alice", true))
	_, err := f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)

	_, err = f.engine.CloseContract(ctx, id, "keeper")
	require.ErrorIs(t, err, model.ErrCloseBlockNotReached)

	require.NoError(t, f.feed.SetPrice(ctx, "USD", 12_000_000))
	f.clock.Mine(9)

	rc, err := f.engine.CloseContract(ctx, id, "keeper")
	require.NoError(t, err)
	assert.Equal(t, uint64(12_999_900), rc.LongPayout)
	assert.Equal(t, uint64(7_000_100), rc.ShortPayout)
	assert.Equal(t, uint64(12_000_000), rc.ClosePrice)
	assert.Equal(t, uint64(10), rc.ClosedAtBlock)
	assert.False(t, rc.Liquidated)
	assert.NotEmpty(t, rc.TxRef)

	c, _ := f.engine.GetContract(ctx, id)
	assert.Equal(t, model.StatusClosed, c.Status)
	assert.Equal(t, c.LongPayout+c.ShortPayout, 2*c.CollateralAmount)

	credits, _ := f.store.GetTransfersByAccount(ctx, "alice")
	require.Len(t, credits, 2)
	assert.Equal(t, model.TransferCredit, credits[1].Kind)
	assert.Equal(t, uint64(12_999_900), credits[1].Amount)

	bobBefore, _ := f.store.GetTransfersByAccount(ctx, "bob")

	// A second close fails and leaves payouts and transfers untouched.
	require.NoError(t, f.feed.SetPrice(ctx, "USD", 8_000_000))
	f.clock.Mine(1)
	_, err = f.engine.CloseContract(ctx, id, "keeper")
	assert.ErrorIs(t, err, model.ErrInvalidStatus)

	after, _ := f.engine.GetContract(ctx, id)
	assert.Equal(t, c, after)
	aliceAfter, _ := f.store.GetTransfersByAccount(ctx, "alice")
	assert.Equal(t, credits, aliceAfter)
	bobAfter, _ := f.store.GetTransfersByAccount(ctx, "bob")
	assert.Equal(t, bobBefore, bobAfter)

	assert.Equal(t, []events.Type{events.ContractCreated, events.ContractFilled, events.ContractClosed}, f.events.types())
}

func TestCloseContract_SettlesWithFeeChargedAtOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.engine.CreatePosition(ctx, params("alice", true))
	_, err := f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)
	f.clock.Mine(9)

	reg, err := asset.NewRegistry(asset.DefaultSymbols)
	require.NoError(t, err)
	restarted := NewEngine(f.store, f.feed, f.clock, reg, WithFeeRate(100_000))

	rc, err := restarted.CloseContract(ctx, id, "keeper")
	require.NoError(t, err)

	c, _ := restarted.GetContract(ctx, id)
	assert.Equal(t, uint64(100), c.PremiumFee)
	// Price unchanged: long gets collateral plus premium net of the fee paid at open.
	assert.Equal(t, uint64(10_000_000+1_000_000-100), rc.LongPayout)
	assert.Equal(t, uint64(10_000_000-1_000_000+100), rc.ShortPayout)

	revenue, _ := f.store.GetTransfersByAccount(ctx, model.RevenueAccount)
	require.Len(t, revenue, 1)
	assert.Equal(t, c.PremiumFee, revenue[0].Amount)
}

func TestCloseContract_EarlyLiquidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := params("alice", true)
	p.LongLeverage = 5 * model.Scalar
	id, _ := f.engine.CreatePosition(ctx, p)
	_, err := f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)

	require.NoError(t, f.feed.SetPrice(ctx, "USD", 7_500_000))
	rc, err := f.engine.CloseContract(ctx, id, "keeper")
	require.NoError(t, err)
	assert.True(t, rc.Liquidated)
	assert.Zero(t, rc.LongPayout)
	assert.Equal(t, uint64(20_000_000), rc.ShortPayout)

	// A zero payout produces no credit row.
	alice, _ := f.store.GetTransfersByAccount(ctx, "alice")
	for _, tr := range alice {
		assert.NotEqual(t, model.TransferCredit, tr.Kind)
	}
}

func TestCloseContract_NotFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CloseContract(ctx, 1, "keeper")
	assert.ErrorIs(t, err, model.ErrContractNotFound)

	id, _ := f.engine.CreatePosition(ctx, params("alice", true))
	f.clock.Mine(20)
	_, err = f.engine.CloseContract(ctx, id, "keeper")
	assert.ErrorIs(t, err, model.ErrInvalidStatus)
}

func TestCloseContract_ConcurrentClosesOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.CreatePosition(ctx, params("alice", true))
	_, err := f.engine.TakePosition(ctx, id, "bob")
	require.NoError(t, err)
	f.clock.Mine(10)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.CloseContract(ctx, id, "keeper")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, model.ErrInvalidStatus)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCurrentBlock(t *testing.T) {
	f := newFixture(t)
	f.clock.Mine(4)
	h, err := f.engine.CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h)
}
