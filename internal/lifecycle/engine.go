// Package lifecycle implements the contract state machine: create, take and
// close, with collateral escrow recorded as immutable transfers.
//
// The engine holds no lock of its own. Every transition is a compare-and-set
// on the stored status, so concurrent calls on the same contract resolve to
// exactly one winner while calls on different contracts never contend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bitforward/forward-engine/internal/asset"
	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/events"
	"github.com/bitforward/forward-engine/internal/limits"
	"github.com/bitforward/forward-engine/internal/metrics"
	"github.com/bitforward/forward-engine/internal/model"
	"github.com/bitforward/forward-engine/internal/oracle"
	"github.com/bitforward/forward-engine/internal/settlement"
	"github.com/bitforward/forward-engine/internal/store"
)

// Engine executes lifecycle operations against a store.
type Engine struct {
	store   store.Store
	feed    oracle.Feed
	blocks  chain.BlockSource
	assets  *asset.Registry
	limits  *limits.Limiter
	feeRate uint64
	events  events.Publisher
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets input bounds. The default enforces only hard ceilings.
func WithLimits(l *limits.Limiter) Option { return func(e *Engine) { e.limits = l } }

// WithFeeRate overrides settlement.DefaultFeeRate.
func WithFeeRate(rate uint64) Option { return func(e *Engine) { e.feeRate = rate } }

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine.
func NewEngine(s store.Store, feed oracle.Feed, blocks chain.BlockSource, assets *asset.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		feed:    feed,
		blocks:  blocks,
		assets:  assets,
		limits:  limits.New(0, 0, 0),
		feeRate: settlement.DefaultFeeRate,
		events:  events.Discard{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FeeRate returns the premium fee rate in fixed-point units.
func (e *Engine) FeeRate() uint64 { return e.feeRate }

// CreatePosition opens a new contract with the creator on one leg.
// All validation happens before anything is written.
func (e *Engine) CreatePosition(ctx context.Context, p model.CreateParams) (uint64, error) {
	id, err := e.create(ctx, p)
	if err != nil {
		reject("create", err)
		return 0, err
	}
	return id, nil
}

func (e *Engine) create(ctx context.Context, p model.CreateParams) (uint64, error) {
	if p.CollateralAmount == 0 || p.Premium == 0 {
		return 0, model.ErrNoValue
	}

	block, err := e.blocks.CurrentBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: current block: %w", err)
	}
	if p.ClosingBlock <= block {
		return 0, fmt.Errorf("%w: closing block %d, current %d", model.ErrCloseBlockInPast, p.ClosingBlock, block)
	}

	sym, err := e.assets.Lookup(p.Asset)
	if err != nil {
		return 0, err
	}

	if p.LongLeverage < model.Scalar || p.ShortLeverage < model.Scalar {
		return 0, fmt.Errorf("%w: long %d, short %d", model.ErrInvalidLeverage, p.LongLeverage, p.ShortLeverage)
	}
	if err := e.limits.CheckParams(p.CollateralAmount, p.Premium, p.LongLeverage, p.ShortLeverage); err != nil {
		return 0, err
	}

	fee, err := settlement.PremiumFee(p.Premium, e.feeRate)
	if err != nil {
		return 0, err
	}

	exposure, err := e.store.GetOpenExposure(ctx, p.Creator)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: exposure: %w", err)
	}
	if err := e.limits.CheckExposure(exposure, p.CollateralAmount); err != nil {
		return 0, err
	}

	openPrice, err := e.feed.Price(ctx, sym)
	if err != nil {
		return 0, err
	}

	legID, err := e.store.NextLegID(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: leg id: %w", err)
	}

	now := e.now().UTC()
	c := &model.Contract{
		Creator:          p.Creator,
		CreatorLong:      p.IsLong,
		CollateralAmount: p.CollateralAmount,
		Premium:          p.Premium,
		PremiumFee:       fee,
		OpenPrice:        openPrice,
		OpenBlock:        block,
		ClosingBlock:     p.ClosingBlock,
		Asset:            sym,
		LongLeverage:     p.LongLeverage,
		ShortLeverage:    p.ShortLeverage,
		Status:           model.StatusOpen,
		CreatedAt:        now,
	}
	side := c.CreatorSide()
	if side == model.SideLong {
		c.LongID = legID
	} else {
		c.ShortID = legID
	}

	fx := store.Effects{
		Tokens:    []model.LegToken{{ID: legID, Side: side, Owner: p.Creator, MintedAt: now}},
		Transfers: e.depositTransfers(c, side, p.Creator, now),
	}
	if err := e.store.CreateContract(ctx, c, fx); err != nil {
		return 0, fmt.Errorf("lifecycle: create: %w", err)
	}

	metrics.ContractsTotal.WithLabelValues(model.StatusOpen.String()).Inc()
	metrics.CollateralLocked.WithLabelValues(sym).Add(float64(c.CollateralAmount))
	slog.Info("contract created",
		"contract_id", c.ID,
		"creator", c.Creator,
		"side", side,
		"asset", sym,
		"collateral", settlement.FromFixed(c.CollateralAmount).String(),
		"closing_block", c.ClosingBlock,
	)
	e.events.Publish(ctx, events.Event{
		Type:       events.ContractCreated,
		ContractID: c.ID,
		Asset:      sym,
		Price:      openPrice,
		Block:      block,
		Contract:   c,
		Timestamp:  now,
	})
	return c.ID, nil
}

// TakePosition fills the open leg of contract id. It returns the id of the
// leg token minted for the counterparty.
func (e *Engine) TakePosition(ctx context.Context, id uint64, counterparty string) (uint64, error) {
	legID, err := e.take(ctx, id, counterparty)
	if err != nil {
		reject("take", err)
		return 0, err
	}
	return legID, nil
}

func (e *Engine) take(ctx context.Context, id uint64, counterparty string) (uint64, error) {
	c, err := e.store.GetContract(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != model.StatusOpen {
		return 0, fmt.Errorf("%w: contract %d is %s", model.ErrAlreadyHasCounterparty, id, c.Status)
	}

	exposure, err := e.store.GetOpenExposure(ctx, counterparty)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: exposure: %w", err)
	}
	if err := e.limits.CheckExposure(exposure, c.CollateralAmount); err != nil {
		return 0, err
	}

	legID, err := e.store.NextLegID(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: leg id: %w", err)
	}

	now := e.now().UTC()
	next := *c
	next.Counterparty = counterparty
	next.Status = model.StatusFilled
	side := c.CreatorSide().Opposite()
	if side == model.SideLong {
		next.LongID = legID
	} else {
		next.ShortID = legID
	}

	fx := store.Effects{
		Tokens:    []model.LegToken{{ID: legID, Side: side, Owner: counterparty, MintedAt: now}},
		Transfers: e.depositTransfers(&next, side, counterparty, now),
	}
	if err := e.store.TransitionContract(ctx, &next, model.StatusOpen, fx); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return 0, fmt.Errorf("%w: contract %d", model.ErrAlreadyHasCounterparty, id)
		}
		return 0, fmt.Errorf("lifecycle: take: %w", err)
	}

	metrics.ContractsTotal.WithLabelValues(model.StatusFilled.String()).Inc()
	metrics.CollateralLocked.WithLabelValues(next.Asset).Add(float64(next.CollateralAmount))
	slog.Info("contract filled", "contract_id", id, "counterparty", counterparty, "side", side, "leg_id", legID)
	e.events.Publish(ctx, events.Event{
		Type:       events.ContractFilled,
		ContractID: id,
		Asset:      next.Asset,
		Contract:   &next,
		Timestamp:  now,
	})
	return legID, nil
}

// CloseContract settles a filled contract at the current oracle price.
// Anyone may close. Before the closing block only a liquidating close is
// accepted.
func (e *Engine) CloseContract(ctx context.Context, id uint64, caller string) (model.CloseReceipt, error) {
	start := time.Now()
	rc, err := e.close(ctx, id, caller)
	if err != nil {
		reject("close", err)
		return model.CloseReceipt{}, err
	}
	metrics.CloseLatency.Observe(time.Since(start).Seconds())
	return rc, nil
}

func (e *Engine) close(ctx context.Context, id uint64, caller string) (model.CloseReceipt, error) {
	c, err := e.store.GetContract(ctx, id)
	if err != nil {
		return model.CloseReceipt{}, err
	}
	if c.Status != model.StatusFilled {
		return model.CloseReceipt{}, fmt.Errorf("%w: contract %d is %s", model.ErrInvalidStatus, id, c.Status)
	}

	block, err := e.blocks.CurrentBlock(ctx)
	if err != nil {
		return model.CloseReceipt{}, fmt.Errorf("lifecycle: current block: %w", err)
	}
	price, err := e.feed.Price(ctx, c.Asset)
	if err != nil {
		return model.CloseReceipt{}, err
	}
	res, err := settlement.Calculate(settlement.InputFromContract(c, price))
	if err != nil {
		return model.CloseReceipt{}, err
	}
	if block < c.ClosingBlock && !res.Liquidated {
		return model.CloseReceipt{}, fmt.Errorf("%w: closing block %d, current %d", model.ErrCloseBlockNotReached, c.ClosingBlock, block)
	}

	now := e.now().UTC()
	next := *c
	next.Status = model.StatusClosed
	next.ClosePrice = price
	next.LongPayout = res.LongPayout
	next.ShortPayout = res.ShortPayout

	var fx store.Effects
	for _, leg := range []struct {
		owner  string
		amount uint64
	}{
		{c.Owner(model.SideLong), res.LongPayout},
		{c.Owner(model.SideShort), res.ShortPayout},
	} {
		if leg.amount == 0 {
			continue
		}
		fx.Transfers = append(fx.Transfers, model.Transfer{
			ID:        uuid.NewString(),
			Account:   leg.owner,
			Kind:      model.TransferCredit,
			Amount:    leg.amount,
			Timestamp: now,
		})
	}

	if err := e.store.TransitionContract(ctx, &next, model.StatusFilled, fx); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return model.CloseReceipt{}, fmt.Errorf("%w: contract %d already closed", model.ErrInvalidStatus, id)
		}
		return model.CloseReceipt{}, fmt.Errorf("lifecycle: close: %w", err)
	}

	rc := model.CloseReceipt{
		ContractID:    id,
		LongPayout:    res.LongPayout,
		ShortPayout:   res.ShortPayout,
		ClosePrice:    price,
		ClosedAtBlock: block,
		Liquidated:    res.Liquidated,
		TxRef:         uuid.NewString(),
	}

	metrics.ContractsTotal.WithLabelValues(model.StatusClosed.String()).Inc()
	if res.Liquidated {
		metrics.Liquidations.Inc()
	}
	slog.Info("contract closed",
		"contract_id", id,
		"caller", caller,
		"close_price", settlement.FromFixed(price).String(),
		"long_payout", res.LongPayout,
		"short_payout", res.ShortPayout,
		"liquidated", res.Liquidated,
		"block", block,
	)
	e.events.Publish(ctx, events.Event{
		Type:       events.ContractClosed,
		ContractID: id,
		Asset:      next.Asset,
		Price:      price,
		Block:      block,
		Contract:   &next,
		Receipt:    &rc,
		Timestamp:  now,
	})
	return rc, nil
}

// GetContract reads a contract.
func (e *Engine) GetContract(ctx context.Context, id uint64) (*model.Contract, error) {
	return e.store.GetContract(ctx, id)
}

// ListContracts returns every contract ordered by id.
func (e *Engine) ListContracts(ctx context.Context) ([]model.Contract, error) {
	return e.store.ListContracts(ctx)
}

// CurrentBlock returns the ledger block height.
func (e *Engine) CurrentBlock(ctx context.Context) (uint64, error) {
	return e.blocks.CurrentBlock(ctx)
}

// depositTransfers debits collateral from the depositor of side. When that
// side pays the premium, its fee is moved to the revenue account as well.
func (e *Engine) depositTransfers(c *model.Contract, side model.Side, account string, now time.Time) []model.Transfer {
	out := []model.Transfer{{
		ID:        uuid.NewString(),
		Account:   account,
		Kind:      model.TransferDebit,
		Amount:    c.CollateralAmount,
		Timestamp: now,
	}}
	if c.PremiumFee > 0 && premiumPayer(c.Premium) == side {
		out = append(out, model.Transfer{
			ID:        uuid.NewString(),
			Account:   account,
			Kind:      model.TransferFee,
			Amount:    c.PremiumFee,
			Timestamp: now,
		}, model.Transfer{
			ID:        uuid.NewString(),
			Account:   model.RevenueAccount,
			Kind:      model.TransferCredit,
			Amount:    c.PremiumFee,
			Timestamp: now,
		})
	}
	return out
}

// premiumPayer is the side the premium flows from: positive premiums are
// paid by the short to the long.
func premiumPayer(premium int64) model.Side {
	if premium > 0 {
		return model.SideShort
	}
	return model.SideLong
}

func reject(op string, err error) {
	reason := "internal"
	if code := model.ErrorCode(err); code != 0 {
		reason = fmt.Sprintf("u%d", code)
	}
	metrics.Rejections.WithLabelValues(op, reason).Inc()
}
