// Package settlement implements the payout calculation for a leveraged
// forward contract.
//
// The calculator is pure: given the contract terms and a current price it
// returns the close payouts and whether the contract is liquidated. It never
// blocks and has no side effects.
//
// All arithmetic is 6-decimal fixed-point with truncating division, matching
// the ledger bit for bit. Intermediates are carried in shopspring/decimal
// (arbitrary precision, integer-valued here) so products such as
// collateral * movement * leverage cannot wrap; only results that do not fit
// their 64-bit fields are reported, as model.ErrOverflow.
package settlement

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/bitforward/forward-engine/internal/model"
)

// DefaultFeeRate is the premium fee in Scalar units: 100 / 1_000_000 = 0.01%.
const DefaultFeeRate uint64 = 100

// MaxFeeRate charges the whole premium as fee.
const MaxFeeRate uint64 = model.Scalar

var (
	scalar    = decimal.NewFromInt(model.Scalar)
	maxUint64 = fromUint(math.MaxUint64)
	maxInt64  = decimal.NewFromInt(math.MaxInt64)
	minInt64  = decimal.NewFromInt(math.MinInt64)
)

// Input is the contract state the calculator needs.
type Input struct {
	CollateralAmount uint64
	OpenPrice        uint64
	CurrentPrice     uint64
	LongLeverage     uint64
	ShortLeverage    uint64
	Premium          int64
	FeeRate          uint64

	// FeeCharged marks PremiumFee as already collected; it is used as-is and
	// FeeRate is ignored.
	FeeCharged bool
	PremiumFee uint64
}

// InputFromContract builds an Input for c evaluated at price, settling with
// the fee recorded on c when it opened.
func InputFromContract(c *model.Contract, price uint64) Input {
	return Input{
		CollateralAmount: c.CollateralAmount,
		OpenPrice:        c.OpenPrice,
		CurrentPrice:     price,
		LongLeverage:     c.LongLeverage,
		ShortLeverage:    c.ShortLeverage,
		Premium:          c.Premium,
		FeeCharged:       true,
		PremiumFee:       c.PremiumFee,
	}
}

// Result holds the settlement outcome. LongPayout + ShortPayout always equals
// twice the collateral.
type Result struct {
	PriceMovement int64  // signed fixed-point, 1_000_000 = +100%
	PremiumFee    uint64 // withheld from the premium receiver
	PremiumNet    int64  // premium as seen by the long side, net of fee
	LongPayout    uint64
	ShortPayout   uint64
	Liquidated    bool // one side's claim is fully consumed
}

// Calculate computes the payouts for in.
//
//	movement = (current - open) * SCALAR / open
//	delta    = collateral * movement * lev / SCALAR / SCALAR
//	fee      = |premium| * feeRate / SCALAR  (or PremiumFee when FeeCharged)
//	rawLong  = collateral + delta + (premium - sign(premium) * fee)
//	long     = clamp(rawLong, 0, 2 * collateral); short = 2 * collateral - long
//
// lev is the leverage of the side the movement goes against: long leverage
// for a falling price, short leverage for a rising one.
func Calculate(in Input) (Result, error) {
	if in.OpenPrice == 0 {
		return Result{}, fmt.Errorf("%w: open price is zero", model.ErrOracleUnavailable)
	}
	if in.CollateralAmount > math.MaxUint64/2 {
		return Result{}, fmt.Errorf("%w: collateral %d exceeds pool capacity", model.ErrOverflow, in.CollateralAmount)
	}

	collateral := fromUint(in.CollateralAmount)
	pool := collateral.Add(collateral)

	open := fromUint(in.OpenPrice)
	movement := quo(fromUint(in.CurrentPrice).Sub(open).Mul(scalar), open)
	if movement.GreaterThan(maxInt64) || movement.LessThan(minInt64) {
		return Result{}, fmt.Errorf("%w: price movement", model.ErrOverflow)
	}

	lev := in.ShortLeverage
	if movement.IsNegative() {
		lev = in.LongLeverage
	}
	delta := quo(quo(collateral.Mul(movement).Mul(fromUint(lev)), scalar), scalar)

	premium := decimal.NewFromInt(in.Premium)
	fee := quo(premium.Abs().Mul(fromUint(in.FeeRate)), scalar)
	if in.FeeCharged {
		fee = fromUint(in.PremiumFee)
		if fee.GreaterThan(premium.Abs()) {
			return Result{}, fmt.Errorf("%w: premium fee %d exceeds premium", model.ErrOverflow, in.PremiumFee)
		}
	}
	if fee.GreaterThan(maxUint64) {
		return Result{}, fmt.Errorf("%w: premium fee", model.ErrOverflow)
	}
	net := premium.Sub(fee.Mul(decimal.NewFromInt(int64(premium.Sign()))))
	if net.GreaterThan(maxInt64) || net.LessThan(minInt64) {
		return Result{}, fmt.Errorf("%w: net premium", model.ErrOverflow)
	}

	rawLong := collateral.Add(delta).Add(net)
	long := decimal.Min(decimal.Max(rawLong, decimal.Zero), pool)
	short := pool.Sub(long)

	res := Result{
		PriceMovement: movement.IntPart(),
		PremiumFee:    toUint(fee),
		PremiumNet:    net.IntPart(),
		LongPayout:    toUint(long),
		ShortPayout:   toUint(short),
	}
	res.Liquidated = res.LongPayout == 0 || res.ShortPayout == 0
	return res, nil
}

// PremiumFee returns |premium| * feeRate / SCALAR.
func PremiumFee(premium int64, feeRate uint64) (uint64, error) {
	if feeRate > MaxFeeRate {
		return 0, fmt.Errorf("%w: fee rate %d above %d", model.ErrOverflow, feeRate, MaxFeeRate)
	}
	fee := quo(decimal.NewFromInt(premium).Abs().Mul(fromUint(feeRate)), scalar)
	if fee.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: premium fee", model.ErrOverflow)
	}
	return toUint(fee), nil
}

// FromFixed converts a 6-decimal fixed-point value into a decimal for display.
func FromFixed(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -6)
}

// FromFixedSigned is FromFixed for signed values such as premium.
func FromFixedSigned(v int64) decimal.Decimal {
	return decimal.New(v, -6)
}

// quo is truncating integer division (toward zero).
func quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

func fromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// toUint converts a non-negative integer decimal already bounds-checked by
// the caller.
func toUint(d decimal.Decimal) uint64 {
	return d.BigInt().Uint64()
}
