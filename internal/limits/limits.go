// Package limits enforces practical bounds on new positions: the size of a
// single contract, the leverage each side may take, and the total collateral
// an account may have locked in unsettled contracts.
//
// Bounds keep settlement arithmetic inside the 64-bit field types; the
// per-account limit caps how much a single principal can have at risk.
package limits

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/bitforward/forward-engine/internal/model"
)

// Hard ceilings applied even when no explicit limit is configured. Both legs
// together must fit in a uint64 and leverage beyond 1000x is not meaningful.
const (
	CeilingCollateral uint64 = math.MaxUint64 / 2
	CeilingLeverage   uint64 = 1000 * model.Scalar
)

// Limiter validates create/take requests. A zero field means "no limit beyond
// the hard ceiling".
type Limiter struct {
	// MaxCollateral is the largest collateral amount a single leg may post.
	MaxCollateral uint64

	// MaxLeverage is the largest leverage either side may request.
	MaxLeverage uint64

	// MaxAccountExposure is the largest total collateral one account may
	// have locked across Open and Filled contracts.
	MaxAccountExposure uint64
}

// New creates a limiter with the given bounds.
func New(maxCollateral, maxLeverage, maxAccountExposure uint64) *Limiter {
	return &Limiter{
		MaxCollateral:      maxCollateral,
		MaxLeverage:        maxLeverage,
		MaxAccountExposure: maxAccountExposure,
	}
}

// CheckParams validates collateral, premium and leverage ranges.
// Violations are reported as model.ErrOverflow.
func (l *Limiter) CheckParams(collateral uint64, premium int64, longLeverage, shortLeverage uint64) error {
	maxCollateral := bound(l.MaxCollateral, CeilingCollateral)
	if collateral > maxCollateral {
		return fmt.Errorf("%w: collateral %d exceeds %d", model.ErrOverflow, collateral, maxCollateral)
	}
	if premium == math.MinInt64 {
		return fmt.Errorf("%w: premium out of range", model.ErrOverflow)
	}

	maxLeverage := bound(l.MaxLeverage, CeilingLeverage)
	for _, lev := range []uint64{longLeverage, shortLeverage} {
		if lev > maxLeverage {
			return fmt.Errorf("%w: leverage %d exceeds %d", model.ErrOverflow, lev, maxLeverage)
		}
	}
	return nil
}

// CheckExposure validates that adding delta to an account's existing locked
// collateral stays within MaxAccountExposure.
func (l *Limiter) CheckExposure(existing, delta uint64) error {
	if l.MaxAccountExposure == 0 {
		return nil
	}
	total := amount(existing).Add(amount(delta))
	if total.GreaterThan(amount(l.MaxAccountExposure)) {
		return fmt.Errorf("%w: %s exceeds %d", model.ErrExposureLimit, total, l.MaxAccountExposure)
	}
	return nil
}

func bound(configured, ceiling uint64) uint64 {
	if configured == 0 || configured > ceiling {
		return ceiling
	}
	return configured
}

func amount(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
