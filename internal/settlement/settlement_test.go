package settlement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitforward/forward-engine/internal/model"
)

const (
	collateral = 10_000_000 // 10.0
	premium    = 1_000_000  // 1.0
	usdPrice   = 10_000_000 // $10
	oneX       = model.Scalar
)

func base() Input {
	return Input{
		CollateralAmount: collateral,
		OpenPrice:        usdPrice,
		CurrentPrice:     usdPrice,
		LongLeverage:     oneX,
		ShortLeverage:    oneX,
		Premium:          premium,
		FeeRate:          DefaultFeeRate,
	}
}

func TestCalculate_UnchangedPrice(t *testing.T) {
	res, err := Calculate(base())
	require.NoError(t, err)

	fee := uint64(premium * DefaultFeeRate / model.Scalar)
	assert.Equal(t, uint64(100), fee)
	assert.Equal(t, fee, res.PremiumFee)
	assert.Equal(t, int64(0), res.PriceMovement)
	assert.Equal(t, uint64(collateral+premium)-fee, res.LongPayout)
	assert.Equal(t, uint64(2*collateral), res.LongPayout+res.ShortPayout)
	assert.False(t, res.Liquidated)
}

func TestCalculate_LongProfit(t *testing.T) {
	in := base()
	in.CurrentPrice = 12_000_000 // +20%

	res, err := Calculate(in)
	require.NoError(t, err)

	assert.Equal(t, int64(200_000), res.PriceMovement)
	assert.Equal(t, uint64(12_999_900), res.LongPayout)
	assert.Equal(t, uint64(7_000_100), res.ShortPayout)
}

func TestCalculate_ShortProfit(t *testing.T) {
	in := base()
	in.CurrentPrice = usdPrice * 8 / 10 // -20%

	res, err := Calculate(in)
	require.NoError(t, err)

	assert.Equal(t, int64(-200_000), res.PriceMovement)
	assert.Equal(t, uint64(8_999_900), res.LongPayout)
	assert.Equal(t, uint64(11_000_100), res.ShortPayout)
	assert.Greater(t, res.ShortPayout, res.LongPayout)
}

func TestCalculate_LongLiquidated(t *testing.T) {
	in := base()
	in.LongLeverage = 5 * oneX
	in.CurrentPrice = usdPrice * 75 / 100 // -25%

	res, err := Calculate(in)
	require.NoError(t, err)

	assert.True(t, res.Liquidated)
	assert.Equal(t, uint64(0), res.LongPayout)
	assert.Equal(t, uint64(2*collateral), res.ShortPayout)
}

func TestCalculate_ShortLiquidated(t *testing.T) {
	in := base()
	in.ShortLeverage = 5 * oneX
	in.CurrentPrice = usdPrice * 125 / 100 // +25%

	res, err := Calculate(in)
	require.NoError(t, err)

	assert.True(t, res.Liquidated)
	assert.Equal(t, uint64(2*collateral), res.LongPayout)
	assert.Equal(t, uint64(0), res.ShortPayout)
}

func TestCalculate_LeverageOfLosingSide(t *testing.T) {
	// Long is 5x but the price rises: the short (1x) is the side losing, so
	// the transfer is scaled by short leverage.
	in := base()
	in.LongLeverage = 5 * oneX
	in.CurrentPrice = 11_000_000 // +10%

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(collateral+1_000_000+999_900), res.LongPayout)
	assert.False(t, res.Liquidated)
}

func TestCalculate_NegativePremium(t *testing.T) {
	in := base()
	in.Premium = -premium

	res, err := Calculate(in)
	require.NoError(t, err)

	assert.Equal(t, uint64(100), res.PremiumFee)
	assert.Equal(t, int64(-999_900), res.PremiumNet)
	assert.Equal(t, uint64(9_000_100), res.LongPayout)
	assert.Equal(t, uint64(10_999_900), res.ShortPayout)
}

func TestCalculate_FlatPriceCreditsNetPremium(t *testing.T) {
	in := Input{
		CollateralAmount: 1_000_000_000,
		OpenPrice:        usdPrice,
		CurrentPrice:     usdPrice,
		LongLeverage:     oneX,
		ShortLeverage:    oneX,
		Premium:          10_000_000,
		FeeRate:          DefaultFeeRate,
	}
	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), res.PremiumFee)
	assert.Equal(t, uint64(1_009_999_000), res.LongPayout)
	assert.Equal(t, uint64(2_000_000_000), res.LongPayout+res.ShortPayout)
}

func TestCalculate_TruncatesTowardZero(t *testing.T) {
	in := base()
	in.OpenPrice = 3_000_000
	in.CurrentPrice = 4_000_000
	up, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, int64(333_333), up.PriceMovement)

	in.CurrentPrice = 2_000_000
	down, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, int64(-333_333), down.PriceMovement)
}

func TestCalculate_Conservation(t *testing.T) {
	prices := []uint64{1, 2_500_000, 7_499_999, 9_999_999, 10_000_000, 10_000_001, 13_333_333, 40_000_000}
	leverages := []uint64{oneX, 1_500_000, 3 * oneX, 20 * oneX}
	premiums := []int64{-3_000_000, -1, 1, 250_000, 25_000_000}

	for _, p := range prices {
		for _, lev := range leverages {
			for _, prem := range premiums {
				in := base()
				in.CurrentPrice = p
				in.LongLeverage = lev
				in.ShortLeverage = 2*oneX + lev/2
				in.Premium = prem

				res, err := Calculate(in)
				require.NoError(t, err)
				require.Equal(t, uint64(2*collateral), res.LongPayout+res.ShortPayout,
					"price=%d lev=%d premium=%d", p, lev, prem)
				require.Equal(t, res.LongPayout == 0 || res.ShortPayout == 0, res.Liquidated)
			}
		}
	}
}

func TestCalculate_ZeroOpenPrice(t *testing.T) {
	in := base()
	in.OpenPrice = 0
	_, err := Calculate(in)
	assert.ErrorIs(t, err, model.ErrOracleUnavailable)
}

func TestCalculate_Overflow(t *testing.T) {
	in := base()
	in.CollateralAmount = math.MaxUint64/2 + 1
	_, err := Calculate(in)
	assert.ErrorIs(t, err, model.ErrOverflow)

	in = base()
	in.OpenPrice = 1
	in.CurrentPrice = math.MaxUint64
	_, err = Calculate(in)
	assert.ErrorIs(t, err, model.ErrOverflow)
}

func TestCalculate_LargeValuesDoNotWrap(t *testing.T) {
	// collateral * movement * leverage is far beyond 64 bits here; the clamp
	// must still see the true value.
	in := base()
	in.CollateralAmount = math.MaxUint64 / 4
	in.LongLeverage = 1_000 * oneX
	in.CurrentPrice = usdPrice / 2

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.LongPayout)
	assert.Equal(t, 2*in.CollateralAmount, res.ShortPayout)
}

func TestPremiumFee(t *testing.T) {
	fee, err := PremiumFee(-10_000_000, DefaultFeeRate)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), fee)

	fee, err = PremiumFee(99, DefaultFeeRate)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fee, "fee truncates")
}

func TestFromFixed(t *testing.T) {
	assert.Equal(t, "10.5", FromFixed(10_500_000).String())
	assert.Equal(t, "-0.25", FromFixedSigned(-250_000).String())
}

func TestCalculate_ChargedFeeIgnoresRate(t *testing.T) {
	in := base()
	in.FeeRate = 100_000
	in.FeeCharged = true
	in.PremiumFee = 100

	res, err := Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.PremiumFee)
	assert.Equal(t, int64(premium-100), res.PremiumNet)
	assert.Equal(t, uint64(collateral+premium-100), res.LongPayout)
}

func TestCalculate_ChargedFeeAbovePremium(t *testing.T) {
	in := base()
	in.FeeCharged = true
	in.PremiumFee = premium + 1

	_, err := Calculate(in)
	assert.ErrorIs(t, err, model.ErrOverflow)
}

func TestInputFromContract_UsesStoredFee(t *testing.T) {
	c := &model.Contract{
		CollateralAmount: collateral,
		OpenPrice:        usdPrice,
		LongLeverage:     oneX,
		ShortLeverage:    oneX,
		Premium:          -premium,
		PremiumFee:       100,
	}
	in := InputFromContract(c, 12_000_000)
	assert.True(t, in.FeeCharged)
	assert.Equal(t, uint64(100), in.PremiumFee)
	assert.Equal(t, uint64(12_000_000), in.CurrentPrice)
}

func TestPremiumFee_RateAboveWholePremium(t *testing.T) {
	_, err := PremiumFee(premium, MaxFeeRate+1)
	assert.ErrorIs(t, err, model.ErrOverflow)

	fee, err := PremiumFee(premium, MaxFeeRate)
	require.NoError(t, err)
	assert.Equal(t, uint64(premium), fee)
}
