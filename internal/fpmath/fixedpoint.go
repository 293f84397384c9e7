package fpmath

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
)

// System-wide fixed-point constants. The stable unit and all USD values carry
// 18 decimal places; oracle feeds quote with 8 decimals and are scaled up by
// AdditionalFeedPrecision before use.
var (
	// Precision is the 1e18 fixed-point scale of the value unit.
	Precision = sdkmath.NewIntWithDecimal(1, 18)

	// AdditionalFeedPrecision lifts an 8-decimal feed price to 18 decimals.
	AdditionalFeedPrecision = sdkmath.NewIntWithDecimal(1, 10)

	// FeedPrecision is the native scale of oracle feed prices.
	FeedPrecision = sdkmath.NewIntWithDecimal(1, 8)

	// MinHealthFactor is 1.0 scaled: below this a position is liquidatable.
	MinHealthFactor = sdkmath.NewIntWithDecimal(1, 18)

	// MaxHealthFactor is the health factor of a position with zero debt.
	// It is the largest value the 256-bit arithmetic domain can represent.
	MaxHealthFactor = sdkmath.NewIntFromBigInt(
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
	)

	// MaxAmount bounds every externally supplied amount and every single
	// position (per-asset collateral, per-user debt). Together with
	// MaxFeedPrice it guarantees that the products formed below never
	// leave the 256-bit arithmetic domain: the largest intermediate,
	// MaxFeedPrice * AdditionalFeedPrecision * MaxAmount, is 1e74.
	MaxAmount = sdkmath.NewIntWithDecimal(1, 34)

	// MaxFeedPrice bounds accepted 8-decimal feed prices.
	MaxFeedPrice = sdkmath.NewIntWithDecimal(1, 30)
)

// Liquidation parameters, fixed for the system's lifetime. A threshold of 50
// over a precision of 100 means only half of deposited collateral value
// counts toward backing debt (a 2x overcollateralization target); the bonus
// awards liquidators an extra 10% of seized collateral.
const (
	LiquidationThreshold = 50
	LiquidationBonus     = 10
	LiquidationPrecision = 100
)

// UsdValue converts a collateral amount to the 18-decimal value unit at the
// given 8-decimal feed price: price * 1e10 * amount / 1e18.
func UsdValue(feedPrice, amount sdkmath.Int) sdkmath.Int {
	return feedPrice.Mul(AdditionalFeedPrecision).Mul(amount).Quo(Precision)
}

// TokenAmountFromUsd is the inverse of UsdValue: usd * 1e18 / (price * 1e10).
// Division truncates toward zero; the rounding-down bias favors the protocol
// everywhere this is used (minting caps, liquidation sizing).
func TokenAmountFromUsd(feedPrice, usdValue sdkmath.Int) sdkmath.Int {
	return usdValue.Mul(Precision).Quo(feedPrice.Mul(AdditionalFeedPrecision))
}

// HealthFactor computes (collateralValue * threshold / 100) * 1e18 / debt.
// Zero debt is defined as MaxHealthFactor: no debt means no risk, and the
// division by zero is avoided by construction.
func HealthFactor(collateralValue, debt sdkmath.Int) sdkmath.Int {
	if debt.IsZero() {
		return MaxHealthFactor
	}

	adjusted := collateralValue.MulRaw(LiquidationThreshold).QuoRaw(LiquidationPrecision)
	return adjusted.Mul(Precision).Quo(debt)
}

// BonusAmount returns the liquidator's incentive on a seized base amount.
func BonusAmount(base sdkmath.Int) sdkmath.Int {
	return base.MulRaw(LiquidationBonus).QuoRaw(LiquidationPrecision)
}
