package ledger

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// ErrInsufficientBalance is the arithmetic failure for debiting more
// collateral than a user has deposited. It is distinct from validation
// errors: it signals a caller/accounting mismatch, never a silent clamp.
var ErrInsufficientBalance = errors.New("insufficient collateral balance")

type collateralKey struct {
	User  uuid.UUID
	Asset string
}

// CollateralLedger tracks deposited collateral per (user, asset).
// Balances are non-negative by construction: credits add, debits fail hard
// on underflow. Not thread-safe — owned by the single-threaded engine.
type CollateralLedger struct {
	balances map[collateralKey]sdkmath.Int
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{balances: make(map[collateralKey]sdkmath.Int)}
}

// Balance returns the deposited amount, zero for unknown (user, asset).
func (l *CollateralLedger) Balance(user uuid.UUID, asset string) sdkmath.Int {
	if bal, ok := l.balances[collateralKey{User: user, Asset: asset}]; ok {
		return bal
	}
	return sdkmath.ZeroInt()
}

// Credit adds amount to the user's deposited balance.
func (l *CollateralLedger) Credit(user uuid.UUID, asset string, amount sdkmath.Int) {
	key := collateralKey{User: user, Asset: asset}
	l.balances[key] = l.Balance(user, asset).Add(amount)
}

// Debit removes amount from the user's deposited balance. Debiting beyond
// the recorded balance fails with ErrInsufficientBalance and leaves the
// ledger untouched.
func (l *CollateralLedger) Debit(user uuid.UUID, asset string, amount sdkmath.Int) error {
	key := collateralKey{User: user, Asset: asset}
	bal := l.Balance(user, asset)
	if bal.LT(amount) {
		return fmt.Errorf("%w: user %s asset %s: have=%s, need=%s",
			ErrInsufficientBalance, user, asset, bal, amount)
	}

	l.balances[key] = bal.Sub(amount)
	return nil
}

// Snapshot returns a serializable copy: user -> asset -> amount (decimal string).
func (l *CollateralLedger) Snapshot() map[string]map[string]string {
	snap := make(map[string]map[string]string)
	for key, bal := range l.balances {
		if bal.IsZero() {
			continue
		}
		user := key.User.String()
		if snap[user] == nil {
			snap[user] = make(map[string]string)
		}
		snap[user][key.Asset] = bal.String()
	}
	return snap
}

// Restore replaces the ledger contents from a snapshot.
func (l *CollateralLedger) Restore(snap map[string]map[string]string) error {
	balances := make(map[collateralKey]sdkmath.Int)
	for userStr, assets := range snap {
		user, err := uuid.Parse(userStr)
		if err != nil {
			return fmt.Errorf("restore collateral: bad user id %q: %w", userStr, err)
		}
		for asset, amountStr := range assets {
			amount, ok := sdkmath.NewIntFromString(amountStr)
			if !ok {
				return fmt.Errorf("restore collateral: bad amount %q for %s/%s", amountStr, userStr, asset)
			}
			if amount.IsNegative() {
				return fmt.Errorf("restore collateral: negative amount for %s/%s", userStr, asset)
			}
			balances[collateralKey{User: user, Asset: asset}] = amount
		}
	}
	l.balances = balances
	return nil
}
