package ledger

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// ErrInsufficientDebt is the arithmetic failure for burning more stable
// units than a user has minted.
var ErrInsufficientDebt = errors.New("insufficient recorded debt")

// DebtLedger tracks minted stable units per user. Same discipline as the
// collateral ledger: non-negative, hard failure on underflow, engine-owned.
type DebtLedger struct {
	minted map[uuid.UUID]sdkmath.Int
}

func NewDebtLedger() *DebtLedger {
	return &DebtLedger{minted: make(map[uuid.UUID]sdkmath.Int)}
}

// Minted returns the user's outstanding minted amount, zero if none.
func (l *DebtLedger) Minted(user uuid.UUID) sdkmath.Int {
	if amt, ok := l.minted[user]; ok {
		return amt
	}
	return sdkmath.ZeroInt()
}

// Credit records newly minted debt.
func (l *DebtLedger) Credit(user uuid.UUID, amount sdkmath.Int) {
	l.minted[user] = l.Minted(user).Add(amount)
}

// Debit reduces recorded debt, failing with ErrInsufficientDebt on underflow.
func (l *DebtLedger) Debit(user uuid.UUID, amount sdkmath.Int) error {
	minted := l.Minted(user)
	if minted.LT(amount) {
		return fmt.Errorf("%w: user %s: minted=%s, burn=%s",
			ErrInsufficientDebt, user, minted, amount)
	}

	l.minted[user] = minted.Sub(amount)
	return nil
}

// Snapshot returns a serializable copy: user -> minted amount (decimal string).
func (l *DebtLedger) Snapshot() map[string]string {
	snap := make(map[string]string)
	for user, amt := range l.minted {
		if amt.IsZero() {
			continue
		}
		snap[user.String()] = amt.String()
	}
	return snap
}

// Restore replaces the ledger contents from a snapshot.
func (l *DebtLedger) Restore(snap map[string]string) error {
	minted := make(map[uuid.UUID]sdkmath.Int)
	for userStr, amountStr := range snap {
		user, err := uuid.Parse(userStr)
		if err != nil {
			return fmt.Errorf("restore debt: bad user id %q: %w", userStr, err)
		}
		amount, ok := sdkmath.NewIntFromString(amountStr)
		if !ok {
			return fmt.Errorf("restore debt: bad amount %q for %s", amountStr, userStr)
		}
		if amount.IsNegative() {
			return fmt.Errorf("restore debt: negative amount for %s", userStr)
		}
		minted[user] = amount
	}
	l.minted = minted
	return nil
}
