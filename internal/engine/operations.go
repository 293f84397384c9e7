package engine

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DSCLedger/internal/event"
	"DSCLedger/internal/fpmath"
	"DSCLedger/internal/token"
)

// Every mutating operation follows the same sequencing contract:
//
//	validate -> ledger effects -> invariant checks -> external interactions
//
// Internal state is fully mutated before any collaborator is invoked, and the
// health assertion runs on the post-mutation ledger state. Interactions are
// ordered so that a failure can be unwound with simple compensating moves; a
// compensating move that itself fails is a broken collaborator invariant and
// panics, mirroring the all-or-nothing contract.

func validateAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrZeroAmount
	}
	// Caller-supplied amounts are capped so no downstream product can
	// overflow the 256-bit arithmetic domain.
	if amount.GT(fpmath.MaxAmount) {
		return fmt.Errorf("%w: %s", ErrAmountTooLarge, amount)
	}
	return nil
}

func (e *Engine) asset(symbol string) (CollateralAsset, error) {
	a, ok := e.assets[symbol]
	if !ok {
		return CollateralAsset{}, fmt.Errorf("%w: %s", ErrAssetNotRegistered, symbol)
	}
	return a, nil
}

// DepositCollateral credits the caller's collateral position and pulls the
// asset into the engine's escrow account.
func (e *Engine) DepositCollateral(cmdID, user uuid.UUID, asset string, amount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.depositCollateral(cmdID, user, asset, amount); err != nil {
		return err
	}
	e.flushEvents()
	return nil
}

func (e *Engine) depositCollateral(cmdID, user uuid.UUID, asset string, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	a, err := e.asset(asset)
	if err != nil {
		return err
	}

	// The per-position cap keeps ledger balances inside the bound the
	// valuation arithmetic assumes.
	if e.collateral.Balance(user, asset).Add(amount).GT(fpmath.MaxAmount) {
		return fmt.Errorf("%w: %s position", ErrAmountTooLarge, asset)
	}

	// Effects before interactions.
	e.collateral.Credit(user, asset, amount)

	if err := a.Token.Transfer(user, e.account, amount); err != nil {
		e.mustDebitCollateral(user, asset, amount)
		return fmt.Errorf("%w: deposit %s: %w", ErrTransferFailed, asset, err)
	}

	e.queue(&event.CollateralDeposited{CommandID: cmdID, User: user, Asset: asset, Amount: amount})
	return nil
}

// MintDSC records new debt for the caller, enforces the health factor on the
// post-mint state, then issues the stable units.
func (e *Engine) MintDSC(cmdID, user uuid.UUID, amount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.mintDSC(cmdID, user, amount); err != nil {
		return err
	}
	e.flushEvents()
	return nil
}

func (e *Engine) mintDSC(cmdID, user uuid.UUID, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if e.debt.Minted(user).Add(amount).GT(fpmath.MaxAmount) {
		return fmt.Errorf("%w: debt position", ErrAmountTooLarge)
	}

	// Debt is provisionally recorded before the safety check so the check
	// reflects the post-mint state.
	e.debt.Credit(user, amount)

	if err := e.assertHealthy(user); err != nil {
		e.mustDebitDebt(user, amount)
		return err
	}

	if err := e.stable.Mint(user, amount); err != nil {
		e.mustDebitDebt(user, amount)
		return fmt.Errorf("%w: %w", ErrMintFailed, err)
	}

	e.queue(&event.DebtMinted{CommandID: cmdID, User: user, Amount: amount})
	return nil
}

// DepositCollateralAndMintDSC is deposit followed by mint as one atomic unit.
func (e *Engine) DepositCollateralAndMintDSC(cmdID, user uuid.UUID, asset string, collateralAmount, mintAmount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.depositCollateral(cmdID, user, asset, collateralAmount); err != nil {
		return err
	}
	if err := e.mintDSC(cmdID, user, mintAmount); err != nil {
		// Unwind the deposit: the pulled collateral goes back to the user.
		a, _ := e.asset(asset)
		e.mustTransfer(a.Token, e.account, user, collateralAmount)
		e.mustDebitCollateral(user, asset, collateralAmount)
		return err
	}

	e.flushEvents()
	return nil
}

// RedeemCollateral debits the caller's collateral position and returns the
// asset, provided the position stays healthy.
func (e *Engine) RedeemCollateral(cmdID, user uuid.UUID, asset string, amount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.redeemCollateral(cmdID, user, user, asset, amount); err != nil {
		return err
	}
	if err := e.assertHealthy(user); err != nil {
		a, _ := e.asset(asset)
		e.mustTransfer(a.Token, user, e.account, amount)
		e.collateral.Credit(user, asset, amount)
		return err
	}

	e.flushEvents()
	return nil
}

// redeemCollateral debits `from` and transfers the asset to `to`. The caller
// owns the health assertion; liquidation redeems to a third party and checks
// improvement instead.
func (e *Engine) redeemCollateral(cmdID, from, to uuid.UUID, asset string, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	a, err := e.asset(asset)
	if err != nil {
		return err
	}

	// Underflow is a hard arithmetic failure, never a clamp.
	if err := e.collateral.Debit(from, asset, amount); err != nil {
		return err
	}

	if err := a.Token.Transfer(e.account, to, amount); err != nil {
		e.collateral.Credit(from, asset, amount)
		return fmt.Errorf("%w: redeem %s: %w", ErrTransferFailed, asset, err)
	}

	e.queue(&event.CollateralRedeemed{CommandID: cmdID, From: from, To: to, Asset: asset, Amount: amount})
	return nil
}

// BurnDSC destroys stable units held by the caller and reduces their debt.
// Burning can only improve health, but the check runs regardless, uniformly.
func (e *Engine) BurnDSC(cmdID, user uuid.UUID, amount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.burnDSC(cmdID, user, user, amount); err != nil {
		return err
	}
	if err := e.assertHealthy(user); err != nil {
		return err
	}

	e.flushEvents()
	return nil
}

// burnDSC reduces onBehalfOf's recorded debt, paid with payer's stable units.
func (e *Engine) burnDSC(cmdID, onBehalfOf, payer uuid.UUID, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}

	if err := e.debt.Debit(onBehalfOf, amount); err != nil {
		return err
	}

	if err := e.stable.Transfer(payer, e.account, amount); err != nil {
		e.debt.Credit(onBehalfOf, amount)
		return fmt.Errorf("%w: burn: %w", ErrTransferFailed, err)
	}
	if err := e.stable.Burn(e.account, amount); err != nil {
		e.mustTransfer(e.stable, e.account, payer, amount)
		e.debt.Credit(onBehalfOf, amount)
		return fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}

	e.queue(&event.DebtBurned{CommandID: cmdID, OnBehalfOf: onBehalfOf, PaidBy: payer, Amount: amount})
	return nil
}

// RedeemCollateralForDSC burns debt first, then redeems collateral, so the
// health check at redemption time reflects the reduced debt.
func (e *Engine) RedeemCollateralForDSC(cmdID, user uuid.UUID, asset string, collateralAmount, burnAmount sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.burnDSC(cmdID, user, user, burnAmount); err != nil {
		return err
	}
	if err := e.redeemCollateral(cmdID, user, user, asset, collateralAmount); err != nil {
		e.unwindBurn(user, user, burnAmount)
		return err
	}
	if err := e.assertHealthy(user); err != nil {
		a, _ := e.asset(asset)
		e.mustTransfer(a.Token, user, e.account, collateralAmount)
		e.collateral.Credit(user, asset, collateralAmount)
		e.unwindBurn(user, user, burnAmount)
		return err
	}

	e.flushEvents()
	return nil
}

// unwindBurn compensates a committed burn: the engine re-issues the stable
// units to the payer and restores the recorded debt.
func (e *Engine) unwindBurn(onBehalfOf, payer uuid.UUID, amount sdkmath.Int) {
	if err := e.stable.Mint(payer, amount); err != nil {
		panic(fmt.Sprintf("FATAL: compensating mint failed: %v", err))
	}
	e.debt.Credit(onBehalfOf, amount)
}

// --- Compensation helpers ---
// These undo effects already applied in the current operation. Failure here
// means a collaborator violated its atomicity contract.

func (e *Engine) mustTransfer(tok token.Token, from, to uuid.UUID, amount sdkmath.Int) {
	if err := tok.Transfer(from, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: compensating transfer failed: %v", err))
	}
}

func (e *Engine) mustDebitCollateral(user uuid.UUID, asset string, amount sdkmath.Int) {
	if err := e.collateral.Debit(user, asset, amount); err != nil {
		panic(fmt.Sprintf("FATAL: compensating collateral debit failed: %v", err))
	}
}

func (e *Engine) mustDebitDebt(user uuid.UUID, amount sdkmath.Int) {
	if err := e.debt.Debit(user, amount); err != nil {
		panic(fmt.Sprintf("FATAL: compensating debt debit failed: %v", err))
	}
}
