package engine

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DSCLedger/internal/event"
	"DSCLedger/internal/fpmath"
)

// Liquidate lets a third party repay part of an unhealthy position's debt in
// exchange for the equivalent collateral plus a bonus. The target's health
// factor must be below the minimum before, and strictly higher after.
func (e *Engine) Liquidate(cmdID, liquidator, target uuid.UUID, asset string, debtToCover sdkmath.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := validateAmount(debtToCover); err != nil {
		return err
	}
	a, err := e.asset(asset)
	if err != nil {
		return err
	}

	startingHealth, err := e.HealthFactor(target)
	if err != nil {
		return err
	}
	if startingHealth.GTE(fpmath.MinHealthFactor) {
		return fmt.Errorf("%w: health factor %s", ErrHealthFactorOk, startingHealth)
	}

	price, err := e.price(asset)
	if err != nil {
		return err
	}
	base := fpmath.TokenAmountFromUsd(price, debtToCover)
	seized := base.Add(fpmath.BonusAmount(base))

	// Effects on both positions before any interaction.
	if err := e.collateral.Debit(target, asset, seized); err != nil {
		return err
	}
	if err := e.debt.Debit(target, debtToCover); err != nil {
		e.collateral.Credit(target, asset, seized)
		return err
	}

	undo := func() {
		e.debt.Credit(target, debtToCover)
		e.collateral.Credit(target, asset, seized)
	}

	endingHealth, err := e.HealthFactor(target)
	if err != nil {
		undo()
		return err
	}
	if !endingHealth.GT(startingHealth) {
		undo()
		return fmt.Errorf("%w: %s -> %s", ErrHealthFactorNotImproved, startingHealth, endingHealth)
	}

	// The liquidator's own position must survive the repayment.
	if err := e.assertHealthy(liquidator); err != nil {
		undo()
		return err
	}

	if err := a.Token.Transfer(e.account, liquidator, seized); err != nil {
		undo()
		return fmt.Errorf("%w: seize %s: %w", ErrTransferFailed, asset, err)
	}
	if err := e.stable.Transfer(liquidator, e.account, debtToCover); err != nil {
		e.mustTransfer(a.Token, liquidator, e.account, seized)
		undo()
		return fmt.Errorf("%w: repay: %w", ErrTransferFailed, err)
	}
	// Burn last: everything before it can still be unwound.
	if err := e.stable.Burn(e.account, debtToCover); err != nil {
		e.mustTransfer(e.stable, e.account, liquidator, debtToCover)
		e.mustTransfer(a.Token, liquidator, e.account, seized)
		undo()
		return fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}

	e.queue(&event.CollateralRedeemed{CommandID: cmdID, From: target, To: liquidator, Asset: asset, Amount: seized})
	e.queue(&event.DebtBurned{CommandID: cmdID, OnBehalfOf: target, PaidBy: liquidator, Amount: debtToCover})
	e.queue(&event.LiquidationExecuted{
		CommandID:         cmdID,
		Liquidator:        liquidator,
		Target:            target,
		Asset:             asset,
		DebtCovered:       debtToCover,
		CollateralSeized:  seized,
		HealthFactorAfter: endingHealth,
	})
	e.flushEvents()
	return nil
}
