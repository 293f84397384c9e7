package event

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// CollateralDeposited fires on every collateral ledger credit.
type CollateralDeposited struct {
	CommandID uuid.UUID   `json:"command_id"`
	User      uuid.UUID   `json:"user"`
	Asset     string      `json:"asset"`
	Amount    sdkmath.Int `json:"amount"`
}

func (e *CollateralDeposited) IdempotencyKey() string {
	return fmt.Sprintf("%s:deposit", e.CommandID)
}

func (e *CollateralDeposited) EventType() Type { return TypeCollateralDeposited }

func (e *CollateralDeposited) Subject() string { return e.User.String() }

// CollateralRedeemed fires on every collateral ledger debit. From and To
// differ when a liquidation redeems a target's collateral to the liquidator.
type CollateralRedeemed struct {
	CommandID uuid.UUID   `json:"command_id"`
	From      uuid.UUID   `json:"from"`
	To        uuid.UUID   `json:"to"`
	Asset     string      `json:"asset"`
	Amount    sdkmath.Int `json:"amount"`
}

func (e *CollateralRedeemed) IdempotencyKey() string {
	return fmt.Sprintf("%s:redeem", e.CommandID)
}

func (e *CollateralRedeemed) EventType() Type { return TypeCollateralRedeemed }

func (e *CollateralRedeemed) Subject() string { return e.From.String() }

// DebtMinted fires when stable units are issued against a position.
type DebtMinted struct {
	CommandID uuid.UUID   `json:"command_id"`
	User      uuid.UUID   `json:"user"`
	Amount    sdkmath.Int `json:"amount"`
}

func (e *DebtMinted) IdempotencyKey() string {
	return fmt.Sprintf("%s:mint", e.CommandID)
}

func (e *DebtMinted) EventType() Type { return TypeDebtMinted }

func (e *DebtMinted) Subject() string { return e.User.String() }

// DebtBurned fires when stable units are destroyed. PaidBy differs from
// OnBehalfOf when a liquidator repays a target's debt.
type DebtBurned struct {
	CommandID  uuid.UUID   `json:"command_id"`
	OnBehalfOf uuid.UUID   `json:"on_behalf_of"`
	PaidBy     uuid.UUID   `json:"paid_by"`
	Amount     sdkmath.Int `json:"amount"`
}

func (e *DebtBurned) IdempotencyKey() string {
	return fmt.Sprintf("%s:burn", e.CommandID)
}

func (e *DebtBurned) EventType() Type { return TypeDebtBurned }

func (e *DebtBurned) Subject() string { return e.OnBehalfOf.String() }

// LiquidationExecuted summarizes a completed liquidation.
type LiquidationExecuted struct {
	CommandID         uuid.UUID   `json:"command_id"`
	Liquidator        uuid.UUID   `json:"liquidator"`
	Target            uuid.UUID   `json:"target"`
	Asset             string      `json:"asset"`
	DebtCovered       sdkmath.Int `json:"debt_covered"`
	CollateralSeized  sdkmath.Int `json:"collateral_seized"`
	HealthFactorAfter sdkmath.Int `json:"health_factor_after"`
}

func (e *LiquidationExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%s:liquidation", e.CommandID)
}

func (e *LiquidationExecuted) EventType() Type { return TypeLiquidationExecuted }

func (e *LiquidationExecuted) Subject() string { return e.Target.String() }
