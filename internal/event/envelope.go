package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeCollateralDeposited
	TypeCollateralRedeemed
	TypeDebtMinted
	TypeDebtBurned
	TypeLiquidationExecuted
)

// Envelope wraps every event appended to the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable dedup key: command id plus per-command suffix
	IdempotencyKey string

	// Event type discriminator
	Type Type

	// User the ledger mutation applies to
	User string

	// JSON-encoded event payload
	Payload []byte

	// When the engine accepted the operation
	Timestamp time.Time
}

// Event is the interface all event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// Subject returns the user the mutation applies to
	Subject() string
}

func (t Type) String() string {
	switch t {
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralRedeemed:
		return "CollateralRedeemed"
	case TypeDebtMinted:
		return "DebtMinted"
	case TypeDebtBurned:
		return "DebtBurned"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	default:
		return "Unknown"
	}
}
