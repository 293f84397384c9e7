package engine

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

var (
	// Validation errors
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrAmountTooLarge        = errors.New("amount exceeds system maximum")
	ErrAssetNotRegistered    = errors.New("collateral asset not registered")
	ErrMismatchedAssetConfig = errors.New("collateral symbols, feeds and tokens must align")

	// Invariant errors
	ErrHealthFactorOk          = errors.New("health factor ok")
	ErrHealthFactorNotImproved = errors.New("health factor not improved")

	// Collaborator errors
	ErrTransferFailed = errors.New("transfer failed")
	ErrMintFailed     = errors.New("mint failed")
	ErrBurnFailed     = errors.New("burn failed")

	// Guard errors
	ErrReentrantCall    = errors.New("reentrant call rejected")
	ErrDuplicateCommand = errors.New("duplicate command")
)

// BrokenHealthFactorError reports a sub-1.0 solvency ratio. It carries the
// computed ratio for diagnostics.
type BrokenHealthFactorError struct {
	User         uuid.UUID
	HealthFactor sdkmath.Int
}

func (e *BrokenHealthFactorError) Error() string {
	return fmt.Sprintf("health factor broken: user %s ratio %s", e.User, e.HealthFactor)
}
