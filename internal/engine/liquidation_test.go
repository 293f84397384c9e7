package engine_test

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"DSCLedger/internal/engine"
	"DSCLedger/internal/event"
	"DSCLedger/internal/fpmath"
	"DSCLedger/internal/ledger"
)

// liquidationFixture sets up a target at health factor 0.8 and a solvent
// liquidator holding enough stable units to cover part of the target's debt.
//
// Target: 10 WETH deposited at $2000, 10000 DSC minted (factor exactly 1.0),
// then the price drops to $1600 (collateral value 16000, factor 0.8).
// Liquidator: 10 WETH deposited, 2000 DSC minted (factor 4.0 at $1600).
func liquidationFixture(t *testing.T, persist chan engine.Output) (*fixture, uuid.UUID, uuid.UUID) {
	t.Helper()
	f := newFixture(t, persist, nil)

	target := f.user
	f.deposit(t, e18(10))
	f.mint(t, e18(10_000))

	liquidator := uuid.New()
	f.weth.Issue(liquidator, e18(10))
	if err := f.eng.DepositCollateralAndMintDSC(uuid.New(), liquidator, "WETH", e18(10), e18(2_000)); err != nil {
		t.Fatalf("liquidator setup: %v", err)
	}

	f.feed.Set(feedPrice(1600))
	return f, liquidator, target
}

// ============================================================================
// Test: liquidation preconditions
// ============================================================================

func TestLiquidate_HealthyTargetIsRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.deposit(t, e18(10))
	f.mint(t, e18(5_000)) // factor 2.0

	liquidator := uuid.New()
	err := f.eng.Liquidate(uuid.New(), liquidator, f.user, "WETH", e18(1_000))
	if !errors.Is(err, engine.ErrHealthFactorOk) {
		t.Fatalf("got %v, want ErrHealthFactorOk", err)
	}
}

func TestLiquidate_RejectsZeroAndUnknownAsset(t *testing.T) {
	f, liquidator, target := liquidationFixture(t, nil)

	if err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", sdkmath.ZeroInt()); !errors.Is(err, engine.ErrZeroAmount) {
		t.Errorf("zero cover: got %v, want ErrZeroAmount", err)
	}
	if err := f.eng.Liquidate(uuid.New(), liquidator, target, "DOGE", e18(1)); !errors.Is(err, engine.ErrAssetNotRegistered) {
		t.Errorf("unknown asset: got %v, want ErrAssetNotRegistered", err)
	}
}

// ============================================================================
// Test: seizure math
// ============================================================================

func TestLiquidate_SeizesEquivalentPlusBonus(t *testing.T) {
	f, liquidator, target := liquidationFixture(t, nil)

	// Covering 2000 DSC at $1600: equivalent collateral is 1.25 WETH, the 10%
	// bonus adds 0.125, so 1.375 WETH moves to the liquidator.
	if err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(2_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	seized := e18(1375).QuoRaw(1000)

	targetBal, _ := f.eng.CollateralBalanceOf(target, "WETH")
	if want := e18(10).Sub(seized); !targetBal.Equal(want) {
		t.Errorf("target collateral: got %s, want %s", targetBal, want)
	}
	if got := f.weth.BalanceOf(liquidator); !got.Equal(seized) {
		t.Errorf("liquidator token balance: got %s, want %s", got, seized)
	}

	info, _ := f.eng.AccountInformation(target)
	if !info.DebtMinted.Equal(e18(8_000)) {
		t.Errorf("target debt: got %s, want 8000e18", info.DebtMinted)
	}

	// The repaid units are burned, not redistributed.
	if got := f.dsc.BalanceOf(liquidator); !got.IsZero() {
		t.Errorf("liquidator stable balance: got %s, want 0", got)
	}
	if got := f.dsc.TotalSupply(); !got.Equal(e18(10_000)) {
		t.Errorf("total supply: got %s, want 10000e18", got)
	}
}

func TestLiquidate_TargetHealthImprovesButMayStayLow(t *testing.T) {
	f, liquidator, target := liquidationFixture(t, nil)

	before, _ := f.eng.HealthFactor(target)
	if err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(2_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	after, _ := f.eng.HealthFactor(target)

	if !after.GT(before) {
		t.Errorf("health factor did not improve: %s -> %s", before, after)
	}
	// Partial liquidation: still below the minimum, open to further rounds.
	if !after.LT(fpmath.MinHealthFactor) {
		t.Errorf("expected a still-unhealthy position, got %s", after)
	}
}

func TestLiquidate_SeizureBeyondCollateralFailsHard(t *testing.T) {
	f, liquidator, target := liquidationFixture(t, nil)

	// Covering the full 10000 debt would seize 6.875 WETH — fine. Covering an
	// amount whose seizure overshoots the deposit must fail, not clamp.
	err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(15_000))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

// ============================================================================
// Test: strict improvement
// ============================================================================

func TestLiquidate_NoImprovementIsRejected(t *testing.T) {
	// With a 50% threshold and 10% bonus, a liquidation only improves the
	// target when collateral value exceeds 1.1x debt. Set up a position at
	// factor 0.5 where seizure makes things worse.
	f := newFixture(t, nil, nil)
	target := f.user

	f.feed.Set(feedPrice(4000))
	f.deposit(t, e18(10))       // $40000
	f.mint(t, e18(20_000))      // factor 1.0
	f.feed.Set(feedPrice(2000)) // value 20000, factor 0.5

	liquidator := uuid.New()
	f.weth.Issue(liquidator, e18(30))
	if err := f.eng.DepositCollateralAndMintDSC(uuid.New(), liquidator, "WETH", e18(30), e18(5_000)); err != nil {
		t.Fatalf("liquidator setup: %v", err)
	}

	err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(2_000))
	if !errors.Is(err, engine.ErrHealthFactorNotImproved) {
		t.Fatalf("got %v, want ErrHealthFactorNotImproved", err)
	}

	// Nothing moved.
	bal, _ := f.eng.CollateralBalanceOf(target, "WETH")
	if !bal.Equal(e18(10)) {
		t.Errorf("target collateral after rejection: got %s, want 10e18", bal)
	}
	info, _ := f.eng.AccountInformation(target)
	if !info.DebtMinted.Equal(e18(20_000)) {
		t.Errorf("target debt after rejection: got %s, want 20000e18", info.DebtMinted)
	}
	if got := f.dsc.BalanceOf(liquidator); !got.Equal(e18(5_000)) {
		t.Errorf("liquidator stable balance after rejection: got %s, want 5000e18", got)
	}
}

// ============================================================================
// Test: liquidator solvency
// ============================================================================

func TestLiquidate_UnhealthyLiquidatorIsRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	target := f.user
	f.deposit(t, e18(10))
	f.mint(t, e18(10_000))

	// The liquidator maxes out too, so the price drop sinks both positions.
	liquidator := uuid.New()
	f.weth.Issue(liquidator, e18(10))
	if err := f.eng.DepositCollateralAndMintDSC(uuid.New(), liquidator, "WETH", e18(10), e18(10_000)); err != nil {
		t.Fatalf("liquidator setup: %v", err)
	}

	f.feed.Set(feedPrice(1600))

	err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(2_000))
	var broken *engine.BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want BrokenHealthFactorError", err)
	}
	if broken.User != liquidator {
		t.Errorf("broken user: got %s, want the liquidator", broken.User)
	}

	bal, _ := f.eng.CollateralBalanceOf(target, "WETH")
	if !bal.Equal(e18(10)) {
		t.Errorf("target collateral after rejection: got %s, want 10e18", bal)
	}
}

// ============================================================================
// Test: repayment failure rollback
// ============================================================================

func TestLiquidate_InsufficientStableRollsBack(t *testing.T) {
	f, _, target := liquidationFixture(t, nil)

	// A liquidator with no stable units fails at the repayment transfer after
	// the collateral has already moved; everything must unwind.
	broke := uuid.New()
	escrowBefore := f.weth.BalanceOf(f.eng.Account())

	err := f.eng.Liquidate(uuid.New(), broke, target, "WETH", e18(2_000))
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	bal, _ := f.eng.CollateralBalanceOf(target, "WETH")
	if !bal.Equal(e18(10)) {
		t.Errorf("target collateral after rollback: got %s, want 10e18", bal)
	}
	info, _ := f.eng.AccountInformation(target)
	if !info.DebtMinted.Equal(e18(10_000)) {
		t.Errorf("target debt after rollback: got %s, want 10000e18", info.DebtMinted)
	}
	if got := f.weth.BalanceOf(f.eng.Account()); !got.Equal(escrowBefore) {
		t.Errorf("escrow balance after rollback: got %s, want %s", got, escrowBefore)
	}
	if got := f.weth.BalanceOf(broke); !got.IsZero() {
		t.Errorf("failed liquidator kept collateral: %s", got)
	}
}

// ============================================================================
// Test: event emission
// ============================================================================

func TestLiquidate_EmitsRedeemBurnAndLiquidationEvents(t *testing.T) {
	persist := make(chan engine.Output, 32)
	f, liquidator, target := liquidationFixture(t, persist)

	// Drain the setup events.
	for len(persist) > 0 {
		<-persist
	}

	if err := f.eng.Liquidate(uuid.New(), liquidator, target, "WETH", e18(2_000)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	want := []event.Type{
		event.TypeCollateralRedeemed,
		event.TypeDebtBurned,
		event.TypeLiquidationExecuted,
	}
	for i, wt := range want {
		out := <-persist
		if out.Envelope.Type != wt {
			t.Errorf("event %d: got %s, want %s", i, out.Envelope.Type, wt)
		}
	}
}
