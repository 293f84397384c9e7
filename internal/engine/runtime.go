package engine

import (
	"context"
	"errors"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
)

// Command is a mutating request addressed to the engine. CommandID is the
// client-supplied idempotency token: resubmitting the same ID is rejected
// with ErrDuplicateCommand instead of being applied twice.
type Command interface {
	CommandID() uuid.UUID
	Name() string
}

type DepositCommand struct {
	ID     uuid.UUID
	User   uuid.UUID
	Asset  string
	Amount sdkmath.Int
}

func (c DepositCommand) CommandID() uuid.UUID { return c.ID }
func (c DepositCommand) Name() string         { return "deposit_collateral" }

type MintCommand struct {
	ID     uuid.UUID
	User   uuid.UUID
	Amount sdkmath.Int
}

func (c MintCommand) CommandID() uuid.UUID { return c.ID }
func (c MintCommand) Name() string         { return "mint_dsc" }

type DepositAndMintCommand struct {
	ID               uuid.UUID
	User             uuid.UUID
	Asset            string
	CollateralAmount sdkmath.Int
	MintAmount       sdkmath.Int
}

func (c DepositAndMintCommand) CommandID() uuid.UUID { return c.ID }
func (c DepositAndMintCommand) Name() string         { return "deposit_and_mint" }

type RedeemCommand struct {
	ID     uuid.UUID
	User   uuid.UUID
	Asset  string
	Amount sdkmath.Int
}

func (c RedeemCommand) CommandID() uuid.UUID { return c.ID }
func (c RedeemCommand) Name() string         { return "redeem_collateral" }

type BurnCommand struct {
	ID     uuid.UUID
	User   uuid.UUID
	Amount sdkmath.Int
}

func (c BurnCommand) CommandID() uuid.UUID { return c.ID }
func (c BurnCommand) Name() string         { return "burn_dsc" }

type RedeemForDSCCommand struct {
	ID               uuid.UUID
	User             uuid.UUID
	Asset            string
	CollateralAmount sdkmath.Int
	BurnAmount       sdkmath.Int
}

func (c RedeemForDSCCommand) CommandID() uuid.UUID { return c.ID }
func (c RedeemForDSCCommand) Name() string         { return "redeem_for_dsc" }

type LiquidateCommand struct {
	ID          uuid.UUID
	Liquidator  uuid.UUID
	Target      uuid.UUID
	Asset       string
	DebtToCover sdkmath.Int
}

func (c LiquidateCommand) CommandID() uuid.UUID { return c.ID }
func (c LiquidateCommand) Name() string         { return "liquidate" }

type task struct {
	run  func() error
	done chan error
}

// Runtime serializes all engine access through a single goroutine. Commands
// mutate, queries read; both run on the loop so reads always observe a fully
// committed state.
type Runtime struct {
	engine  *Engine
	dedup   *CommandLRU
	tasks   chan task
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRuntime(e *Engine, dedupCapacity int, metrics *observability.Metrics, logger zerolog.Logger) *Runtime {
	return &Runtime{
		engine:  e,
		dedup:   NewCommandLRU(dedupCapacity),
		tasks:   make(chan task, 1024),
		metrics: metrics,
		log:     logger.With().Str("component", "runtime").Logger(),
	}
}

// Run drains the task channel until ctx is cancelled. It must be the only
// goroutine touching the engine.
func (r *Runtime) Run(ctx context.Context) {
	r.log.Info().Msg("engine runtime started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("engine runtime stopping")
			return
		case t := <-r.tasks:
			t.done <- t.run()
		}
	}
}

func (r *Runtime) submit(ctx context.Context, fn func() error) error {
	t := task{run: fn, done: make(chan error, 1)}
	select {
	case r.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute applies a command on the engine loop. Duplicate command IDs are
// rejected; an ID enters the dedup cache only after its command succeeds, so
// a rejected command may be retried with the same ID.
func (r *Runtime) Execute(ctx context.Context, cmd Command) error {
	return r.submit(ctx, func() error {
		start := time.Now()
		key := cmd.CommandID().String()

		if r.dedup.Contains(key) {
			if r.metrics != nil {
				r.metrics.DuplicateCommands.Inc()
				r.metrics.OpsRejected.WithLabelValues(cmd.Name(), "duplicate").Inc()
			}
			return ErrDuplicateCommand
		}

		err := r.apply(cmd)
		if err != nil {
			reason := rejectReason(err)
			r.log.Warn().
				Str("op", cmd.Name()).
				Str("command_id", key).
				Str("reason", reason).
				Err(err).
				Msg("command rejected")
			if r.metrics != nil {
				r.metrics.OpsRejected.WithLabelValues(cmd.Name(), reason).Inc()
			}
			return err
		}

		evicted := r.dedup.Add(key)
		if r.metrics != nil {
			if evicted {
				r.metrics.DedupLRUEvictions.Inc()
			}
			r.metrics.OpsApplied.WithLabelValues(cmd.Name()).Inc()
			r.metrics.OpDuration.WithLabelValues(cmd.Name()).Observe(time.Since(start).Seconds())
			r.metrics.EngineSequence.Set(float64(r.engine.Sequence()))
			r.metrics.DedupLRUSize.Set(float64(r.dedup.Size()))
			if lc, ok := cmd.(LiquidateCommand); ok {
				r.metrics.Liquidations.WithLabelValues(lc.Asset).Inc()
			}
		}
		return nil
	})
}

func (r *Runtime) apply(cmd Command) error {
	switch c := cmd.(type) {
	case DepositCommand:
		return r.engine.DepositCollateral(c.ID, c.User, c.Asset, c.Amount)
	case MintCommand:
		return r.engine.MintDSC(c.ID, c.User, c.Amount)
	case DepositAndMintCommand:
		return r.engine.DepositCollateralAndMintDSC(c.ID, c.User, c.Asset, c.CollateralAmount, c.MintAmount)
	case RedeemCommand:
		return r.engine.RedeemCollateral(c.ID, c.User, c.Asset, c.Amount)
	case BurnCommand:
		return r.engine.BurnDSC(c.ID, c.User, c.Amount)
	case RedeemForDSCCommand:
		return r.engine.RedeemCollateralForDSC(c.ID, c.User, c.Asset, c.CollateralAmount, c.BurnAmount)
	case LiquidateCommand:
		return r.engine.Liquidate(c.ID, c.Liquidator, c.Target, c.Asset, c.DebtToCover)
	default:
		panic("unknown command type")
	}
}

func rejectReason(err error) string {
	var broken *BrokenHealthFactorError
	switch {
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.As(err, &broken),
		errors.Is(err, ErrHealthFactorOk),
		errors.Is(err, ErrHealthFactorNotImproved):
		return "health_factor"
	case errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrAmountTooLarge),
		errors.Is(err, ErrAssetNotRegistered):
		return "validation"
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientDebt):
		return "arithmetic"
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrPriceUnavailable):
		return "oracle"
	case errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrMintFailed),
		errors.Is(err, ErrBurnFailed):
		return "collaborator"
	default:
		return "internal"
	}
}

// --- Queries ---

func (r *Runtime) AccountInformation(ctx context.Context, user uuid.UUID) (AccountInformation, error) {
	var info AccountInformation
	err := r.submit(ctx, func() error {
		var err error
		info, err = r.engine.AccountInformation(user)
		return err
	})
	return info, err
}

func (r *Runtime) HealthFactor(ctx context.Context, user uuid.UUID) (sdkmath.Int, error) {
	var hf sdkmath.Int
	err := r.submit(ctx, func() error {
		var err error
		hf, err = r.engine.HealthFactor(user)
		return err
	})
	return hf, err
}

func (r *Runtime) CollateralBalanceOf(ctx context.Context, user uuid.UUID, asset string) (sdkmath.Int, error) {
	var bal sdkmath.Int
	err := r.submit(ctx, func() error {
		var err error
		bal, err = r.engine.CollateralBalanceOf(user, asset)
		return err
	})
	return bal, err
}

func (r *Runtime) CollateralTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := r.submit(ctx, func() error {
		tokens = r.engine.CollateralTokens()
		return nil
	})
	return tokens, err
}

func (r *Runtime) UsdValue(ctx context.Context, asset string, amount sdkmath.Int) (sdkmath.Int, error) {
	var v sdkmath.Int
	err := r.submit(ctx, func() error {
		var err error
		v, err = r.engine.UsdValue(asset, amount)
		return err
	})
	return v, err
}

func (r *Runtime) TokenAmountFromUsd(ctx context.Context, asset string, usdValue sdkmath.Int) (sdkmath.Int, error) {
	var v sdkmath.Int
	err := r.submit(ctx, func() error {
		var err error
		v, err = r.engine.TokenAmountFromUsd(asset, usdValue)
		return err
	})
	return v, err
}

// Snapshot captures the engine state on the loop, safe against in-flight
// commands.
func (r *Runtime) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := r.submit(ctx, func() error {
		snap = r.engine.CreateSnapshotState()
		return nil
	})
	return snap, err
}
