package engine

import (
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DSCLedger/internal/event"
	"DSCLedger/internal/fpmath"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/token"
)

// CollateralAsset binds a registered symbol to its price feed and its
// transfer collaborator. The registered set is fixed at construction.
type CollateralAsset struct {
	Symbol string
	Feed   oracle.PriceFeed
	Token  token.Token
}

// Output carries an enveloped event out of the engine. The persist channel
// receives every output with a blocking send; the publish channel is
// best-effort (drop on full).
type Output struct {
	Envelope *event.Envelope
}

// Config assembles an Engine. Symbols, Feeds and Tokens are parallel lists;
// a length mismatch is a construction-time validation error.
type Config struct {
	Symbols []string
	Feeds   []oracle.PriceFeed
	Tokens  []token.Token
	Stable  token.StableCoin

	StartSequence int64
	PersistChan   chan<- Output
	PublishChan   chan<- Output
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// Engine owns the collateral and debt ledgers and enforces the health-factor
// invariant on every mutating operation. It is strictly single-threaded:
// callers serialize through the Runtime, and the reentrancy guard rejects
// any mutating entry from within an in-flight external collaborator call.
type Engine struct {
	assets map[string]CollateralAsset
	order  []string
	stable token.StableCoin

	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger

	// The engine's own escrow account with the token collaborators.
	account uuid.UUID

	entered  bool
	sequence int64
	pending  []event.Event

	persistChan chan<- Output
	publishChan chan<- Output
	metrics     *observability.Metrics

	log zerolog.Logger
}

// New validates the collateral registry and builds an engine with empty
// ledgers. The registered asset set is immutable afterwards.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Symbols) != len(cfg.Feeds) || len(cfg.Symbols) != len(cfg.Tokens) {
		return nil, fmt.Errorf("%w: %d symbols, %d feeds, %d tokens",
			ErrMismatchedAssetConfig, len(cfg.Symbols), len(cfg.Feeds), len(cfg.Tokens))
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no collateral assets registered", ErrMismatchedAssetConfig)
	}
	if cfg.Stable == nil {
		return nil, fmt.Errorf("%w: stable coin collaborator missing", ErrMismatchedAssetConfig)
	}

	assets := make(map[string]CollateralAsset, len(cfg.Symbols))
	order := make([]string, 0, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		if _, dup := assets[sym]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrMismatchedAssetConfig, sym)
		}
		if cfg.Feeds[i] == nil || cfg.Tokens[i] == nil {
			return nil, fmt.Errorf("%w: nil feed or token for %s", ErrMismatchedAssetConfig, sym)
		}
		assets[sym] = CollateralAsset{Symbol: sym, Feed: cfg.Feeds[i], Token: cfg.Tokens[i]}
		order = append(order, sym)
	}

	return &Engine{
		assets:      assets,
		order:       order,
		stable:      cfg.Stable,
		collateral:  ledger.NewCollateralLedger(),
		debt:        ledger.NewDebtLedger(),
		account:     uuid.New(),
		sequence:    cfg.StartSequence,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
	}, nil
}

// Account returns the engine's escrow account with the token collaborators.
func (e *Engine) Account() uuid.UUID { return e.account }

// Sequence returns the next event sequence to be assigned.
func (e *Engine) Sequence() int64 { return e.sequence }

// --- Reentrancy guard ---
// Guard state is scoped to a single top-level invocation and reset on every
// exit path via defer.

func (e *Engine) enter() error {
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	return nil
}

func (e *Engine) exit() {
	e.entered = false
	e.pending = e.pending[:0]
}

// --- Valuation ---

func (e *Engine) price(asset string) (sdkmath.Int, error) {
	a, ok := e.assets[asset]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset)
	}
	p, err := a.Feed.LatestPrice()
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("oracle %s: %w", asset, err)
	}
	// Ingestion bounds inbound prices already; a feed value past the cap
	// is unusable for the conversion arithmetic.
	if !p.Value.IsPositive() || p.Value.GT(fpmath.MaxFeedPrice) {
		return sdkmath.Int{}, fmt.Errorf("oracle %s: %w: price %s out of range", asset, oracle.ErrPriceUnavailable, p.Value)
	}
	return p.Value, nil
}

// UsdValue converts a collateral amount to the 18-decimal value unit using
// the asset's live price. Fails if the oracle is stale or unavailable.
func (e *Engine) UsdValue(asset string, amount sdkmath.Int) (sdkmath.Int, error) {
	if err := validateAmount(amount); err != nil {
		return sdkmath.Int{}, err
	}
	price, err := e.price(asset)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return fpmath.UsdValue(price, amount), nil
}

// TokenAmountFromUsd converts a value-unit amount back to an asset amount,
// rounding down.
func (e *Engine) TokenAmountFromUsd(asset string, usdValue sdkmath.Int) (sdkmath.Int, error) {
	if err := validateAmount(usdValue); err != nil {
		return sdkmath.Int{}, err
	}
	price, err := e.price(asset)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return fpmath.TokenAmountFromUsd(price, usdValue), nil
}

func (e *Engine) collateralValueOf(user uuid.UUID) (sdkmath.Int, error) {
	total := sdkmath.ZeroInt()
	for _, sym := range e.order {
		amount := e.collateral.Balance(user, sym)
		if amount.IsZero() {
			continue
		}
		value, err := e.UsdValue(sym, amount)
		if err != nil {
			return sdkmath.Int{}, err
		}
		total = total.Add(value)
	}
	return total, nil
}

// --- Health factor ---
// Always recomputed fresh from ledger state and live prices. A cached ratio
// would let a position appear safe after a price drop.

// HealthFactor returns the user's solvency ratio, MaxHealthFactor when the
// user has no debt.
func (e *Engine) HealthFactor(user uuid.UUID) (sdkmath.Int, error) {
	debt := e.debt.Minted(user)
	if debt.IsZero() {
		return fpmath.MaxHealthFactor, nil
	}
	value, err := e.collateralValueOf(user)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return fpmath.HealthFactor(value, debt), nil
}

// assertHealthy is the central invariant guard, run at the end of every
// state-mutating operation.
func (e *Engine) assertHealthy(user uuid.UUID) error {
	hf, err := e.HealthFactor(user)
	if err != nil {
		return err
	}
	if hf.LT(fpmath.MinHealthFactor) {
		return &BrokenHealthFactorError{User: user, HealthFactor: hf}
	}
	return nil
}

// --- Read-only accessors ---
// Safe to call anytime through the runtime; they reflect the latest
// committed state.

// AccountInformation is the per-user position summary.
type AccountInformation struct {
	DebtMinted           sdkmath.Int
	CollateralValueInUsd sdkmath.Int
	HealthFactor         sdkmath.Int
}

// AccountInformation returns a user's total debt, total collateral value and
// current health factor.
func (e *Engine) AccountInformation(user uuid.UUID) (AccountInformation, error) {
	value, err := e.collateralValueOf(user)
	if err != nil {
		return AccountInformation{}, err
	}
	debt := e.debt.Minted(user)
	return AccountInformation{
		DebtMinted:           debt,
		CollateralValueInUsd: value,
		HealthFactor:         fpmath.HealthFactor(value, debt),
	}, nil
}

// CollateralBalanceOf returns the deposited amount for (user, asset).
func (e *Engine) CollateralBalanceOf(user uuid.UUID, asset string) (sdkmath.Int, error) {
	if _, ok := e.assets[asset]; !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset)
	}
	return e.collateral.Balance(user, asset), nil
}

// CollateralTokens returns the registered symbols in registration order.
func (e *Engine) CollateralTokens() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// --- Event emission ---

func (e *Engine) queue(evt event.Event) {
	e.pending = append(e.pending, evt)
}

// flushEvents envelopes and emits all queued events. Called only after an
// operation has fully committed; the persist send blocks (backpressure),
// the publish send drops on full.
func (e *Engine) flushEvents() {
	now := time.Now()
	for _, evt := range e.pending {
		payload, err := json.Marshal(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: marshal %s event: %v", evt.EventType(), err))
		}

		env := &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			Type:           evt.EventType(),
			User:           evt.Subject(),
			Payload:        payload,
			Timestamp:      now,
		}
		e.sequence++

		out := Output{Envelope: env}
		if e.persistChan != nil {
			select {
			case e.persistChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.PersistBackpressure.Inc()
				}
				e.persistChan <- out
			}
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- out:
			default:
				// Dropped; downstream consumers can rebuild from the event log.
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	e.pending = e.pending[:0]
}

// --- Snapshot support ---

// SnapshotState is the serializable ledger state for warm restart.
type SnapshotState struct {
	Sequence   int64
	Collateral map[string]map[string]string
	Debt       map[string]string
}

// CreateSnapshotState captures the committed ledgers.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:   e.sequence,
		Collateral: e.collateral.Snapshot(),
		Debt:       e.debt.Snapshot(),
	}
}

// RestoreFromSnapshot replaces ledger state. Used on startup only.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := e.collateral.Restore(snap.Collateral); err != nil {
		return err
	}
	if err := e.debt.Restore(snap.Debt); err != nil {
		return err
	}
	e.sequence = snap.Sequence
	return nil
}
