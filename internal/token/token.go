package token

import (
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

var (
	// ErrTransferRejected is returned when a transfer cannot be honored.
	ErrTransferRejected = errors.New("token transfer rejected")

	// ErrMintRejected is returned when stable-unit issuance fails.
	ErrMintRejected = errors.New("token mint rejected")

	// ErrBurnRejected is returned when stable-unit destruction fails.
	ErrBurnRejected = errors.New("token burn rejected")
)

// Token is the fungible-asset transfer collaborator. The engine is a trusted
// caller: it moves funds between the owner's account and its own escrow
// account. Implementations must either complete the transfer or fail it
// atomically — no partial application.
type Token interface {
	Transfer(from, to uuid.UUID, amount sdkmath.Int) error
	BalanceOf(account uuid.UUID) sdkmath.Int
}

// StableCoin extends Token with issuance and destruction of the pegged
// stable unit.
type StableCoin interface {
	Token
	Mint(to uuid.UUID, amount sdkmath.Int) error
	Burn(from uuid.UUID, amount sdkmath.Int) error
}

// Bank is an in-memory Token. It backs the service's collateral assets and
// the test doubles; balances never go negative.
type Bank struct {
	mu       sync.Mutex
	symbol   string
	balances map[uuid.UUID]sdkmath.Int
}

func NewBank(symbol string) *Bank {
	return &Bank{symbol: symbol, balances: make(map[uuid.UUID]sdkmath.Int)}
}

// Issue credits an account out of thin air. Used for seeding deployments
// and tests; real collateral assets arrive via bridge deposits.
func (b *Bank) Issue(to uuid.UUID, amount sdkmath.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[to] = b.balance(to).Add(amount)
}

func (b *Bank) BalanceOf(account uuid.UUID) sdkmath.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance(account)
}

func (b *Bank) Transfer(from, to uuid.UUID, amount sdkmath.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balance(from)
	if bal.LT(amount) {
		return fmt.Errorf("%w: %s: account %s has %s, needs %s",
			ErrTransferRejected, b.symbol, from, bal, amount)
	}

	b.balances[from] = bal.Sub(amount)
	b.balances[to] = b.balance(to).Add(amount)
	return nil
}

func (b *Bank) balance(account uuid.UUID) sdkmath.Int {
	if bal, ok := b.balances[account]; ok {
		return bal
	}
	return sdkmath.ZeroInt()
}

// StableUnit is an in-memory StableCoin tracking total supply.
type StableUnit struct {
	*Bank
	mu     sync.Mutex
	supply sdkmath.Int
}

func NewStableUnit(symbol string) *StableUnit {
	return &StableUnit{Bank: NewBank(symbol), supply: sdkmath.ZeroInt()}
}

func (s *StableUnit) Mint(to uuid.UUID, amount sdkmath.Int) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount %s", ErrMintRejected, amount)
	}

	s.Bank.Issue(to, amount)

	s.mu.Lock()
	s.supply = s.supply.Add(amount)
	s.mu.Unlock()
	return nil
}

func (s *StableUnit) Burn(from uuid.UUID, amount sdkmath.Int) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount %s", ErrBurnRejected, amount)
	}

	s.Bank.mu.Lock()
	bal := s.Bank.balance(from)
	if bal.LT(amount) {
		s.Bank.mu.Unlock()
		return fmt.Errorf("%w: account %s has %s, burns %s", ErrBurnRejected, from, bal, amount)
	}
	s.Bank.balances[from] = bal.Sub(amount)
	s.Bank.mu.Unlock()

	s.mu.Lock()
	s.supply = s.supply.Sub(amount)
	s.mu.Unlock()
	return nil
}

// TotalSupply returns the outstanding stable-unit supply.
func (s *StableUnit) TotalSupply() sdkmath.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supply
}
