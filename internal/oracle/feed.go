package oracle

import (
	"errors"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
)

var (
	// ErrStalePrice is returned when a feed's last observation is older than
	// its staleness timeout.
	ErrStalePrice = errors.New("oracle price is stale")

	// ErrPriceUnavailable is returned when a feed has never observed a price.
	ErrPriceUnavailable = errors.New("oracle price unavailable")
)

// DefaultStaleTimeout bounds how old a feed observation may be before the
// adapter reports it stale.
const DefaultStaleTimeout = 3 * time.Hour

// Price is a single feed observation. Value carries 8 decimal places.
type Price struct {
	Value     sdkmath.Int
	UpdatedAt time.Time
}

// PriceFeed is the capability the engine consumes: a current price, or a
// failure. Staleness checking is the adapter's responsibility; the engine
// only distinguishes "fresh price" from "stale/unavailable".
type PriceFeed interface {
	LatestPrice() (Price, error)
}

// LiveFeed is a PriceFeed fed by an external price stream. It reports
// ErrStalePrice once its last observation ages past the timeout.
type LiveFeed struct {
	mu           sync.RWMutex
	last         Price
	seen         bool
	staleTimeout time.Duration
	now          func() time.Time
}

// NewLiveFeed creates a feed with the given staleness timeout.
// A non-positive timeout falls back to DefaultStaleTimeout.
func NewLiveFeed(staleTimeout time.Duration) *LiveFeed {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &LiveFeed{staleTimeout: staleTimeout, now: time.Now}
}

// StaleTimeout returns the feed's staleness window.
func (f *LiveFeed) StaleTimeout() time.Duration { return f.staleTimeout }

// SetPrice records a new observation. Called by the price ingestion loop.
func (f *LiveFeed) SetPrice(value sdkmath.Int, observedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = Price{Value: value, UpdatedAt: observedAt}
	f.seen = true
}

func (f *LiveFeed) LatestPrice() (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.seen {
		return Price{}, ErrPriceUnavailable
	}
	if f.now().Sub(f.last.UpdatedAt) > f.staleTimeout {
		return Price{}, ErrStalePrice
	}
	return f.last, nil
}

// StaticFeed is a settable test double. It can be forced to report staleness
// or unavailability regardless of the stored price.
type StaticFeed struct {
	price       sdkmath.Int
	stale       bool
	unavailable bool
}

func NewStaticFeed(price sdkmath.Int) *StaticFeed {
	return &StaticFeed{price: price}
}

func (f *StaticFeed) Set(price sdkmath.Int) { f.price = price }
func (f *StaticFeed) SetStale(stale bool)   { f.stale = stale }
func (f *StaticFeed) SetUnavailable(u bool) { f.unavailable = u }

func (f *StaticFeed) LatestPrice() (Price, error) {
	if f.unavailable {
		return Price{}, ErrPriceUnavailable
	}
	if f.stale {
		return Price{}, ErrStalePrice
	}
	return Price{Value: f.price, UpdatedAt: time.Now()}, nil
}
